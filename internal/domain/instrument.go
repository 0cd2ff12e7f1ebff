package domain

import "github.com/shopspring/decimal"

// InstrumentInfo trading rules the exchange declares for a symbol.
type InstrumentInfo struct {
	// LotPrecision number of decimal places allowed in the order volume.
	LotPrecision int32 `json:"lot_precision"`
	// PricePrecision number of decimal places allowed in the order price.
	PricePrecision int32 `json:"price_precision"`
	// MinOrderSize smallest accepted volume in base currency.
	MinOrderSize decimal.Decimal `json:"min_order_size"`
}

// RoundVolume floors volume to the lot precision so we never sell more than we hold.
func (i InstrumentInfo) RoundVolume(volume decimal.Decimal) decimal.Decimal {
	return volume.RoundFloor(i.LotPrecision)
}

// RoundPrice rounds price to the tick precision.
func (i InstrumentInfo) RoundPrice(price decimal.Decimal) decimal.Decimal {
	return price.Round(i.PricePrecision)
}

// PrecisionFromStep converts a step such as "0.00100000" to a number of decimals (3).
func PrecisionFromStep(step string) int32 {
	d, err := decimal.NewFromString(step)
	if err != nil || !d.IsPositive() {
		return 0
	}
	d = d.Truncate(16)
	precision := int32(0)
	for !d.Equal(d.Truncate(precision)) && precision < 16 {
		precision++
	}
	return precision
}
