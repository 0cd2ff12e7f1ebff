package gateway

import (
	"errors"

	"github.com/adshao/go-binance/v2/common"
	"github.com/hirokisan/bybit/v2"

	"github.com/vadiminshakov/ladder/internal/domain"
)

// binance error codes, see https://developers.binance.com/docs/binance-spot-api-docs/errors
var (
	binanceTransientCodes = map[int64]bool{
		-1000: true, // unknown
		-1001: true, // disconnected
		-1003: true, // too many requests
		-1006: true, // unexpected response
		-1007: true, // timeout
		-1008: true, // server busy
		-1015: true, // too many new orders
		-1021: true, // timestamp outside recv window
	}
	binanceCredentialCodes = map[int64]bool{
		-1002: true, // unauthorized
		-1022: true, // invalid signature
		-2014: true, // bad api key format
		-2015: true, // invalid key, ip or permissions
	}
	binancePermanentCodes = map[int64]bool{
		-1013: true, // filter failure
		-1100: true, // illegal characters
		-1102: true, // mandatory parameter missing
		-1111: true, // bad precision
		-1121: true, // invalid symbol
		-2010: true, // new order rejected, includes insufficient balance
		-2011: true, // cancel rejected
	}
)

const binanceNoSuchOrder = -2013

// bybit v5 return codes
var (
	bybitCredentialCodes = map[int]bool{
		10003: true, // invalid api key
		10004: true, // invalid signature
		10005: true, // permission denied
		10007: true, // authentication failed
		10010: true, // unmatched ip
	}
	bybitPermanentCodes = map[int]bool{
		10001:  true, // parameter error
		170121: true, // invalid symbol
		170131: true, // insufficient balance
		170136: true, // order quantity below lower limit
		170137: true, // too many decimals
		170140: true, // order value below lower limit
	}
)

const bybitNoSuchOrder = 110001

func classifyBinance(op, credentialID string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == binanceNoSuchOrder:
			return domain.ErrOrderNotFoundOnExchange
		case binanceCredentialCodes[apiErr.Code]:
			return &domain.CredentialError{CredentialID: credentialID, Err: err}
		case binancePermanentCodes[apiErr.Code]:
			return &domain.PermanentOrderError{Reason: op, Err: err}
		case binanceTransientCodes[apiErr.Code]:
			return &domain.TransientExchangeError{Op: op, Err: err}
		}
	}

	return classifyNetwork(op, err)
}

func classifyBybit(op, credentialID string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr *bybit.ErrorResponse
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.RetCode == bybitNoSuchOrder:
			return domain.ErrOrderNotFoundOnExchange
		case bybitCredentialCodes[apiErr.RetCode]:
			return &domain.CredentialError{CredentialID: credentialID, Err: err}
		case bybitPermanentCodes[apiErr.RetCode]:
			return &domain.PermanentOrderError{Reason: op, Err: err}
		}
	}

	return classifyNetwork(op, err)
}

// classifyNetwork keeps already classified errors and treats everything else
// (timeouts, resets, unknown codes) as transient.
func classifyNetwork(op string, err error) error {
	var (
		transient *domain.TransientExchangeError
		cred      *domain.CredentialError
		perm      *domain.PermanentOrderError
	)
	if errors.As(err, &transient) || errors.As(err, &cred) || errors.As(err, &perm) || errors.Is(err, domain.ErrOrderNotFoundOnExchange) {
		return err
	}
	return &domain.TransientExchangeError{Op: op, Err: err}
}
