package domain

// Credential one API key set of a user on an exchange.
type Credential struct {
	ID        string `json:"id" yaml:"id"`
	UserID    string `json:"user_id" yaml:"user_id"`
	Exchange  string `json:"exchange" yaml:"exchange"`
	APIKey    string `json:"-" yaml:"-"`
	APISecret string `json:"-" yaml:"-"`
	// BaseURL optional endpoint override (hyperliquid testnet, etc).
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}
