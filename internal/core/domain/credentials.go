package domain

import "time"

// MarketplaceCredentials are the application keys issued by the marketplace.
type MarketplaceCredentials struct {
	AppID        string `json:"app_id"`
	CertID       string `json:"cert_id"`
	DevID        string `json:"dev_id"`
	RefreshToken string `json:"refresh_token"`
}

// Validate checks the credentials are complete.
func (c MarketplaceCredentials) Validate() error {
	if c.AppID == "" {
		return Invalid("app_id", "is required")
	}
	if c.CertID == "" {
		return Invalid("cert_id", "is required")
	}
	return nil
}

// MarketplaceToken is an OAuth token pair for the marketplace API.
type MarketplaceToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// tokenExpiryBuffer refreshes tokens slightly before they expire.
const tokenExpiryBuffer = 60 * time.Second

// IsExpired reports whether the access token should be refreshed.
func (t *MarketplaceToken) IsExpired(now time.Time) bool {
	if t == nil || t.AccessToken == "" {
		return true
	}
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(tokenExpiryBuffer).Before(t.ExpiresAt)
}
