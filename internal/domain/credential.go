package domain

import "time"

// PortalCredential is the OAuth material for one (tenant, portal) pair.
type PortalCredential struct {
	TenantID     string    `json:"tenant_id"`
	Portal       string    `json:"portal"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes,omitempty"`
	AccountID    string    `json:"account_id,omitempty"`
	Invalidated  bool      `json:"invalidated"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FreshAt reports whether the access token stays valid for at least skew after now.
func (c PortalCredential) FreshAt(now time.Time, skew time.Duration) bool {
	if c.AccessToken == "" || c.Invalidated {
		return false
	}
	if c.ExpiresAt.IsZero() {
		return true
	}
	return now.Add(skew).Before(c.ExpiresAt)
}

// TokenBundle is what an OAuth callback or refresh yields.
type TokenBundle struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
	AccountID    string
}
