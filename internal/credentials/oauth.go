package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"portalsync/internal/domain"
	"portalsync/internal/repo"
)

// Providers holds the OAuth client configuration per portal id.
type Providers map[string]*oauth2.Config

func (p Providers) get(portalID string) (*oauth2.Config, error) {
	cfg, ok := p[portalID]
	if !ok || cfg == nil {
		return nil, fmt.Errorf("%w for portal %s", ErrNotConfigured, portalID)
	}
	return cfg, nil
}

func withClient(ctx context.Context, c *http.Client) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, c)
}

// Flow runs the authorization-code grant with PKCE.
type Flow struct {
	Repo       repo.Repo
	Store      *Store
	Providers  Providers
	StateTTL   time.Duration
	HTTPClient *http.Client
	Now        func() time.Time
}

func (f Flow) now() time.Time {
	if f.Now != nil {
		return f.Now().UTC()
	}
	return time.Now().UTC()
}

// Authorize records a one-time state and returns the portal consent URL.
func (f Flow) Authorize(ctx context.Context, tenantID, portalID string) (authURL, state string, err error) {
	cfg, err := f.Providers.get(portalID)
	if err != nil {
		return "", "", err
	}
	ttl := f.StateTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	now := f.now()
	state = uuid.NewString()
	verifier := oauth2.GenerateVerifier()
	if err := f.Repo.InsertOAuthState(ctx, repo.OAuthState{
		State: state, TenantID: tenantID, Portal: portalID, Verifier: verifier,
		CreatedAt: now, ExpiresAt: now.Add(ttl),
	}); err != nil {
		return "", "", fmt.Errorf("store oauth state: %w", err)
	}
	if _, err := f.Repo.PurgeOAuthStates(ctx, now); err != nil {
		return "", "", fmt.Errorf("purge oauth states: %w", err)
	}
	authURL = cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))
	return authURL, state, nil
}

// Callback redeems state, exchanges code for tokens and stores the credential.
func (f Flow) Callback(ctx context.Context, portalID, code, state string) (domain.PortalCredential, error) {
	cfg, err := f.Providers.get(portalID)
	if err != nil {
		return domain.PortalCredential{}, err
	}
	st, err := f.Repo.TakeOAuthState(ctx, state)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.PortalCredential{}, ErrUnknownState
	}
	if err != nil {
		return domain.PortalCredential{}, err
	}
	if st.Portal != portalID || !f.now().Before(st.ExpiresAt) {
		return domain.PortalCredential{}, ErrUnknownState
	}
	tok, err := cfg.Exchange(withClient(ctx, f.HTTPClient), code, oauth2.VerifierOption(st.Verifier))
	if err != nil {
		return domain.PortalCredential{}, fmt.Errorf("%w: code exchange failed: %v", ErrAuthRequired, err)
	}
	return f.Store.StoreToken(ctx, st.TenantID, portalID, bundleFromToken(tok))
}

// OAuth2Refresher refreshes tokens against each portal's token endpoint.
type OAuth2Refresher struct {
	Providers  Providers
	HTTPClient *http.Client
}

func (r OAuth2Refresher) Refresh(ctx context.Context, portalID, refreshToken string) (domain.TokenBundle, error) {
	cfg, err := r.Providers.get(portalID)
	if err != nil {
		return domain.TokenBundle{}, err
	}
	tok, err := cfg.TokenSource(withClient(ctx, r.HTTPClient), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && rejected(re) {
			return domain.TokenBundle{}, fmt.Errorf("%w: %v", ErrRefreshRejected, err)
		}
		return domain.TokenBundle{}, err
	}
	return bundleFromToken(tok), nil
}

func rejected(re *oauth2.RetrieveError) bool {
	switch re.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		return true
	}
	if re.Response == nil {
		return false
	}
	return re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized
}

func bundleFromToken(tok *oauth2.Token) domain.TokenBundle {
	b := domain.TokenBundle{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry.UTC(),
	}
	if tok.Expiry.IsZero() {
		b.ExpiresAt = time.Time{}
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		b.Scopes = strings.Fields(scope)
	}
	if acc, ok := tok.Extra("account_id").(string); ok {
		b.AccountID = acc
	}
	return b
}
