// Package credentials owns portal OAuth state: it hands out usable access
// tokens, refreshes them near expiry and runs the authorize/callback flow.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"portalsync/internal/domain"
	"portalsync/internal/portal"
	"portalsync/internal/repo"
)

var (
	// ErrAuthRequired means the tenant must (re-)authorize the portal.
	ErrAuthRequired = errors.New("portal authorization required")
	// ErrRefreshRejected is returned by a Refresher when the portal refuses the refresh token.
	ErrRefreshRejected = errors.New("refresh token rejected")
	// ErrUnknownState is returned by Callback for unknown, reused or expired states.
	ErrUnknownState = errors.New("unknown or expired oauth state")
	// ErrNotConfigured is returned for portals without OAuth client settings.
	ErrNotConfigured = errors.New("no oauth configuration")
)

// Refresher exchanges a refresh token for a new token bundle.
type Refresher interface {
	Refresh(ctx context.Context, portal, refreshToken string) (domain.TokenBundle, error)
}

type Store struct {
	Repo      repo.Repo
	Refresher Refresher
	// Skew is the margin before expiry within which a token is refreshed.
	Skew           time.Duration
	RefreshTimeout time.Duration
	Now            func() time.Time
	Logger         *zap.Logger

	flight singleflight.Group
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Store) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

// GetValidToken returns a credential whose access token stays valid for at least
// the skew window, refreshing it first when needed.
func (s *Store) GetValidToken(ctx context.Context, tenantID, portalID string) (domain.PortalCredential, error) {
	return s.token(ctx, tenantID, portalID, false)
}

// ForceRefresh refreshes the token regardless of its expiry.
func (s *Store) ForceRefresh(ctx context.Context, tenantID, portalID string) (domain.PortalCredential, error) {
	return s.token(ctx, tenantID, portalID, true)
}

func (s *Store) token(ctx context.Context, tenantID, portalID string, force bool) (domain.PortalCredential, error) {
	c, err := s.load(ctx, tenantID, portalID)
	if err != nil {
		return domain.PortalCredential{}, err
	}
	if !force && c.FreshAt(s.now(), s.Skew) {
		return c, nil
	}
	// Concurrent callers for the same pair share one refresh, detached from
	// the first caller's cancellation.
	key := tenantID + "|" + portalID
	detached := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(key, func() (any, error) {
		return s.refresh(detached, tenantID, portalID, force)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.PortalCredential{}, res.Err
		}
		return res.Val.(domain.PortalCredential), nil
	case <-ctx.Done():
		return domain.PortalCredential{}, ctx.Err()
	}
}

func (s *Store) load(ctx context.Context, tenantID, portalID string) (domain.PortalCredential, error) {
	c, err := s.Repo.GetCredential(ctx, tenantID, portalID)
	if errors.Is(err, repo.ErrNotFound) {
		return c, fmt.Errorf("%w: no credential for %s", ErrAuthRequired, portalID)
	}
	if err != nil {
		return c, fmt.Errorf("load credential: %w", err)
	}
	if c.Invalidated {
		return c, fmt.Errorf("%w: credential for %s was invalidated", ErrAuthRequired, portalID)
	}
	return c, nil
}

func (s *Store) refresh(ctx context.Context, tenantID, portalID string, force bool) (domain.PortalCredential, error) {
	// Re-read inside the flight: a refresh that completed just before this one started
	// already rotated the refresh token.
	c, err := s.load(ctx, tenantID, portalID)
	if err != nil {
		return c, err
	}
	if !force && c.FreshAt(s.now(), s.Skew) {
		return c, nil
	}
	if c.RefreshToken == "" || s.Refresher == nil {
		return c, fmt.Errorf("%w: %s token expired and cannot be refreshed", ErrAuthRequired, portalID)
	}
	timeout := s.RefreshTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := s.logger().With(zap.String("tenant_id", tenantID), zap.String("portal", portalID))
	bundle, err := s.Refresher.Refresh(rctx, portalID, c.RefreshToken)
	if errors.Is(err, ErrRefreshRejected) {
		log.Warn("refresh token rejected; invalidating credential", zap.Error(err))
		if ierr := s.Invalidate(ctx, tenantID, portalID); ierr != nil {
			log.Error("invalidate credential", zap.Error(ierr))
		}
		return c, fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}
	if err != nil {
		log.Warn("token refresh failed", zap.Error(err))
		return c, &portal.Error{Kind: portal.KindTransient, Message: "token refresh failed: " + err.Error(), Err: err}
	}

	next := merge(c, bundle, s.now())
	err = s.Repo.UpdateRefreshedCredential(ctx, next, c)
	if errors.Is(err, repo.ErrStale) {
		// an invalidation or a new authorization landed mid-refresh and wins
		log.Info("credential changed during refresh; keeping the stored one")
		return s.load(ctx, tenantID, portalID)
	}
	if err != nil {
		return c, fmt.Errorf("store refreshed credential: %w", err)
	}
	log.Info("token refreshed", zap.Time("expires_at", next.ExpiresAt))
	return next, nil
}

// merge applies a refresh response; providers that do not rotate refresh tokens omit them.
func merge(c domain.PortalCredential, b domain.TokenBundle, now time.Time) domain.PortalCredential {
	c.AccessToken = b.AccessToken
	c.ExpiresAt = b.ExpiresAt
	if b.RefreshToken != "" {
		c.RefreshToken = b.RefreshToken
	}
	if len(b.Scopes) > 0 {
		c.Scopes = b.Scopes
	}
	if b.AccountID != "" {
		c.AccountID = b.AccountID
	}
	c.Invalidated = false
	c.UpdatedAt = now
	return c
}

// StoreToken upserts the credential after an OAuth callback or an external refresh.
func (s *Store) StoreToken(ctx context.Context, tenantID, portalID string, b domain.TokenBundle) (domain.PortalCredential, error) {
	c := domain.PortalCredential{
		TenantID:     tenantID,
		Portal:       portalID,
		AccessToken:  b.AccessToken,
		RefreshToken: b.RefreshToken,
		ExpiresAt:    b.ExpiresAt,
		Scopes:       b.Scopes,
		AccountID:    b.AccountID,
		UpdatedAt:    s.now(),
	}
	if err := s.Repo.UpsertCredential(ctx, c); err != nil {
		return c, fmt.Errorf("store credential: %w", err)
	}
	return c, nil
}

// Invalidate forces the next GetValidToken for the pair to return ErrAuthRequired.
func (s *Store) Invalidate(ctx context.Context, tenantID, portalID string) error {
	err := s.Repo.InvalidateCredential(ctx, tenantID, portalID, s.now())
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	return err
}

// Status describes whether a tenant can currently call a portal.
type Status struct {
	Portal    string     `json:"portal"`
	Connected bool       `json:"connected"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	AccountID string     `json:"account_id,omitempty"`
}

// Statuses reports credential status for each portal id.
func (s *Store) Statuses(ctx context.Context, tenantID string, portals []string) ([]Status, error) {
	creds, err := s.Repo.ListCredentials(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	byPortal := make(map[string]domain.PortalCredential, len(creds))
	for _, c := range creds {
		byPortal[c.Portal] = c
	}
	out := make([]Status, 0, len(portals))
	for _, id := range portals {
		st := Status{Portal: id}
		if c, ok := byPortal[id]; ok && !c.Invalidated {
			st.Connected = c.FreshAt(s.now(), s.Skew) || c.RefreshToken != ""
			st.AccountID = c.AccountID
			if !c.ExpiresAt.IsZero() {
				exp := c.ExpiresAt
				st.ExpiresAt = &exp
			}
		}
		out = append(out, st)
	}
	return out, nil
}
