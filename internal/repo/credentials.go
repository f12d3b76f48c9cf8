package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"portalsync/internal/domain"
)

const credentialColumns = `tenant_id,portal,access_token,refresh_token,expires_at,scopes,account_id,invalidated,updated_at`

func scanCredential(s scanner) (domain.PortalCredential, error) {
	var (
		c                 domain.PortalCredential
		expiresAt         sql.NullString
		scopes, updatedAt string
		invalidated       int
	)
	err := s.Scan(&c.TenantID, &c.Portal, &c.AccessToken, &c.RefreshToken, &expiresAt, &scopes, &c.AccountID, &invalidated, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	exp, err := parseTimePtr(expiresAt)
	if err != nil {
		return c, err
	}
	if exp != nil {
		c.ExpiresAt = *exp
	}
	if scopes != "" {
		c.Scopes = strings.Split(scopes, " ")
	}
	c.Invalidated = invalidated != 0
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return c, err
	}
	return c, nil
}

func (r Repo) GetCredential(ctx context.Context, tenantID, portal string) (domain.PortalCredential, error) {
	return scanCredential(r.DB.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE tenant_id=? AND portal=?`, tenantID, portal))
}

func (r Repo) ListCredentials(ctx context.Context, tenantID string) ([]domain.PortalCredential, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE tenant_id=? ORDER BY portal`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PortalCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// UpsertCredential stores c, replacing any previous row for the pair.
func (r Repo) UpsertCredential(ctx context.Context, c domain.PortalCredential) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	var exp *time.Time
	if !c.ExpiresAt.IsZero() {
		exp = &c.ExpiresAt
	}
	invalidated := 0
	if c.Invalidated {
		invalidated = 1
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO credentials(`+credentialColumns+`) VALUES (`+placeholders(9)+`)
ON CONFLICT(tenant_id, portal) DO UPDATE SET access_token=excluded.access_token, refresh_token=excluded.refresh_token,
expires_at=excluded.expires_at, scopes=excluded.scopes, account_id=excluded.account_id,
invalidated=excluded.invalidated, updated_at=excluded.updated_at`,
		c.TenantID, c.Portal, c.AccessToken, c.RefreshToken, fmtTimePtr(exp), strings.Join(c.Scopes, " "), c.AccountID, invalidated, fmtTime(c.UpdatedAt))
	return err
}

// UpdateRefreshedCredential stores a refreshed c only while the row is still
// the prev it was refreshed from. It returns ErrStale when an invalidation or a
// newly stored token got there first.
func (r Repo) UpdateRefreshedCredential(ctx context.Context, c, prev domain.PortalCredential) error {
	var exp *time.Time
	if !c.ExpiresAt.IsZero() {
		exp = &c.ExpiresAt
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE credentials SET access_token=?, refresh_token=?, expires_at=?, scopes=?, account_id=?, invalidated=0, updated_at=?
WHERE tenant_id=? AND portal=? AND invalidated=0 AND refresh_token=? AND updated_at=?`,
		c.AccessToken, c.RefreshToken, fmtTimePtr(exp), strings.Join(c.Scopes, " "), c.AccountID, fmtTime(c.UpdatedAt),
		c.TenantID, c.Portal, prev.RefreshToken, fmtTime(prev.UpdatedAt))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

// InvalidateCredential drops the access token and marks the pair as needing re-authorization.
func (r Repo) InvalidateCredential(ctx context.Context, tenantID, portal string, now time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE credentials SET access_token='', invalidated=1, updated_at=? WHERE tenant_id=? AND portal=?`,
		fmtTime(now), tenantID, portal)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// OAuthState is a pending authorization started by the authorize call.
type OAuthState struct {
	State     string
	TenantID  string
	Portal    string
	Verifier  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (r Repo) InsertOAuthState(ctx context.Context, s OAuthState) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO oauth_states(state,tenant_id,portal,verifier,created_at,expires_at) VALUES (?,?,?,?,?,?)`,
		s.State, s.TenantID, s.Portal, s.Verifier, fmtTime(s.CreatedAt), fmtTime(s.ExpiresAt))
	return err
}

// TakeOAuthState deletes and returns the state row; each state can be redeemed once.
func (r Repo) TakeOAuthState(ctx context.Context, state string) (OAuthState, error) {
	var s OAuthState
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		var created, expires string
		err := tx.QueryRowContext(ctx, `SELECT state,tenant_id,portal,verifier,created_at,expires_at FROM oauth_states WHERE state=?`, state).
			Scan(&s.State, &s.TenantID, &s.Portal, &s.Verifier, &created, &expires)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if s.CreatedAt, err = parseTime(created); err != nil {
			return err
		}
		if s.ExpiresAt, err = parseTime(expires); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM oauth_states WHERE state=?`, state)
		return err
	})
	return s, err
}

// PurgeOAuthStates removes states that expired before now.
func (r Repo) PurgeOAuthStates(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM oauth_states WHERE expires_at<?`, fmtTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
