package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"portalsync/internal/db"
	"portalsync/internal/domain"
	"portalsync/internal/migrate"
	"portalsync/internal/portal"
	"portalsync/internal/repo"
)

type fakeRefresher struct {
	calls atomic.Int32
	delay time.Duration
	err   error
	now   func() time.Time
	// during runs while the refresh request is in flight.
	during func()
}

func (f *fakeRefresher) Refresh(ctx context.Context, portalID, refreshToken string) (domain.TokenBundle, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.during != nil {
		f.during()
	}
	if f.err != nil {
		return domain.TokenBundle{}, f.err
	}
	return domain.TokenBundle{
		AccessToken:  fmt.Sprintf("access-%d", n),
		RefreshToken: fmt.Sprintf("refresh-%d", n),
		ExpiresAt:    f.now().Add(time.Hour),
	}, nil
}

func setupStore(t *testing.T, r *fakeRefresher) (*Store, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	rp := repo.Repo{DB: conn}
	now := func() time.Time { return time.Now().UTC() }
	if r != nil {
		r.now = now
	}
	s := &Store{Repo: rp, Skew: 2 * time.Minute, Now: now}
	if r != nil {
		s.Refresher = r
	}
	return s, rp
}

func seed(t *testing.T, s *Store, expiresIn time.Duration) {
	t.Helper()
	_, err := s.StoreToken(context.Background(), "t1", "scout", domain.TokenBundle{
		AccessToken: "access-0", RefreshToken: "refresh-0", ExpiresAt: time.Now().UTC().Add(expiresIn),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestFreshTokenIsReturnedWithoutRefresh(t *testing.T) {
	f := &fakeRefresher{}
	s, _ := setupStore(t, f)
	seed(t, s, time.Hour)
	c, err := s.GetValidToken(context.Background(), "t1", "scout")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.AccessToken != "access-0" || f.calls.Load() != 0 {
		t.Fatalf("token = %s, refreshes = %d", c.AccessToken, f.calls.Load())
	}
}

func TestTokenInsideSkewIsRefreshed(t *testing.T) {
	f := &fakeRefresher{}
	s, rp := setupStore(t, f)
	seed(t, s, time.Minute)
	c, err := s.GetValidToken(context.Background(), "t1", "scout")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.AccessToken != "access-1" || c.RefreshToken != "refresh-1" {
		t.Fatalf("unexpected credential %+v", c)
	}
	stored, _ := rp.GetCredential(context.Background(), "t1", "scout")
	if stored.AccessToken != "access-1" || stored.RefreshToken != "refresh-1" {
		t.Fatalf("refreshed token not persisted: %+v", stored)
	}
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	f := &fakeRefresher{delay: 100 * time.Millisecond}
	s, _ := setupStore(t, f)
	seed(t, s, -time.Minute)

	const n = 16
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errs := make([]error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			c, err := s.GetValidToken(context.Background(), "t1", "scout")
			tokens[i], errs[i] = c.AccessToken, err
		}(i)
	}
	close(start)
	wg.Wait()
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != "access-1" {
			t.Fatalf("caller %d got %s", i, tokens[i])
		}
	}
	if got := f.calls.Load(); got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}
}

func TestMissingCredentialRequiresAuth(t *testing.T) {
	s, _ := setupStore(t, &fakeRefresher{})
	_, err := s.GetValidToken(context.Background(), "t1", "scout")
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
}

func TestRejectedRefreshInvalidates(t *testing.T) {
	f := &fakeRefresher{err: fmt.Errorf("%w: invalid_grant", ErrRefreshRejected)}
	s, rp := setupStore(t, f)
	seed(t, s, -time.Minute)
	_, err := s.GetValidToken(context.Background(), "t1", "scout")
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
	stored, _ := rp.GetCredential(context.Background(), "t1", "scout")
	if !stored.Invalidated {
		t.Fatalf("credential should be invalidated")
	}
	f.err = nil
	if _, err := s.GetValidToken(context.Background(), "t1", "scout"); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("invalidated credential must keep requiring auth, got %v", err)
	}
	if f.calls.Load() != 1 {
		t.Fatalf("no refresh should be attempted after invalidation")
	}
}

func TestRefreshFailureIsTransient(t *testing.T) {
	f := &fakeRefresher{err: errors.New("connection reset")}
	s, rp := setupStore(t, f)
	seed(t, s, -time.Minute)
	_, err := s.GetValidToken(context.Background(), "t1", "scout")
	var pe *portal.Error
	if !errors.As(err, &pe) || pe.Kind != portal.KindTransient {
		t.Fatalf("expected transient portal error, got %v", err)
	}
	if errors.Is(err, ErrAuthRequired) {
		t.Fatalf("network failures must not require re-authorization")
	}
	stored, _ := rp.GetCredential(context.Background(), "t1", "scout")
	if stored.Invalidated {
		t.Fatalf("credential must stay valid after a transient failure")
	}
}

func TestInvalidateAndForceRefresh(t *testing.T) {
	f := &fakeRefresher{}
	s, _ := setupStore(t, f)
	seed(t, s, time.Hour)
	c, err := s.ForceRefresh(context.Background(), "t1", "scout")
	if err != nil || c.AccessToken != "access-1" {
		t.Fatalf("force refresh = %+v, %v", c, err)
	}
	if err := s.Invalidate(context.Background(), "t1", "scout"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := s.GetValidToken(context.Background(), "t1", "scout"); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
	if err := s.Invalidate(context.Background(), "t1", "other"); err != nil {
		t.Fatalf("invalidating a missing credential is a no-op, got %v", err)
	}
	st, err := s.Statuses(context.Background(), "t1", []string{"scout", "other"})
	if err != nil || len(st) != 2 || st[0].Connected || st[1].Connected {
		t.Fatalf("statuses = %+v, %v", st, err)
	}
}

func TestExpiredTokenWithoutRefreshTokenRequiresAuth(t *testing.T) {
	f := &fakeRefresher{}
	s, _ := setupStore(t, f)
	_, err := s.StoreToken(context.Background(), "t1", "scout", domain.TokenBundle{AccessToken: "a", ExpiresAt: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := s.GetValidToken(context.Background(), "t1", "scout"); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
}

func TestInvalidateDuringRefreshWins(t *testing.T) {
	f := &fakeRefresher{}
	s, rp := setupStore(t, f)
	seed(t, s, -time.Minute)
	f.during = func() {
		if err := s.Invalidate(context.Background(), "t1", "scout"); err != nil {
			t.Errorf("invalidate: %v", err)
		}
	}
	if _, err := s.GetValidToken(context.Background(), "t1", "scout"); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
	stored, _ := rp.GetCredential(context.Background(), "t1", "scout")
	if !stored.Invalidated || stored.AccessToken != "" {
		t.Fatalf("refresh undid the invalidation: %+v", stored)
	}
}

func TestNewAuthorizationDuringRefreshWins(t *testing.T) {
	f := &fakeRefresher{}
	s, rp := setupStore(t, f)
	seed(t, s, -time.Minute)
	f.during = func() {
		_, err := s.StoreToken(context.Background(), "t1", "scout", domain.TokenBundle{
			AccessToken: "access-callback", RefreshToken: "refresh-callback", ExpiresAt: time.Now().UTC().Add(time.Hour),
		})
		if err != nil {
			t.Errorf("store token: %v", err)
		}
	}
	c, err := s.GetValidToken(context.Background(), "t1", "scout")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.AccessToken != "access-callback" {
		t.Fatalf("access token = %s, want the newly authorized one", c.AccessToken)
	}
	stored, _ := rp.GetCredential(context.Background(), "t1", "scout")
	if stored.RefreshToken != "refresh-callback" {
		t.Fatalf("stored refresh token = %s", stored.RefreshToken)
	}
}
