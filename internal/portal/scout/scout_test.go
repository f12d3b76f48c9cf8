package scout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"portalsync/internal/domain"
	"portalsync/internal/portal"
)

func newTestAdapter(t *testing.T, h http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New("scout", srv.URL+"/api", srv.Client())
}

func TestPublish(t *testing.T) {
	var gotAuth string
	var gotBody listingRequest
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/listings" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"L-1","url":"https://scout.example/L-1","expires_at":"2030-01-01T00:00:00Z"}`))
	})
	l, err := a.Publish(context.Background(), domain.Property{ID: "p1"}, map[string]any{"headline": "Nice"}, "tok")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if l.ExternalID != "L-1" || l.URL != "https://scout.example/L-1" {
		t.Fatalf("listing = %+v", l)
	}
	if l.ExpiresAt == nil || !l.ExpiresAt.Equal(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expires_at = %v", l.ExpiresAt)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotBody.ExternalRef != "p1" || gotBody.Fields["headline"] != "Nice" {
		t.Fatalf("body = %+v", gotBody)
	}
}

func TestPublishErrorsAreClassified(t *testing.T) {
	cases := []struct {
		status int
		header map[string]string
		body   string
		kind   portal.Kind
		msg    string
	}{
		{http.StatusServiceUnavailable, nil, "", portal.KindTransient, "Service Unavailable"},
		{http.StatusUnauthorized, nil, `{"message":"token expired"}`, portal.KindAuth, "token expired"},
		{http.StatusUnprocessableEntity, nil, `{"message":"livingSpace missing"}`, portal.KindValidation, "livingSpace missing"},
		{http.StatusTooManyRequests, map[string]string{"Retry-After": "30"}, "", portal.KindRateLimited, "Too Many Requests"},
		{http.StatusConflict, nil, "account suspended", portal.KindPermanent, "account suspended"},
	}
	for _, c := range cases {
		a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			for k, v := range c.header {
				w.Header().Set(k, v)
			}
			w.WriteHeader(c.status)
			_, _ = w.Write([]byte(c.body))
		})
		_, err := a.Publish(context.Background(), domain.Property{ID: "p"}, nil, "tok")
		var pe *portal.Error
		if !errors.As(err, &pe) {
			t.Fatalf("status %d: expected *portal.Error, got %v", c.status, err)
		}
		if pe.Kind != c.kind || pe.Message != c.msg || pe.StatusCode != c.status {
			t.Errorf("status %d: got %+v", c.status, pe)
		}
		if c.kind == portal.KindRateLimited && pe.RetryAfter != 30*time.Second {
			t.Errorf("retry-after = %s", pe.RetryAfter)
		}
	}
}

func TestPublishTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := a.Publish(ctx, domain.Property{ID: "p"}, nil, "tok")
	var pe *portal.Error
	if !errors.As(err, &pe) || pe.Kind != portal.KindTransient {
		t.Fatalf("expected transient, got %v", err)
	}
}

func TestUnpublishTreatsNotFoundAsDone(t *testing.T) {
	calls := 0
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Method != http.MethodDelete || r.URL.Path != "/api/listings/L-9" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if calls == 1 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	for i := 0; i < 2; i++ {
		if err := a.Unpublish(context.Background(), "L-9", "tok"); err != nil {
			t.Fatalf("unpublish %d: %v", i, err)
		}
	}
}

func TestFetchMetrics(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/listings/L-2/statistics" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"views":120,"contacts":4,"bookmarks":9}`))
	})
	m, err := a.FetchMetrics(context.Background(), "L-2", "tok")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if m.Views != 120 || m.Inquiries != 4 || m.Favorites != 9 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestDefaultSchemaIsWellFormed(t *testing.T) {
	s := DefaultSchema()
	if err := s.Check(); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if a := New("scout-de", "http://x", nil); a.Schema().Portal != "scout-de" {
		t.Fatalf("schema portal = %s", a.Schema().Portal)
	}
}

func TestPublishListingTTLFallback(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"L-2","url":"https://scout.example/L-2"}`))
	})
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a.ListingTTL = 30 * 24 * time.Hour
	a.Now = func() time.Time { return now }
	l, err := a.Publish(context.Background(), domain.Property{ID: "p2"}, nil, "tok")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if l.ExpiresAt == nil || !l.ExpiresAt.Equal(now.Add(a.ListingTTL)) {
		t.Fatalf("expires_at = %v", l.ExpiresAt)
	}
}
