// Package scout is the reference adapter for a JSON/REST property-search aggregator.
package scout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"portalsync/internal/domain"
	"portalsync/internal/portal"
	"portalsync/internal/validate"
)

// Adapter talks to the aggregator's listing API.
type Adapter struct {
	Name       string
	BaseURL    string
	HTTPClient *http.Client
	Rules      validate.Schema
	// ListingTTL sets the expiry when the portal does not report one.
	ListingTTL time.Duration
	Now        func() time.Time
}

// New returns an adapter for baseURL using DefaultSchema.
func New(name, baseURL string, client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	schema := DefaultSchema()
	schema.Portal = name
	return &Adapter{Name: name, BaseURL: baseURL, HTTPClient: client, Rules: schema}
}

func (a *Adapter) ID() string              { return a.Name }
func (a *Adapter) Schema() validate.Schema { return a.Rules }

type listingRequest struct {
	ExternalRef string         `json:"external_ref"`
	Fields      map[string]any `json:"fields"`
}

type listingResponse struct {
	ID        string     `json:"id"`
	URL       string     `json:"url"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type statisticsResponse struct {
	Views     int64 `json:"views"`
	Contacts  int64 `json:"contacts"`
	Bookmarks int64 `json:"bookmarks"`
}

type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (a *Adapter) Publish(ctx context.Context, p domain.Property, payload map[string]any, token string) (portal.Listing, error) {
	var resp listingResponse
	body := listingRequest{ExternalRef: p.ID, Fields: payload}
	if err := a.do(ctx, http.MethodPost, "listings", token, body, &resp); err != nil {
		return portal.Listing{}, err
	}
	if resp.ID == "" {
		return portal.Listing{}, &portal.Error{Kind: portal.KindTransient, Message: "listing response without id"}
	}
	l := portal.Listing{ExternalID: resp.ID, URL: resp.URL, ExpiresAt: resp.ExpiresAt}
	if l.ExpiresAt == nil && a.ListingTTL > 0 {
		now := time.Now
		if a.Now != nil {
			now = a.Now
		}
		exp := now().UTC().Add(a.ListingTTL)
		l.ExpiresAt = &exp
	}
	return l, nil
}

// Unpublish deletes the listing. A listing the portal no longer knows counts as removed.
func (a *Adapter) Unpublish(ctx context.Context, externalID, token string) error {
	err := a.do(ctx, http.MethodDelete, "listings/"+url.PathEscape(externalID), token, nil, nil)
	var pe *portal.Error
	if errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (a *Adapter) FetchMetrics(ctx context.Context, externalID, token string) (portal.Metrics, error) {
	var resp statisticsResponse
	if err := a.do(ctx, http.MethodGet, "listings/"+url.PathEscape(externalID)+"/statistics", token, nil, &resp); err != nil {
		return portal.Metrics{}, err
	}
	return portal.Metrics{Views: resp.Views, Inquiries: resp.Contacts, Favorites: resp.Bookmarks}, nil
}

// TestConnection calls the account endpoint with token.
func (a *Adapter) TestConnection(ctx context.Context, token string) error {
	return a.do(ctx, http.MethodGet, "me", token, nil, nil)
}

func (a *Adapter) do(ctx context.Context, method, endpoint, token string, body any, out any) error {
	u := strings.TrimRight(a.BaseURL, "/") + "/" + endpoint
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return &portal.Error{Kind: portal.KindPermanent, Message: fmt.Sprintf("encode request: %v", err), Err: err}
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return &portal.Error{Kind: portal.KindPermanent, Message: err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return portal.Classify(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var er errorResponse
		msg := strings.TrimSpace(string(b))
		if json.Unmarshal(b, &er) == nil && er.Message != "" {
			msg = er.Message
		}
		return portal.FromResponse(resp, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &portal.Error{Kind: portal.KindTransient, Message: fmt.Sprintf("decode response: %v", err), Err: err}
	}
	return nil
}
