package portalsyncsdk

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
)

// Client is a minimal portalsync HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// TenantID is sent as X-Tenant-ID when the server trusts that header.
	TenantID   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: bearerToken,
		Timeout:     30 * time.Second,
	}
}

// JobStatus is returned by the mutating job endpoints.
type JobStatus struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// JobError is the classified failure of a failed job.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// FieldMapping is the check result for one property field.
type FieldMapping struct {
	Field       string `json:"field"`
	PortalField string `json:"portal_field"`
	Requirement string `json:"requirement"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
}

// Validation is a property checked against one portal schema.
type Validation struct {
	Portal     string         `json:"portal"`
	PropertyID string         `json:"property_id"`
	Mappings   []FieldMapping `json:"mappings"`
	IsValid    bool           `json:"is_valid"`
}

// Job represents the API job model.
type Job struct {
	ID              string      `json:"id"`
	PropertyID      string      `json:"property_id"`
	Portal          string      `json:"portal"`
	State           string      `json:"state"`
	PortalListingID string      `json:"portal_listing_id,omitempty"`
	PortalURL       string      `json:"portal_url,omitempty"`
	Error           *JobError   `json:"error,omitempty"`
	Validation      *Validation `json:"validation,omitempty"`
	AttemptCount    int         `json:"attempt_count"`
	MaxAttempts     int         `json:"max_attempts"`
	RunAt           time.Time   `json:"run_at"`
	CreatedAt       time.Time   `json:"created_at"`
	LastTransition  time.Time   `json:"last_transition"`
	PublishedAt     *time.Time  `json:"published_at,omitempty"`
	UnpublishedAt   *time.Time  `json:"unpublished_at,omitempty"`
	ExpiresAt       *time.Time  `json:"expires_at,omitempty"`
}

// Metrics are the engagement counters of one listing.
type Metrics struct {
	JobID       string    `json:"job_id"`
	Portal      string    `json:"portal"`
	ExternalID  string    `json:"external_id"`
	Views       int64     `json:"views"`
	Inquiries   int64     `json:"inquiries"`
	Favorites   int64     `json:"favorites"`
	LastUpdated time.Time `json:"last_updated"`
}

// SyncResult summarises one metrics sweep.
type SyncResult struct {
	Synced int `json:"synced_count"`
	Errors int `json:"error_count"`
	Total  int `json:"total_count"`
}

// Portal is a configured portal and the tenant's connection status.
type Portal struct {
	ID        string     `json:"id"`
	Connected bool       `json:"connected"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	AccountID string     `json:"account_id,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID      int64          `json:"id"`
	Type    string         `json:"type"`
	JobID   string         `json:"job_id,omitempty"`
	TS      time.Time      `json:"ts"`
	Payload map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	PropertyID string
	Portal     string
	State      string
	Limit      int
}

// APIError wraps non-2xx responses. Code is the error envelope code when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConflict reports whether err is a 409 for an already active job.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "conflict"
}

// IsAuthRequired reports whether the portal needs to be (re)connected.
func IsAuthRequired(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusPreconditionRequired
}

// Publish creates a publish job.
func (c *Client) Publish(ctx context.Context, portal, propertyID string) (JobStatus, error) {
	body := map[string]any{"portal": portal, "property_id": propertyID}
	var resp JobStatus
	err := c.do(ctx, http.MethodPost, "publish", body, &resp)
	return resp, err
}

// Unpublish removes a published listing.
func (c *Client) Unpublish(ctx context.Context, jobID string) (JobStatus, error) {
	var resp JobStatus
	err := c.do(ctx, http.MethodPost, "unpublish", map[string]any{"job_id": jobID}, &resp)
	return resp, err
}

// Retry moves a failed job back to pending; force resets its attempt count.
func (c *Client) Retry(ctx context.Context, jobID string, force bool) (JobStatus, error) {
	var resp JobStatus
	endpoint := fmt.Sprintf("jobs/%s/retry", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"force": force}, &resp)
	return resp, err
}

// Cancel cancels a pending job.
func (c *Client) Cancel(ctx context.Context, jobID string) (JobStatus, error) {
	var resp JobStatus
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("jobs/%s/cancel", url.PathEscape(jobID)), nil, &resp)
	return resp, err
}

// Job fetches a job by id.
func (c *Client) Job(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("jobs/%s", url.PathEscape(jobID)), nil, &resp)
	return resp, err
}

// ListJobs lists the tenant's jobs, newest first.
func (c *Client) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	q := url.Values{}
	if f.PropertyID != "" {
		q.Set("property_id", f.PropertyID)
	}
	if f.Portal != "" {
		q.Set("portal", f.Portal)
	}
	if f.State != "" {
		q.Set("state", f.State)
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}
	endpoint := "jobs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Job
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Validate checks a property against a portal without creating a job.
func (c *Client) Validate(ctx context.Context, portal, propertyID string) (Validation, error) {
	var resp Validation
	err := c.do(ctx, http.MethodPost, "validate", map[string]any{"portal": portal, "property_id": propertyID}, &resp)
	return resp, err
}

// Metrics returns the stored metrics of a listing.
func (c *Client) Metrics(ctx context.Context, externalID string) (Metrics, error) {
	var resp Metrics
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("metrics/%s", url.PathEscape(externalID)), nil, &resp)
	return resp, err
}

// SyncMetrics runs a metrics sweep over the tenant's published listings.
func (c *Client) SyncMetrics(ctx context.Context) (SyncResult, error) {
	var resp SyncResult
	err := c.do(ctx, http.MethodPost, "metrics/sync", nil, &resp)
	return resp, err
}

// Portals lists configured portals with the tenant's connection status.
func (c *Client) Portals(ctx context.Context) ([]Portal, error) {
	var resp []Portal
	err := c.do(ctx, http.MethodGet, "portals", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if c.TenantID != "" {
		req.Header.Set("X-Tenant-ID", c.TenantID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
