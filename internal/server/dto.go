package server

import (
	"encoding/json"
	"time"

	"portalsync/internal/domain"
)

// Request payloads

type PublishRequest struct {
	Portal     string `json:"portal"`
	PropertyID string `json:"property_id"`
}

type UnpublishRequest struct {
	JobID string `json:"job_id"`
}

type RetryRequest struct {
	Force bool `json:"force,omitempty"`
}

type ValidateRequest struct {
	Portal     string `json:"portal"`
	PropertyID string `json:"property_id"`
}

type AuthorizeRequest struct {
	Tenant string `json:"tenant,omitempty"`
}

type CallbackRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// Responses

type JobStatusResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type JobErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type JobResponse struct {
	ID              string                   `json:"id"`
	PropertyID      string                   `json:"property_id"`
	Portal          string                   `json:"portal"`
	State           string                   `json:"state"`
	PortalListingID string                   `json:"portal_listing_id,omitempty"`
	PortalURL       string                   `json:"portal_url,omitempty"`
	Error           *JobErrorResponse        `json:"error,omitempty"`
	Validation      *domain.PortalValidation `json:"validation,omitempty"`
	AttemptCount    int                      `json:"attempt_count"`
	MaxAttempts     int                      `json:"max_attempts"`
	RunAt           time.Time                `json:"run_at"`
	CreatedAt       time.Time                `json:"created_at"`
	LastTransition  time.Time                `json:"last_transition"`
	PublishedAt     *time.Time               `json:"published_at,omitempty"`
	UnpublishedAt   *time.Time               `json:"unpublished_at,omitempty"`
	ExpiresAt       *time.Time               `json:"expires_at,omitempty"`
}

type MetricsResponse struct {
	JobID       string    `json:"job_id"`
	Portal      string    `json:"portal"`
	ExternalID  string    `json:"external_id"`
	Views       int64     `json:"views"`
	Inquiries   int64     `json:"inquiries"`
	Favorites   int64     `json:"favorites"`
	LastUpdated time.Time `json:"last_updated"`
}

type SyncResponse struct {
	Synced int `json:"synced_count"`
	Errors int `json:"error_count"`
	Total  int `json:"total_count"`
}

type AuthorizeResponse struct {
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
}

type TokenResponse struct {
	Success   bool       `json:"success"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type TestResponse struct {
	Success bool `json:"success"`
}

type PortalResponse struct {
	ID        string     `json:"id"`
	Connected bool       `json:"connected"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	AccountID string     `json:"account_id,omitempty"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	JobID      string          `json:"job_id,omitempty"`
	TS         time.Time       `json:"ts"`
	Payload    json.RawMessage `json:"payload" jsonschema:"type=object,additionalProperties=true"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func jobResponse(j domain.PublishJob) JobResponse {
	out := JobResponse{
		ID:              j.ID,
		PropertyID:      j.PropertyID,
		Portal:          j.Portal,
		State:           string(j.State),
		PortalListingID: j.PortalListingID,
		PortalURL:       j.PortalURL,
		Validation:      j.Validation,
		AttemptCount:    j.AttemptCount,
		MaxAttempts:     j.MaxAttempts,
		RunAt:           j.RunAt,
		CreatedAt:       j.CreatedAt,
		LastTransition:  j.LastTransition,
		PublishedAt:     j.PublishedAt,
		UnpublishedAt:   j.UnpublishedAt,
		ExpiresAt:       j.ExpiresAt,
	}
	if j.Error != nil {
		out.Error = &JobErrorResponse{Kind: string(j.Error.Kind), Message: j.Error.Message}
	}
	return out
}

func jobStatus(j domain.PublishJob) JobStatusResponse {
	return JobStatusResponse{JobID: j.ID, Status: string(j.State)}
}

func mapJobs(items []domain.PublishJob) []JobResponse {
	out := make([]JobResponse, 0, len(items))
	for _, j := range items {
		out = append(out, jobResponse(j))
	}
	return out
}

func metricsResponse(m domain.PropertyMetrics) MetricsResponse {
	return MetricsResponse{
		JobID:       m.JobID,
		Portal:      m.Portal,
		ExternalID:  m.ExternalID,
		Views:       m.Views,
		Inquiries:   m.Inquiries,
		Favorites:   m.Favorites,
		LastUpdated: m.LastUpdated,
	}
}

func eventResponse(e domain.Event) EventResponse {
	out := EventResponse{ID: e.ID, Type: e.Type, JobID: e.JobID, TS: e.TS, Payload: json.RawMessage("{}")}
	if e.Payload != "" {
		if json.Valid([]byte(e.Payload)) {
			out.Payload = json.RawMessage(e.Payload)
		} else {
			out.PayloadRaw = e.Payload
		}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
