// Package portal defines the contract every listing portal adapter satisfies.
package portal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"portalsync/internal/domain"
	"portalsync/internal/validate"
)

// Listing is what a portal returns for a successful publish.
type Listing struct {
	ExternalID string
	URL        string
	// ExpiresAt is set when the portal applies a listing TTL.
	ExpiresAt *time.Time
}

// Metrics are the engagement counters a portal reports for a listing.
type Metrics struct {
	Views     int64
	Inquiries int64
	Favorites int64
}

// Adapter translates orchestrator calls into one portal's API. Implementations hold no job state.
type Adapter interface {
	ID() string
	Schema() validate.Schema
	Publish(ctx context.Context, p domain.Property, payload map[string]any, token string) (Listing, error)
	Unpublish(ctx context.Context, externalID, token string) error
	FetchMetrics(ctx context.Context, externalID, token string) (Metrics, error)
}

// Tester is implemented by adapters that can verify a credential without side effects.
type Tester interface {
	TestConnection(ctx context.Context, token string) error
}

// Registry indexes adapters by portal id.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: map[string]Adapter{}}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.ID().
func (r *Registry) Register(a Adapter) {
	r.adapters[a.ID()] = a
}

// ErrUnknownPortal is returned for portal ids with no registered adapter.
var ErrUnknownPortal = errors.New("unknown portal")

func (r *Registry) Get(id string) (Adapter, error) {
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPortal, id)
	}
	return a, nil
}

// IDs returns registered portal ids in sorted order.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
