// Package portaltest provides a scriptable in-memory portal adapter.
package portaltest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"portalsync/internal/domain"
	"portalsync/internal/portal"
	"portalsync/internal/validate"
)

// Adapter replays scripted outcomes. Publish consumes PublishErrs in order and
// succeeds once the script is exhausted.
type Adapter struct {
	Name       string
	Rules      validate.Schema
	ListingTTL time.Duration
	Now        func() time.Time
	// BeforeCall runs at the start of every Publish and Unpublish.
	BeforeCall func()

	mu           sync.Mutex
	publishErrs  []error
	unpublishErr []error
	metricsErr   error
	metrics      map[string]portal.Metrics
	listings     map[string]bool
	tokens       []string
	publishes    int
	unpublishes  int
	fetches      int
	seq          int
}

func New(name string, schema validate.Schema) *Adapter {
	schema.Portal = name
	return &Adapter{
		Name:     name,
		Rules:    schema,
		metrics:  map[string]portal.Metrics{},
		listings: map[string]bool{},
	}
}

func (a *Adapter) ID() string              { return a.Name }
func (a *Adapter) Schema() validate.Schema { return a.Rules }

// FailPublish queues errors returned by the next Publish calls.
func (a *Adapter) FailPublish(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.publishErrs = append(a.publishErrs, errs...)
}

// FailUnpublish queues errors returned by the next Unpublish calls.
func (a *Adapter) FailUnpublish(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unpublishErr = append(a.unpublishErr, errs...)
}

// SetMetrics fixes the counters returned for externalID.
func (a *Adapter) SetMetrics(externalID string, m portal.Metrics) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics[externalID] = m
}

// FailMetrics makes every FetchMetrics call return err until reset with nil.
func (a *Adapter) FailMetrics(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metricsErr = err
}

func (a *Adapter) Publish(ctx context.Context, p domain.Property, payload map[string]any, token string) (portal.Listing, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.publishes++
	a.tokens = append(a.tokens, token)
	if a.BeforeCall != nil {
		a.BeforeCall()
	}
	if len(a.publishErrs) > 0 {
		err := a.publishErrs[0]
		a.publishErrs = a.publishErrs[1:]
		if err != nil {
			return portal.Listing{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return portal.Listing{}, err
	}
	a.seq++
	id := fmt.Sprintf("%s-%d", a.Name, a.seq)
	a.listings[id] = true
	l := portal.Listing{ExternalID: id, URL: "https://" + a.Name + ".example/listing/" + id}
	if a.ListingTTL > 0 {
		now := time.Now
		if a.Now != nil {
			now = a.Now
		}
		exp := now().UTC().Add(a.ListingTTL)
		l.ExpiresAt = &exp
	}
	return l, nil
}

func (a *Adapter) Unpublish(ctx context.Context, externalID, token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unpublishes++
	a.tokens = append(a.tokens, token)
	if a.BeforeCall != nil {
		a.BeforeCall()
	}
	if len(a.unpublishErr) > 0 {
		err := a.unpublishErr[0]
		a.unpublishErr = a.unpublishErr[1:]
		if err != nil {
			return err
		}
	}
	delete(a.listings, externalID)
	return nil
}

func (a *Adapter) FetchMetrics(ctx context.Context, externalID, token string) (portal.Metrics, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetches++
	if a.metricsErr != nil {
		return portal.Metrics{}, a.metricsErr
	}
	return a.metrics[externalID], nil
}

// TestConnection fails only if a metrics failure is scripted.
func (a *Adapter) TestConnection(ctx context.Context, token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metricsErr
}

// Calls returns the publish, unpublish and fetch counts.
func (a *Adapter) Calls() (publishes, unpublishes, fetches int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.publishes, a.unpublishes, a.fetches
}

// Tokens returns every token the adapter was called with.
func (a *Adapter) Tokens() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.tokens...)
}

// Live reports whether externalID is currently listed.
func (a *Adapter) Live(externalID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listings[externalID]
}

// Status returns a classified HTTP-status error, e.g. Status(503).
func Status(code int) error {
	return &portal.Error{Kind: portal.ClassifyStatus(code), StatusCode: code, Message: fmt.Sprintf("status %d", code)}
}
