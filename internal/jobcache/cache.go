// Package jobcache is a read-through projection of job list queries. The job
// store stays authoritative: a cached list is served only while the tenant's
// latest event id matches the one it was loaded at, and entries for a tenant
// are dropped on every transition event of that tenant.
package jobcache

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"portalsync/internal/domain"
	"portalsync/internal/repo"
)

// DefaultTTL bounds how long a list is kept without being reloaded.
const DefaultTTL = time.Minute

// Store is the job store query the cache fronts, plus the event cursor that
// tells it whether a cached list is still current.
type Store interface {
	ListJobs(ctx context.Context, f repo.JobFilter) ([]domain.PublishJob, error)
	LatestEventID(ctx context.Context, tenantID string) (int64, error)
}

type entry struct {
	jobs    []domain.PublishJob
	eventID int64
}

type Cache struct {
	store Store
	lru   *expirable.LRU[string, entry]

	// mu orders fills against invalidations; gen is bumped by every
	// invalidation so a fill that raced one is not stored.
	mu  sync.Mutex
	gen uint64

	hits, misses atomic.Int64
}

// New returns a cache of at most size lists, each kept for at most ttl.
func New(store Store, size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 256
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{store: store, lru: expirable.NewLRU[string, entry](size, nil, ttl)}
}

func key(f repo.JobFilter) string {
	var b strings.Builder
	b.WriteString(f.TenantID)
	b.WriteByte('|')
	b.WriteString(f.PropertyID)
	b.WriteByte('|')
	b.WriteString(f.Portal)
	b.WriteByte('|')
	for i, s := range f.States {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(string(s))
	}
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(f.Limit))
	return b.String()
}

// ListJobs serves f from the cache, loading it from the store on a miss or
// when another writer appended events since the list was loaded.
func (c *Cache) ListJobs(ctx context.Context, f repo.JobFilter) ([]domain.PublishJob, error) {
	k := key(f)
	latest, err := c.store.LatestEventID(ctx, f.TenantID)
	if err != nil {
		return nil, err
	}
	if e, ok := c.lru.Get(k); ok && e.eventID == latest {
		c.hits.Add(1)
		return e.jobs, nil
	}
	c.misses.Add(1)
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	jobs, err := c.store.ListJobs(ctx, f)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.gen == gen {
		c.lru.Add(k, entry{jobs: jobs, eventID: latest})
	}
	c.mu.Unlock()
	return jobs, nil
}

// InvalidateTenant drops every cached list of tenantID. An empty tenant purges all entries.
func (c *Cache) InvalidateTenant(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if tenantID == "" {
		c.lru.Purge()
		return
	}
	prefix := tenantID + "|"
	for _, k := range c.lru.Keys() {
		// lists queried without a tenant span all of them
		if strings.HasPrefix(k, prefix) || strings.HasPrefix(k, "|") {
			c.lru.Remove(k)
		}
	}
}

// Deliver implements events.Sink.
func (c *Cache) Deliver(ctx context.Context, evt domain.Event) {
	c.InvalidateTenant(evt.TenantID)
}

// Stats returns hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Len returns the number of cached lists.
func (c *Cache) Len() int { return c.lru.Len() }
