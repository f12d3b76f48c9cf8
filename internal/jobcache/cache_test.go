package jobcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"portalsync/internal/domain"
	"portalsync/internal/repo"
)

type countingStore struct {
	mu      sync.Mutex
	calls   int
	jobs    map[string][]domain.PublishJob
	eventID map[string]int64
	// onList runs inside ListJobs, after the jobs were read.
	onList func()
}

func (s *countingStore) ListJobs(ctx context.Context, f repo.JobFilter) ([]domain.PublishJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	jobs := s.jobs[f.TenantID]
	if s.onList != nil {
		s.onList()
	}
	return jobs, nil
}

func (s *countingStore) LatestEventID(ctx context.Context, tenantID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventID[tenantID], nil
}

// write changes a tenant's jobs the way another process would: new rows and a
// new event, but no Deliver call.
func (s *countingStore) write(tenantID string, jobs []domain.PublishJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[tenantID] = jobs
	if s.eventID == nil {
		s.eventID = map[string]int64{}
	}
	s.eventID[tenantID]++
}

func TestReadThroughAndInvalidate(t *testing.T) {
	store := &countingStore{jobs: map[string][]domain.PublishJob{
		"t1": {{ID: "j1", State: domain.JobPending}},
		"t2": {{ID: "j2", State: domain.JobPublished}},
	}}
	c := New(store, 16, time.Minute)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.ListJobs(ctx, repo.JobFilter{TenantID: "t1"}); err != nil {
			t.Fatal(err)
		}
	}
	_, _ = c.ListJobs(ctx, repo.JobFilter{TenantID: "t2"})
	if store.calls != 2 {
		t.Fatalf("store calls = %d, want 2", store.calls)
	}
	if hits, misses := c.Stats(); hits != 2 || misses != 2 {
		t.Fatalf("hits=%d misses=%d", hits, misses)
	}

	store.jobs["t1"] = []domain.PublishJob{{ID: "j1", State: domain.JobValidating}}
	c.Deliver(ctx, domain.Event{TenantID: "t1", JobID: "j1", Type: "job.transition"})
	jobs, _ := c.ListJobs(ctx, repo.JobFilter{TenantID: "t1"})
	if len(jobs) != 1 || jobs[0].State != domain.JobValidating {
		t.Fatalf("stale list served after transition: %+v", jobs)
	}
	// other tenants keep their entries
	_, _ = c.ListJobs(ctx, repo.JobFilter{TenantID: "t2"})
	if store.calls != 3 {
		t.Fatalf("store calls = %d, want 3", store.calls)
	}

	c.InvalidateTenant("")
	if c.Len() != 0 {
		t.Fatalf("purge left %d entries", c.Len())
	}
}

func TestFiltersAreDistinctKeys(t *testing.T) {
	a := key(repo.JobFilter{TenantID: "t1", PropertyID: "p1"})
	b := key(repo.JobFilter{TenantID: "t1", Portal: "p1"})
	c := key(repo.JobFilter{TenantID: "t1", States: []domain.JobState{domain.JobFailed}, Limit: 10})
	if a == b || a == c || b == c {
		t.Fatalf("keys collide: %q %q %q", a, b, c)
	}
}

func TestWritesByOtherProcessesAreSeen(t *testing.T) {
	store := &countingStore{jobs: map[string][]domain.PublishJob{
		"t1": {{ID: "j1", State: domain.JobPending}},
	}}
	c := New(store, 16, time.Minute)
	ctx := context.Background()
	_, _ = c.ListJobs(ctx, repo.JobFilter{TenantID: "t1"})
	_, _ = c.ListJobs(ctx, repo.JobFilter{TenantID: "t1"})
	if store.calls != 1 {
		t.Fatalf("store calls = %d, want 1", store.calls)
	}

	store.write("t1", []domain.PublishJob{{ID: "j1", State: domain.JobCancelled}})
	jobs, err := c.ListJobs(ctx, repo.JobFilter{TenantID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].State != domain.JobCancelled {
		t.Fatalf("stale list served: %+v", jobs)
	}
}

func TestEntriesExpire(t *testing.T) {
	store := &countingStore{jobs: map[string][]domain.PublishJob{"t1": {{ID: "j1"}}}}
	c := New(store, 16, 20*time.Millisecond)
	ctx := context.Background()
	_, _ = c.ListJobs(ctx, repo.JobFilter{TenantID: "t1"})
	time.Sleep(60 * time.Millisecond)
	_, _ = c.ListJobs(ctx, repo.JobFilter{TenantID: "t1"})
	if store.calls != 2 {
		t.Fatalf("store calls = %d, want 2 after expiry", store.calls)
	}
}

func TestFillRacingInvalidationIsNotStored(t *testing.T) {
	store := &countingStore{jobs: map[string][]domain.PublishJob{"t1": {{ID: "j1", State: domain.JobPending}}}}
	c := New(store, 16, time.Minute)
	ctx := context.Background()
	store.onList = func() {
		store.onList = nil
		c.InvalidateTenant("t1")
	}
	_, _ = c.ListJobs(ctx, repo.JobFilter{TenantID: "t1"})
	if c.Len() != 0 {
		t.Fatalf("fill that raced an invalidation was cached")
	}
	_, _ = c.ListJobs(ctx, repo.JobFilter{TenantID: "t1"})
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Len())
	}
}
