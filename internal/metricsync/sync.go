// Package metricsync polls portals for engagement counters of published listings.
package metricsync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"portalsync/internal/domain"
	"portalsync/internal/portal"
	"portalsync/internal/repo"
)

// TokenProvider supplies portal credentials.
type TokenProvider interface {
	GetValidToken(ctx context.Context, tenantID, portalID string) (domain.PortalCredential, error)
}

// Result reports one sweep.
type Result struct {
	Synced int `json:"synced_count"`
	Errors int `json:"error_count"`
	Total  int `json:"total_count"`
}

// Synchronizer overwrites stored metrics for every published job. Failures are
// logged and counted; job state is never touched.
type Synchronizer struct {
	Repo        repo.Repo
	Portals     *portal.Registry
	Creds       TokenProvider
	Schedule    string
	Concurrency int
	CallTimeout time.Duration
	Now         func() time.Time
	Logger      *zap.Logger

	mu     sync.Mutex
	sweeps atomic.Int64
}

func (s *Synchronizer) log() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

func (s *Synchronizer) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Sweeps returns the number of completed sweeps.
func (s *Synchronizer) Sweeps() int64 { return s.sweeps.Load() }

// Start registers the sweep on Schedule (default "@every 5m") and runs it until
// ctx is cancelled. Ticks that fire while a sweep is running are skipped.
func (s *Synchronizer) Start(ctx context.Context) error {
	spec := s.Schedule
	if spec == "" {
		spec = "@every 5m"
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if !s.mu.TryLock() {
			s.log().Debug("metrics sweep still running; tick skipped")
			return
		}
		defer s.mu.Unlock()
		if _, err := s.sweep(ctx, ""); err != nil && ctx.Err() == nil {
			s.log().Error("metrics sweep", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule metrics sync %q: %w", spec, err)
	}
	c.Start()
	s.log().Info("metrics sync scheduled", zap.String("schedule", spec))
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

// SyncAll runs one sweep over all tenants now, waiting for a running sweep to finish first.
func (s *Synchronizer) SyncAll(ctx context.Context) (Result, error) {
	return s.Sync(ctx, "")
}

// Sync runs one sweep limited to tenantID; an empty tenant covers all of them.
func (s *Synchronizer) Sync(ctx context.Context, tenantID string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweep(ctx, tenantID)
}

func (s *Synchronizer) sweep(ctx context.Context, tenantID string) (Result, error) {
	jobs, err := s.Repo.ListJobs(ctx, repo.JobFilter{TenantID: tenantID, States: []domain.JobState{domain.JobPublished}})
	if err != nil {
		return Result{}, fmt.Errorf("list published jobs: %w", err)
	}
	limit := s.Concurrency
	if limit <= 0 {
		limit = 4
	}
	var synced, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			if err := s.syncJob(gctx, j); err != nil {
				failed.Add(1)
				s.log().Warn("metrics sync failed", zap.String("job_id", j.ID), zap.String("portal", j.Portal), zap.Error(err))
				return nil
			}
			synced.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	s.sweeps.Add(1)
	res := Result{Synced: int(synced.Load()), Errors: int(failed.Load()), Total: len(jobs)}
	s.log().Info("metrics sweep done", zap.Int("synced", res.Synced), zap.Int("errors", res.Errors), zap.Int("total", res.Total))
	return res, ctx.Err()
}

func (s *Synchronizer) syncJob(ctx context.Context, j domain.PublishJob) error {
	if j.PortalListingID == "" {
		return fmt.Errorf("job %s has no listing id", j.ID)
	}
	adapter, err := s.Portals.Get(j.Portal)
	if err != nil {
		return err
	}
	cred, err := s.Creds.GetValidToken(ctx, j.TenantID, j.Portal)
	if err != nil {
		return err
	}
	timeout := s.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	m, err := adapter.FetchMetrics(callCtx, j.PortalListingID, cred.AccessToken)
	if err != nil {
		return portal.Classify(err)
	}
	return s.Repo.UpsertMetrics(ctx, j.TenantID, domain.PropertyMetrics{
		JobID:       j.ID,
		Portal:      j.Portal,
		ExternalID:  j.PortalListingID,
		Views:       m.Views,
		Inquiries:   m.Inquiries,
		Favorites:   m.Favorites,
		LastUpdated: s.now(),
	})
}
