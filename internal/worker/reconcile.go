package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"portalsync/internal/queue"
)

// JobStore lists pending jobs that are due.
type JobStore interface {
	DueJobIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Maintainer applies the time-driven transitions.
type Maintainer interface {
	ExpireListings(ctx context.Context) (int, error)
	FailStale(ctx context.Context) (int, error)
}

// Reconciler re-enqueues due jobs the queue lost (restarts, a failed enqueue)
// and runs listing expiry and the stale-attempt reaper.
type Reconciler struct {
	Store    JobStore
	Engine   Maintainer
	Queue    queue.Queue
	Interval time.Duration
	Batch    int
	Now      func() time.Time
	Logger   *zap.Logger

	running atomic.Bool
}

// Result counts what one reconcile pass did.
type Result struct {
	Enqueued int
	Expired  int
	Stale    int
}

func (r *Reconciler) log() *zap.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return zap.NewNop()
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Run reconciles once immediately and then every Interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log().Error("reconcile", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

// RunOnce performs a single pass. Overlapping calls return immediately.
func (r *Reconciler) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	if r.running.Swap(true) {
		return res, nil
	}
	defer r.running.Store(false)

	ids, err := r.Store.DueJobIDs(ctx, r.now(), r.Batch)
	if err != nil {
		return res, fmt.Errorf("list due jobs: %w", err)
	}
	for _, id := range ids {
		if err := r.Queue.Enqueue(ctx, id, r.now()); err != nil {
			return res, fmt.Errorf("enqueue %s: %w", id, err)
		}
		res.Enqueued++
	}
	if res.Expired, err = r.Engine.ExpireListings(ctx); err != nil {
		return res, fmt.Errorf("expire listings: %w", err)
	}
	if res.Stale, err = r.Engine.FailStale(ctx); err != nil {
		return res, fmt.Errorf("fail stale jobs: %w", err)
	}
	if res != (Result{}) {
		r.log().Info("reconciled", zap.Int("enqueued", res.Enqueued), zap.Int("expired", res.Expired), zap.Int("stale", res.Stale))
	}
	return res, nil
}
