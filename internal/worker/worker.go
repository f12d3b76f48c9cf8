// Package worker runs publish jobs off the queue and keeps the queue in step
// with the job store.
package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"portalsync/internal/queue"
)

// Processor executes one job id.
type Processor interface {
	Process(ctx context.Context, jobID string) error
}

// Pool runs Workers goroutines that dequeue and process job ids.
type Pool struct {
	Queue     queue.Queue
	Processor Processor
	Workers   int
	Logger    *zap.Logger

	processed atomic.Int64
}

func (p *Pool) log() *zap.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return zap.NewNop()
}

// Processed returns how many ids the pool has handled.
func (p *Pool) Processed() int64 { return p.processed.Load() }

// Run blocks until ctx is cancelled or the queue fails.
func (p *Pool) Run(ctx context.Context) error {
	n := p.Workers
	if n <= 0 {
		n = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		worker := i
		g.Go(func() error {
			return p.loop(ctx, worker)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) loop(ctx context.Context, worker int) error {
	log := p.log().With(zap.Int("worker", worker))
	for {
		id, err := p.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("dequeue", zap.Error(err))
			// back off so a broken queue connection does not spin
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if err := p.Processor.Process(ctx, id); err != nil {
			log.Error("process job", zap.String("job_id", id), zap.Error(err))
		}
		p.processed.Add(1)
	}
}
