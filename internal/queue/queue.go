// Package queue delivers job ids to workers once they are due.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Queue holds job ids until their run time. Delivery is at-least-once; the
// job store decides whether a delivered id still has work to do.
type Queue interface {
	Enqueue(ctx context.Context, jobID string, runAt time.Time) error
	// Dequeue blocks until a due job id is available or ctx is done.
	Dequeue(ctx context.Context) (string, error)
}

type item struct {
	id    string
	runAt time.Time
	index int
}

type itemHeap []*item

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return h[i].runAt.Before(h[j].runAt) }
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Memory is an in-process queue ordered by run time. An id enqueued twice is
// kept once, at the earlier run time.
type Memory struct {
	Now func() time.Time

	mu    sync.Mutex
	items itemHeap
	byID  map[string]*item
	wake  chan struct{}
}

func NewMemory() *Memory {
	return &Memory{byID: map[string]*item{}, wake: make(chan struct{}, 1)}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Memory) Enqueue(ctx context.Context, jobID string, runAt time.Time) error {
	m.mu.Lock()
	if it, ok := m.byID[jobID]; ok {
		if runAt.Before(it.runAt) {
			it.runAt = runAt
			heap.Fix(&m.items, it.index)
		}
	} else {
		it := &item{id: jobID, runAt: runAt}
		heap.Push(&m.items, it)
		m.byID[jobID] = it
	}
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

func (m *Memory) Dequeue(ctx context.Context) (string, error) {
	for {
		m.mu.Lock()
		wait := time.Duration(-1)
		if len(m.items) > 0 {
			top := m.items[0]
			wait = top.runAt.Sub(m.now())
			if wait <= 0 {
				heap.Pop(&m.items)
				delete(m.byID, top.id)
				m.mu.Unlock()
				return top.id, nil
			}
		}
		m.mu.Unlock()

		var timer *time.Timer
		var fire <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return "", ctx.Err()
		case <-m.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Len returns the number of queued ids.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
