package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryOrdersByRunAt(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	now := time.Now()
	_ = q.Enqueue(ctx, "b", now.Add(-time.Second))
	_ = q.Enqueue(ctx, "a", now.Add(-2*time.Second))
	_ = q.Enqueue(ctx, "c", now)

	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Dequeue(ctx)
		if err != nil || got != want {
			t.Fatalf("dequeue = %q, %v; want %q", got, err, want)
		}
	}
}

func TestMemoryDeduplicatesKeepingEarliest(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	_ = q.Enqueue(ctx, "job", time.Now().Add(time.Hour))
	_ = q.Enqueue(ctx, "job", time.Now().Add(-time.Second))
	_ = q.Enqueue(ctx, "job", time.Now().Add(time.Hour))
	if q.Len() != 1 {
		t.Fatalf("len = %d", q.Len())
	}
	got, err := q.Dequeue(ctx)
	if err != nil || got != "job" {
		t.Fatalf("dequeue = %q, %v", got, err)
	}
}

func TestMemoryWaitsForRunAt(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	_ = q.Enqueue(ctx, "later", start.Add(50*time.Millisecond))
	got, err := q.Dequeue(ctx)
	if err != nil || got != "later" {
		t.Fatalf("dequeue = %q, %v", got, err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatalf("delivered before run time")
	}
}

func TestMemoryWakesBlockedConsumer(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	var got string
	var err error
	wg.Add(1)
	go func() {
		defer wg.Done()
		got, err = q.Dequeue(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	_ = q.Enqueue(ctx, "now", time.Now())
	wg.Wait()
	if err != nil || got != "now" {
		t.Fatalf("dequeue = %q, %v", got, err)
	}
}

func TestMemoryDequeueHonoursContext(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func newRedisQueue(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client), mr
}

func TestRedisImmediateAndDelayed(t *testing.T) {
	q, mr := newRedisQueue(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	q.Now = func() time.Time { return now }

	if err := q.Enqueue(ctx, "ready", now); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, "delayed", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if members, _ := mr.ZMembers(DefaultDelayKey); len(members) != 1 || members[0] != "delayed" {
		t.Fatalf("delay set = %v", members)
	}
	got, err := q.Dequeue(ctx)
	if err != nil || got != "ready" {
		t.Fatalf("dequeue = %q, %v", got, err)
	}
	if n, err := q.MoveDue(ctx); err != nil || n != 0 {
		t.Fatalf("premature move = %d, %v", n, err)
	}

	now = now.Add(2 * time.Minute)
	got, err = q.Dequeue(ctx)
	if err != nil || got != "delayed" {
		t.Fatalf("dequeue = %q, %v", got, err)
	}
	if mr.Exists(DefaultDelayKey) {
		t.Fatalf("delay set should be empty")
	}
}

func TestRedisMoveDueOnce(t *testing.T) {
	q, mr := newRedisQueue(t)
	ctx := context.Background()
	now := time.Now()
	q.Now = func() time.Time { return now }
	_ = q.Enqueue(ctx, "j1", now.Add(time.Second))
	_ = q.Enqueue(ctx, "j1", now.Add(2*time.Second))
	now = now.Add(time.Minute)
	if n, err := q.MoveDue(ctx); err != nil || n != 1 {
		t.Fatalf("move = %d, %v", n, err)
	}
	if n, _ := q.MoveDue(ctx); n != 0 {
		t.Fatalf("second move = %d", n)
	}
	if list, _ := mr.List(DefaultReadyKey); len(list) != 1 {
		t.Fatalf("ready list = %v", list)
	}
}
