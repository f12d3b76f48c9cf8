package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"portalsync/internal/domain"
)

func TestFanoutDeliversInOrder(t *testing.T) {
	var got []string
	f := Fanout{
		SinkFunc(func(ctx context.Context, e domain.Event) { got = append(got, "a:"+e.JobID) }),
		nil,
		SinkFunc(func(ctx context.Context, e domain.Event) { got = append(got, "b:"+e.JobID) }),
	}
	f.Deliver(context.Background(), domain.Event{JobID: "j1"})
	if len(got) != 2 || got[0] != "a:j1" || got[1] != "b:j1" {
		t.Fatalf("got %v", got)
	}
}

func TestRedisSinkPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, RedisChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sink := RedisSink{Client: client}
	sink.Deliver(ctx, domain.Event{ID: 7, Type: TypeJobTransition, TenantID: "t1", JobID: "j1", Payload: `{"from":"pending","to":"validating"}`})

	select {
	case msg := <-sub.Channel():
		var evt domain.Event
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if evt.ID != 7 || evt.JobID != "j1" || evt.TenantID != "t1" {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no message received")
	}
}

func TestRedisSubscriberDeliversBroadcasts(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan domain.Event, 4)
	done := make(chan error, 1)
	go func() {
		done <- RedisSubscriber{Client: client, Sink: SinkFunc(func(ctx context.Context, e domain.Event) { got <- e })}.Run(ctx)
	}()

	data, _ := json.Marshal(domain.Event{ID: 9, Type: TypeJobTransition, TenantID: "t2", JobID: "j9"})
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := client.Publish(ctx, RedisChannel, "not json").Result()
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never joined the channel")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := client.Publish(ctx, RedisChannel, data).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case evt := <-got:
		if evt.ID != 9 || evt.TenantID != "t2" || evt.JobID != "j9" {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event not delivered")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber did not stop")
	}
}

func TestTransitionPayload(t *testing.T) {
	p := TransitionPayload(domain.JobPublishing, domain.JobFailed, domain.KindPermanent)
	if p["from"] != "publishing" || p["to"] != "failed" || p["error_kind"] != "permanent" {
		t.Fatalf("payload = %v", p)
	}
	if _, ok := TransitionPayload(domain.JobPending, domain.JobValidating, "")["error_kind"]; ok {
		t.Fatalf("empty kind should be omitted")
	}
}
