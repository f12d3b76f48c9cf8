package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"portalsync/internal/domain"
)

// Sink receives committed events. Deliver must not block for long.
type Sink interface {
	Deliver(ctx context.Context, evt domain.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evt domain.Event)

func (f SinkFunc) Deliver(ctx context.Context, evt domain.Event) { f(ctx, evt) }

// Fanout delivers each event to every sink in order.
type Fanout []Sink

func (f Fanout) Deliver(ctx context.Context, evt domain.Event) {
	for _, s := range f {
		if s != nil {
			s.Deliver(ctx, evt)
		}
	}
}

// RedisChannel is the pub/sub channel transitions are broadcast on.
const RedisChannel = "portalsync.job.transition"

// RedisSink publishes events as JSON on a Redis channel for other instances and dashboards.
type RedisSink struct {
	Client  redis.UniversalClient
	Channel string
	Logger  *zap.Logger
}

func (s RedisSink) Deliver(ctx context.Context, evt domain.Event) {
	channel := s.Channel
	if channel == "" {
		channel = RedisChannel
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := s.Client.Publish(ctx, channel, data).Err(); err != nil && s.Logger != nil {
		s.Logger.Warn("publish event to redis", zap.Int64("event_id", evt.ID), zap.Error(err))
	}
}

// RedisSubscriber feeds events broadcast by other instances into a local sink.
type RedisSubscriber struct {
	Client  redis.UniversalClient
	Channel string
	Sink    Sink
	Logger  *zap.Logger
}

// Run delivers every event received on the channel until ctx is done.
func (s RedisSubscriber) Run(ctx context.Context) error {
	channel := s.Channel
	if channel == "" {
		channel = RedisChannel
	}
	sub := s.Client.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var evt domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				if s.Logger != nil {
					s.Logger.Warn("decode broadcast event", zap.String("channel", channel), zap.Error(err))
				}
				continue
			}
			s.Sink.Deliver(ctx, evt)
		}
	}
}
