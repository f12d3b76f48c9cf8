package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultDelayKey = "portalsync:delay"
	DefaultReadyKey = "portalsync:ready"
)

// Redis keeps delayed ids in a sorted set scored by run time and due ids in a
// list, so several processes can share one queue.
type Redis struct {
	Client   redis.UniversalClient
	DelayKey string
	ReadyKey string
	Block    time.Duration
	Batch    int64
	Now      func() time.Time
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{Client: client, DelayKey: DefaultDelayKey, ReadyKey: DefaultReadyKey, Block: time.Second, Batch: 200}
}

func (q *Redis) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q *Redis) Enqueue(ctx context.Context, jobID string, runAt time.Time) error {
	if runAt.After(q.now()) {
		return q.Client.ZAdd(ctx, q.DelayKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID}).Err()
	}
	return q.Client.LPush(ctx, q.ReadyKey, jobID).Err()
}

// MoveDue transfers delayed ids whose run time has passed to the ready list.
// An id is pushed only by the caller whose ZREM removed it.
func (q *Redis) MoveDue(ctx context.Context) (int, error) {
	batch := q.Batch
	if batch <= 0 {
		batch = 200
	}
	ids, err := q.Client.ZRangeByScore(ctx, q.DelayKey, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(q.now().UnixMilli(), 10), Count: batch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	pipe := q.Client.TxPipeline()
	removed := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		removed[i] = pipe.ZRem(ctx, q.DelayKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var due []any
	for i, cmd := range removed {
		if cmd.Val() == 1 {
			due = append(due, ids[i])
		}
	}
	if len(due) == 0 {
		return 0, nil
	}
	if err := q.Client.LPush(ctx, q.ReadyKey, due...).Err(); err != nil {
		return 0, err
	}
	return len(due), nil
}

func (q *Redis) Dequeue(ctx context.Context) (string, error) {
	block := q.Block
	if block <= 0 {
		block = time.Second
	}
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if _, err := q.MoveDue(ctx); err != nil {
			return "", err
		}
		res, err := q.Client.BRPop(ctx, block, q.ReadyKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", err
		}
		if len(res) == 2 {
			return res[1], nil
		}
	}
}
