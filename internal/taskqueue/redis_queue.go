package taskqueue

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue is a persistent task queue backed by Redis.
//
// Layout (all keys under the configured prefix):
//
//	tasks   HASH  task ID -> gob-encoded Task
//	owners  HASH  task ID -> lease owner
//	ready   ZSET  task ID scored by not_before (unix nanos)
//	leased  ZSET  task ID scored by lease expiry (unix nanos)
//
// A claim moves the ID from ready to leased; ZRem's return value arbitrates
// between competing claimers, so only one owner wins a given task.
type RedisQueue struct {
	client       redis.UniversalClient
	prefix       string
	pollInterval time.Duration
}

// NewRedisQueue creates a Redis-backed queue. Keys are namespaced with the
// given prefix ("offload:" if empty).
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "offload:"
	}
	return &RedisQueue{
		client:       client,
		prefix:       prefix,
		pollInterval: 100 * time.Millisecond,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) tasksKey() string  { return q.prefix + "tasks" }
func (q *RedisQueue) ownersKey() string { return q.prefix + "owners" }
func (q *RedisQueue) readyKey() string  { return q.prefix + "ready" }
func (q *RedisQueue) leasedKey() string { return q.prefix + "leased" }

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}

	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.tasksKey(), t.ID, data)
	pipe.ZAdd(ctx, q.readyKey(), redis.Z{
		Score:  float64(t.NotBefore.UnixNano()),
		Member: t.ID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		q.reapExpired(ctx)

		now := time.Now().UnixNano()

		ids, err := q.client.ZRangeByScore(ctx, q.readyKey(), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   formatNanos(now),
			Count: 8,
		}).Result()
		if err != nil {
			return nil, err
		}

		for _, id := range ids {
			// ZRem decides the winner when several workers race for
			// the same task.
			removed, err := q.client.ZRem(ctx, q.readyKey(), id).Result()
			if err != nil {
				return nil, err
			}
			if removed == 0 {
				continue
			}

			expires := time.Now().Add(leaseTTL).UnixNano()
			pipe := q.client.TxPipeline()
			pipe.ZAdd(ctx, q.leasedKey(), redis.Z{
				Score:  float64(expires),
				Member: id,
			})
			pipe.HSet(ctx, q.ownersKey(), id, owner)
			if _, err := pipe.Exec(ctx); err != nil {
				return nil, err
			}

			data, err := q.client.HGet(ctx, q.tasksKey(), id).Bytes()
			if err != nil {
				return nil, err
			}
			return DecodeTask(data)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *RedisQueue) Ack(ctx context.Context, taskID string, owner string) error {
	held, err := q.client.HGet(ctx, q.ownersKey(), taskID).Result()
	if err != nil {
		if err == redis.Nil {
			// Gone already; idempotent.
			return nil
		}
		return err
	}
	if held != owner {
		return ErrLeaseNotHeld
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.leasedKey(), taskID)
	pipe.HDel(ctx, q.ownersKey(), taskID)
	pipe.HDel(ctx, q.tasksKey(), taskID)
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Nack(ctx context.Context, taskID string, owner string, notBefore time.Time, attempts int) error {
	held, err := q.client.HGet(ctx, q.ownersKey(), taskID).Result()
	if err != nil {
		if err == redis.Nil {
			return ErrLeaseNotHeld
		}
		return err
	}
	if held != owner {
		return ErrLeaseNotHeld
	}

	data, err := q.client.HGet(ctx, q.tasksKey(), taskID).Bytes()
	if err != nil {
		return err
	}
	t, err := DecodeTask(data)
	if err != nil {
		return err
	}
	t.NotBefore = notBefore
	t.Attempts = attempts

	updated, err := EncodeTask(*t)
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.leasedKey(), taskID)
	pipe.HDel(ctx, q.ownersKey(), taskID)
	pipe.HSet(ctx, q.tasksKey(), taskID, updated)
	pipe.ZAdd(ctx, q.readyKey(), redis.Z{
		Score:  float64(notBefore.UnixNano()),
		Member: taskID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) RenewLease(ctx context.Context, taskID string, owner string, leaseTTL time.Duration) error {
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}

	held, err := q.client.HGet(ctx, q.ownersKey(), taskID).Result()
	if err != nil {
		if err == redis.Nil {
			return ErrLeaseNotHeld
		}
		return err
	}
	if held != owner {
		return ErrLeaseNotHeld
	}

	q.client.ZAdd(ctx, q.leasedKey(), redis.Z{
		Score:  float64(time.Now().Add(leaseTTL).UnixNano()),
		Member: taskID,
	})
	return nil
}

func (q *RedisQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := q.client.HLen(ctx, q.tasksKey()).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

// reapExpired moves tasks with expired leases back into the ready set.
func (q *RedisQueue) reapExpired(ctx context.Context) {
	now := time.Now().UnixNano()

	ids, err := q.client.ZRangeByScore(ctx, q.leasedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: formatNanos(now),
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}

	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.leasedKey(), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.HDel(ctx, q.ownersKey(), id)
		pipe.ZAdd(ctx, q.readyKey(), redis.Z{
			Score:  float64(now),
			Member: id,
		})
		_, _ = pipe.Exec(ctx)
	}
}

func formatNanos(n int64) string {
	return strconv.FormatInt(n, 10)
}
