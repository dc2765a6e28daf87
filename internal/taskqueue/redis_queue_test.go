package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/offload/internal/testutil"
)

func newRedisTestQueue(t *testing.T) *RedisQueue {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: testutil.RedisAddr(t)})
	t.Cleanup(func() { client.Close() })

	return NewRedisQueue(client, "offload-test:"+uuid.NewString()+":")
}

func TestRedisQueueRoundTrip(t *testing.T) {
	q := newRedisTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{ID: "t1", Handler: "h", Payload: "data"}))
	require.Equal(t, 1, q.Len())

	task, err := q.Dequeue(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "t1", task.ID)
	require.Equal(t, "data", task.Payload)

	require.NoError(t, q.Ack(ctx, "t1", "w1"))
	require.Equal(t, 0, q.Len())
	require.NoError(t, q.Ack(ctx, "t1", "w1"))
}

func TestRedisQueueLeaseExpiryRedelivers(t *testing.T) {
	q := newRedisTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{ID: "t1", Handler: "h"}))

	_, err := q.Dequeue(ctx, "w1", 100*time.Millisecond)
	require.NoError(t, err)

	ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	task, err := q.Dequeue(ctx2, "w2", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "t1", task.ID)

	require.ErrorIs(t, q.Ack(ctx, "t1", "w1"), ErrLeaseNotHeld)
	require.NoError(t, q.Ack(ctx, "t1", "w2"))
}

func TestRedisQueueNackAndRenew(t *testing.T) {
	q := newRedisTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{ID: "t1", Handler: "h"}))

	_, err := q.Dequeue(ctx, "w1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.RenewLease(ctx, "t1", "w1", time.Minute))

	notBefore := time.Now().Add(200 * time.Millisecond)
	require.NoError(t, q.Nack(ctx, "t1", "w1", notBefore, 1))

	ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	task, err := q.Dequeue(ctx2, "w2", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, task.Attempts)
	require.False(t, time.Now().Before(notBefore))

	require.ErrorIs(t, q.RenewLease(ctx, "t1", "w1", time.Minute), ErrLeaseNotHeld)
}
