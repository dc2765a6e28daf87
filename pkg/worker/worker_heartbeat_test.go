package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/offload/internal/dispatch"
	"github.com/petrijr/offload/internal/taskqueue"
	"github.com/petrijr/offload/pkg/api"
)

// countingQueue wraps a Queue and counts lease renewals.
type countingQueue struct {
	taskqueue.Queue
	renewals atomic.Int32
}

func (q *countingQueue) RenewLease(ctx context.Context, taskID string, owner string, leaseTTL time.Duration) error {
	q.renewals.Add(1)
	return q.Queue.RenewLease(ctx, taskID, owner, leaseTTL)
}

func TestWorkerHeartbeatRenewsLease(t *testing.T) {
	d := dispatch.NewInMemory()
	q := &countingQueue{Queue: taskqueue.NewInMemoryQueue(16)}
	ctx := context.Background()

	require.NoError(t, d.Register(api.HandlerDefinition{
		Name: "slow",
		Fn: func(ctx context.Context, payload any) (any, error) {
			time.Sleep(250 * time.Millisecond)
			return "done", nil
		},
	}))

	w := NewWithConfig(d, q, Config{
		LeaseTTL:          100 * time.Millisecond,
		HeartbeatInterval: 40 * time.Millisecond,
	})

	_, err := w.Enqueue(ctx, "slow", nil)
	require.NoError(t, err)

	done, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, done.Status)

	// The handler outlived the lease TTL; only renewals kept the task held.
	require.GreaterOrEqual(t, q.renewals.Load(), int32(2))
	require.Equal(t, 0, q.Len())
}

func TestWorkerHeartbeatStopsAfterHandler(t *testing.T) {
	d := dispatch.NewInMemory()
	q := &countingQueue{Queue: taskqueue.NewInMemoryQueue(16)}
	ctx := context.Background()

	require.NoError(t, d.Register(api.HandlerDefinition{
		Name: "fast",
		Fn: func(ctx context.Context, payload any) (any, error) {
			return nil, nil
		},
	}))

	w := NewWithConfig(d, q, Config{
		LeaseTTL:          time.Minute,
		HeartbeatInterval: 20 * time.Millisecond,
	})

	_, err := w.Enqueue(ctx, "fast", nil)
	require.NoError(t, err)

	_, err = w.ProcessOne(ctx)
	require.NoError(t, err)

	after := q.renewals.Load()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, after, q.renewals.Load(), "heartbeat goroutine kept running after settle")
}
