package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/offload/internal/dispatch"
	"github.com/petrijr/offload/internal/taskqueue"
	"github.com/petrijr/offload/pkg/api"
)

func TestWorkerRedeliveryAfterFailure(t *testing.T) {
	d := dispatch.NewInMemory()
	q := taskqueue.NewInMemoryQueue(16)
	ctx := context.Background()

	calls := 0
	require.NoError(t, d.Register(api.HandlerDefinition{
		Name: "flaky",
		Fn: func(ctx context.Context, payload any) (any, error) {
			calls++
			if calls < 2 {
				return nil, errors.New("transient")
			}
			return "ok", nil
		},
	}))

	w := NewWithConfig(d, q, Config{
		MaxAttempts:       3,
		RedeliveryBackoff: 10 * time.Millisecond,
	})

	_, err := w.Enqueue(ctx, "flaky", nil)
	require.NoError(t, err)

	// First delivery fails; the task is nacked, not acked.
	done, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	require.Equal(t, api.StatusFailed, done.Status)
	require.Equal(t, 1, q.Len(), "failed task must stay queued for redelivery")

	// Second delivery succeeds.
	done, err = w.ProcessOne(ctx)
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, done.Status)
	require.Equal(t, 2, calls)
	require.Equal(t, 0, q.Len())
}

func TestWorkerRedeliveryExhaustion(t *testing.T) {
	d := dispatch.NewInMemory()
	q := taskqueue.NewInMemoryQueue(16)
	ctx := context.Background()

	calls := 0
	require.NoError(t, d.Register(api.HandlerDefinition{
		Name: "hopeless",
		Fn: func(ctx context.Context, payload any) (any, error) {
			calls++
			return nil, errors.New("always")
		},
	}))

	w := NewWithConfig(d, q, Config{
		MaxAttempts:       2,
		RedeliveryBackoff: 10 * time.Millisecond,
	})

	job, err := w.Enqueue(ctx, "hopeless", nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		done, err := w.ProcessOne(ctx)
		require.NoError(t, err)
		require.Equal(t, api.StatusFailed, done.Status)
	}

	require.Equal(t, 2, calls)
	require.Equal(t, 0, q.Len(), "exhausted task must be acked away")

	got, err := d.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusFailed, got.Status)
}

func TestWorkerCancelledJobNotRedelivered(t *testing.T) {
	d := dispatch.NewInMemory()
	q := taskqueue.NewInMemoryQueue(16)
	ctx := context.Background()

	started := make(chan struct{})
	require.NoError(t, d.Register(api.HandlerDefinition{
		Name: "longrun",
		Fn: func(ctx context.Context, payload any) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, context.Cause(ctx)
		},
	}))

	w := NewWithConfig(d, q, Config{
		MaxAttempts:       5,
		RedeliveryBackoff: 10 * time.Millisecond,
	})

	job, err := w.Enqueue(ctx, "longrun", nil)
	require.NoError(t, err)

	done := make(chan *api.Job, 1)
	go func() {
		j, _ := w.ProcessOne(ctx)
		done <- j
	}()

	<-started
	require.NoError(t, d.Cancel(ctx, job.ID))

	j := <-done
	require.NotNil(t, j)
	require.Equal(t, api.StatusCancelled, j.Status)
	require.Equal(t, 0, q.Len(), "cancelled task must not be redelivered")
}
