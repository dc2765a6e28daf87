package worker

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/offload/internal/dispatch"
	"github.com/petrijr/offload/internal/taskqueue"
	"github.com/petrijr/offload/pkg/api"
)

type backend struct {
	dispatcher api.Dispatcher
	queue      taskqueue.Queue
}

type backendFactory func(t *testing.T) backend

func backends(t *testing.T) map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(t *testing.T) backend {
			return backend{
				dispatcher: dispatch.NewInMemory(),
				queue:      taskqueue.NewInMemoryQueue(64),
			}
		},
		"sqlite": func(t *testing.T) backend {
			db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "worker.db"))
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })

			d, err := dispatch.NewSQLite(db)
			require.NoError(t, err)
			q, err := taskqueue.NewSQLiteQueue(db)
			require.NoError(t, err)
			return backend{dispatcher: d, queue: q}
		},
	}
}

func TestWorkerProcessOne(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			ctx := context.Background()

			require.NoError(t, b.dispatcher.Register(api.HandlerDefinition{
				Name: "upper",
				Fn: func(ctx context.Context, payload any) (any, error) {
					return "HELLO", nil
				},
			}))

			w := New(b.dispatcher, b.queue)

			job, err := w.Enqueue(ctx, "upper", "hello")
			require.NoError(t, err)
			require.Equal(t, api.StatusPending, job.Status)

			done, err := w.ProcessOne(ctx)
			require.NoError(t, err)
			require.Equal(t, api.StatusCompleted, done.Status)
			require.Equal(t, "HELLO", done.Output)

			// Task settled: the queue is empty.
			require.Equal(t, 0, b.queue.Len())
		})
	}
}

func TestWorkerEnqueueUnknownHandler(t *testing.T) {
	b := backends(t)["memory"](t)
	w := New(b.dispatcher, b.queue)

	_, err := w.Enqueue(context.Background(), "ghost", nil)
	require.ErrorIs(t, err, api.ErrUnknownHandler)
	require.Equal(t, 0, b.queue.Len())
}

func TestWorkerForwardsResults(t *testing.T) {
	b := backends(t)["memory"](t)
	ctx := context.Background()

	require.NoError(t, b.dispatcher.Register(api.HandlerDefinition{
		Name: "emit",
		Fn: func(ctx context.Context, payload any) (any, error) {
			return payload, nil
		},
	}))

	results := make(chan api.Result, 1)
	w := NewWithConfig(b.dispatcher, b.queue, Config{Results: results})

	job, err := w.Enqueue(ctx, "emit", "value")
	require.NoError(t, err)

	_, err = w.ProcessOne(ctx)
	require.NoError(t, err)

	res := <-results
	require.Equal(t, job.ID, res.JobID)
	require.Equal(t, "emit", res.Handler)
	require.Equal(t, "value", res.Output)
	require.NoError(t, res.Err)
	require.Greater(t, res.Duration, time.Duration(0))
}

func TestWorkerSkipsCancelledTask(t *testing.T) {
	b := backends(t)["memory"](t)
	ctx := context.Background()

	ran := false
	require.NoError(t, b.dispatcher.Register(api.HandlerDefinition{
		Name: "h",
		Fn: func(ctx context.Context, payload any) (any, error) {
			ran = true
			return nil, nil
		},
	}))

	results := make(chan api.Result, 1)
	w := NewWithConfig(b.dispatcher, b.queue, Config{Results: results})

	job, err := w.Enqueue(ctx, "h", nil)
	require.NoError(t, err)

	// Cancelled while still queued.
	require.NoError(t, b.dispatcher.Cancel(ctx, job.ID))

	done, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	require.Equal(t, api.StatusCancelled, done.Status)
	require.False(t, ran, "handler must not run for a cancelled task")
	require.Empty(t, results, "cancelled jobs produce no result message")
	require.Equal(t, 0, b.queue.Len())
}

func TestWorkerRunStopsOnContextCancel(t *testing.T) {
	b := backends(t)["memory"](t)

	w := New(b.dispatcher, b.queue)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestWorkerRunProcessesJobs(t *testing.T) {
	b := backends(t)["memory"](t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.dispatcher.Register(api.HandlerDefinition{
		Name: "inc",
		Fn: func(ctx context.Context, payload any) (any, error) {
			return payload.(int) + 1, nil
		},
	}))

	results := make(chan api.Result, 8)
	w := NewWithConfig(b.dispatcher, b.queue, Config{Results: results})

	go func() { _ = w.Run(ctx) }()

	for i := 0; i < 5; i++ {
		_, err := w.Enqueue(ctx, "inc", i)
		require.NoError(t, err)
	}

	sum := 0
	for i := 0; i < 5; i++ {
		select {
		case res := <-results:
			sum += res.Output.(int)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for results")
		}
	}
	require.Equal(t, 1+2+3+4+5, sum)
}

func TestWorkerEnqueueAtDelaysExecution(t *testing.T) {
	b := backends(t)["memory"](t)
	ctx := context.Background()

	require.NoError(t, b.dispatcher.Register(api.HandlerDefinition{
		Name: "h",
		Fn:   func(ctx context.Context, payload any) (any, error) { return "ok", nil },
	}))

	w := New(b.dispatcher, b.queue)

	due := time.Now().Add(80 * time.Millisecond)
	_, err := w.EnqueueAt(ctx, "h", nil, due)
	require.NoError(t, err)

	done, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, done.Status)
	require.False(t, time.Now().Before(due), "processed before the scheduled time")
}

func TestWorkerDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()

	require.NotEmpty(t, cfg.WorkerID)
	require.Equal(t, 30*time.Second, cfg.LeaseTTL)
	require.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 1, cfg.MaxAttempts)
	require.Equal(t, time.Second, cfg.RedeliveryBackoff)
	require.NotNil(t, cfg.Logger)
}

func TestWorkerUniqueIDs(t *testing.T) {
	b := backends(t)["memory"](t)
	w1 := New(b.dispatcher, b.queue)
	w2 := New(b.dispatcher, b.queue)
	if w1.ID() == w2.ID() {
		t.Fatalf("workers share lease owner ID %q", w1.ID())
	}
}

func TestWorkerFailedJobNotRetriedByDefault(t *testing.T) {
	b := backends(t)["memory"](t)
	ctx := context.Background()

	calls := 0
	require.NoError(t, b.dispatcher.Register(api.HandlerDefinition{
		Name: "bad",
		Fn: func(ctx context.Context, payload any) (any, error) {
			calls++
			return nil, errors.New("no")
		},
	}))

	w := New(b.dispatcher, b.queue)
	_, err := w.Enqueue(ctx, "bad", nil)
	require.NoError(t, err)

	done, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	require.Equal(t, api.StatusFailed, done.Status)
	require.Equal(t, 1, calls)

	// MaxAttempts defaults to 1: no redelivery, task acked away.
	require.Equal(t, 0, b.queue.Len())
}
