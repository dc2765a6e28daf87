package journal

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/offload/pkg/api"
)

type storeFactory func(t *testing.T) Store

func storeFactories(t *testing.T) map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewInMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "jobs.db"))
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })

			store, err := NewSQLiteStore(db)
			require.NoError(t, err)
			return store
		},
	}
}

func newTestJob(id, handler string, status api.Status) *api.Job {
	return &api.Job{
		ID:         id,
		Handler:    handler,
		Status:     status,
		Payload:    "payload-" + id,
		EnqueuedAt: time.Now(),
	}
}

func TestStoreSaveGetUpdate(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)

			job := newTestJob("j1", "resize", api.StatusPending)
			require.NoError(t, store.SaveJob(job))

			got, err := store.GetJob("j1")
			require.NoError(t, err)
			require.Equal(t, "resize", got.Handler)
			require.Equal(t, api.StatusPending, got.Status)
			require.Equal(t, "payload-j1", got.Payload)

			job.Status = api.StatusCompleted
			job.Output = 42
			job.Attempts = 2
			job.CompletedAt = time.Now()
			require.NoError(t, store.UpdateJob(job))

			got, err = store.GetJob("j1")
			require.NoError(t, err)
			require.Equal(t, api.StatusCompleted, got.Status)
			require.Equal(t, 42, got.Output)
			require.Equal(t, 2, got.Attempts)
			require.False(t, got.CompletedAt.IsZero())
		})
	}
}

func TestStoreGetMissing(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)

			_, err := store.GetJob("nope")
			require.ErrorIs(t, err, api.ErrJobNotFound)

			err = store.UpdateJob(newTestJob("nope", "h", api.StatusRunning))
			require.ErrorIs(t, err, api.ErrJobNotFound)
		})
	}
}

func TestStoreListJobs(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)

			require.NoError(t, store.SaveJob(newTestJob("j1", "resize", api.StatusPending)))
			require.NoError(t, store.SaveJob(newTestJob("j2", "resize", api.StatusCompleted)))
			require.NoError(t, store.SaveJob(newTestJob("j3", "encode", api.StatusPending)))

			all, err := store.ListJobs(Filter{})
			require.NoError(t, err)
			require.Len(t, all, 3)

			resize, err := store.ListJobs(Filter{Handler: "resize"})
			require.NoError(t, err)
			require.Len(t, resize, 2)

			pending, err := store.ListJobs(Filter{Status: api.StatusPending})
			require.NoError(t, err)
			require.Len(t, pending, 2)

			both, err := store.ListJobs(Filter{Handler: "resize", Status: api.StatusPending})
			require.NoError(t, err)
			require.Len(t, both, 1)
			require.Equal(t, "j1", both[0].ID)
		})
	}
}

func TestStoreMarkCancelled(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			require.NoError(t, store.SaveJob(newTestJob("pending", "h", api.StatusPending)))
			require.NoError(t, store.SaveJob(newTestJob("done", "h", api.StatusCompleted)))

			ok, err := store.MarkCancelled(ctx, "pending")
			require.NoError(t, err)
			require.True(t, ok)

			got, err := store.GetJob("pending")
			require.NoError(t, err)
			require.Equal(t, api.StatusCancelled, got.Status)
			require.EqualError(t, got.Err, api.ErrJobCancelled.Error())

			// Not PENDING: no flip, no error.
			ok, err = store.MarkCancelled(ctx, "done")
			require.NoError(t, err)
			require.False(t, ok)

			_, err = store.MarkCancelled(ctx, "missing")
			require.ErrorIs(t, err, api.ErrJobNotFound)
		})
	}
}

func TestStoreRecoverRunning(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			require.NoError(t, store.SaveJob(newTestJob("r1", "h", api.StatusRunning)))
			require.NoError(t, store.SaveJob(newTestJob("r2", "h", api.StatusRunning)))
			require.NoError(t, store.SaveJob(newTestJob("p1", "h", api.StatusPending)))

			n, err := store.RecoverRunning(ctx, "interrupted")
			require.NoError(t, err)
			require.Equal(t, 2, n)

			for _, id := range []string{"r1", "r2"} {
				got, err := store.GetJob(id)
				require.NoError(t, err)
				require.Equal(t, api.StatusFailed, got.Status)
				require.EqualError(t, got.Err, "interrupted")
			}

			got, err := store.GetJob("p1")
			require.NoError(t, err)
			require.Equal(t, api.StatusPending, got.Status)
		})
	}
}

func TestStoreErrRoundTrip(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)

			job := newTestJob("failed", "h", api.StatusFailed)
			job.Err = errors.New("handler exploded")
			require.NoError(t, store.SaveJob(job))

			got, err := store.GetJob("failed")
			require.NoError(t, err)
			require.EqualError(t, got.Err, "handler exploded")
		})
	}
}

func TestInMemoryStoreReturnsCopies(t *testing.T) {
	store := NewInMemoryStore()
	job := newTestJob("j1", "h", api.StatusPending)
	if err := store.SaveJob(job); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, _ := store.GetJob("j1")
	got.Status = api.StatusFailed

	again, _ := store.GetJob("j1")
	if again.Status != api.StatusPending {
		t.Fatalf("mutating a returned job leaked into the store: %s", again.Status)
	}
}
