package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newSQLiteTestQueue(t *testing.T) *SQLiteQueue {
	t.Helper()

	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	q, err := NewSQLiteQueue(db)
	require.NoError(t, err)
	return q
}

func TestSQLiteQueueRoundTrip(t *testing.T) {
	q := newSQLiteTestQueue(t)
	ctx := context.Background()

	err := q.Enqueue(ctx, Task{ID: "t1", Handler: "h", Payload: "data"})
	require.NoError(t, err)
	require.Equal(t, 1, q.Len())

	task, err := q.Dequeue(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "t1", task.ID)
	require.Equal(t, "h", task.Handler)
	require.Equal(t, "data", task.Payload)
	require.False(t, task.EnqueuedAt.IsZero())

	require.NoError(t, q.Ack(ctx, "t1", "w1"))
	require.Equal(t, 0, q.Len())

	// Idempotent ack once the row is gone.
	require.NoError(t, q.Ack(ctx, "t1", "w1"))
}

func TestSQLiteQueueFIFO(t *testing.T) {
	q := newSQLiteTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{ID: "a", Handler: "h"}))
	require.NoError(t, q.Enqueue(ctx, Task{ID: "b", Handler: "h"}))
	require.NoError(t, q.Enqueue(ctx, Task{ID: "c", Handler: "h"}))

	var order []string
	for i := 0; i < 3; i++ {
		task, err := q.Dequeue(ctx, "w1", time.Minute)
		require.NoError(t, err)
		order = append(order, task.ID)
		require.NoError(t, q.Ack(ctx, task.ID, "w1"))
	}
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestSQLiteQueueLeaseHidesTask(t *testing.T) {
	q := newSQLiteTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{ID: "t1", Handler: "h"}))

	_, err := q.Dequeue(ctx, "w1", time.Minute)
	require.NoError(t, err)

	// Leased: a second dequeue must not see it before the lease expires.
	ctx2, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(ctx2, "w2", time.Minute)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSQLiteQueueLeaseExpiryRedelivers(t *testing.T) {
	q := newSQLiteTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{ID: "t1", Handler: "h"}))

	_, err := q.Dequeue(ctx, "w1", 50*time.Millisecond)
	require.NoError(t, err)

	ctx2, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	task, err := q.Dequeue(ctx2, "w2", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "t1", task.ID)

	err = q.Ack(ctx, "t1", "w1")
	require.ErrorIs(t, err, ErrLeaseNotHeld)

	require.NoError(t, q.Ack(ctx, "t1", "w2"))
}

func TestSQLiteQueueNack(t *testing.T) {
	q := newSQLiteTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{ID: "t1", Handler: "h"}))

	_, err := q.Dequeue(ctx, "w1", time.Minute)
	require.NoError(t, err)

	notBefore := time.Now().Add(60 * time.Millisecond)
	require.NoError(t, q.Nack(ctx, "t1", "w1", notBefore, 2))

	ctx2, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	task, err := q.Dequeue(ctx2, "w2", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, task.Attempts)
	require.False(t, time.Now().Before(notBefore), "delivered before backoff elapsed")
}

func TestSQLiteQueueNotBeforeDelaysDelivery(t *testing.T) {
	q := newSQLiteTestQueue(t)
	ctx := context.Background()

	due := time.Now().Add(100 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, Task{ID: "t1", Handler: "h", NotBefore: due}))

	task, err := q.Dequeue(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "t1", task.ID)
	require.False(t, time.Now().Before(due), "delivered before NotBefore")
}

func TestSQLiteQueueRenewLease(t *testing.T) {
	q := newSQLiteTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{ID: "t1", Handler: "h"}))
	_, err := q.Dequeue(ctx, "w1", 60*time.Millisecond)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		require.NoError(t, q.RenewLease(ctx, "t1", "w1", 60*time.Millisecond))
	}
	require.NoError(t, q.Ack(ctx, "t1", "w1"))

	err = q.RenewLease(ctx, "gone", "w1", time.Minute)
	require.ErrorIs(t, err, ErrLeaseNotHeld)
}

func TestSQLiteQueueGeneratesID(t *testing.T) {
	q := newSQLiteTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{Handler: "h"}))

	task, err := q.Dequeue(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, task.ID)
}

func TestSQLiteQueueForeignNack(t *testing.T) {
	q := newSQLiteTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{ID: "t1", Handler: "h"}))
	_, err := q.Dequeue(ctx, "w1", time.Minute)
	require.NoError(t, err)

	err = q.Nack(ctx, "t1", "intruder", time.Now(), 1)
	if !errors.Is(err, ErrLeaseNotHeld) {
		t.Fatalf("want ErrLeaseNotHeld, got %v", err)
	}
}
