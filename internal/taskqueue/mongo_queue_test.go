package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/offload/internal/testutil"
)

func newMongoTestQueue(t *testing.T) *MongoQueue {
	t.Helper()

	uri := testutil.MongoURI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)

	coll := "tasks-" + uuid.NewString()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = client.Database("offload-test").Collection(coll).Drop(ctx)
		_ = client.Disconnect(ctx)
	})

	return NewMongoQueue(client, "offload-test", coll)
}

func TestMongoQueueRoundTrip(t *testing.T) {
	q := newMongoTestQueue(t)
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

func TestMongoQueueLeaseAndNack(t *testing.T) {
	q := newMongoTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{ID: "t1", Handler: "h"}))

	_, err := q.Dequeue(ctx, "w1", time.Minute)
	require.NoError(t, err)

	// Leased: invisible to other owners.
	ctx2, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(ctx2, "w2", time.Minute)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, q.RenewLease(ctx, "t1", "w1", time.Minute))
	require.NoError(t, q.Nack(ctx, "t1", "w1", time.Now(), 1))

	ctx3, cancel3 := context.WithTimeout(ctx, 5*time.Second)
	defer cancel3()
	task, err := q.Dequeue(ctx3, "w2", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, task.Attempts)

	require.ErrorIs(t, q.Ack(ctx, "t1", "w1"), ErrLeaseNotHeld)
	require.NoError(t, q.Ack(ctx, "t1", "w2"))
}
