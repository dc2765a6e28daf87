package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue is a persistent task queue backed by MongoDB. Claims use
// FindOneAndUpdate, which is atomic per document, so a task is only ever
// leased to one owner at a time.
type MongoQueue struct {
	coll         *mongo.Collection
	pollInterval time.Duration
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "offload" if empty, collName defaults to "tasks".
func NewMongoQueue(client *mongo.Client, dbName, collName string) *MongoQueue {
	if dbName == "" {
		dbName = "offload"
	}
	if collName == "" {
		collName = "tasks"
	}

	return &MongoQueue{
		coll:         client.Database(dbName).Collection(collName),
		pollInterval: 100 * time.Millisecond,
	}
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

type mongoTaskDoc struct {
	ID           string `bson:"_id"`
	Handler      string `bson:"handler"`
	Payload      []byte `bson:"payload,omitempty"`
	EnqueuedAt   int64  `bson:"enqueued_at"`
	NotBefore    int64  `bson:"not_before"`
	Attempts     int    `bson:"attempts"`
	LeaseOwner   string `bson:"lease_owner"`
	LeaseExpires int64  `bson:"lease_expires"`
}

func taskFromMongoDoc(doc *mongoTaskDoc) (*Task, error) {
	payload, err := decodePayload(doc.Payload)
	if err != nil {
		return nil, err
	}
	return &Task{
		ID:         doc.ID,
		Handler:    doc.Handler,
		Payload:    payload,
		EnqueuedAt: time.Unix(0, doc.EnqueuedAt),
		NotBefore:  time.Unix(0, doc.NotBefore),
		Attempts:   doc.Attempts,
	}, nil
}

func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}

	payloadBytes, err := encodePayload(t.Payload)
	if err != nil {
		return err
	}

	_, err = q.coll.InsertOne(ctx, &mongoTaskDoc{
		ID:         t.ID,
		Handler:    t.Handler,
		Payload:    payloadBytes,
		EnqueuedAt: t.EnqueuedAt.UnixNano(),
		NotBefore:  t.NotBefore.UnixNano(),
		Attempts:   t.Attempts,
	})
	return err
}

func (q *MongoQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}

	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "not_before", Value: 1}}).
		SetReturnDocument(options.After)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		now := time.Now().UnixNano()

		filter := bson.M{
			"not_before": bson.M{"$lte": now},
			"$or": []bson.M{
				{"lease_owner": ""},
				{"lease_expires": bson.M{"$lte": now}},
			},
		}
		update := bson.M{"$set": bson.M{
			"lease_owner":   owner,
			"lease_expires": time.Now().Add(leaseTTL).UnixNano(),
		}}

		var doc mongoTaskDoc
		err := q.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(q.pollInterval):
					continue
				}
			}
			return nil, err
		}

		return taskFromMongoDoc(&doc)
	}
}

func (q *MongoQueue) Ack(ctx context.Context, taskID string, owner string) error {
	res, err := q.coll.DeleteOne(ctx, bson.M{"_id": taskID, "lease_owner": owner})
	if err != nil {
		return err
	}
	if res.DeletedCount > 0 {
		return nil
	}

	n, err := q.coll.CountDocuments(ctx, bson.M{"_id": taskID})
	if err != nil {
		return err
	}
	if n > 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (q *MongoQueue) Nack(ctx context.Context, taskID string, owner string, notBefore time.Time, attempts int) error {
	res, err := q.coll.UpdateOne(ctx,
		bson.M{"_id": taskID, "lease_owner": owner},
		bson.M{"$set": bson.M{
			"lease_owner":   "",
			"lease_expires": int64(0),
			"not_before":    notBefore.UnixNano(),
			"attempts":      attempts,
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (q *MongoQueue) RenewLease(ctx context.Context, taskID string, owner string, leaseTTL time.Duration) error {
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}

	res, err := q.coll.UpdateOne(ctx,
		bson.M{"_id": taskID, "lease_owner": owner},
		bson.M{"$set": bson.M{
			"lease_expires": time.Now().Add(leaseTTL).UnixNano(),
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0
	}
	return int(n)
}
