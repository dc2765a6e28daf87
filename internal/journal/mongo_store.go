package journal

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/offload/pkg/api"
)

// MongoStore is a Store backed by MongoDB.
type MongoStore struct {
	coll *mongo.Collection
}

// Ensure MongoStore implements Store.
var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed job store.
// dbName defaults to "offload" if empty, collName defaults to "jobs".
func NewMongoStore(client *mongo.Client, dbName, collName string) *MongoStore {
	if dbName == "" {
		dbName = "offload"
	}
	if collName == "" {
		collName = "jobs"
	}

	return &MongoStore{
		coll: client.Database(dbName).Collection(collName),
	}
}

type mongoJobDoc struct {
	ID          string `bson:"_id"`
	Handler     string `bson:"handler"`
	Status      string `bson:"status"`
	Payload     []byte `bson:"payload,omitempty"`
	Output      []byte `bson:"output,omitempty"`
	Error       string `bson:"error,omitempty"`
	EnqueuedAt  int64  `bson:"enqueued_at"`
	StartedAt   int64  `bson:"started_at"`
	CompletedAt int64  `bson:"completed_at"`
	Attempts    int    `bson:"attempts"`
}

func mongoDocFromJob(job *api.Job) (*mongoJobDoc, error) {
	payloadBytes, err := EncodeValue(job.Payload)
	if err != nil {
		return nil, err
	}
	outputBytes, err := EncodeValue(job.Output)
	if err != nil {
		return nil, err
	}

	errStr := ""
	if job.Err != nil {
		errStr = job.Err.Error()
	}

	return &mongoJobDoc{
		ID:          job.ID,
		Handler:     job.Handler,
		Status:      string(job.Status),
		Payload:     payloadBytes,
		Output:      outputBytes,
		Error:       errStr,
		EnqueuedAt:  nanoOrZero(job.EnqueuedAt),
		StartedAt:   nanoOrZero(job.StartedAt),
		CompletedAt: nanoOrZero(job.CompletedAt),
		Attempts:    job.Attempts,
	}, nil
}

func jobFromMongoDoc(doc *mongoJobDoc) (*api.Job, error) {
	payloadVal, err := DecodeValue[any](doc.Payload)
	if err != nil {
		return nil, err
	}
	outputVal, err := DecodeValue[any](doc.Output)
	if err != nil {
		return nil, err
	}

	job := &api.Job{
		ID:          doc.ID,
		Handler:     doc.Handler,
		Status:      api.Status(doc.Status),
		Payload:     payloadVal,
		Output:      outputVal,
		EnqueuedAt:  timeOrZero(doc.EnqueuedAt),
		StartedAt:   timeOrZero(doc.StartedAt),
		CompletedAt: timeOrZero(doc.CompletedAt),
		Attempts:    doc.Attempts,
	}
	if doc.Error != "" {
		job.Err = errors.New(doc.Error)
	}
	return job, nil
}

func (s *MongoStore) SaveJob(job *api.Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	doc, err := mongoDocFromJob(job)
	if err != nil {
		return err
	}

	_, err = s.coll.InsertOne(ctx, doc)
	return err
}

func (s *MongoStore) UpdateJob(job *api.Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	doc, err := mongoDocFromJob(job)
	if err != nil {
		return err
	}

	update := bson.M{
		"$set": bson.M{
			"handler":      doc.Handler,
			"status":       doc.Status,
			"payload":      doc.Payload,
			"output":       doc.Output,
			"error":        doc.Error,
			"enqueued_at":  doc.EnqueuedAt,
			"started_at":   doc.StartedAt,
			"completed_at": doc.CompletedAt,
			"attempts":     doc.Attempts,
		},
	}

	res, err := s.coll.UpdateByID(ctx, job.ID, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return api.ErrJobNotFound
	}
	return nil
}

func (s *MongoStore) GetJob(id string) (*api.Job, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var doc mongoJobDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, api.ErrJobNotFound
		}
		return nil, err
	}

	return jobFromMongoDoc(&doc)
}

func (s *MongoStore) ListJobs(filter Filter) ([]*api.Job, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bfilter := bson.M{}
	if filter.Handler != "" {
		bfilter["handler"] = filter.Handler
	}
	if filter.Status != "" {
		bfilter["status"] = string(filter.Status)
	}

	cur, err := s.coll.Find(ctx, bfilter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var jobs []*api.Job

	for cur.Next(ctx) {
		var doc mongoJobDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}

		job, err := jobFromMongoDoc(&doc)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	if err := cur.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *MongoStore) MarkCancelled(ctx context.Context, id string) (bool, error) {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": string(api.StatusPending)},
		bson.M{"$set": bson.M{
			"status": string(api.StatusCancelled),
			"error":  api.ErrJobCancelled.Error(),
		}},
	)
	if err != nil {
		return false, err
	}
	if res.MatchedCount > 0 {
		return true, nil
	}

	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, api.ErrJobNotFound
	}
	return false, nil
}

func (s *MongoStore) RecoverRunning(ctx context.Context, msg string) (int, error) {
	res, err := s.coll.UpdateMany(ctx,
		bson.M{"status": string(api.StatusRunning)},
		bson.M{"$set": bson.M{
			"status": string(api.StatusFailed),
			"error":  msg,
		}},
	)
	if err != nil {
		return 0, err
	}
	return int(res.ModifiedCount), nil
}
