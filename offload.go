package offload

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/offload/internal/dispatch"
	"github.com/petrijr/offload/internal/taskqueue"
	"github.com/petrijr/offload/pkg/api"
)

// Re-exported core types. Most programs only need these plus a Pool.
type (
	Job               = api.Job
	Result            = api.Result
	Status            = api.Status
	HandlerFunc       = api.HandlerFunc
	HandlerDefinition = api.HandlerDefinition
	RetryPolicy       = api.RetryPolicy
	JobListOptions    = api.JobListOptions
	Dispatcher        = api.Dispatcher
	Observer          = api.Observer
)

const (
	StatusPending   = api.StatusPending
	StatusRunning   = api.StatusRunning
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
	StatusCancelled = api.StatusCancelled
)

// Re-exported sentinel errors.
var (
	ErrJobNotFound       = api.ErrJobNotFound
	ErrUnknownHandler    = api.ErrUnknownHandler
	ErrJobNotCancellable = api.ErrJobNotCancellable
	ErrJobCancelled      = api.ErrJobCancelled
	ErrQueueFull         = api.ErrQueueFull
)

// NewDispatcher creates a dispatcher with an in-memory journal.
func NewDispatcher(opts ...DispatcherOption) Dispatcher {
	return dispatch.NewInMemory(toDispatchOptions(opts)...)
}

// NewSQLiteDispatcher creates a dispatcher journaling jobs to SQLite.
func NewSQLiteDispatcher(db *sql.DB, opts ...DispatcherOption) (Dispatcher, error) {
	return dispatch.NewSQLite(db, toDispatchOptions(opts)...)
}

// NewPostgresDispatcher creates a dispatcher journaling jobs to Postgres.
func NewPostgresDispatcher(db *sql.DB, opts ...DispatcherOption) (Dispatcher, error) {
	return dispatch.NewPostgres(db, toDispatchOptions(opts)...)
}

// NewRedisDispatcher creates a dispatcher journaling jobs to Redis under the
// given key prefix ("offload:" if empty).
func NewRedisDispatcher(client *redis.Client, prefix string, opts ...DispatcherOption) Dispatcher {
	return dispatch.NewRedis(client, prefix, toDispatchOptions(opts)...)
}

// NewMongoDispatcher creates a dispatcher journaling jobs to MongoDB.
func NewMongoDispatcher(client *mongo.Client, dbName, collName string, opts ...DispatcherOption) Dispatcher {
	return dispatch.NewMongo(client, dbName, collName, opts...)
}

// DispatcherOption configures a dispatcher constructor.
type DispatcherOption = dispatch.Option

// WithDispatcherObserver attaches an observer to a dispatcher.
func WithDispatcherObserver(o Observer) DispatcherOption {
	return dispatch.WithObserver(o)
}

func toDispatchOptions(opts []DispatcherOption) []dispatch.Option {
	return opts
}

// Queue is the task delivery interface used by workers.
type Queue = taskqueue.Queue

// Task is a queued unit of work referencing a journaled job.
type Task = taskqueue.Task

// NewInMemoryQueue creates a bounded in-process queue.
func NewInMemoryQueue(capacity int) Queue {
	return taskqueue.NewInMemoryQueue(capacity)
}

// NewSQLiteQueue creates a durable queue in the given SQLite database.
func NewSQLiteQueue(db *sql.DB) (Queue, error) {
	return taskqueue.NewSQLiteQueue(db)
}

// NewPostgresQueue creates a durable queue in the given Postgres database.
func NewPostgresQueue(db *sql.DB) (Queue, error) {
	return taskqueue.NewPostgresQueue(db)
}

// NewRedisQueue creates a durable queue in Redis under the given key prefix.
func NewRedisQueue(client redis.UniversalClient, prefix string) Queue {
	return taskqueue.NewRedisQueue(client, prefix)
}

// NewMongoQueue creates a durable queue in MongoDB.
func NewMongoQueue(client *mongo.Client, dbName, collName string) Queue {
	return taskqueue.NewMongoQueue(client, dbName, collName)
}

// TypedHandler adapts a strongly typed function to a HandlerFunc, checking
// the payload type at dispatch time.
func TypedHandler[I, O any](fn func(ctx context.Context, in I) (O, error)) HandlerFunc {
	return api.TypedHandler(fn)
}

// TypedResult extracts a typed output from a Result.
func TypedResult[O any](res Result) (O, error) {
	return api.TypedResult[O](res)
}

// Clone deep-copies a value through gob, giving submit-by-copy semantics for
// mutable payloads.
func Clone[T any](v T) (T, error) {
	return api.Clone(v)
}
