package offload

import (
	"database/sql"

	"github.com/petrijr/offload/internal/dispatch"
	"github.com/petrijr/offload/internal/journal"
	"github.com/petrijr/offload/internal/taskqueue"
	"github.com/petrijr/offload/pkg/worker"
)

// WorkerBundle wires a dispatcher, a durable queue and a worker over a
// single database, for single-process deployments that want jobs to survive
// restarts without standing up extra infrastructure.
type WorkerBundle struct {
	Dispatcher Dispatcher
	Queue      Queue
	Worker     *worker.Worker
}

// NewSQLiteBundle builds a bundle on the given SQLite database: job journal
// and task queue share the database, and the returned worker processes the
// queue. Call Dispatcher.RecoverStuckJobs before running the worker to clean
// up after an unclean shutdown.
func NewSQLiteBundle(db *sql.DB, cfg worker.Config, opts ...DispatcherOption) (*WorkerBundle, error) {
	store, err := journal.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	queue, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}

	dOpts := append([]dispatch.Option{dispatch.WithJournal(store)}, opts...)
	d := dispatch.NewInMemory(dOpts...)

	return &WorkerBundle{
		Dispatcher: d,
		Queue:      queue,
		Worker:     worker.NewWithConfig(d, queue, cfg),
	}, nil
}
