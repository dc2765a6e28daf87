package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/offload/internal/taskqueue"
	"github.com/petrijr/offload/pkg/api"
)

// Config configures a Worker.
type Config struct {
	// WorkerID identifies this worker as a lease owner. Defaults to a
	// random UUID.
	WorkerID string

	// LeaseTTL is how long a dequeued task stays invisible to other
	// workers without a renewal. Defaults to 30s.
	LeaseTTL time.Duration

	// HeartbeatInterval is how often the lease is renewed while the
	// handler runs. Defaults to LeaseTTL / 3.
	HeartbeatInterval time.Duration

	// MaxAttempts bounds queue-level redeliveries of a task whose
	// execution errored (handler retries are separate and happen within a
	// single delivery). Defaults to 1, i.e. no redelivery.
	MaxAttempts int

	// RedeliveryBackoff delays a redelivered task. Defaults to 1s.
	RedeliveryBackoff time.Duration

	// Results, if non-nil, receives a message for every job this worker
	// drives to COMPLETED or FAILED.
	Results chan<- api.Result

	// Logger logs worker-level errors. Defaults to slog.Default().
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = uuid.NewString()
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.LeaseTTL / 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.RedeliveryBackoff <= 0 {
		c.RedeliveryBackoff = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Worker pulls tasks from a queue and executes them through a dispatcher.
// Run several workers on the same queue to process jobs concurrently.
type Worker struct {
	dispatcher api.Dispatcher
	queue      taskqueue.Queue
	cfg        Config
}

// New creates a worker with default configuration.
func New(dispatcher api.Dispatcher, queue taskqueue.Queue) *Worker {
	return NewWithConfig(dispatcher, queue, Config{})
}

// NewWithConfig creates a worker with the given configuration.
func NewWithConfig(dispatcher api.Dispatcher, queue taskqueue.Queue, cfg Config) *Worker {
	cfg.applyDefaults()
	return &Worker{
		dispatcher: dispatcher,
		queue:      queue,
		cfg:        cfg,
	}
}

// ID returns the worker's lease owner ID.
func (w *Worker) ID() string {
	return w.cfg.WorkerID
}

// Enqueue creates a job for the handler and queues it for processing.
// It returns the created job, still PENDING.
func (w *Worker) Enqueue(ctx context.Context, handler string, payload any) (*api.Job, error) {
	return w.EnqueueAt(ctx, handler, payload, time.Time{})
}

// EnqueueAt is like Enqueue but delays processing until notBefore.
func (w *Worker) EnqueueAt(ctx context.Context, handler string, payload any, notBefore time.Time) (*api.Job, error) {
	job, err := w.dispatcher.CreateJob(ctx, handler, payload)
	if err != nil {
		return nil, err
	}

	err = w.queue.Enqueue(ctx, taskqueue.Task{
		ID:         job.ID,
		Handler:    job.Handler,
		Payload:    job.Payload,
		EnqueuedAt: job.EnqueuedAt,
		NotBefore:  notBefore,
	})
	if err != nil {
		// The job record exists but nothing will ever deliver it; mark
		// it cancelled on a best-effort basis.
		if cErr := w.dispatcher.Cancel(context.WithoutCancel(ctx), job.ID); cErr != nil {
			w.cfg.Logger.Warn("failed to cancel orphaned job",
				slog.String("job_id", job.ID),
				slog.Any("error", cErr),
			)
		}
		return nil, err
	}

	return job, nil
}

// ProcessOne blocks until a task is available, executes it and settles it
// with the queue. It returns the terminal job, or an error if dequeueing or
// settling failed. Handler failures are reported through the job, not the
// returned error.
func (w *Worker) ProcessOne(ctx context.Context) (*api.Job, error) {
	task, err := w.queue.Dequeue(ctx, w.cfg.WorkerID, w.cfg.LeaseTTL)
	if err != nil {
		return nil, err
	}

	// Keep the lease alive while the handler runs.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(hbCtx, task.ID)
	}()

	job, runErr := w.dispatcher.ExecuteJob(ctx, task.ID)

	stopHeartbeat()
	<-hbDone

	if job == nil {
		// Execution could not even load the job; give the task back for
		// a later delivery rather than dropping it.
		nackErr := w.queue.Nack(ctx, task.ID, w.cfg.WorkerID,
			time.Now().Add(w.cfg.RedeliveryBackoff), task.Attempts+1)
		if nackErr != nil && !errors.Is(nackErr, taskqueue.ErrLeaseNotHeld) {
			w.cfg.Logger.WarnContext(ctx, "nack failed",
				slog.String("task_id", task.ID),
				slog.Any("error", nackErr),
			)
		}
		return nil, runErr
	}

	if runErr != nil && !errors.Is(runErr, api.ErrJobCancelled) &&
		task.Attempts+1 < w.cfg.MaxAttempts {
		// Execution failed and redeliveries remain: back off and retry
		// on a future delivery.
		err := w.queue.Nack(ctx, task.ID, w.cfg.WorkerID,
			time.Now().Add(w.cfg.RedeliveryBackoff), task.Attempts+1)
		if err != nil && !errors.Is(err, taskqueue.ErrLeaseNotHeld) {
			return job, err
		}
		return job, nil
	}

	if err := w.queue.Ack(ctx, task.ID, w.cfg.WorkerID); err != nil &&
		!errors.Is(err, taskqueue.ErrLeaseNotHeld) {
		return job, err
	}

	w.forwardResult(ctx, job)
	return job, nil
}

// Run processes tasks until ctx is cancelled. Errors on individual tasks are
// logged and do not stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		_, err := w.ProcessOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.cfg.Logger.ErrorContext(ctx, "task processing failed",
				slog.String("worker_id", w.cfg.WorkerID),
				slog.Any("error", err),
			)
		}
	}
}

func (w *Worker) heartbeat(ctx context.Context, taskID string) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.queue.RenewLease(ctx, taskID, w.cfg.WorkerID, w.cfg.LeaseTTL)
			if err != nil && ctx.Err() == nil {
				w.cfg.Logger.WarnContext(ctx, "lease renewal failed",
					slog.String("task_id", taskID),
					slog.Any("error", err),
				)
				return
			}
		}
	}
}

// forwardResult sends a Result for terminal COMPLETED/FAILED jobs, if a
// results channel is configured. The send is interruptible by ctx so a slow
// consumer cannot wedge the worker forever.
func (w *Worker) forwardResult(ctx context.Context, job *api.Job) {
	if w.cfg.Results == nil {
		return
	}
	if job.Status != api.StatusCompleted && job.Status != api.StatusFailed {
		return
	}

	res := api.Result{
		JobID:   job.ID,
		Handler: job.Handler,
		Output:  job.Output,
		Err:     job.Err,
	}
	if !job.StartedAt.IsZero() && !job.CompletedAt.IsZero() {
		res.Duration = job.CompletedAt.Sub(job.StartedAt)
	}

	select {
	case w.cfg.Results <- res:
	case <-ctx.Done():
	}
}
