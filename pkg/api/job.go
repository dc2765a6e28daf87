package api

import (
	"context"
	"errors"
	"time"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether a job in this status will never run again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var (
	// ErrJobNotFound is returned when a job record does not exist.
	ErrJobNotFound = errors.New("offload: job not found")

	// ErrUnknownHandler is returned when a job names a handler that has
	// not been registered with the dispatcher.
	ErrUnknownHandler = errors.New("offload: unknown handler")

	// ErrJobNotCancellable is returned by Cancel when the job has already
	// reached a terminal status.
	ErrJobNotCancellable = errors.New("offload: job not cancellable")

	// ErrJobCancelled is recorded on a job that was cancelled via
	// Dispatcher.Cancel, and is the cancellation cause seen by handlers
	// through their context.
	ErrJobCancelled = errors.New("offload: job cancelled")

	// ErrQueueFull is returned by non-blocking submission when a bounded
	// queue has no free capacity.
	ErrQueueFull = errors.New("offload: queue full")
)

// HandlerFunc is the unit of computation executed off the controlling
// goroutine. It receives the job payload and returns the output that is
// messaged back to the submitter.
//
// Handlers must honor ctx: it carries per-attempt timeouts and is cancelled
// when the job is cancelled or the owning worker shuts down.
type HandlerFunc func(ctx context.Context, payload any) (any, error)

// HandlerDefinition describes a named handler.
type HandlerDefinition struct {
	Name string
	Fn   HandlerFunc

	// Retry, if non-nil, controls how failed attempts are retried.
	Retry *RetryPolicy

	// Timeout, if positive, bounds each attempt of the handler.
	Timeout time.Duration
}

// RetryPolicy controls how a handler is retried when it returns an error.
// MaxAttempts includes the first attempt. For example:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
type RetryPolicy struct {
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// BackoffMultiplier grows the delay each attempt. Values <= 0 are
	// treated as 2.0.
	BackoffMultiplier float64

	// MaxBackoff caps the delay; if <= 0, there is no cap.
	MaxBackoff time.Duration
}

// Job holds the record of a single dispatched unit of work.
type Job struct {
	ID      string
	Handler string
	Status  Status

	// Payload is the message posted by the controlling side. It is used
	// for re-execution on Rerun and redelivery.
	Payload any

	Output any
	Err    error

	EnqueuedAt  time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	// Attempts counts handler attempts made for the current execution.
	Attempts int
}

// Result is the message sent back to the controlling side when a job
// reaches COMPLETED or FAILED.
type Result struct {
	JobID    string
	Handler  string
	Output   any
	Err      error
	Duration time.Duration
}

// JobListOptions controls how jobs are listed.
// Zero values mean "no filter" for that field.
type JobListOptions struct {
	// Handler, if non-empty, limits results to jobs for the given handler.
	Handler string

	// Status, if non-empty, limits results to jobs with the given status.
	Status Status
}
