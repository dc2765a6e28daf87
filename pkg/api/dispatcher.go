package api

import (
	"context"
)

// Dispatcher is the high-level execution API. It owns the handler registry
// and the job journal; workers and pools drive it.
type Dispatcher interface {
	// Register registers a handler definition by name.
	Register(def HandlerDefinition) error

	// CreateJob validates the handler name and records a PENDING job.
	// It does not execute anything; queued submission pairs this with a
	// task enqueue, and ExecuteJob runs it later.
	CreateJob(ctx context.Context, handler string, payload any) (*Job, error)

	// Execute creates a job and runs it to completion synchronously.
	// The returned job is terminal; the error mirrors Job.Err for FAILED
	// and CANCELLED jobs.
	Execute(ctx context.Context, handler string, payload any) (*Job, error)

	// ExecuteJob runs a previously created job by ID.
	// Semantics:
	//   - CANCELLED jobs are returned unchanged with a nil error.
	//   - COMPLETED jobs are returned unchanged (duplicate delivery guard).
	//   - PENDING, FAILED and stale RUNNING jobs are (re-)executed.
	ExecuteJob(ctx context.Context, id string) (*Job, error)

	// GetJob looks up a job by ID.
	GetJob(ctx context.Context, id string) (*Job, error)

	// ListJobs returns jobs matching the given options.
	// If options are zero-valued, all jobs are returned.
	ListJobs(ctx context.Context, opts JobListOptions) ([]*Job, error)

	// Cancel cancels a job.
	// Semantics:
	//   - PENDING jobs are marked CANCELLED in the journal and will be
	//     dropped by whichever worker dequeues them.
	//   - RUNNING jobs executing in this process have their context
	//     cancelled with ErrJobCancelled as the cause.
	//   - Terminal jobs yield ErrJobNotCancellable.
	Cancel(ctx context.Context, id string) error

	// Rerun re-executes a FAILED job with its stored payload.
	// The same job ID is reused; Status/Err/Output/Attempts are reset.
	Rerun(ctx context.Context, id string) (*Job, error)

	// RecoverStuckJobs scans for jobs that are still marked RUNNING (for
	// example after a process crash) and marks them FAILED with a standard
	// error message.
	//
	// It returns the number of jobs it updated.
	//
	// This method is intended to be called on process startup *before*
	// starting workers or accepting new work, so that no job is
	// legitimately running when it is executed.
	RecoverStuckJobs(ctx context.Context) (int, error)
}
