// Package journal stores job records for the dispatcher.
//
// It is the offload equivalent of an instance store: every dispatched job
// has exactly one record here, updated as the job moves through its
// lifecycle. Implementations exist for memory, SQLite, Postgres, Redis and
// MongoDB.
package journal

import (
	"context"

	"github.com/petrijr/offload/pkg/api"
)

// Filter is used to select jobs from the store.
// Empty string / zero status mean "no filter" for that field.
type Filter struct {
	Handler string
	Status  api.Status
}

// Store handles storage of job records.
type Store interface {
	SaveJob(job *api.Job) error
	UpdateJob(job *api.Job) error
	GetJob(id string) (*api.Job, error)
	ListJobs(filter Filter) ([]*api.Job, error)

	// MarkCancelled flips a PENDING job to CANCELLED.
	// It returns (false, nil) if the job exists but is not PENDING, and
	// api.ErrJobNotFound if it does not exist.
	MarkCancelled(ctx context.Context, id string) (bool, error)

	// RecoverRunning marks every RUNNING job as FAILED with the given
	// error message and returns the number of jobs updated. It is meant
	// to run on process startup, before any worker starts.
	RecoverRunning(ctx context.Context, msg string) (int, error)
}
