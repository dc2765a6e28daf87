// Package taskqueue delivers queued jobs to workers.
//
// Delivery is lease-based: Dequeue hands a task to exactly one owner for a
// bounded lease, and the task only leaves the queue on Ack. Workers renew
// the lease while the handler runs; if a worker dies, the lease expires and
// the task becomes deliverable again.
package taskqueue

import (
	"context"
	"errors"
	"time"
)

// ErrLeaseNotHeld is returned by Ack, Nack and RenewLease when the task is
// not currently leased by the given owner.
var ErrLeaseNotHeld = errors.New("offload: task lease not held")

// Task represents a queued unit of work. ID matches the journal job ID.
type Task struct {
	ID      string
	Handler string

	// Payload is carried for durable queues so jobs survive a journal
	// wipe; execution reads the authoritative payload from the journal.
	Payload any

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time

	// Attempts counts deliveries that ended in a Nack.
	Attempts int
}

// Queue is the task delivery interface shared by all backends.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for
	// cancellation. Bounded implementations block while full.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue claims the next ready task for owner with the given lease
	// TTL, blocking until one is available or the context is cancelled.
	// Claimed tasks are invisible to other owners until the lease
	// expires.
	Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error)

	// Ack removes a leased task from the queue. It is idempotent: acking
	// a task that is no longer present returns nil.
	Ack(ctx context.Context, taskID string, owner string) error

	// Nack returns a leased task to the queue for redelivery no earlier
	// than notBefore, recording the new attempt count.
	Nack(ctx context.Context, taskID string, owner string, notBefore time.Time, attempts int) error

	// RenewLease extends the lease held by owner on the given task.
	RenewLease(ctx context.Context, taskID string, owner string, leaseTTL time.Duration) error

	// Len returns the approximate number of tasks queued or in flight.
	Len() int
}
