package taskqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/offload/pkg/api"
)

const (
	defaultLeaseTTL = 30 * time.Second
	reapInterval    = 50 * time.Millisecond
)

// InMemoryQueue is a Queue implementation backed by a buffered channel plus
// a lease table. It is safe for concurrent use.
//
// The channel capacity is the backpressure bound: Enqueue blocks while the
// queue is full, TryEnqueue fails fast with api.ErrQueueFull.
//
// NotBefore is honored approximately: a worker that dequeues a not-yet-due
// task waits in place until it becomes due. That is fine for the local
// runner case; durable queues order strictly by readiness.
type InMemoryQueue struct {
	ch chan Task

	mu       sync.Mutex
	leased   map[string]*leasedTask
	overflow []Task // tasks that could not be pushed back into a full channel
}

type leasedTask struct {
	task    Task
	owner   string
	expires time.Time
}

// NewInMemoryQueue creates a new queue with the given capacity.
// For tests and small deployments, a modest capacity (e.g. 1024) is fine.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		ch:     make(chan Task, capacity),
		leased: make(map[string]*leasedTask),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	select {
	case q.ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue is the non-blocking form of Enqueue. It returns
// api.ErrQueueFull when the queue has no free capacity.
func (q *InMemoryQueue) TryEnqueue(ctx context.Context, t Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	select {
	case q.ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return api.ErrQueueFull
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}

	tmr := time.NewTimer(reapInterval)
	defer tmr.Stop()

	for {
		q.reap()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case t := <-q.ch:
			if wait := time.Until(t.NotBefore); wait > 0 {
				// Not due yet: hold it here until it is, or hand it
				// back on cancellation.
				due := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					due.Stop()
					q.pushReady(t)
					return nil, ctx.Err()
				case <-due.C:
				}
			}

			q.mu.Lock()
			q.leased[t.ID] = &leasedTask{
				task:    t,
				owner:   owner,
				expires: time.Now().Add(leaseTTL),
			}
			q.mu.Unlock()

			copied := t
			return &copied, nil
		case <-tmr.C:
			// Periodically re-check expired leases and overflow.
			tmr.Reset(reapInterval)
		}
	}
}

func (q *InMemoryQueue) Ack(ctx context.Context, taskID string, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.leased[taskID]
	if !ok {
		// Already acked or lease expired and re-delivered; idempotent.
		return nil
	}
	if l.owner != owner {
		return ErrLeaseNotHeld
	}
	delete(q.leased, taskID)
	return nil
}

func (q *InMemoryQueue) Nack(ctx context.Context, taskID string, owner string, notBefore time.Time, attempts int) error {
	q.mu.Lock()
	l, ok := q.leased[taskID]
	if !ok || l.owner != owner {
		q.mu.Unlock()
		return ErrLeaseNotHeld
	}
	delete(q.leased, taskID)
	t := l.task
	q.mu.Unlock()

	t.NotBefore = notBefore
	t.Attempts = attempts
	q.pushReady(t)
	return nil
}

func (q *InMemoryQueue) RenewLease(ctx context.Context, taskID string, owner string, leaseTTL time.Duration) error {
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.leased[taskID]
	if !ok || l.owner != owner {
		return ErrLeaseNotHeld
	}
	l.expires = time.Now().Add(leaseTTL)
	return nil
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ch) + len(q.overflow) + len(q.leased)
}

// pushReady makes a task deliverable again, spilling into the overflow
// list when the channel is full so nothing is lost.
func (q *InMemoryQueue) pushReady(t Task) {
	select {
	case q.ch <- t:
	default:
		q.mu.Lock()
		q.overflow = append(q.overflow, t)
		q.mu.Unlock()
	}
}

// reap moves expired leases and spilled tasks back into the channel.
func (q *InMemoryQueue) reap() {
	now := time.Now()

	q.mu.Lock()
	var ready []Task
	for id, l := range q.leased {
		if now.After(l.expires) {
			ready = append(ready, l.task)
			delete(q.leased, id)
		}
	}
	ready = append(ready, q.overflow...)
	q.overflow = q.overflow[:0]
	q.mu.Unlock()

	for _, t := range ready {
		q.pushReady(t)
	}
}
