// Package worker runs queued jobs in the background.
//
// A Worker couples a task queue with a dispatcher: it dequeues tasks under a
// lease, renews the lease with heartbeats while the handler runs, and acks
// or nacks the task depending on the outcome. Multiple workers sharing one
// queue form a processing pool; with a durable queue and journal they may
// live in separate processes.
package worker
