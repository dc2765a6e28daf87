// Package api defines the core types of the offload task-dispatch model.
//
// The model mirrors the classic controlling-thread / background-context
// split: application code posts a payload to a named handler, the work runs
// in a background execution context, and a Result message travels back.
//
// # Types
//
//   - HandlerFunc / HandlerDefinition: the unit of computation, optionally
//     with a RetryPolicy and per-attempt Timeout.
//   - Job: the durable record of one dispatched unit of work, moving
//     through PENDING, RUNNING and one terminal status (COMPLETED, FAILED
//     or CANCELLED).
//   - Result: the message delivered back to the controlling side.
//   - Dispatcher: the execution API implemented by the engine in
//     internal/dispatch and re-exported by the offload root package.
//   - Observer: lifecycle callbacks for logging and metrics, with Noop,
//     Composite, Logging (log/slog) and BasicMetrics implementations.
//
// # Payload ownership
//
// Payloads submitted to an in-process queue are passed by reference; the
// submitter transfers ownership. CloneValue/Clone provide gob-based deep
// copies for callers that need copy semantics instead. Durable queues
// always copy, since payloads cross an encoding boundary.
//
// Most applications import the offload root package rather than this one;
// the root package re-exports everything here.
package api
