// Package offload dispatches named jobs to background workers over a
// message-passing boundary, keeping heavy computation off the calling
// goroutine.
//
// The core loop is: register a handler, submit a payload, receive a result.
// A Pool bundles a dispatcher, a queue and a set of workers behind a small
// API for the common in-process case:
//
//	pool := offload.NewLocalPool()
//	offload.NewHandler("checksum").
//		Use(checksumHandler).
//		MustRegister(pool.Dispatcher)
//	pool.Start(ctx, 4)
//	defer pool.Stop()
//
//	job, err := pool.Call(ctx, "checksum", payload)
//
// Durable setups swap the in-memory journal and queue for SQLite, Postgres,
// Redis or MongoDB backends and run workers in separate processes.
package offload
