// Package dispatch implements the Dispatcher: handler registration, job
// records, the retry loop and cancellation.
package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/offload/internal/journal"
	"github.com/petrijr/offload/pkg/api"
)

// recoveredMsg is what a stuck RUNNING job's error is set to by
// RecoverStuckJobs.
const recoveredMsg = "offload: job interrupted by unclean shutdown"

// Config configures a dispatcher.
type Config struct {
	// Journal stores job records. Defaults to an in-memory store.
	Journal journal.Store

	// Observer receives lifecycle callbacks. Defaults to a no-op.
	Observer api.Observer
}

// Option mutates a Config.
type Option func(*Config)

// WithObserver sets the dispatcher's observer.
func WithObserver(o api.Observer) Option {
	return func(c *Config) { c.Observer = o }
}

// WithJournal sets the dispatcher's job store.
func WithJournal(s journal.Store) Option {
	return func(c *Config) { c.Journal = s }
}

type dispatcher struct {
	registry *registry
	journal  journal.Store
	observer api.Observer

	mu       sync.Mutex
	inflight map[string]context.CancelCauseFunc
}

// New creates a dispatcher from a Config, applying defaults for unset fields.
func New(cfg Config) api.Dispatcher {
	if cfg.Journal == nil {
		cfg.Journal = journal.NewInMemoryStore()
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	return &dispatcher{
		registry: newRegistry(),
		journal:  cfg.Journal,
		observer: cfg.Observer,
		inflight: make(map[string]context.CancelCauseFunc),
	}
}

// NewInMemory creates a dispatcher with an in-memory journal.
func NewInMemory(opts ...Option) api.Dispatcher {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return New(cfg)
}

// NewSQLite creates a dispatcher journaling to the given SQLite database.
func NewSQLite(db *sql.DB, opts ...Option) (api.Dispatcher, error) {
	store, err := journal.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	cfg := Config{Journal: store}
	for _, opt := range opts {
		opt(&cfg)
	}
	return New(cfg), nil
}

// NewPostgres creates a dispatcher journaling to the given Postgres database.
func NewPostgres(db *sql.DB, opts ...Option) (api.Dispatcher, error) {
	store, err := journal.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	cfg := Config{Journal: store}
	for _, opt := range opts {
		opt(&cfg)
	}
	return New(cfg), nil
}

// NewRedis creates a dispatcher journaling to Redis.
func NewRedis(client *redis.Client, prefix string, opts ...Option) api.Dispatcher {
	cfg := Config{Journal: journal.NewRedisStore(client, prefix)}
	for _, opt := range opts {
		opt(&cfg)
	}
	return New(cfg)
}

// NewMongo creates a dispatcher journaling to MongoDB.
func NewMongo(client *mongo.Client, dbName, collName string, opts ...Option) api.Dispatcher {
	cfg := Config{Journal: journal.NewMongoStore(client, dbName, collName)}
	for _, opt := range opts {
		opt(&cfg)
	}
	return New(cfg)
}

func (d *dispatcher) Register(def api.HandlerDefinition) error {
	return d.registry.register(def)
}

func (d *dispatcher) CreateJob(ctx context.Context, handler string, payload any) (*api.Job, error) {
	if _, ok := d.registry.lookup(handler); !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrUnknownHandler, handler)
	}

	job := &api.Job{
		ID:         uuid.NewString(),
		Handler:    handler,
		Status:     api.StatusPending,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
	if err := d.journal.SaveJob(job); err != nil {
		return nil, err
	}

	copied := *job
	return &copied, nil
}

func (d *dispatcher) Execute(ctx context.Context, handler string, payload any) (*api.Job, error) {
	job, err := d.CreateJob(ctx, handler, payload)
	if err != nil {
		return nil, err
	}
	return d.run(ctx, job)
}

func (d *dispatcher) ExecuteJob(ctx context.Context, id string) (*api.Job, error) {
	job, err := d.journal.GetJob(id)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case api.StatusCancelled:
		// Cancelled while queued; the task is simply dropped.
		return job, nil
	case api.StatusCompleted:
		// Duplicate delivery after a lease expired mid-ack.
		return job, nil
	}

	// PENDING, FAILED (redelivery) and stale RUNNING jobs run from scratch.
	job.Output = nil
	job.Err = nil
	return d.run(ctx, job)
}

func (d *dispatcher) GetJob(ctx context.Context, id string) (*api.Job, error) {
	return d.journal.GetJob(id)
}

func (d *dispatcher) ListJobs(ctx context.Context, opts api.JobListOptions) ([]*api.Job, error) {
	return d.journal.ListJobs(journal.Filter{
		Handler: opts.Handler,
		Status:  opts.Status,
	})
}

func (d *dispatcher) Cancel(ctx context.Context, id string) error {
	// A job running in this process gets its context cancelled; the retry
	// loop records the CANCELLED status.
	d.mu.Lock()
	cancel, running := d.inflight[id]
	d.mu.Unlock()
	if running {
		cancel(api.ErrJobCancelled)
		return nil
	}

	ok, err := d.journal.MarkCancelled(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return api.ErrJobNotCancellable
	}
	return nil
}

func (d *dispatcher) Rerun(ctx context.Context, id string) (*api.Job, error) {
	job, err := d.journal.GetJob(id)
	if err != nil {
		return nil, err
	}
	if job.Status != api.StatusFailed {
		return nil, fmt.Errorf("offload: job %s is %s, only FAILED jobs can be rerun", id, job.Status)
	}

	job.Status = api.StatusPending
	job.Output = nil
	job.Err = nil
	job.Attempts = 0
	job.StartedAt = time.Time{}
	job.CompletedAt = time.Time{}
	if err := d.journal.UpdateJob(job); err != nil {
		return nil, err
	}

	return d.run(ctx, job)
}

func (d *dispatcher) RecoverStuckJobs(ctx context.Context) (int, error) {
	return d.journal.RecoverRunning(ctx, recoveredMsg)
}

// run executes a job to a terminal status, honoring the handler's retry
// policy and per-attempt timeout.
func (d *dispatcher) run(ctx context.Context, job *api.Job) (*api.Job, error) {
	def, ok := d.registry.lookup(job.Handler)
	if !ok {
		err := fmt.Errorf("%w: %s", api.ErrUnknownHandler, job.Handler)
		d.finishFailed(ctx, job, err)
		return job, err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	d.mu.Lock()
	d.inflight[job.ID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inflight, job.ID)
		d.mu.Unlock()
	}()

	job.Status = api.StatusRunning
	job.StartedAt = time.Now()
	job.Attempts = 0
	if err := d.journal.UpdateJob(job); err != nil {
		return nil, err
	}

	d.observer.OnJobStart(ctx, job)

	maxAttempts := 1
	if def.Retry != nil && def.Retry.MaxAttempts > 1 {
		maxAttempts = def.Retry.MaxAttempts
	}

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		job.Attempts = attempt
		if err := d.journal.UpdateJob(job); err != nil {
			return nil, err
		}

		d.observer.OnAttemptStart(ctx, job, attempt)

		start := time.Now()
		out, err := runAttempt(runCtx, def, job.Payload)
		duration := time.Since(start)

		d.observer.OnAttemptCompleted(ctx, job, attempt, err, duration)

		if err == nil {
			job.Status = api.StatusCompleted
			job.Output = out
			job.Err = nil
			job.CompletedAt = time.Now()
			if uerr := d.journal.UpdateJob(job); uerr != nil {
				return nil, uerr
			}
			d.observer.OnJobCompleted(ctx, job)
			return job, nil
		}
		lastErr = err

		if cancelled, cerr := d.checkCancelled(ctx, runCtx, job); cancelled {
			return job, cerr
		}
		if runCtx.Err() != nil {
			// Parent context gone; no point retrying.
			break
		}
		if attempt >= maxAttempts {
			break
		}

		if wait := backoffDelay(def.Retry, attempt); wait > 0 {
			select {
			case <-runCtx.Done():
				if cancelled, cerr := d.checkCancelled(ctx, runCtx, job); cancelled {
					return job, cerr
				}
			case <-time.After(wait):
			}
			if runCtx.Err() != nil {
				break
			}
		}
	}

	d.finishFailed(ctx, job, lastErr)
	return job, lastErr
}

// checkCancelled records the CANCELLED status when runCtx was cancelled via
// Cancel. The returned error is what the caller should propagate.
func (d *dispatcher) checkCancelled(ctx, runCtx context.Context, job *api.Job) (bool, error) {
	cause := context.Cause(runCtx)
	if cause == nil || !errors.Is(cause, api.ErrJobCancelled) {
		return false, nil
	}

	job.Status = api.StatusCancelled
	job.Err = api.ErrJobCancelled
	job.CompletedAt = time.Now()
	if err := d.journal.UpdateJob(job); err != nil {
		return true, err
	}
	d.observer.OnJobCancelled(ctx, job)
	return true, api.ErrJobCancelled
}

func (d *dispatcher) finishFailed(ctx context.Context, job *api.Job, err error) {
	job.Status = api.StatusFailed
	job.Err = err
	job.CompletedAt = time.Now()
	_ = d.journal.UpdateJob(job)
	d.observer.OnJobFailed(ctx, job, err)
}

// runAttempt calls the handler once, applying the per-attempt timeout and
// converting panics into errors so a bad handler cannot take the worker down.
func runAttempt(ctx context.Context, def api.HandlerDefinition, payload any) (out any, err error) {
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("offload: handler %q panicked: %v", def.Name, r)
		}
	}()

	return def.Fn(ctx, payload)
}

// backoffDelay computes the sleep before the retry following the given
// attempt (1-based).
func backoffDelay(p *api.RetryPolicy, attempt int) time.Duration {
	if p == nil || p.InitialBackoff <= 0 {
		return 0
	}

	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}

	delay := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		delay *= mult
	}

	d := time.Duration(delay)
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}
