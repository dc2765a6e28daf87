package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the dispatcher for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay job execution.
type Observer interface {
	// OnJobStart is called once when a job begins executing, before the
	// first attempt.
	OnJobStart(ctx context.Context, job *Job)

	// OnJobCompleted is called when a job reaches StatusCompleted.
	OnJobCompleted(ctx context.Context, job *Job)

	// OnJobFailed is called when a job transitions to StatusFailed.
	OnJobFailed(ctx context.Context, job *Job, err error)

	// OnJobCancelled is called when a job transitions to StatusCancelled.
	OnJobCancelled(ctx context.Context, job *Job)

	// OnAttemptStart is called before each handler attempt.
	// attempt is 1-based.
	OnAttemptStart(ctx context.Context, job *Job, attempt int)

	// OnAttemptCompleted is called after a handler attempt returns, for
	// both successes and failures (err != nil).
	OnAttemptCompleted(ctx context.Context, job *Job, attempt int, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnJobStart(ctx context.Context, job *Job)                 {}
func (NoopObserver) OnJobCompleted(ctx context.Context, job *Job)             {}
func (NoopObserver) OnJobFailed(ctx context.Context, job *Job, err error)     {}
func (NoopObserver) OnJobCancelled(ctx context.Context, job *Job)             {}
func (NoopObserver) OnAttemptStart(ctx context.Context, job *Job, attempt int) {}
func (NoopObserver) OnAttemptCompleted(ctx context.Context, job *Job, attempt int, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnJobStart(ctx context.Context, job *Job) {
	for _, o := range c.observers {
		o.OnJobStart(ctx, job)
	}
}

func (c *CompositeObserver) OnJobCompleted(ctx context.Context, job *Job) {
	for _, o := range c.observers {
		o.OnJobCompleted(ctx, job)
	}
}

func (c *CompositeObserver) OnJobFailed(ctx context.Context, job *Job, err error) {
	for _, o := range c.observers {
		o.OnJobFailed(ctx, job, err)
	}
}

func (c *CompositeObserver) OnJobCancelled(ctx context.Context, job *Job) {
	for _, o := range c.observers {
		o.OnJobCancelled(ctx, job)
	}
}

func (c *CompositeObserver) OnAttemptStart(ctx context.Context, job *Job, attempt int) {
	for _, o := range c.observers {
		o.OnAttemptStart(ctx, job, attempt)
	}
}

func (c *CompositeObserver) OnAttemptCompleted(ctx context.Context, job *Job, attempt int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnAttemptCompleted(ctx, job, attempt, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs job / attempt lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnJobStart(ctx context.Context, job *Job) {
	o.Logger.InfoContext(ctx, "job_start",
		slog.String("handler", job.Handler),
		slog.String("job_id", job.ID),
	)
}

func (o *LoggingObserver) OnJobCompleted(ctx context.Context, job *Job) {
	o.Logger.InfoContext(ctx, "job_completed",
		slog.String("handler", job.Handler),
		slog.String("job_id", job.ID),
		slog.Int("attempts", job.Attempts),
	)
}

func (o *LoggingObserver) OnJobFailed(ctx context.Context, job *Job, err error) {
	o.Logger.ErrorContext(ctx, "job_failed",
		slog.String("handler", job.Handler),
		slog.String("job_id", job.ID),
		slog.Int("attempts", job.Attempts),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnJobCancelled(ctx context.Context, job *Job) {
	o.Logger.InfoContext(ctx, "job_cancelled",
		slog.String("handler", job.Handler),
		slog.String("job_id", job.ID),
	)
}

func (o *LoggingObserver) OnAttemptStart(ctx context.Context, job *Job, attempt int) {
	o.Logger.DebugContext(ctx, "attempt_start",
		slog.String("handler", job.Handler),
		slog.String("job_id", job.ID),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnAttemptCompleted(ctx context.Context, job *Job, attempt int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "attempt_completed",
		slog.String("handler", job.Handler),
		slog.String("job_id", job.ID),
		slog.Int("attempt", attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate attempt durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	jobsStarted   atomic.Int64
	jobsCompleted atomic.Int64
	jobsFailed    atomic.Int64
	jobsCancelled atomic.Int64

	attemptsCompleted    atomic.Int64
	totalAttemptDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	JobsStarted   int64
	JobsCompleted int64
	JobsFailed    int64
	JobsCancelled int64
	RunningJobs   int64

	AttemptsCompleted  int64
	AvgAttemptDuration time.Duration
}

func (m *BasicMetrics) OnJobStart(ctx context.Context, job *Job) {
	m.jobsStarted.Add(1)
}

func (m *BasicMetrics) OnJobCompleted(ctx context.Context, job *Job) {
	m.jobsCompleted.Add(1)
}

func (m *BasicMetrics) OnJobFailed(ctx context.Context, job *Job, err error) {
	m.jobsFailed.Add(1)
}

func (m *BasicMetrics) OnJobCancelled(ctx context.Context, job *Job) {
	m.jobsCancelled.Add(1)
}

func (m *BasicMetrics) OnAttemptCompleted(ctx context.Context, job *Job, attempt int, err error, d time.Duration) {
	// Only count successful attempts for average duration.
	if err == nil {
		m.attemptsCompleted.Add(1)
		m.totalAttemptDuration.Add(d.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.jobsStarted.Load()
	completed := m.jobsCompleted.Load()
	failed := m.jobsFailed.Load()
	cancelled := m.jobsCancelled.Load()
	attempts := m.attemptsCompleted.Load()
	totalNs := m.totalAttemptDuration.Load()

	var avg time.Duration
	if attempts > 0 {
		avg = time.Duration(totalNs / attempts)
	}

	return BasicMetricsSnapshot{
		JobsStarted:        started,
		JobsCompleted:      completed,
		JobsFailed:         failed,
		JobsCancelled:      cancelled,
		RunningJobs:        started - completed - failed - cancelled,
		AttemptsCompleted:  attempts,
		AvgAttemptDuration: avg,
	}
}
