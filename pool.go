package offload

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/petrijr/offload/internal/dispatch"
	"github.com/petrijr/offload/internal/taskqueue"
	"github.com/petrijr/offload/pkg/api"
	"github.com/petrijr/offload/pkg/worker"
)

var (
	// ErrPoolRunning is returned by Start when the pool is already running.
	ErrPoolRunning = errors.New("offload: pool already started")

	// ErrPoolStopped is returned by Call when the pool is not running, since
	// no worker would ever produce the awaited result.
	ErrPoolStopped = errors.New("offload: pool not running")
)

// tryEnqueuer is implemented by queues that support non-blocking enqueue.
type tryEnqueuer interface {
	TryEnqueue(ctx context.Context, t taskqueue.Task) error
}

// Pool runs a set of workers over one dispatcher and one queue. It is the
// in-process entry point: submit jobs from any goroutine, receive results on
// a channel or wait for them with Call.
type Pool struct {
	Dispatcher Dispatcher
	Queue      Queue

	cfg poolConfig

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	results   chan api.Result
	out       chan api.Result
	routerWG  sync.WaitGroup
	waitersMu sync.Mutex
	waiters   map[string]chan api.Result
}

type poolConfig struct {
	queueCapacity int
	resultBuffer  int
	copyPayloads  bool
	observer      Observer
	workerCfg     worker.Config
	logger        *slog.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*poolConfig)

// WithQueueCapacity bounds the in-memory queue created by NewLocalPool.
func WithQueueCapacity(n int) PoolOption {
	return func(c *poolConfig) { c.queueCapacity = n }
}

// WithResultBuffer sets the capacity of the Results channel. When the
// channel is full, further results are dropped with a warning; they remain
// readable through GetJob. Defaults to 256.
func WithResultBuffer(n int) PoolOption {
	return func(c *poolConfig) { c.resultBuffer = n }
}

// WithCopyPayloads makes Submit, TrySubmit and Call deep-copy payloads
// before queuing, so the caller may keep mutating its value. Without it,
// submission transfers ownership of the payload to the pool.
func WithCopyPayloads() PoolOption {
	return func(c *poolConfig) { c.copyPayloads = true }
}

// WithObserver attaches an observer to the dispatcher created by
// NewLocalPool. It has no effect with NewPool, where the dispatcher is
// built by the caller.
func WithObserver(o Observer) PoolOption {
	return func(c *poolConfig) { c.observer = o }
}

// WithWorkerConfig overrides the configuration used for the pool's workers.
// The Results field is managed by the pool and ignored here.
func WithWorkerConfig(cfg worker.Config) PoolOption {
	return func(c *poolConfig) { c.workerCfg = cfg }
}

// WithLogger sets the pool's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) PoolOption {
	return func(c *poolConfig) { c.logger = l }
}

func newPoolConfig(opts []PoolOption) poolConfig {
	cfg := poolConfig{
		queueCapacity: 1024,
		resultBuffer:  256,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return cfg
}

// NewPool creates a pool over an existing dispatcher and queue.
func NewPool(d Dispatcher, q Queue, opts ...PoolOption) *Pool {
	return &Pool{
		Dispatcher: d,
		Queue:      q,
		cfg:        newPoolConfig(opts),
		waiters:    make(map[string]chan api.Result),
	}
}

// NewLocalPool creates a fully in-memory pool: in-memory journal, bounded
// in-memory queue. This is the plain "get work off the caller's goroutine"
// setup; nothing survives a restart.
func NewLocalPool(opts ...PoolOption) *Pool {
	cfg := newPoolConfig(opts)

	var dOpts []dispatch.Option
	if cfg.observer != nil {
		dOpts = append(dOpts, dispatch.WithObserver(cfg.observer))
	}

	return &Pool{
		Dispatcher: dispatch.NewInMemory(dOpts...),
		Queue:      taskqueue.NewInMemoryQueue(cfg.queueCapacity),
		cfg:        cfg,
		waiters:    make(map[string]chan api.Result),
	}
}

// Start launches concurrency workers. It returns an error if the pool is
// already running. The given context bounds the lifetime of the workers;
// Stop also shuts them down.
func (p *Pool) Start(ctx context.Context, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrPoolRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.results = make(chan api.Result, concurrency)
	p.out = make(chan api.Result, p.cfg.resultBuffer)

	p.routerWG.Add(1)
	go p.routeResults()

	wcfg := p.cfg.workerCfg
	wcfg.Results = p.results
	if wcfg.Logger == nil {
		wcfg.Logger = p.cfg.logger
	}

	for i := 0; i < concurrency; i++ {
		w := worker.NewWithConfig(p.Dispatcher, p.Queue, wcfg)
		// Each worker needs its own lease owner ID.
		wcfg.WorkerID = ""

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			_ = w.Run(runCtx)
		}()
	}

	return nil
}

// Stop shuts the workers down and waits for in-flight jobs to settle, then
// closes the Results channel. It is safe to call more than once.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()

	close(p.results)
	p.routerWG.Wait()
	close(p.out)
}

// Submit queues a job for the named handler and returns the PENDING job.
// It blocks while the queue is full.
func (p *Pool) Submit(ctx context.Context, handler string, payload any) (*Job, error) {
	payload, err := p.preparePayload(payload)
	if err != nil {
		return nil, err
	}

	job, err := p.Dispatcher.CreateJob(ctx, handler, payload)
	if err != nil {
		return nil, err
	}
	if err := p.Queue.Enqueue(ctx, taskFromJob(job)); err != nil {
		p.cancelOrphan(ctx, job.ID)
		return nil, err
	}
	return job, nil
}

// TrySubmit is like Submit but fails fast with ErrQueueFull instead of
// blocking when the queue has no capacity. Queues without non-blocking
// enqueue support fall back to the blocking path.
func (p *Pool) TrySubmit(ctx context.Context, handler string, payload any) (*Job, error) {
	te, ok := p.Queue.(tryEnqueuer)
	if !ok {
		return p.Submit(ctx, handler, payload)
	}

	payload, err := p.preparePayload(payload)
	if err != nil {
		return nil, err
	}

	job, err := p.Dispatcher.CreateJob(ctx, handler, payload)
	if err != nil {
		return nil, err
	}
	if err := te.TryEnqueue(ctx, taskFromJob(job)); err != nil {
		p.cancelOrphan(ctx, job.ID)
		return nil, err
	}
	return job, nil
}

// Call submits a job and blocks until its result message arrives or ctx is
// done. Jobs that end CANCELLED produce no result; cancel ctx to unblock.
func (p *Pool) Call(ctx context.Context, handler string, payload any) (Result, error) {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return Result{}, ErrPoolStopped
	}

	payload, err := p.preparePayload(payload)
	if err != nil {
		return Result{}, err
	}

	job, err := p.Dispatcher.CreateJob(ctx, handler, payload)
	if err != nil {
		return Result{}, err
	}

	// Register the waiter before enqueueing so the result cannot slip past.
	ch := make(chan api.Result, 1)
	p.waitersMu.Lock()
	p.waiters[job.ID] = ch
	p.waitersMu.Unlock()

	if err := p.Queue.Enqueue(ctx, taskFromJob(job)); err != nil {
		p.removeWaiter(job.ID)
		p.cancelOrphan(ctx, job.ID)
		return Result{}, err
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		p.removeWaiter(job.ID)
		return Result{}, ctx.Err()
	}
}

// Cancel cancels a job by ID. See Dispatcher.Cancel for the semantics.
func (p *Pool) Cancel(ctx context.Context, id string) error {
	return p.Dispatcher.Cancel(ctx, id)
}

// GetJob looks up a job by ID.
func (p *Pool) GetJob(ctx context.Context, id string) (*Job, error) {
	return p.Dispatcher.GetJob(ctx, id)
}

// Results returns the channel carrying results of Submit'ed jobs. It is
// closed by Stop. Results claimed by Call do not appear here.
func (p *Pool) Results() <-chan Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out
}

// QueueLen reports the approximate number of queued or in-flight tasks.
func (p *Pool) QueueLen() int {
	return p.Queue.Len()
}

func (p *Pool) routeResults() {
	defer p.routerWG.Done()

	for res := range p.results {
		p.waitersMu.Lock()
		ch, ok := p.waiters[res.JobID]
		if ok {
			delete(p.waiters, res.JobID)
		}
		p.waitersMu.Unlock()

		if ok {
			ch <- res
			continue
		}

		select {
		case p.out <- res:
		default:
			// A full channel means nobody is reading; the journal still
			// has the outcome.
			p.cfg.logger.Warn("results channel full, dropping result",
				slog.String("job_id", res.JobID),
				slog.String("handler", res.Handler),
			)
		}
	}
}

func (p *Pool) removeWaiter(id string) {
	p.waitersMu.Lock()
	delete(p.waiters, id)
	p.waitersMu.Unlock()
}

func (p *Pool) preparePayload(payload any) (any, error) {
	if !p.cfg.copyPayloads || payload == nil {
		return payload, nil
	}
	return api.CloneValue(payload)
}

func (p *Pool) cancelOrphan(ctx context.Context, id string) {
	if err := p.Dispatcher.Cancel(context.WithoutCancel(ctx), id); err != nil {
		p.cfg.logger.Warn("failed to cancel orphaned job",
			slog.String("job_id", id),
			slog.Any("error", err),
		)
	}
}

func taskFromJob(job *Job) taskqueue.Task {
	return taskqueue.Task{
		ID:         job.ID,
		Handler:    job.Handler,
		Payload:    job.Payload,
		EnqueuedAt: job.EnqueuedAt,
	}
}
