package offload

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Submitter is the part of Pool that Debouncer needs.
type Submitter interface {
	Submit(ctx context.Context, handler string, payload any) (*Job, error)
}

// Debouncer coalesces bursts of submissions per key: only the latest payload
// for a key is submitted, once the key has been quiet for the configured
// delay. Typical use is keystroke-driven work (validation, search) where
// only the final state matters.
type Debouncer struct {
	submitter Submitter
	delay     time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]*debounced
	stopped bool
}

type debounced struct {
	handler string
	payload any
	timer   *time.Timer
}

// NewDebouncer creates a debouncer submitting through s after each key has
// been quiet for delay.
func NewDebouncer(s Submitter, delay time.Duration) *Debouncer {
	return &Debouncer{
		submitter: s,
		delay:     delay,
		logger:    slog.Default(),
		pending:   make(map[string]*debounced),
	}
}

// Submit schedules payload for the named handler under key, replacing any
// payload already waiting for that key and restarting its quiet period.
func (d *Debouncer) Submit(key, handler string, payload any) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if p, ok := d.pending[key]; ok {
		p.handler = handler
		p.payload = payload
		p.timer.Reset(d.delay)
		return
	}

	p := &debounced{handler: handler, payload: payload}
	p.timer = time.AfterFunc(d.delay, func() {
		d.fire(key)
	})
	d.pending[key] = p
}

// Flush submits every pending payload immediately.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	keys := make([]string, 0, len(d.pending))
	for key, p := range d.pending {
		p.timer.Stop()
		keys = append(keys, key)
	}
	d.mu.Unlock()

	for _, key := range keys {
		d.fire(key)
	}
}

// Stop drops all pending payloads and rejects further submissions. Call
// Flush first to deliver instead of drop.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
}

func (d *Debouncer) fire(key string) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()

	if !ok {
		return
	}

	if _, err := d.submitter.Submit(context.Background(), p.handler, p.payload); err != nil {
		d.logger.Warn("debounced submit failed",
			slog.String("key", key),
			slog.String("handler", p.handler),
			slog.Any("error", err),
		)
	}
}
