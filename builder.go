package offload

import (
	"time"

	"github.com/petrijr/offload/pkg/api"
)

// HandlerBuilder builds a HandlerDefinition fluently:
//
//	offload.NewHandler("thumbnail").
//		Use(offload.TypedHandler(makeThumbnail)).
//		WithRetry(offload.Retry(3).WithExponentialBackoff(100*time.Millisecond, 2, 5*time.Second)).
//		MustRegister(d)
type HandlerBuilder struct {
	def api.HandlerDefinition
}

// NewHandler starts building a handler with the given name.
func NewHandler(name string) *HandlerBuilder {
	return &HandlerBuilder{def: api.HandlerDefinition{Name: name}}
}

// Use sets the handler function.
func (b *HandlerBuilder) Use(fn HandlerFunc) *HandlerBuilder {
	b.def.Fn = fn
	return b
}

// WithRetry sets the retry policy applied per execution.
func (b *HandlerBuilder) WithRetry(rb *RetryBuilder) *HandlerBuilder {
	p := rb.Policy()
	b.def.Retry = &p
	return b
}

// WithRetryPolicy sets the retry policy directly.
func (b *HandlerBuilder) WithRetryPolicy(p RetryPolicy) *HandlerBuilder {
	b.def.Retry = &p
	return b
}

// WithTimeout bounds each handler attempt.
func (b *HandlerBuilder) WithTimeout(d time.Duration) *HandlerBuilder {
	b.def.Timeout = d
	return b
}

// Definition returns the built definition.
func (b *HandlerBuilder) Definition() HandlerDefinition {
	return b.def
}

// Register registers the handler with the dispatcher.
func (b *HandlerBuilder) Register(d Dispatcher) error {
	return d.Register(b.def)
}

// MustRegister registers the handler and panics on error. Registration
// errors are programming mistakes (empty name, duplicate, nil function), so
// panicking at startup is the useful behavior.
func (b *HandlerBuilder) MustRegister(d Dispatcher) {
	if err := d.Register(b.def); err != nil {
		panic(err)
	}
}
