package dispatch

import (
	"fmt"
	"sync"

	"github.com/petrijr/offload/pkg/api"
)

// registry holds the named handler definitions of a dispatcher.
type registry struct {
	mu       sync.RWMutex
	handlers map[string]api.HandlerDefinition
}

func newRegistry() *registry {
	return &registry{handlers: make(map[string]api.HandlerDefinition)}
}

func (r *registry) register(def api.HandlerDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("offload: handler name must not be empty")
	}
	if def.Fn == nil {
		return fmt.Errorf("offload: handler %q has no function", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[def.Name]; exists {
		return fmt.Errorf("offload: handler %q already registered", def.Name)
	}
	r.handlers[def.Name] = def
	return nil
}

func (r *registry) lookup(name string) (api.HandlerDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.handlers[name]
	return def, ok
}
