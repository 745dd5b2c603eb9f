package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/apifuse/apifuse/pkg/connector"
)

// Registry holds one engine per registered connector so hosts address
// every vendor through a single surface.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*Engine
	opts    []Option
}

// NewRegistry creates an empty registry. The options apply to every
// engine built through Register.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		engines: make(map[string]*Engine),
		opts:    opts,
	}
}

// Register builds an engine for the definition and stores it under the
// connector's name, replacing any previous registration.
func (r *Registry) Register(def *connector.Definition) (*Engine, error) {
	eng, err := New(def, r.opts...)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.engines[def.Name] = eng
	r.mu.Unlock()
	return eng, nil
}

// Get returns the engine for a connector name.
func (r *Registry) Get(name string) (*Engine, error) {
	r.mu.RLock()
	eng, ok := r.engines[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("connector %q is not registered", name)
	}
	return eng, nil
}

// Connectors lists registered connector names in sorted order.
func (r *Registry) Connectors() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Execute routes a call to the named connector's engine.
func (r *Registry) Execute(ctx context.Context, connectorName, operation string, args map[string]interface{}) (*Result, error) {
	eng, err := r.Get(connectorName)
	if err != nil {
		return nil, err
	}
	return eng.Execute(ctx, operation, args)
}

// Deregister removes a connector. Unknown names are a no-op.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	delete(r.engines, name)
	r.mu.Unlock()
}
