package connector

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// --- Connector factory registry ---
// Connectors register themselves via init() in this package. Adding a
// new backend type = implement Connector + RegisterFactory("type", New).

// Factory creates a Connector from its registered type.
type Factory func(name string, logger *zap.Logger) Connector

var (
	factoryMu sync.RWMutex
	factories = map[string]Factory{}
)

// RegisterFactory registers a connector factory for the given type name.
func RegisterFactory(typeName string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[typeName] = factory
}

// CreateConnector instantiates a connector using the registered factory.
func CreateConnector(typeName, name string, logger *zap.Logger) (Connector, error) {
	factoryMu.RLock()
	factory, ok := factories[typeName]
	factoryMu.RUnlock()

	if !ok {
		factoryMu.RLock()
		available := make([]string, 0, len(factories))
		for k := range factories {
			available = append(available, k)
		}
		factoryMu.RUnlock()
		sort.Strings(available)
		return nil, fmt.Errorf("unknown connector type %q (available: %v)", typeName, available)
	}
	return factory(name, logger), nil
}

// Registry holds the process's registered backends. Write-once at
// startup; reads are lock-free after that in practice but guarded
// anyway.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Connector
	order    []string
	logger   *zap.Logger
}

// NewRegistry builds an empty backend registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		backends: make(map[string]Connector),
		logger:   logger.With(zap.String("component", "backend-registry")),
	}
}

// Register adds a backend by name. Duplicate names fail: registration
// happens once at startup and a clash is a configuration bug.
func (r *Registry) Register(c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := c.Name()
	if _, exists := r.backends[name]; exists {
		return fmt.Errorf("backend %q already registered", name)
	}
	r.backends[name] = c
	r.order = append(r.order, name)
	r.logger.Info("Backend registered", zap.String("backend", name))
	return nil
}

// Get looks up a backend by name.
func (r *Registry) Get(name string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.backends[name]
	return c, ok
}

// RegisteredBackends lists backend names in registration order.
func (r *Registry) RegisteredBackends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// IsFunctional reports whether a named backend exists and can serve.
func (r *Registry) IsFunctional(name string) bool {
	c, ok := r.Get(name)
	return ok && c.IsFunctional()
}

// ModelCapabilities is advisory static metadata about a model family.
// The dispatch path never consults it; the model listing surfaces it.
type ModelCapabilities struct {
	SupportsTools     bool
	SupportsStreaming bool
	SupportsVision    bool
	ContextWindow     int
}

var modelCapabilities = map[string]ModelCapabilities{
	"gpt-4":       {SupportsTools: true, SupportsStreaming: true, SupportsVision: true, ContextWindow: 128000},
	"gpt-3.5":     {SupportsTools: true, SupportsStreaming: true, ContextWindow: 16385},
	"claude-3":    {SupportsTools: true, SupportsStreaming: true, SupportsVision: true, ContextWindow: 200000},
	"gemini-2.0":  {SupportsTools: true, SupportsStreaming: true, SupportsVision: true, ContextWindow: 1048576},
	"gemini-1.5":  {SupportsTools: true, SupportsStreaming: true, SupportsVision: true, ContextWindow: 1048576},
	"qwen3-coder": {SupportsTools: true, SupportsStreaming: true, ContextWindow: 262144},
	"glm-4":       {SupportsTools: true, SupportsStreaming: true, ContextWindow: 128000},
	"deepseek-r1": {SupportsStreaming: true, ContextWindow: 65536},
}

// CapabilitiesFor returns the capabilities of the longest model-prefix
// match, if any.
func CapabilitiesFor(model string) (ModelCapabilities, bool) {
	best := ""
	for prefix := range modelCapabilities {
		if len(prefix) > len(best) && len(model) >= len(prefix) && model[:len(prefix)] == prefix {
			best = prefix
		}
	}
	if best == "" {
		return ModelCapabilities{}, false
	}
	return modelCapabilities[best], true
}
