// Package registry maps backend type names to hook factories. Backend
// packages register themselves from init, so importing a backend package is
// what makes its type available to configuration.
package registry

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/leasepool/pkg/config"
	"github.com/ajitpratap0/leasepool/pkg/logger"
	"github.com/ajitpratap0/leasepool/pkg/poolerrors"
	"github.com/ajitpratap0/leasepool/pkg/resource"
)

// Factory builds a backend hook from its configuration.
type Factory func(cfg config.BackendConfig, log *zap.Logger) (resource.Hook, error)

// Info describes a registered backend.
type Info struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Settings    []string `json:"settings"`
}

type entry struct {
	info    Info
	factory Factory
}

// Registry manages backend registration and instantiation
type Registry struct {
	mu       sync.RWMutex
	backends map[string]entry
	logger   *zap.Logger
}

var globalRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]entry),
		logger:   logger.Get().With(zap.String("component", "backend_registry")),
	}
}

// Register adds a backend factory under info.Name.
func (r *Registry) Register(info Info, factory Factory) error {
	name := normalize(info.Name)
	if name == "" || factory == nil {
		return poolerrors.New(poolerrors.ErrorTypeConfig, "backend name and factory are required")
	}
	if name == config.BackendNull {
		return poolerrors.New(poolerrors.ErrorTypeConfig, "backend name null is reserved for the virtual pool")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[name]; exists {
		return poolerrors.Newf(poolerrors.ErrorTypeConflict, "backend %s already registered", name)
	}
	info.Name = name
	r.backends[name] = entry{info: info, factory: factory}
	r.logger.Debug("backend registered", zap.String("name", name))
	return nil
}

// Create builds the hook for cfg.Type.
func (r *Registry) Create(cfg config.BackendConfig, log *zap.Logger) (resource.Hook, error) {
	name := normalize(cfg.Type)

	r.mu.RLock()
	e, exists := r.backends[name]
	r.mu.RUnlock()

	if !exists {
		return nil, poolerrors.Newf(poolerrors.ErrorTypeNotFound, "backend %s not found", cfg.Type).
			WithDetail("available", r.List())
	}
	if cfg.Settings == nil {
		cfg.Settings = map[string]string{}
	}

	hook, err := e.factory(cfg, logger.OrGlobal(log).With(zap.String("backend", name)))
	if err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "failed to create backend "+name)
	}
	return hook, nil
}

// List returns the registered backend names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Info returns the description of a registered backend.
func (r *Registry) Info(name string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.backends[normalize(name)]
	return e.info, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Info(name)
	return ok
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds a backend to the global registry.
func Register(info Info, factory Factory) error {
	return globalRegistry.Register(info, factory)
}

// MustRegister is Register for init functions; it panics on a duplicate.
func MustRegister(info Info, factory Factory) {
	if err := globalRegistry.Register(info, factory); err != nil {
		panic(err)
	}
}

// Create builds a hook from the global registry.
func Create(cfg config.BackendConfig, log *zap.Logger) (resource.Hook, error) {
	return globalRegistry.Create(cfg, log)
}

// List returns the backends in the global registry.
func List() []string {
	return globalRegistry.List()
}

// Describe returns a backend's Info from the global registry.
func Describe(name string) (Info, bool) {
	return globalRegistry.Info(name)
}

// GetRegistry returns the global registry instance.
func GetRegistry() *Registry {
	return globalRegistry
}
