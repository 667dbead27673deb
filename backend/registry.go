package backend

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Backend name constants.
const (
	// BackendSoftware is the host interpreter backend.
	BackendSoftware = "software"
	// BackendWGPU is the Pure Go GPU backend on gogpu/wgpu (Vulkan).
	BackendWGPU = "wgpu"
	// BackendNull is the wgpu no-op HAL: full plumbing, no execution.
	BackendNull = "null"
)

// Factory creates a new backend instance.
type Factory func() Backend

var (
	registryMu sync.RWMutex
	backends   = make(map[string]Factory)
	// Priority order for automatic selection (first that opens wins).
	backendPriority = []string{BackendWGPU, BackendSoftware}
)

// Register registers a backend factory with the given name.
// This is typically called from init() functions in backend packages.
// If a backend with the same name is already registered, it is replaced.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backends[name] = factory
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(backends, name)
}

// Available returns the registered backend names in sorted order.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := backends[name]
	return ok
}

// Get returns a backend instance by name, or nil if none is registered.
func Get(name string) Backend {
	registryMu.RLock()
	factory, ok := backends[name]
	registryMu.RUnlock()
	if !ok {
		return nil
	}
	return factory()
}

// Open opens a device on the named backend.
func Open(name string, cfg Config) (Device, error) {
	b := Get(name)
	if b == nil {
		return nil, fmt.Errorf("%w: %q is not registered", ErrBackendNotAvailable, name)
	}
	return b.Open(cfg)
}

// OpenDefault opens a device on the first backend in priority order that
// succeeds. Backends outside the priority list are not tried, so the null
// backend is only ever chosen explicitly.
func OpenDefault(cfg Config) (Device, error) {
	var errs []error
	for _, name := range backendPriority {
		if !IsRegistered(name) {
			continue
		}
		dev, err := Open(name, cfg)
		if err == nil {
			return dev, nil
		}
		if cfg.Logger != nil {
			cfg.Logger.Warn("backend unavailable, trying next", "backend", name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	if len(errs) == 0 {
		return nil, ErrBackendNotAvailable
	}
	return nil, fmt.Errorf("%w: %w", ErrBackendNotAvailable, errors.Join(errs...))
}
