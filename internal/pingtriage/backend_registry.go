package pingtriage

import (
	"strings"
	"sync"
)

type StateBackendFactory func(dsn string) (StateBackend, error)

var backendFactoryRegistry = struct {
	mu             sync.RWMutex
	stateFactories map[string]StateBackendFactory
}{
	stateFactories: map[string]StateBackendFactory{},
}

// RegisterStateBackendFactory makes BuildStateBackendFromDSN route scheme to
// factory. Registered schemes take precedence over the built-in ones.
func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.stateFactories[scheme] = factory
}

func lookupStateBackendFactory(scheme string) (StateBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.stateFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
