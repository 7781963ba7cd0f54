package backend

import (
	"sort"
	"sync"
)

// Key is one named credential. The name (the env var or config entry it
// came from) is what logs and captures may carry; the value only ever
// travels inside an adapter request.
type Key struct {
	Name  string
	Value string
}

// Registry maps backend names to adapter instances and their ordered API
// key lists. A backend with no keys is registered but not functional; the
// failover planner skips it.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	keys     map[string][]Key
}

func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
		keys:     make(map[string][]Key),
	}
}

// Register adds a backend with its key list, replacing any previous entry
// of the same name.
func (r *Registry) Register(b Backend, keys []Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
	r.keys[b.Name()] = append([]Key(nil), keys...)
}

// Get resolves a backend by name.
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Keys returns a copy of the backend's ordered API key list.
func (r *Registry) Keys(name string) []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Key(nil), r.keys[name]...)
}

// FirstKey returns the backend's first key, if it has one.
func (r *Registry) FirstKey(name string) (Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := r.keys[name]
	if len(keys) == 0 {
		return Key{}, false
	}
	return keys[0], true
}

// SetKeys replaces a backend's key list, for configuration reload.
func (r *Registry) SetKeys(name string, keys []Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[name]; ok {
		r.keys[name] = append([]Key(nil), keys...)
	}
}

// Names returns every registered backend name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Functional returns the sorted names of backends holding at least one key.
func (r *Registry) Functional() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		if len(r.keys[name]) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// AllSecrets returns every configured key value across backends, for the
// redactor.
func (r *Registry) AllSecrets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var secrets []string
	for _, keys := range r.keys {
		for _, k := range keys {
			secrets = append(secrets, k.Value)
		}
	}
	return secrets
}
