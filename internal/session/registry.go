package session

import (
	"sync"
)

// AttachFunc wires a freshly created store to its event sources and returns
// the function that detaches it again.
type AttachFunc func(*Store) (detach func(), err error)

// RegistryHooks observe the lifecycle of registry entries.
type RegistryHooks struct {
	Created  func(code string)
	Disposed func(code string)
}

// Registry keeps exactly one live Store per session code within a process.
type Registry struct {
	mu      sync.Mutex
	hooks   RegistryHooks
	entries map[string]*registryEntry
}

type registryEntry struct {
	store  *Store
	refs   int
	detach func()
}

func NewRegistry(hooks RegistryHooks) *Registry {
	return &Registry{
		hooks:   hooks,
		entries: make(map[string]*registryEntry),
	}
}

// Acquire returns the store for code, creating and attaching it on first use.
// release drops the reference; the last release detaches and closes the store.
func (r *Registry) Acquire(code string, attach AttachFunc) (*Store, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[code]
	if !ok {
		store := NewStore(code, "")
		entry = &registryEntry{store: store}
		if attach != nil {
			detach, err := attach(store)
			if err != nil {
				store.Close()
				return nil, nil, err
			}
			entry.detach = detach
		}
		r.entries[code] = entry
		if r.hooks.Created != nil {
			r.hooks.Created(code)
		}
	}
	entry.refs++

	var once sync.Once
	release := func() {
		once.Do(func() { r.release(code, entry) })
	}
	return entry.store, release, nil
}

func (r *Registry) release(code string, entry *registryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.refs--
	if entry.refs > 0 || r.entries[code] != entry {
		return
	}
	delete(r.entries, code)
	if entry.detach != nil {
		entry.detach()
	}
	entry.store.Close()
	if r.hooks.Disposed != nil {
		r.hooks.Disposed(code)
	}
}

func (r *Registry) Get(code string) (*Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[code]
	if !ok {
		return nil, false
	}
	return entry.store, true
}

// Codes lists the session codes currently mirrored.
func (r *Registry) Codes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	codes := make([]string, 0, len(r.entries))
	for code := range r.entries {
		codes = append(codes, code)
	}
	return codes
}
