package incident

import "sync"

// registry serializes all invocations against one incident identifier.
// Commands, wake-ups and prompt-loop re-entry all acquire the same per-key
// lock, so the actor body runs as if single-threaded. Entries are refcounted
// and evicted once the last holder releases.
type registry struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newRegistry() *registry {
	return &registry{locks: make(map[string]*lockEntry)}
}

func (r *registry) acquire(key string) func() {
	r.mu.Lock()
	entry, ok := r.locks[key]
	if !ok {
		entry = &lockEntry{}
		r.locks[key] = entry
	}
	entry.refs++
	r.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		r.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}
