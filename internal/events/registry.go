package events

import "sync"

// registry holds the listeners of one event and, optionally, the last value
// so late listeners can be brought up to date
type registry[L any, T any] struct {
	mu        sync.RWMutex
	listeners map[uint64]L
	nextID    uint64
	replay    bool
	last      T
	hasLast   bool
}

func newRegistry[L any, T any](replay bool) registry[L, T] {
	return registry[L, T]{listeners: make(map[uint64]L), replay: replay}
}

// add registers l and returns its id together with the value to replay
func (r *registry[L, T]) add(l L) (uint64, T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = l
	return id, r.last, r.replay && r.hasLast
}

func (r *registry[L, T]) remove(id uint64) {
	r.mu.Lock()
	delete(r.listeners, id)
	r.mu.Unlock()
}

// record stores value for replay and returns the listeners to deliver to.
// Delivery happens outside the lock so listeners may unregister themselves.
func (r *registry[L, T]) record(value T) []L {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.replay {
		r.last = value
		r.hasLast = true
	}
	out := make([]L, 0, len(r.listeners))
	for _, l := range r.listeners {
		out = append(out, l)
	}
	return out
}

func (r *registry[L, T]) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}
