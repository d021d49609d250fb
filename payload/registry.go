package payload

import (
	"sync"

	"github.com/google/uuid"
)

// registry is a mutex-guarded map keyed by correlation id. It backs the
// assembler registries, the pending request table and the outgoing
// attachment set.
type registry[V any] struct {
	mu    sync.Mutex
	items map[uuid.UUID]V
}

func newRegistry[V any]() *registry[V] {
	return &registry[V]{items: make(map[uuid.UUID]V)}
}

func (r *registry[V]) get(id uuid.UUID) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[id]
	return v, ok
}

// getOrCreate returns the value for id, calling create under the lock when absent.
func (r *registry[V]) getOrCreate(id uuid.UUID, create func() V) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.items[id]; ok {
		return v, false
	}
	v := create()
	r.items[id] = v
	return v, true
}

// putIfAbsent stores v unless id is already present.
func (r *registry[V]) putIfAbsent(id uuid.UUID, v V) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; ok {
		return false
	}
	r.items[id] = v
	return true
}

// remove deletes id and returns what was stored there.
func (r *registry[V]) remove(id uuid.UUID) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[id]
	if ok {
		delete(r.items, id)
	}
	return v, ok
}

// drain empties the registry and returns its former contents.
func (r *registry[V]) drain() map[uuid.UUID]V {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.items
	r.items = make(map[uuid.UUID]V)
	return out
}

func (r *registry[V]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
