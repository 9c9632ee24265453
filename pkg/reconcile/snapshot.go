package reconcile

import (
	"sort"

	"github.com/dyluth/tether/pkg/envelope"
)

// Local returns a copy of the user-visible collection in display order.
func (e *Engine[T]) Local() []T {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]T(nil), e.local...)
}

// Get returns the local copy of an entity.
func (e *Engine[T]) Get(id string) (T, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i := e.indexLocked(id); i >= 0 {
		return e.local[i], true
	}
	var zero T
	return zero, false
}

// ServerCopy returns the last confirmed server copy of an entity.
func (e *Engine[T]) ServerCopy(id string) (T, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.server[id]
	return v, ok
}

// Pending returns the pending operations in insertion order.
func (e *Engine[T]) Pending() []Operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.snapshot()
}

// PendingCount returns the number of pending operations.
func (e *Engine[T]) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.len()
}

// Conflicts returns every open conflict sorted by entity id.
func (e *Engine[T]) Conflicts() []Conflict[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Conflict[T], 0, len(e.conflicts))
	for _, c := range e.conflicts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Conflict returns the open conflict for an entity.
func (e *Engine[T]) Conflict(id string) (Conflict[T], bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conflicts[id]
	if !ok {
		return Conflict[T]{}, false
	}
	return *c, true
}

// ConflictCount returns the number of open conflicts.
func (e *Engine[T]) ConflictCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conflicts)
}

// Loading reports whether a bulk operation is in progress.
func (e *Engine[T]) Loading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loading
}

// BulkProgress returns the progress of the current or last bulk operation.
func (e *Engine[T]) BulkProgress() envelope.BulkProgress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bulk
}

// Online reports whether operations are currently being sent.
func (e *Engine[T]) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}
