package transport

import (
	"context"
	"sync"
)

// Subscriber is the part of Channel the Registry drives.
type Subscriber interface {
	Subscribe(ctx context.Context, features ...string) error
	Unsubscribe(ctx context.Context, features ...string) error
}

// Registry reference-counts feature subscriptions so several engines and forms can
// share one channel. The server sees a subscribe on the first Acquire of a feature
// and an unsubscribe on the last Release.
type Registry struct {
	sub Subscriber

	ops    sync.Mutex // serializes Acquire and Release around the server call
	mu     sync.Mutex
	counts map[string]int
}

// NewRegistry creates a registry driving sub.
func NewRegistry(sub Subscriber) *Registry {
	return &Registry{
		sub:    sub,
		counts: make(map[string]int),
	}
}

// Acquire takes one reference on each feature. When the subscribe fails no
// references are kept, so the next Acquire subscribes again.
func (r *Registry) Acquire(ctx context.Context, features ...string) error {
	r.ops.Lock()
	defer r.ops.Unlock()

	r.mu.Lock()
	var fresh []string
	for _, f := range features {
		r.counts[f]++
		if r.counts[f] == 1 {
			fresh = append(fresh, f)
		}
	}
	r.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	if err := r.sub.Subscribe(ctx, fresh...); err != nil {
		r.mu.Lock()
		for _, f := range features {
			if r.counts[f] <= 1 {
				delete(r.counts, f)
			} else {
				r.counts[f]--
			}
		}
		r.mu.Unlock()
		return err
	}
	return nil
}

// Release drops one reference on each feature. Releasing a feature with no
// references is a no-op.
func (r *Registry) Release(ctx context.Context, features ...string) error {
	r.ops.Lock()
	defer r.ops.Unlock()

	r.mu.Lock()
	var idle []string
	for _, f := range features {
		n, ok := r.counts[f]
		if !ok {
			continue
		}
		if n <= 1 {
			delete(r.counts, f)
			idle = append(idle, f)
			continue
		}
		r.counts[f] = n - 1
	}
	r.mu.Unlock()

	if len(idle) == 0 {
		return nil
	}
	return r.sub.Unsubscribe(ctx, idle...)
}

// Count returns the number of references held on a feature.
func (r *Registry) Count(feature string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[feature]
}
