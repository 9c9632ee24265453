// Package router demultiplexes inbound envelopes by feature, entity and action.
//
// The router holds no domain state. Every envelope handed to Dispatch is offered
// to global subscribers first, then feature-scoped subscribers, then
// entity/action-filtered subscribers, each group in registration order. A
// subscriber that returns an error or panics is logged and skipped; delivery to
// the remaining subscribers continues.
package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/dyluth/tether/pkg/envelope"
	"go.uber.org/zap"
)

// Handler receives a dispatched envelope. Returned errors are logged, never propagated.
type Handler func(env *envelope.Envelope) error

type scope int

const (
	scopeGlobal scope = iota
	scopeFeature
	scopeEntity
)

// Router fans envelopes out to subscribers. It is safe for concurrent use.
type Router struct {
	mu     sync.RWMutex
	subs   [3][]*Subscription
	nextID uint64
	logger *zap.Logger
}

// New creates an empty router. A nil logger disables logging.
func New(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{logger: logger.Named("router")}
}

// Subscription is a registered handler. Close removes it; safe to call multiple times.
type Subscription struct {
	id      uint64
	scope   scope
	filter  Filter
	handler Handler
	router  *Router
	once    sync.Once
}

// Filter returns the filter the subscription was registered with.
func (s *Subscription) Filter() Filter {
	return s.filter
}

// Close unregisters the subscription. Implements io.Closer.
func (s *Subscription) Close() error {
	s.once.Do(func() { s.router.remove(s) })
	return nil
}

// Subscribe registers h for every envelope matching filter.
func (r *Router) Subscribe(filter Filter, h Handler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &Subscription{
		id:      r.nextID,
		scope:   filter.scope(),
		filter:  filter,
		handler: h,
		router:  r,
	}
	r.subs[sub.scope] = append(r.subs[sub.scope], sub)
	return sub
}

// OnGlobal registers h for every envelope.
func (r *Router) OnGlobal(h Handler) *Subscription {
	return r.Subscribe(Filter{}, h)
}

// OnFeature registers h for every envelope of feature.
func (r *Router) OnFeature(feature string, h Handler) *Subscription {
	return r.Subscribe(Filter{Feature: feature}, h)
}

// OnEntity registers h for envelopes of feature/entity, optionally limited to actions.
func (r *Router) OnEntity(feature, entity string, h Handler, actions ...envelope.Action) *Subscription {
	return r.Subscribe(Filter{Feature: feature, Entity: entity, Actions: actions}, h)
}

// Dispatch delivers env to every matching subscriber and returns how many handlers ran
// without error.
func (r *Router) Dispatch(env *envelope.Envelope) int {
	if env == nil {
		return 0
	}

	r.mu.RLock()
	var targets []*Subscription
	for _, group := range r.subs {
		for _, sub := range group {
			if sub.filter.Matches(env) {
				targets = append(targets, sub)
			}
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		if err := r.invoke(sub, env); err != nil {
			r.logger.Warn("subscriber failed",
				zap.Uint64("subscription", sub.id),
				zap.String("feature", env.Feature),
				zap.String("entity", env.Entity),
				zap.String("action", string(env.Action)),
				zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// Len returns the number of registered subscriptions.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[scopeGlobal]) + len(r.subs[scopeFeature]) + len(r.subs[scopeEntity])
}

// Close unregisters every subscription.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.subs {
		r.subs[i] = nil
	}
}

func (r *Router) invoke(sub *Subscription, env *envelope.Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("subscriber panicked: %v", rec)
		}
	}()
	return sub.handler(env)
}

func (r *Router) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	group := r.subs[sub.scope]
	for i, s := range group {
		if s.id == sub.id {
			r.subs[sub.scope] = append(group[:i:i], group[i+1:]...)
			return
		}
	}
}

// Stream is a channel view over a router subscription, for consumers that prefer
// select loops over callbacks.
type Stream struct {
	events  chan *envelope.Envelope
	sub     *Subscription
	cancel  context.CancelFunc
	once    sync.Once
	mu      sync.Mutex
	closed  bool
	dropped int
}

// Events returns the channel of matching envelopes. It is closed when the stream
// is closed or its context is cancelled.
func (s *Stream) Events() <-chan *envelope.Envelope {
	return s.events
}

// Dropped returns how many envelopes were discarded because the buffer was full.
func (s *Stream) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops the stream. Implements io.Closer.
func (s *Stream) Close() error {
	s.once.Do(func() {
		s.sub.Close()
		s.cancel()
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
	return nil
}

// Stream subscribes with filter and returns a buffered channel view.
// Dispatch never blocks on a slow reader: when the buffer is full the envelope is
// dropped and counted.
func (r *Router) Stream(ctx context.Context, filter Filter, buffer int) *Stream {
	if buffer <= 0 {
		buffer = 64
	}
	streamCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		events: make(chan *envelope.Envelope, buffer),
		cancel: cancel,
	}
	s.sub = r.Subscribe(filter, func(env *envelope.Envelope) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return nil
		}
		select {
		case s.events <- env:
		default:
			s.dropped++
			return fmt.Errorf("stream buffer full, envelope dropped")
		}
		return nil
	})

	go func() {
		<-streamCtx.Done()
		s.Close()
	}()

	return s
}
