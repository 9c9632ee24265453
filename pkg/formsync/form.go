// Package formsync shares the fields of an open form between sessions.
//
// Local edits are collected and broadcast as a single updated envelope at most once
// per debounce interval. Edits from other sessions are applied without being
// echoed back, and an editing lock keyed by the form id keeps two people from
// typing into the same form at once.
package formsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/tether/pkg/envelope"
	"github.com/dyluth/tether/pkg/lock"
	"github.com/dyluth/tether/pkg/router"
	"github.com/dyluth/tether/pkg/transport"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
)

const (
	// DefaultDebounceInterval bounds how often a form broadcasts.
	DefaultDebounceInterval = 300 * time.Millisecond

	// LockTypeEditing is the lock type requested by RequestEdit.
	LockTypeEditing = "editing"

	defaultEntity = "form"
	sendTimeout   = 10 * time.Second
)

// ErrClosed is returned by every mutation once the form has been closed.
var ErrClosed = errors.New("form is closed")

// Channel is the part of transport.Channel a form consumes.
type Channel interface {
	transport.Subscriber
	Publish(ctx context.Context, env *envelope.Envelope) error
	Send(ctx context.Context, event string, payload any) error
	OnMessage(feature string, h router.Handler) *router.Subscription
	SessionID() string
	UserID() string
}

// Update is the data of the updated envelope a form broadcasts.
type Update struct {
	FormID string         `json:"formId"`
	Fields map[string]any `json:"fields"`
}

// Options configures a Form.
type Options struct {
	Channel Channel
	Feature string
	Entity  string // Defaults to "form"
	FormID  string

	Initial map[string]any

	Registry *transport.Registry // Optional; a private registry over Channel is created when nil
	Locks    *lock.Coordinator   // Optional; a private coordinator is created when nil
	SelfID   string              // Lock holder id, defaults to the channel's user id

	DebounceInterval time.Duration
	Logger           *zap.Logger

	// OnRemoteChange receives fields applied from another session. Writing one of
	// those values back with Set or Update while it runs is not broadcast again.
	OnRemoteChange func(fields map[string]any)
}

// Form is a map of field values synchronized with the other sessions editing the
// same form id. It is safe for concurrent use.
type Form struct {
	channel  Channel
	registry *transport.Registry
	feature  string
	entity   string
	formID   string
	locks    *lock.Coordinator
	selfID   string
	interval time.Duration
	logger   *zap.Logger
	onRemote func(map[string]any)

	mu       sync.Mutex
	values   map[string]any
	dirty    map[string]any
	timer    *time.Timer
	applying int            // remote applies whose callback is still running
	incoming map[string]any // values those applies delivered
	closed   bool
	sub      *router.Subscription
}

// New binds a form to the channel and takes a subscription reference on its
// feature. Call Close to detach it.
func New(ctx context.Context, opts Options) (*Form, error) {
	if opts.Channel == nil {
		return nil, fmt.Errorf("form requires a channel")
	}
	if opts.Feature == "" || opts.FormID == "" {
		return nil, fmt.Errorf("form requires feature and form id")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	entity := opts.Entity
	if entity == "" {
		entity = defaultEntity
	}
	interval := opts.DebounceInterval
	if interval <= 0 {
		interval = DefaultDebounceInterval
	}
	selfID := opts.SelfID
	if selfID == "" {
		selfID = opts.Channel.UserID()
	}
	locks := opts.Locks
	if locks == nil {
		locks = lock.NewCoordinator(logger)
	}
	registry := opts.Registry
	if registry == nil {
		registry = transport.NewRegistry(opts.Channel)
	}

	f := &Form{
		channel:  opts.Channel,
		registry: registry,
		feature:  opts.Feature,
		entity:   entity,
		formID:   opts.FormID,
		locks:    locks,
		selfID:   selfID,
		interval: interval,
		logger:   logger.Named("formsync").With(zap.String("form_id", opts.FormID)),
		onRemote: opts.OnRemoteChange,
		values:   make(map[string]any, len(opts.Initial)),
		dirty:    make(map[string]any),
		incoming: make(map[string]any),
	}
	for k, v := range opts.Initial {
		f.values[k] = v
	}
	f.sub = opts.Channel.OnMessage(opts.Feature, f.handle)
	if err := registry.Acquire(ctx, opts.Feature); err != nil {
		f.sub.Close()
		return nil, fmt.Errorf("failed to subscribe %s: %w", opts.Feature, err)
	}
	return f, nil
}

// ID returns the form id.
func (f *Form) ID() string { return f.formID }

// Locks returns the coordinator holding the form's editing lock.
func (f *Form) Locks() *lock.Coordinator { return f.locks }

// Values returns a copy of the current field values.
func (f *Form) Values() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]any, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out
}

// Get returns the value of one field.
func (f *Form) Get(field string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[field]
	return v, ok
}

// CanEdit reports whether this session may change the form.
func (f *Form) CanEdit() bool {
	return f.locks.CanEdit(f.formID, f.selfID)
}

// Set changes one field and schedules a broadcast.
func (f *Form) Set(field string, value any) error {
	return f.Update(map[string]any{field: value})
}

// Update changes several fields and schedules a broadcast. It fails with a
// lock.DeniedError while another editor holds the form.
func (f *Form) Update(fields map[string]any) error {
	if err := f.locks.Check(f.formID, f.selfID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	for k, v := range fields {
		f.values[k] = v
		if f.isIncomingLocked(k, v) {
			delete(f.dirty, k)
			continue
		}
		f.dirty[k] = v
	}
	f.armLocked()
	return nil
}

// isIncomingLocked reports whether v is the value a running remote apply just
// delivered for field, meaning the write is that value coming back.
func (f *Form) isIncomingLocked(field string, v any) bool {
	if f.applying == 0 {
		return false
	}
	in, ok := f.incoming[field]
	return ok && cmp.Equal(in, v)
}

func (f *Form) armLocked() {
	if f.timer == nil && len(f.dirty) > 0 {
		f.timer = time.AfterFunc(f.interval, f.debounced)
	}
}

// Pending returns the names of fields waiting to be broadcast.
func (f *Form) Pending() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.dirty))
	for k := range f.dirty {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Flush broadcasts pending fields now.
func (f *Form) Flush(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	fields := f.takeDirtyLocked()
	f.mu.Unlock()

	return f.broadcast(ctx, fields)
}

// RequestEdit asks the server for the form's editing lock. The lock is recorded
// when the server's lock_acquired push arrives.
func (f *Form) RequestEdit(ctx context.Context) error {
	if err := f.locks.Check(f.formID, f.selfID); err != nil {
		return err
	}
	return f.channel.Send(ctx, envelope.EventLockRequest, f.lockPayload())
}

// ReleaseEdit gives up the editing lock.
func (f *Form) ReleaseEdit(ctx context.Context) error {
	if err := f.channel.Send(ctx, envelope.EventLockRelease, f.lockPayload()); err != nil {
		return err
	}
	f.locks.Release(f.formID, f.selfID)
	return nil
}

// Close stops the debounce timer, detaches from the channel and releases the
// feature subscription. Unsent fields are dropped; call Flush first to keep them.
func (f *Form) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	sub := f.sub
	f.mu.Unlock()

	if sub != nil {
		sub.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := f.registry.Release(ctx, f.feature); err != nil {
		return fmt.Errorf("failed to unsubscribe %s: %w", f.feature, err)
	}
	return nil
}

func (f *Form) lockPayload() envelope.LockPayload {
	return envelope.LockPayload{
		EntityID: f.formID,
		HolderID: f.selfID,
		LockType: LockTypeEditing,
		Feature:  f.feature,
		Entity:   f.entity,
	}
}

func (f *Form) debounced() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.timer = nil
	fields := f.takeDirtyLocked()
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := f.broadcast(ctx, fields); err != nil {
		f.logger.Warn("form broadcast failed", zap.Error(err))
		f.requeue(fields)
	}
}

// requeue puts fields that failed to send back unless they changed since, and
// schedules the next attempt one interval later.
func (f *Form) requeue(fields map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for k, v := range fields {
		if _, newer := f.dirty[k]; !newer {
			f.dirty[k] = v
		}
	}
	f.armLocked()
}

func (f *Form) takeDirtyLocked() map[string]any {
	if len(f.dirty) == 0 {
		return nil
	}
	fields := f.dirty
	f.dirty = make(map[string]any)
	return fields
}

func (f *Form) broadcast(ctx context.Context, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	env, err := envelope.New(f.feature, f.entity, envelope.ActionUpdated,
		Update{FormID: f.formID, Fields: fields},
		f.channel.UserID(), f.channel.SessionID(), "")
	if err != nil {
		return err
	}
	if err := f.channel.Publish(ctx, env); err != nil {
		return fmt.Errorf("failed to broadcast form %s: %w", f.formID, err)
	}
	f.logger.Debug("form fields broadcast", zap.Int("fields", len(fields)))
	return nil
}

// handle applies envelopes for this form from other sessions.
func (f *Form) handle(env *envelope.Envelope) error {
	if env.Entity != f.entity {
		return nil
	}
	if env.Action.IsLock() {
		var p envelope.LockPayload
		if err := env.DecodeData(&p); err != nil {
			return err
		}
		if p.EntityID != f.formID {
			return nil
		}
		return f.locks.Apply(env)
	}
	if env.Action != envelope.ActionUpdated {
		return nil
	}
	if env.Meta.SessionID != "" && env.Meta.SessionID == f.channel.SessionID() {
		return nil
	}

	var u Update
	if err := env.DecodeData(&u); err != nil {
		return err
	}
	if u.FormID != f.formID || len(u.Fields) == 0 {
		return nil
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	for k, v := range u.Fields {
		f.values[k] = v
		f.incoming[k] = v
		delete(f.dirty, k)
	}
	f.applying++
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.applying--
		if f.applying == 0 {
			f.incoming = make(map[string]any)
		}
		f.mu.Unlock()
	}()
	if f.onRemote != nil {
		f.onRemote(u.Fields)
	}
	return nil
}
