package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dyluth/tether/pkg/envelope"
	"github.com/dyluth/tether/pkg/lock"
	"github.com/dyluth/tether/pkg/router"
	"github.com/dyluth/tether/pkg/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// tempPrefix marks client-minted identifiers.
const tempPrefix = "temp_"

// Transport is the part of transport.Channel an engine consumes.
type Transport interface {
	Router() *router.Router
	Connected() bool
	OnStatus(fn func(transport.StatusInfo)) func()
}

// Options configures an Engine.
type Options[T any] struct {
	Feature string
	Entity  string
	Gateway Gateway[T]
	Adapter Adapter[T] // Optional for Record, defaults to RecordAdapter

	Transport Transport           // Optional; without it the engine is always online
	Registry  *transport.Registry // Optional; subscribes the feature on Attach
	Locks     *lock.Coordinator   // Optional; a private coordinator is created when nil
	SelfID    string              // Holder id used for lock checks

	Config *Config // Optional, defaults to DefaultConfig()
	Logger *zap.Logger

	OnConnected   func()
	OnConflict    func(Conflict[T])
	OnLockChanged func(lock.Change)
}

// Engine keeps a local collection of T reconciled with the server. Local mutations
// apply immediately and are confirmed asynchronously through the Gateway; pushes
// are merged, matched against pending creates or recorded as conflicts.
//
// All state transitions happen under one mutex. Gateway calls and retry timers run
// on their own goroutines and re-enter through the mutex. Callbacks run after the
// mutex is released.
type Engine[T any] struct {
	feature   string
	entity    string
	gateway   Gateway[T]
	adapter   Adapter[T]
	transport Transport
	registry  *transport.Registry
	locks     *lock.Coordinator
	selfID    string
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	onConnected   func()
	onConflict    func(Conflict[T])
	onLockChanged func(lock.Change)

	fetch singleflight.Group

	mu           sync.Mutex
	local        []T
	server       map[string]T
	queue        *Queue[T]
	conflicts    map[string]*Conflict[T]
	loading      bool
	bulk         envelope.BulkProgress
	tempSeq      int
	online       bool
	disposed     bool
	attached     bool
	listeners    map[int]func()
	nextID       int
	sub          *router.Subscription
	cancelStatus func()
	cancelLocks  func()
}

// effects collects work decided under the mutex and performed after it is released.
type effects[T any] struct {
	changed    bool
	connected  bool
	sync       bool
	conflicts  []Conflict[T]
	dispatch   []string
	clearLocks []string
}

// New creates an engine. Call Attach to start receiving pushes.
func New[T any](opts Options[T]) (*Engine[T], error) {
	if opts.Feature == "" || opts.Entity == "" {
		return nil, fmt.Errorf("engine requires feature and entity")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("engine requires a gateway")
	}

	cfg := DefaultConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	cfg = cfg.withDefaults()

	adapter := opts.Adapter
	if adapter == nil {
		a, ok := any(RecordAdapter{IDField: cfg.IDField}).(Adapter[T])
		if !ok {
			return nil, fmt.Errorf("engine requires an adapter for %T", *new(T))
		}
		adapter = a
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	locks := opts.Locks
	if locks == nil {
		locks = lock.NewCoordinator(logger)
	}

	e := &Engine[T]{
		feature:       opts.Feature,
		entity:        opts.Entity,
		gateway:       opts.Gateway,
		adapter:       adapter,
		transport:     opts.Transport,
		registry:      opts.Registry,
		locks:         locks,
		selfID:        opts.SelfID,
		cfg:           cfg,
		logger:        logger.Named("reconcile").With(zap.String("feature", opts.Feature), zap.String("entity", opts.Entity)),
		now:           time.Now,
		onConnected:   opts.OnConnected,
		onConflict:    opts.OnConflict,
		onLockChanged: opts.OnLockChanged,
		server:        make(map[string]T),
		queue:         newQueue[T](cfg.MaxRetries, cfg.RetryDelay, cfg.MaxRetryDelay),
		conflicts:     make(map[string]*Conflict[T]),
		online:        opts.Transport == nil || opts.Transport.Connected(),
		listeners:     make(map[int]func()),
	}

	e.cancelLocks = locks.OnChange(e.lockChanged)
	if opts.Transport != nil {
		e.cancelStatus = opts.Transport.OnStatus(e.statusChanged)
	}
	return e, nil
}

// Feature returns the feature this engine reconciles.
func (e *Engine[T]) Feature() string { return e.feature }

// Entity returns the entity type this engine reconciles.
func (e *Engine[T]) Entity() string { return e.entity }

// Locks returns the lock coordinator consulted before mutations.
func (e *Engine[T]) Locks() *lock.Coordinator { return e.locks }

// Attach routes the feature's pushes for this entity to the engine and, with a
// registry, takes a subscription reference on the feature.
func (e *Engine[T]) Attach(ctx context.Context) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	if e.attached {
		e.mu.Unlock()
		return nil
	}
	if e.transport == nil {
		e.mu.Unlock()
		return fmt.Errorf("engine for %s/%s has no transport", e.feature, e.entity)
	}
	e.attached = true
	e.mu.Unlock()

	sub := e.transport.Router().OnEntity(e.feature, e.entity, e.HandleEnvelope)
	if e.registry != nil {
		if err := e.registry.Acquire(ctx, e.feature); err != nil {
			sub.Close()
			e.mu.Lock()
			e.attached = false
			e.mu.Unlock()
			return fmt.Errorf("failed to subscribe %s: %w", e.feature, err)
		}
	}

	e.mu.Lock()
	e.sub = sub
	e.mu.Unlock()
	return nil
}

// Close detaches the engine. Pending results settle with ErrDisposed and late
// gateway completions are ignored.
func (e *Engine[T]) Close() error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil
	}
	e.disposed = true
	sub := e.sub
	attached := e.attached
	var zero T
	for _, op := range e.queue.all() {
		op.stopTimer()
		op.result.resolve(zero, ErrDisposed)
	}
	e.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	if e.cancelStatus != nil {
		e.cancelStatus()
	}
	e.cancelLocks()

	if attached && e.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
		defer cancel()
		if err := e.registry.Release(ctx, e.feature); err != nil {
			return fmt.Errorf("failed to unsubscribe %s: %w", e.feature, err)
		}
	}
	return nil
}

// OnChange registers fn for every state change. The returned func unregisters it.
func (e *Engine[T]) OnChange(fn func()) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

// OptimisticCreate appends a new entity with a temporary id and creates it on the
// server in the background.
func (e *Engine[T]) OptimisticCreate(ctx context.Context, payload Fields) (T, *Result[T], error) {
	var zero T
	fields, err := normalize(payload)
	if err != nil {
		return zero, nil, err
	}
	fields = fields.Without(e.cfg.IDField)

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return zero, nil, ErrDisposed
	}
	e.tempSeq++
	tempID := fmt.Sprintf("%s%d", tempPrefix, e.tempSeq)
	entity, err := e.adapter.Build(fields.Merge(Fields{e.cfg.IDField: tempID}))
	if err != nil {
		e.mu.Unlock()
		return zero, nil, err
	}
	e.local = append(e.local, entity)
	op := e.queue.add(ctx, OpCreate, tempID, fields)
	e.mu.Unlock()

	e.logger.Debug("optimistic create", zap.String("temp_id", tempID), zap.String("op_id", op.ID))
	e.apply(&effects[T]{changed: true, dispatch: []string{op.ID}})
	return entity, op.result, nil
}

// OptimisticUpdate merges changes into the local entity and updates it on the
// server in the background. Nothing changes when the entity is missing or locked
// by another holder.
func (e *Engine[T]) OptimisticUpdate(ctx context.Context, id string, changes Fields) (T, *Result[T], error) {
	var zero T
	norm, err := normalize(changes)
	if err != nil {
		return zero, nil, err
	}
	norm = norm.Without(e.cfg.IDField)

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return zero, nil, ErrDisposed
	}
	i := e.indexLocked(id)
	if i < 0 {
		e.mu.Unlock()
		return zero, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := e.locks.Check(id, e.selfID); err != nil {
		e.mu.Unlock()
		return zero, nil, err
	}

	previous := e.adapter.Fields(e.local[i])
	updated, err := e.adapter.Build(previous.Merge(norm))
	if err != nil {
		e.mu.Unlock()
		return zero, nil, err
	}
	e.local[i] = updated

	// Not yet sent: fold the change into the pending create
	if isTempID(id) {
		if creates := e.queue.forEntity(id, OpCreate); len(creates) > 0 && !creates[0].InFlight {
			creates[0].Payload = creates[0].Payload.Merge(norm)
			result := creates[0].result
			e.mu.Unlock()
			e.apply(&effects[T]{changed: true})
			return updated, result, nil
		}
	}

	op := e.queue.add(ctx, OpUpdate, id, norm)
	op.previous = previous
	e.mu.Unlock()

	e.apply(&effects[T]{changed: true, dispatch: []string{op.ID}})
	return updated, op.result, nil
}

// OptimisticDelete removes the entity locally and deletes it on the server in the
// background.
func (e *Engine[T]) OptimisticDelete(ctx context.Context, id string) (*Result[T], error) {
	var zero T
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil, ErrDisposed
	}
	i := e.indexLocked(id)
	if i < 0 {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := e.locks.Check(id, e.selfID); err != nil {
		e.mu.Unlock()
		return nil, err
	}

	removed := e.local[i]
	e.local = append(e.local[:i], e.local[i+1:]...)
	delete(e.conflicts, id)

	// Never sent: cancel the create instead of deleting on the server
	if isTempID(id) {
		if creates := e.queue.forEntity(id, OpCreate); len(creates) > 0 && !creates[0].InFlight {
			for _, op := range e.queue.forEntity(id) {
				e.queue.remove(op.ID)
				op.result.resolve(zero, &OperationError{Op: op.Type, EntityID: id, Attempts: op.attempts, Err: context.Canceled})
			}
			e.mu.Unlock()
			done := newResult[T]()
			done.resolve(zero, nil)
			e.apply(&effects[T]{changed: true})
			return done, nil
		}
	}

	op := e.queue.add(ctx, OpDelete, id, nil)
	op.index = i
	op.previous = e.adapter.Fields(removed)
	e.mu.Unlock()

	e.apply(&effects[T]{changed: true, dispatch: []string{op.ID}})
	return op.result, nil
}

// Flush sends every pending operation that is not in flight and waits for all of
// them to settle. It returns the first operation error.
func (e *Engine[T]) Flush(ctx context.Context) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	var ids []string
	var results []*Result[T]
	for _, op := range e.queue.all() {
		results = append(results, op.result)
		if !op.InFlight {
			op.stopTimer()
			ids = append(ids, op.ID)
		}
	}
	e.mu.Unlock()

	e.apply(&effects[T]{dispatch: ids})

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range results {
		r := r
		g.Go(func() error {
			_, err := r.Wait(gctx)
			return err
		})
	}
	return g.Wait()
}

// call is the immutable input of one gateway invocation.
type call[T any] struct {
	opID          string
	typ           OpType
	entityID      string
	payload       Fields
	entity        T
	correlationID string
	ctx           context.Context
}

// dispatch starts the gateway call for an operation unless it is already in
// flight, the engine is offline, or it waits on a create to confirm its id.
func (e *Engine[T]) dispatch(opID string) {
	e.mu.Lock()
	if e.disposed || !e.online {
		e.mu.Unlock()
		return
	}
	op := e.queue.get(opID)
	if op == nil || op.InFlight {
		e.mu.Unlock()
		return
	}
	if op.Type != OpCreate && isTempID(op.EntityID) {
		e.mu.Unlock()
		return
	}

	c := call[T]{
		opID:          op.ID,
		typ:           op.Type,
		entityID:      op.EntityID,
		payload:       op.Payload.Clone(),
		correlationID: op.CorrelationID,
		ctx:           op.ctx,
	}
	if op.Type == OpCreate {
		entity, err := e.adapter.Build(op.Payload)
		if err != nil {
			e.mu.Unlock()
			e.complete(op.ID, entity, err)
			return
		}
		c.entity = entity
	}
	op.InFlight = true
	op.attempts++
	e.mu.Unlock()

	go e.execute(c)
}

func (e *Engine[T]) execute(c call[T]) {
	ctx, cancel := context.WithTimeout(WithCorrelationID(c.ctx, c.correlationID), e.cfg.RequestTimeout)
	defer cancel()

	var out T
	var err error
	switch c.typ {
	case OpCreate:
		out, err = e.gateway.Create(ctx, c.entity)
		if err == nil && e.adapter.ID(out) == "" {
			err = fmt.Errorf("create response has no %s", e.cfg.IDField)
		}
	case OpUpdate:
		out, err = e.gateway.Update(ctx, c.entityID, c.payload)
	case OpDelete:
		err = e.gateway.Delete(ctx, c.entityID)
	}
	e.complete(c.opID, out, err)
}

// complete settles one gateway call: confirm, schedule a retry, or revert.
func (e *Engine[T]) complete(opID string, out T, err error) {
	var fx effects[T]
	var zero T

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	op := e.queue.get(opID)
	if op == nil {
		// Already settled by a push or cleared by a delete
		e.mu.Unlock()
		return
	}
	op.InFlight = false

	switch {
	case err == nil:
		switch op.Type {
		case OpCreate:
			e.confirmCreateLocked(op, out, &fx)
		case OpUpdate:
			e.confirmUpdateLocked(op, out, &fx)
		case OpDelete:
			e.confirmDeleteLocked(op, &fx)
		}

	case !e.online:
		e.logger.Debug("operation failed while offline, keeping it pending",
			zap.String("op_id", op.ID), zap.Error(err))

	case e.queue.canRetry(op):
		delay := e.queue.nextDelay(op)
		e.logger.Debug("retrying operation",
			zap.String("op_id", op.ID),
			zap.String("type", string(op.Type)),
			zap.Int("retry", op.RetryCount),
			zap.Duration("delay", delay),
			zap.Error(err))
		op.timer = time.AfterFunc(delay, func() { e.dispatch(opID) })

	default:
		e.logger.Warn("operation failed, reverting",
			zap.String("op_id", op.ID),
			zap.String("type", string(op.Type)),
			zap.String("entity_id", op.EntityID),
			zap.Int("attempts", op.attempts),
			zap.Error(err))
		e.queue.remove(op.ID)
		e.revertLocked(op, &fx)
		op.result.resolve(zero, &OperationError{Op: op.Type, EntityID: op.EntityID, Attempts: op.attempts, Err: err})
	}
	e.mu.Unlock()

	e.apply(&fx)
}

func (e *Engine[T]) confirmCreateLocked(op *pendingOp[T], created T, fx *effects[T]) {
	e.queue.remove(op.ID)
	e.replaceTempLocked(op.EntityID, created, fx)
	op.result.resolve(created, nil)
}

func (e *Engine[T]) confirmUpdateLocked(op *pendingOp[T], out T, fx *effects[T]) {
	e.queue.remove(op.ID)
	id := op.EntityID

	confirmed := out
	if e.adapter.ID(out) == "" {
		// Empty response: the server holds the prior copy plus our changes
		base := op.previous
		if held, ok := e.server[id]; ok {
			base = e.adapter.Fields(held)
		}
		built, err := e.adapter.Build(base.Merge(op.Payload))
		if err != nil {
			op.result.resolve(out, nil)
			return
		}
		confirmed = built
	}
	e.server[id] = confirmed

	if i := e.indexLocked(id); i >= 0 && !e.queue.has(id, OpUpdate) && e.conflicts[id] == nil {
		e.local[i] = confirmed
	}
	fx.changed = true
	op.result.resolve(confirmed, nil)
}

func (e *Engine[T]) confirmDeleteLocked(op *pendingOp[T], fx *effects[T]) {
	var zero T
	e.queue.remove(op.ID)
	delete(e.server, op.EntityID)
	delete(e.conflicts, op.EntityID)
	fx.clearLocks = append(fx.clearLocks, op.EntityID)
	fx.changed = true
	op.result.resolve(zero, nil)
}

// replaceTempLocked swaps a temporary entity for its authoritative version, exactly
// once, and moves operations queued against the temporary id.
func (e *Engine[T]) replaceTempLocked(tempID string, entity T, fx *effects[T]) {
	id := e.adapter.ID(entity)
	ti := e.indexLocked(tempID)
	switch {
	case e.indexLocked(id) >= 0:
		if ti >= 0 {
			e.local = append(e.local[:ti], e.local[ti+1:]...)
		}
	case ti >= 0:
		e.local[ti] = entity
	}
	if _, ok := e.server[id]; !ok {
		e.server[id] = entity
	}
	if c, ok := e.conflicts[tempID]; ok {
		delete(e.conflicts, tempID)
		c.EntityID = id
		e.conflicts[id] = c
	}
	for _, moved := range e.queue.rekey(tempID, id) {
		fx.dispatch = append(fx.dispatch, moved.ID)
	}
	fx.changed = true

	e.logger.Debug("create confirmed", zap.String("temp_id", tempID), zap.String("entity_id", id))
}

// revertLocked undoes the local effect of an operation that finally failed.
func (e *Engine[T]) revertLocked(op *pendingOp[T], fx *effects[T]) {
	var zero T
	id := op.EntityID
	fx.changed = true

	switch op.Type {
	case OpCreate:
		if i := e.indexLocked(id); i >= 0 {
			e.local = append(e.local[:i], e.local[i+1:]...)
		}
		// Operations queued behind the create can never be sent
		for _, dep := range e.queue.forEntity(id) {
			e.queue.remove(dep.ID)
			dep.result.resolve(zero, &OperationError{Op: dep.Type, EntityID: id, Attempts: dep.attempts, Err: ErrNotFound})
		}

	case OpUpdate:
		i := e.indexLocked(id)
		if i < 0 {
			return
		}
		if held, ok := e.server[id]; ok {
			e.local[i] = held
		} else if op.previous != nil {
			if restored, err := e.adapter.Build(op.previous); err == nil {
				e.local[i] = restored
			}
		}

	case OpDelete:
		if e.indexLocked(id) >= 0 {
			return
		}
		restored, ok := e.server[id]
		if !ok {
			if op.previous == nil {
				return
			}
			built, err := e.adapter.Build(op.previous)
			if err != nil {
				return
			}
			restored = built
		}
		at := op.index
		if at > len(e.local) {
			at = len(e.local)
		}
		e.local = append(e.local[:at], append([]T{restored}, e.local[at:]...)...)
	}
}

func (e *Engine[T]) statusChanged(s transport.StatusInfo) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	was := e.online
	e.online = s.Connected()

	var fx effects[T]
	if e.online && !was {
		fx.connected = true
		for _, op := range e.queue.all() {
			if !op.InFlight {
				op.stopTimer()
				fx.dispatch = append(fx.dispatch, op.ID)
			}
		}
		e.logger.Info("connection restored, flushing pending operations", zap.Int("pending", len(fx.dispatch)))
	}
	e.mu.Unlock()

	e.apply(&fx)
}

func (e *Engine[T]) lockChanged(ch lock.Change) {
	if e.onLockChanged != nil {
		e.onLockChanged(ch)
	}
	e.notify()
}

// apply performs effects collected under the mutex.
func (e *Engine[T]) apply(fx *effects[T]) {
	for _, id := range fx.clearLocks {
		e.locks.Clear(id)
	}
	for _, id := range fx.dispatch {
		e.dispatch(id)
	}
	if fx.connected && e.onConnected != nil {
		e.onConnected()
	}
	if e.onConflict != nil {
		for _, c := range fx.conflicts {
			e.onConflict(c)
		}
	}
	if fx.sync {
		go func() {
			if err := e.SyncWithServer(context.Background()); err != nil && !errors.Is(err, ErrDisposed) {
				e.logger.Warn("sync after bulk operation failed", zap.Error(err))
			}
		}()
	}
	if fx.changed {
		e.notify()
	}
}

func (e *Engine[T]) notify() {
	e.mu.Lock()
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, e.listeners[id])
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (e *Engine[T]) indexLocked(id string) int {
	for i, v := range e.local {
		if e.adapter.ID(v) == id {
			return i
		}
	}
	return -1
}

func isTempID(id string) bool {
	return strings.HasPrefix(id, tempPrefix)
}
