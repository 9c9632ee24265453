// Package lock tracks which collaborator currently holds each entity.
//
// Locks are advisory on the client: the coordinator mirrors lock_acquired and
// lock_released notifications from the push channel, and the reconciliation
// engine consults CanEdit before accepting any optimistic mutation.
package lock

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/tether/pkg/envelope"
	"go.uber.org/zap"
)

// ErrLockDenied is returned when an entity is locked by another holder.
var ErrLockDenied = errors.New("entity is locked by another holder")

// DeniedError names the entity and the holder that blocked the mutation.
type DeniedError struct {
	EntityID string
	HolderID string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("entity %s is locked by %s", e.EntityID, e.HolderID)
}

// Is allows errors.Is(err, ErrLockDenied).
func (e *DeniedError) Is(target error) bool {
	return target == ErrLockDenied
}

// Record is a single held lock. At most one record exists per entity id.
type Record struct {
	EntityID   string    `json:"entityId"`
	HolderID   string    `json:"holderId"`
	LockType   string    `json:"lockType"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Change describes a lock transition delivered to OnChange listeners.
type Change struct {
	EntityID string
	Acquired bool    // false means released
	Record   *Record // The record acquired or released
}

// Coordinator holds lock records. It is safe for concurrent use.
type Coordinator struct {
	mu        sync.Mutex
	records   map[string]Record
	listeners map[int]func(Change)
	nextID    int
	now       func() time.Time
	logger    *zap.Logger
}

// NewCoordinator creates an empty coordinator. A nil logger disables logging.
func NewCoordinator(logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		records:   make(map[string]Record),
		listeners: make(map[int]func(Change)),
		now:       time.Now,
		logger:    logger.Named("lock"),
	}
}

// IsLocked reports whether any holder has the entity.
func (c *Coordinator) IsLocked(entityID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.records[entityID]
	return ok
}

// LockedBy returns the current holder, or "" when the entity is free.
func (c *Coordinator) LockedBy(entityID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records[entityID].HolderID
}

// Get returns the lock record for an entity.
func (c *Coordinator) Get(entityID string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[entityID]
	return rec, ok
}

// CanEdit reports whether selfID may mutate the entity: it is free or selfID holds it.
func (c *Coordinator) CanEdit(entityID, selfID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[entityID]
	return !ok || rec.HolderID == selfID
}

// Check returns a *DeniedError when selfID may not edit the entity.
func (c *Coordinator) Check(entityID, selfID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[entityID]
	if ok && rec.HolderID != selfID {
		return &DeniedError{EntityID: entityID, HolderID: rec.HolderID}
	}
	return nil
}

// Acquire records holderID as the holder of the entity, replacing any previous record.
func (c *Coordinator) Acquire(entityID, holderID, lockType string) Record {
	rec := Record{
		EntityID:   entityID,
		HolderID:   holderID,
		LockType:   lockType,
		AcquiredAt: c.now(),
	}

	c.mu.Lock()
	c.records[entityID] = rec
	listeners := c.snapshotListeners()
	c.mu.Unlock()

	c.logger.Debug("lock acquired",
		zap.String("entity_id", entityID),
		zap.String("holder_id", holderID),
		zap.String("lock_type", lockType))
	notify(listeners, Change{EntityID: entityID, Acquired: true, Record: &rec})
	return rec
}

// Release removes the lock if holderID holds it. An empty holderID releases
// unconditionally. Returns true when a record was removed.
func (c *Coordinator) Release(entityID, holderID string) bool {
	c.mu.Lock()
	rec, ok := c.records[entityID]
	if !ok || (holderID != "" && rec.HolderID != holderID) {
		c.mu.Unlock()
		if ok {
			c.logger.Debug("ignoring release from non-holder",
				zap.String("entity_id", entityID),
				zap.String("holder_id", rec.HolderID),
				zap.String("released_by", holderID))
		}
		return false
	}
	delete(c.records, entityID)
	listeners := c.snapshotListeners()
	c.mu.Unlock()

	c.logger.Debug("lock released",
		zap.String("entity_id", entityID),
		zap.String("holder_id", rec.HolderID))
	notify(listeners, Change{EntityID: entityID, Acquired: false, Record: &rec})
	return true
}

// Clear drops any lock on the entity, used when the entity itself is deleted.
func (c *Coordinator) Clear(entityID string) {
	c.Release(entityID, "")
}

// Apply updates lock state from a lock_acquired or lock_released envelope.
// Other actions are ignored. The holder defaults to the envelope's meta.userId.
func (c *Coordinator) Apply(env *envelope.Envelope) error {
	if !env.Action.IsLock() {
		return nil
	}

	var payload envelope.LockPayload
	if err := env.DecodeData(&payload); err != nil {
		return err
	}
	if payload.EntityID == "" {
		return fmt.Errorf("%s envelope without entityId", env.Action)
	}
	holder := payload.HolderID
	if holder == "" {
		holder = env.Meta.UserID
	}

	if env.Action == envelope.ActionLockAcquired {
		c.Acquire(payload.EntityID, holder, payload.LockType)
	} else {
		c.Release(payload.EntityID, holder)
	}
	return nil
}

// Records returns every held lock sorted by entity id.
func (c *Coordinator) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Record, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// OnChange registers fn for every acquire/release. The returned func unregisters it.
func (c *Coordinator) OnChange(fn func(Change)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Coordinator) snapshotListeners() []func(Change) {
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		out = append(out, c.listeners[id])
	}
	return out
}

func notify(listeners []func(Change), change Change) {
	for _, fn := range listeners {
		fn(change)
	}
}
