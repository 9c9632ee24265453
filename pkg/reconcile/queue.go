package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// OpType is the kind of optimistic operation.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// Validate checks if the OpType is a valid enum value.
func (t OpType) Validate() error {
	switch t {
	case OpCreate, OpUpdate, OpDelete:
		return nil
	default:
		return fmt.Errorf("unknown operation type: %q", t)
	}
}

// Operation is a snapshot of a pending optimistic operation.
type Operation struct {
	ID            string
	Type          OpType
	EntityID      string // Temporary id for creates until confirmed
	Payload       Fields // Create payload or update changes; nil for deletes
	CreatedAt     time.Time
	RetryCount    int
	CorrelationID string
	InFlight      bool
}

// pendingOp is the queue's mutable record of an operation.
type pendingOp[T any] struct {
	Operation
	ctx      context.Context
	result   *Result[T]
	previous Fields // Local value before an update; restores entities the server never saw
	index    int    // Local position of a deleted entity
	attempts int
	backoff  *backoff.ExponentialBackOff
	timer    *time.Timer
}

// Queue holds pending operations in insertion order. It is owned by an Engine and
// is not safe for concurrent use on its own.
type Queue[T any] struct {
	ops        []*pendingOp[T]
	maxRetries int
	retryDelay time.Duration
	maxDelay   time.Duration
	now        func() time.Time
}

func newQueue[T any](maxRetries int, retryDelay, maxDelay time.Duration) *Queue[T] {
	return &Queue[T]{
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		maxDelay:   maxDelay,
		now:        time.Now,
	}
}

// add enqueues a new operation and returns it.
func (q *Queue[T]) add(ctx context.Context, t OpType, entityID string, payload Fields) *pendingOp[T] {
	op := &pendingOp[T]{
		Operation: Operation{
			ID:            uuid.New().String(),
			Type:          t,
			EntityID:      entityID,
			Payload:       payload,
			CreatedAt:     q.now(),
			CorrelationID: uuid.New().String(),
		},
		ctx:    context.WithoutCancel(ctx),
		result: newResult[T](),
	}
	q.ops = append(q.ops, op)
	return op
}

func (q *Queue[T]) get(id string) *pendingOp[T] {
	for _, op := range q.ops {
		if op.ID == id {
			return op
		}
	}
	return nil
}

// remove drops an operation and stops its retry timer.
func (q *Queue[T]) remove(id string) *pendingOp[T] {
	for i, op := range q.ops {
		if op.ID == id {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			op.stopTimer()
			return op
		}
	}
	return nil
}

// forEntity returns the operations targeting entityID, optionally filtered by type.
func (q *Queue[T]) forEntity(entityID string, types ...OpType) []*pendingOp[T] {
	var out []*pendingOp[T]
	for _, op := range q.ops {
		if op.EntityID != entityID {
			continue
		}
		if len(types) > 0 && !containsType(types, op.Type) {
			continue
		}
		out = append(out, op)
	}
	return out
}

// has reports whether any operation of the given types targets entityID.
func (q *Queue[T]) has(entityID string, types ...OpType) bool {
	return len(q.forEntity(entityID, types...)) > 0
}

// rekey moves every operation from a temporary id to the authoritative id.
func (q *Queue[T]) rekey(from, to string) []*pendingOp[T] {
	var moved []*pendingOp[T]
	for _, op := range q.ops {
		if op.EntityID == from {
			op.EntityID = to
			moved = append(moved, op)
		}
	}
	return moved
}

// creates returns pending create operations in insertion order.
func (q *Queue[T]) creates() []*pendingOp[T] {
	var out []*pendingOp[T]
	for _, op := range q.ops {
		if op.Type == OpCreate {
			out = append(out, op)
		}
	}
	return out
}

// canRetry reports whether a failed operation has retry budget left.
func (q *Queue[T]) canRetry(op *pendingOp[T]) bool {
	return op.RetryCount < q.maxRetries
}

// nextDelay records a retry and returns how long to wait before it.
func (q *Queue[T]) nextDelay(op *pendingOp[T]) time.Duration {
	if op.backoff == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = q.retryDelay
		b.MaxInterval = q.maxDelay
		b.Multiplier = 2
		b.RandomizationFactor = 0
		b.MaxElapsedTime = 0
		b.Reset()
		op.backoff = b
	}
	op.RetryCount++
	return op.backoff.NextBackOff()
}

func (q *Queue[T]) len() int {
	return len(q.ops)
}

func (q *Queue[T]) all() []*pendingOp[T] {
	return append([]*pendingOp[T](nil), q.ops...)
}

func (q *Queue[T]) snapshot() []Operation {
	out := make([]Operation, len(q.ops))
	for i, op := range q.ops {
		out[i] = op.Operation
		out[i].Payload = op.Payload.Clone()
	}
	return out
}

func (op *pendingOp[T]) stopTimer() {
	if op.timer != nil {
		op.timer.Stop()
		op.timer = nil
	}
}

func containsType(types []OpType, t OpType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}
