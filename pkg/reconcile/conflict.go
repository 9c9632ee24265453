package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
)

// Conflict records that the local and server versions of an entity disagree.
// Local state is left untouched until ResolveConflict is called.
type Conflict[T any] struct {
	EntityID         string
	LocalVersion     T
	ServerVersion    T
	ConflictedFields []string // Sorted
	DetectedAt       time.Time
}

// Strategy selects how ResolveConflict settles a conflict.
type Strategy string

const (
	// AcceptLocal keeps the local values and re-issues them as an update.
	AcceptLocal Strategy = "accept_local"

	// AcceptServer replaces the local entity with the server version.
	AcceptServer Strategy = "accept_server"

	// Merge applies caller-supplied fields (or the local values of fields that are
	// not in conflict) over the server version and issues the result as an update.
	Merge Strategy = "merge"
)

// Validate checks if the Strategy is a valid enum value.
func (s Strategy) Validate() error {
	switch s {
	case AcceptLocal, AcceptServer, Merge:
		return nil
	default:
		return fmt.Errorf("unknown resolution strategy: %q", s)
	}
}

// diffFields returns the sorted keys whose values differ between a and b, looking
// only at keys and skipping ignored ones. Duplicate keys are reported once.
func diffFields(a, b Fields, keys []string, ignored ...string) []string {
	skip := make(map[string]bool, len(ignored))
	for _, k := range ignored {
		skip[k] = true
	}

	seen := make(map[string]bool, len(keys))
	var out []string
	for _, k := range keys {
		if skip[k] || seen[k] {
			continue
		}
		seen[k] = true
		if !cmp.Equal(a[k], b[k]) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// recordConflictLocked stores the single conflict record for id, replacing any
// earlier one.
func (e *Engine[T]) recordConflictLocked(id string, local, server T, fields []string, fx *effects[T]) {
	c := &Conflict[T]{
		EntityID:         id,
		LocalVersion:     local,
		ServerVersion:    server,
		ConflictedFields: fields,
		DetectedAt:       e.now(),
	}
	e.conflicts[id] = c
	fx.conflicts = append(fx.conflicts, *c)
	fx.changed = true

	e.logger.Info("conflict detected",
		zap.String("entity_id", id),
		zap.Strings("fields", fields))
}

// ResolveConflict settles the conflict recorded for id. For AcceptLocal and Merge
// the returned result completes when the resulting update is confirmed; merged is
// only consulted by Merge.
func (e *Engine[T]) ResolveConflict(ctx context.Context, id string, strategy Strategy, merged Fields) (*Result[T], error) {
	if err := strategy.Validate(); err != nil {
		return nil, err
	}
	var overlay Fields
	if merged != nil {
		norm, err := normalize(merged)
		if err != nil {
			return nil, err
		}
		overlay = norm.Without(e.cfg.IDField)
	}

	var fx effects[T]
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil, ErrDisposed
	}
	c, ok := e.conflicts[id]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoConflict, id)
	}
	i := e.indexLocked(id)
	if i < 0 {
		delete(e.conflicts, id)
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if strategy != AcceptServer {
		if err := e.locks.Check(id, e.selfID); err != nil {
			e.mu.Unlock()
			return nil, err
		}
	}

	localFields := e.adapter.Fields(e.local[i])
	serverFields := e.adapter.Fields(c.ServerVersion)
	delete(e.conflicts, id)
	e.server[id] = c.ServerVersion
	fx.changed = true

	var result *Result[T]
	switch strategy {
	case AcceptServer:
		e.local[i] = c.ServerVersion
		result = newResult[T]()
		result.resolve(c.ServerVersion, nil)

	case AcceptLocal:
		op := e.queue.add(ctx, OpUpdate, id, localFields.Without(e.cfg.IDField))
		op.previous = localFields
		fx.dispatch = append(fx.dispatch, op.ID)
		result = op.result

	case Merge:
		resolved := serverFields.Clone()
		if overlay != nil {
			resolved = resolved.Merge(overlay)
		} else {
			conflicted := make(map[string]bool, len(c.ConflictedFields))
			for _, f := range c.ConflictedFields {
				conflicted[f] = true
			}
			for k, v := range localFields {
				if !conflicted[k] {
					resolved[k] = v
				}
			}
		}
		entity, err := e.adapter.Build(resolved)
		if err != nil {
			e.conflicts[id] = c
			e.mu.Unlock()
			return nil, err
		}
		e.local[i] = entity
		op := e.queue.add(ctx, OpUpdate, id, resolved.Without(e.cfg.IDField))
		op.previous = localFields
		fx.dispatch = append(fx.dispatch, op.ID)
		result = op.result
	}
	e.mu.Unlock()

	e.logger.Info("conflict resolved", zap.String("entity_id", id), zap.String("strategy", string(strategy)))
	e.apply(&fx)
	return result, nil
}
