package reconcile

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// SyncWithServer fetches the authoritative collection and reconciles local state
// with it. Concurrent calls share a single fetch.
//
// With conflict detection disabled local state is replaced wholesale, keeping only
// unconfirmed creates. Otherwise each fetched entity is diffed against its local
// copy: entities with pending operations are left alone, divergent ones raise a
// conflict, new ones are appended, and confirmed local entities the server no
// longer has are removed.
func (e *Engine[T]) SyncWithServer(ctx context.Context) error {
	v, err, shared := e.fetch.Do("fetch", func() (any, error) {
		fctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
		defer cancel()
		return e.gateway.FetchAll(fctx)
	})
	if err != nil {
		return fmt.Errorf("failed to fetch %s/%s: %w", e.feature, e.entity, err)
	}
	if shared {
		e.logger.Debug("sync shared an in-flight fetch")
	}
	fetched := v.([]T)

	var fx effects[T]
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}

	server := make(map[string]T, len(fetched))
	order := make([]string, 0, len(fetched))
	for _, entity := range fetched {
		id := e.adapter.ID(entity)
		if id == "" {
			continue
		}
		if _, dup := server[id]; !dup {
			order = append(order, id)
		}
		server[id] = entity
	}

	if !e.cfg.ConflictDetection {
		local := make([]T, 0, len(order))
		for _, id := range order {
			if !e.queue.has(id, OpDelete) {
				local = append(local, server[id])
			}
		}
		for _, entity := range e.local {
			if isTempID(e.adapter.ID(entity)) {
				local = append(local, entity)
			}
		}
		e.local = local
		e.conflicts = make(map[string]*Conflict[T])
	} else {
		for _, id := range order {
			entity := server[id]
			i := e.indexLocked(id)
			switch {
			case i >= 0 && e.queue.has(id):
				// A local change is on its way to the server
			case i >= 0:
				localFields := e.adapter.Fields(e.local[i])
				serverFields := e.adapter.Fields(entity)
				keys := make([]string, 0, len(serverFields))
				for k := range serverFields {
					keys = append(keys, k)
				}
				if diff := diffFields(localFields, serverFields, keys, e.ignoredKeys()...); len(diff) > 0 {
					e.recordConflictLocked(id, e.local[i], entity, diff, &fx)
				} else {
					e.local[i] = entity
					delete(e.conflicts, id)
				}
			case e.queue.has(id, OpDelete):
			default:
				e.local = append(e.local, entity)
			}
		}

		kept := e.local[:0:0]
		for _, entity := range e.local {
			id := e.adapter.ID(entity)
			if _, ok := server[id]; ok || isTempID(id) || e.queue.has(id) {
				kept = append(kept, entity)
				continue
			}
			delete(e.conflicts, id)
		}
		e.local = kept
	}

	e.server = server
	fx.changed = true
	conflicts := len(e.conflicts)
	localCount := len(e.local)
	e.mu.Unlock()

	e.logger.Info("synced with server",
		zap.Int("fetched", len(order)),
		zap.Int("local", localCount),
		zap.Int("conflicts", conflicts))
	e.apply(&fx)
	return nil
}
