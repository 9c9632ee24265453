package reconcile

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dyluth/tether/pkg/envelope"
	"go.uber.org/zap"
)

// correlationField is the data key a server may use to echo a create's correlation id.
const correlationField = "_correlationId"

// HandleEnvelope applies one push. It is registered on the router by Attach and
// may be called directly when the caller does its own routing.
func (e *Engine[T]) HandleEnvelope(env *envelope.Envelope) error {
	if env.Feature != e.feature || env.Entity != e.entity {
		return nil
	}
	if env.Action.IsLock() {
		return e.locks.Apply(env)
	}

	var fx effects[T]
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil
	}

	var err error
	switch env.Action {
	case envelope.ActionCreated:
		err = e.applyCreatedLocked(env, &fx)
	case envelope.ActionUpdated:
		err = e.applyUpdatedLocked(env, &fx)
	case envelope.ActionDeleted:
		err = e.applyDeletedLocked(env, &fx)
	case envelope.ActionBulkStarted, envelope.ActionBulkProgress, envelope.ActionBulkCompleted:
		e.applyBulkLocked(env, &fx)
	case envelope.ActionConflictDetected:
		err = e.applyConflictLocked(env, &fx)
	default:
		err = fmt.Errorf("unhandled action %q", env.Action)
	}
	e.mu.Unlock()

	e.apply(&fx)
	return err
}

// decodeEntity extracts fields, id and any echoed correlation id from a push.
func (e *Engine[T]) decodeEntity(env *envelope.Envelope) (Fields, string, string, error) {
	if len(env.Data) == 0 {
		return nil, "", "", fmt.Errorf("%s push has no data", env.Action)
	}
	fields, err := decodeFields(env.Data)
	if err != nil {
		return nil, "", "", err
	}
	correlationID, _ := fields[correlationField].(string)
	delete(fields, correlationField)

	id := idString(fields[e.cfg.IDField])
	if id == "" {
		return nil, "", "", fmt.Errorf("%s push without %s", env.Action, e.cfg.IDField)
	}
	return fields, id, correlationID, nil
}

func (e *Engine[T]) applyCreatedLocked(env *envelope.Envelope, fx *effects[T]) error {
	fields, id, correlationID, err := e.decodeEntity(env)
	if err != nil {
		return err
	}
	if e.staleLocked(id, fields) {
		return nil
	}

	_, inServer := e.server[id]
	inLocal := e.indexLocked(id) >= 0
	if inLocal && inServer {
		// Duplicate echo of something already reconciled
		return nil
	}

	entity, err := e.adapter.Build(fields)
	if err != nil {
		return err
	}

	if op := e.matchCreateLocked(env.CorrelationID(), correlationID, fields); op != nil {
		e.queue.remove(op.ID)
		e.replaceTempLocked(op.EntityID, entity, fx)
		op.result.resolve(entity, nil)
		return nil
	}

	e.server[id] = entity
	if !inLocal && !e.queue.has(id, OpDelete) {
		e.local = append(e.local, entity)
	}
	fx.changed = true
	return nil
}

func (e *Engine[T]) applyUpdatedLocked(env *envelope.Envelope, fx *effects[T]) error {
	fields, id, _, err := e.decodeEntity(env)
	if err != nil {
		return err
	}

	i := e.indexLocked(id)
	if i < 0 || e.queue.has(id, OpDelete) {
		// Merge-on-update never recreates an entity that is gone locally
		e.logger.Debug("ignoring update for absent entity", zap.String("entity_id", id))
		return nil
	}
	if e.staleLocked(id, fields) {
		e.logger.Debug("dropping stale update", zap.String("entity_id", id))
		return nil
	}

	localFields := e.adapter.Fields(e.local[i])
	base := localFields
	if held, ok := e.server[id]; ok {
		base = e.adapter.Fields(held)
	}
	serverFields := base.Merge(fields)
	serverEntity, err := e.adapter.Build(serverFields)
	if err != nil {
		return err
	}
	e.server[id] = serverEntity
	fx.changed = true

	// Acknowledgement of our own pending update
	if updates := e.queue.forEntity(id, OpUpdate); len(updates) > 0 {
		ack := updates[0]
		e.queue.remove(ack.ID)
		ack.result.resolve(serverEntity, nil)
		if len(updates) == 1 && e.conflicts[id] == nil {
			return e.setLocalLocked(i, localFields.Merge(fields))
		}
		return nil
	}

	if !e.cfg.ConflictDetection {
		delete(e.conflicts, id)
		return e.setLocalLocked(i, localFields.Merge(fields))
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	if prior, ok := e.conflicts[id]; ok {
		keys = append(keys, prior.ConflictedFields...)
	}
	diff := diffFields(localFields, serverFields, keys, e.ignoredKeys()...)
	if len(diff) == 0 {
		delete(e.conflicts, id)
		return e.setLocalLocked(i, localFields.Merge(fields))
	}

	e.recordConflictLocked(id, e.local[i], serverEntity, diff, fx)
	return nil
}

func (e *Engine[T]) applyDeletedLocked(env *envelope.Envelope, fx *effects[T]) error {
	_, id, _, err := e.decodeEntity(env)
	if err != nil {
		return err
	}

	var zero T
	if i := e.indexLocked(id); i >= 0 {
		e.local = append(e.local[:i], e.local[i+1:]...)
	}
	delete(e.server, id)
	delete(e.conflicts, id)
	for _, op := range e.queue.forEntity(id) {
		e.queue.remove(op.ID)
		if op.Type == OpDelete {
			op.result.resolve(zero, nil)
			continue
		}
		op.result.resolve(zero, &OperationError{Op: op.Type, EntityID: id, Attempts: op.attempts, Err: ErrDeletedRemotely})
	}
	fx.clearLocks = append(fx.clearLocks, id)
	fx.changed = true
	return nil
}

func (e *Engine[T]) applyBulkLocked(env *envelope.Envelope, fx *effects[T]) {
	var p envelope.BulkProgress
	if len(env.Data) > 0 {
		if err := env.DecodeData(&p); err != nil {
			e.logger.Debug("ignoring malformed bulk payload", zap.Error(err))
		}
	}

	switch env.Action {
	case envelope.ActionBulkStarted:
		e.loading = true
		e.bulk = p
	case envelope.ActionBulkProgress:
		if p.Total > 0 {
			e.bulk.Total = p.Total
		}
		if p.Processed > 0 {
			e.bulk.Processed = p.Processed
		} else {
			e.bulk.Processed++
		}
		if p.Failed > 0 {
			e.bulk.Failed = p.Failed
		}
	case envelope.ActionBulkCompleted:
		e.loading = false
		if p.Processed > 0 {
			e.bulk.Processed = p.Processed
		}
		fx.sync = e.cfg.SyncOnBulkComplete
	}
	fx.changed = true
}

// applyConflictLocked records a conflict the server detected. A pending update for
// the entity settles with a ConflictError and the local value is kept.
func (e *Engine[T]) applyConflictLocked(env *envelope.Envelope, fx *effects[T]) error {
	fields, id, _, err := e.decodeEntity(env)
	if err != nil {
		return err
	}
	i := e.indexLocked(id)
	if i < 0 {
		return nil
	}

	localFields := e.adapter.Fields(e.local[i])
	base := localFields
	if held, ok := e.server[id]; ok {
		base = e.adapter.Fields(held)
	}
	serverFields := base.Merge(fields)
	serverEntity, err := e.adapter.Build(serverFields)
	if err != nil {
		return err
	}
	e.server[id] = serverEntity

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	diff := diffFields(localFields, serverFields, keys, e.ignoredKeys()...)
	if len(diff) == 0 {
		return nil
	}

	var zero T
	for _, op := range e.queue.forEntity(id, OpUpdate) {
		e.queue.remove(op.ID)
		op.result.resolve(zero, &ConflictError{EntityID: id, Fields: diff})
	}
	e.recordConflictLocked(id, e.local[i], serverEntity, diff, fx)
	return nil
}

func (e *Engine[T]) setLocalLocked(i int, fields Fields) error {
	entity, err := e.adapter.Build(fields)
	if err != nil {
		return err
	}
	e.local[i] = entity
	return nil
}

// staleLocked reports whether a push carries a version that is not newer than the
// held server copy. Always false without a VersionField.
func (e *Engine[T]) staleLocked(id string, incoming Fields) bool {
	if e.cfg.VersionField == "" {
		return false
	}
	in, ok := versionOf(incoming[e.cfg.VersionField])
	if !ok {
		return false
	}
	held, ok := e.server[id]
	if !ok {
		return false
	}
	current, ok := versionOf(e.adapter.Fields(held)[e.cfg.VersionField])
	if !ok {
		return false
	}
	return in <= current
}

// ignoredKeys are never reported as conflicting.
func (e *Engine[T]) ignoredKeys() []string {
	if e.cfg.VersionField == "" {
		return []string{e.cfg.IDField}
	}
	return []string{e.cfg.IDField, e.cfg.VersionField}
}

func versionOf(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
