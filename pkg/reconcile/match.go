package reconcile

import (
	"github.com/google/go-cmp/cmp"
)

// minSharedFields is how many designated fields must agree for a heuristic match.
const minSharedFields = 2

// matchCreateLocked finds the pending create a created push echoes. An exact
// correlation id match wins; otherwise, with heuristic matching enabled, the
// oldest recent create sharing at least two designated fields is chosen.
func (e *Engine[T]) matchCreateLocked(requestID, dataCorrelationID string, incoming Fields) *pendingOp[T] {
	creates := e.queue.creates()
	for _, op := range creates {
		if op.CorrelationID == "" {
			continue
		}
		if op.CorrelationID == requestID || op.CorrelationID == dataCorrelationID {
			return op
		}
	}

	if !e.cfg.HeuristicMatching {
		return nil
	}
	now := e.now()
	for _, op := range creates {
		if now.Sub(op.CreatedAt) > e.cfg.MatchWindow {
			continue
		}
		if sharedFields(op.Payload, incoming, e.cfg.MatchFields) >= minSharedFields {
			return op
		}
	}
	return nil
}

// sharedFields counts designated fields present and equal in both payloads.
func sharedFields(a, b Fields, designated []string) int {
	n := 0
	for _, k := range designated {
		av, aok := a[k]
		bv, bok := b[k]
		if !aok || !bok || av == nil || bv == nil {
			continue
		}
		if cmp.Equal(av, bv) {
			n++
		}
	}
	return n
}
