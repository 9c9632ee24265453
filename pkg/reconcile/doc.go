// Package reconcile keeps a local, user-visible collection of entities in step with
// the server's authoritative state.
//
// Mutations are optimistic: OptimisticCreate, OptimisticUpdate and OptimisticDelete
// change local state at once, enqueue a pending operation and call the Gateway in
// the background. Each operation settles through its Result:
//
//	pending → confirmed (removed)
//	pending → failed, retries left → pending (retry after backoff)
//	pending → failed, no retries left → reverted (removed, OperationError)
//
// While the transport is disconnected operations stay pending; they are flushed
// when the connection returns.
//
// Pushes are applied by HandleEnvelope. A created push is matched to the pending
// create that produced it by correlation id, falling back to a field heuristic.
// An updated push acknowledges a pending update for the entity, merges when it
// agrees with the local copy, and otherwise records a Conflict that stays open
// until ResolveConflict. A deleted push removes the entity unconditionally.
package reconcile
