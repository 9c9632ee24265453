// Package envelope defines the wire types shared by every tether component: the
// feature envelope pushed by the server, the frame that carries envelopes and
// control messages on the push connection, and the Redis naming patterns used
// when Redis acts as the broker.
//
// # Envelopes
//
// Every server change is delivered as
//
//	{feature, entity, action, data, meta}
//
// where action is one of created, updated, deleted, bulk_started, bulk_progress,
// bulk_completed, conflict_detected, lock_acquired or lock_released. The meta
// block identifies the originating user and session and carries a priority used
// for filtering. meta.context.requestId echoes the correlation id of the request
// that caused the change, which lets a client recognise its own creations.
//
// # Frames
//
// Frames are {event, data, ack}. Envelopes travel as event "feature:event";
// everything else (authenticate, subscribe:features, get_stats, ...) is control
// traffic. Requests that expect a reply set ack and the reply echoes it.
//
// # Validation
//
// Validator checks raw envelopes against an embedded JSON schema before decoding,
// so malformed pushes are rejected at the edge instead of inside the engine.
package envelope
