package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the unit pushed by the server for every change to a feature's entities.
// Field names are fixed by the wire protocol and must not change.
type Envelope struct {
	Feature string          `json:"feature"` // Feature (module) the event belongs to, e.g. "users"
	Entity  string          `json:"entity"`  // Entity type inside the feature, e.g. "user"
	Action  Action          `json:"action"`  // What happened
	Data    json.RawMessage `json:"data"`    // Entity payload or action-specific object
	Meta    Meta            `json:"meta"`    // Origin and ordering metadata
}

// Meta describes who produced an envelope and how urgent it is.
type Meta struct {
	Timestamp      string       `json:"timestamp"`         // RFC3339 time the server emitted the event
	UserID         string       `json:"userId"`            // User that caused the change
	SessionID      string       `json:"sessionId"`         // Session that caused the change
	FeatureVersion string       `json:"featureVersion"`    // Version of the feature contract
	Priority       Priority     `json:"priority"`          // Delivery priority
	Context        *MetaContext `json:"context,omitempty"` // Optional request context
}

// MetaContext carries optional request-level details. RequestID doubles as the
// correlation id echoed back for creations issued by this client.
type MetaContext struct {
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
}

// Action is the kind of change an envelope reports.
type Action string

const (
	// ActionCreated reports a newly created entity; Data is the entity
	ActionCreated Action = "created"

	// ActionUpdated reports a changed entity; Data is the entity (possibly partial)
	ActionUpdated Action = "updated"

	// ActionDeleted reports a removed entity; Data carries at least its id
	ActionDeleted Action = "deleted"

	// ActionBulkStarted opens a bulk operation; Data is BulkProgress
	ActionBulkStarted Action = "bulk_started"

	// ActionBulkProgress reports progress of a bulk operation
	ActionBulkProgress Action = "bulk_progress"

	// ActionBulkCompleted closes a bulk operation
	ActionBulkCompleted Action = "bulk_completed"

	// ActionConflictDetected reports a server-side detected conflict; Data is the server entity
	ActionConflictDetected Action = "conflict_detected"

	// ActionLockAcquired reports that a collaborator took a lock; Data is LockPayload
	ActionLockAcquired Action = "lock_acquired"

	// ActionLockReleased reports that a lock was released; Data is LockPayload
	ActionLockReleased Action = "lock_released"
)

// Validate checks if the Action is a valid enum value.
func (a Action) Validate() error {
	switch a {
	case ActionCreated, ActionUpdated, ActionDeleted,
		ActionBulkStarted, ActionBulkProgress, ActionBulkCompleted,
		ActionConflictDetected, ActionLockAcquired, ActionLockReleased:
		return nil
	default:
		return fmt.Errorf("unknown action: %q", a)
	}
}

// IsBulk reports whether the action belongs to the bulk_* family.
func (a Action) IsBulk() bool {
	return a == ActionBulkStarted || a == ActionBulkProgress || a == ActionBulkCompleted
}

// IsLock reports whether the action is a lock notification.
func (a Action) IsLock() bool {
	return a == ActionLockAcquired || a == ActionLockReleased
}

// Priority orders envelopes for filtering. Empty means normal.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Validate checks if the Priority is a valid enum value.
func (p Priority) Validate() error {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return nil
	default:
		return fmt.Errorf("unknown priority: %q", p)
	}
}

// Rank returns a sortable weight; unknown or empty priorities rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// BulkProgress is the payload of bulk_* envelopes.
type BulkProgress struct {
	OperationID string `json:"operationId,omitempty"`
	Total       int    `json:"total,omitempty"`
	Processed   int    `json:"processed,omitempty"`
	Failed      int    `json:"failed,omitempty"`
}

// LockPayload is the payload of lock_acquired / lock_released envelopes and of
// lock:request / lock:release control frames.
type LockPayload struct {
	EntityID string `json:"entityId"`
	HolderID string `json:"holderId,omitempty"`
	LockType string `json:"lockType,omitempty"`
	Feature  string `json:"feature,omitempty"`
	Entity   string `json:"entity,omitempty"`
	TTLms    int64  `json:"ttlMs,omitempty"`
}

// Validate checks the envelope's required fields and enumerations.
func (e *Envelope) Validate() error {
	if e.Feature == "" {
		return fmt.Errorf("envelope feature cannot be empty")
	}
	if e.Entity == "" {
		return fmt.Errorf("envelope entity cannot be empty")
	}
	if err := e.Action.Validate(); err != nil {
		return fmt.Errorf("invalid action: %w", err)
	}
	if e.Meta.Priority != "" {
		if err := e.Meta.Priority.Validate(); err != nil {
			return fmt.Errorf("invalid priority: %w", err)
		}
	}
	return nil
}

// DecodeData unmarshals the envelope payload into v.
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("envelope %s/%s %s has no data", e.Feature, e.Entity, e.Action)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s data: %w", e.Action, err)
	}
	return nil
}

// CorrelationID returns the request id echoed in the envelope context, if any.
func (e *Envelope) CorrelationID() string {
	if e.Meta.Context == nil {
		return ""
	}
	return e.Meta.Context.RequestID
}

// New builds an envelope with a JSON-encoded payload and freshly stamped meta.
// A new request id is minted when requestID is empty.
func New(feature, entity string, action Action, data any, userID, sessionID, requestID string) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope data: %w", err)
	}
	if requestID == "" {
		requestID = uuid.New().String()
	}
	return &Envelope{
		Feature: feature,
		Entity:  entity,
		Action:  action,
		Data:    raw,
		Meta: Meta{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			UserID:    userID,
			SessionID: sessionID,
			Priority:  PriorityNormal,
			Context: &MetaContext{
				UserID:    userID,
				SessionID: sessionID,
				RequestID: requestID,
			},
		},
	}, nil
}
