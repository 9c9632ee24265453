package reconcile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dyluth/tether/pkg/lock"
)

var (
	// ErrNotFound is returned when an entity id is absent from local state.
	ErrNotFound = errors.New("entity not found")

	// ErrLockDenied is returned when another holder has the entity locked.
	ErrLockDenied = lock.ErrLockDenied

	// ErrDisposed is returned once the engine has been closed.
	ErrDisposed = errors.New("engine is closed")

	// ErrNoConflict is returned by ResolveConflict for an entity without a conflict.
	ErrNoConflict = errors.New("no conflict recorded for entity")

	// ErrDeletedRemotely resolves operations cleared by a delete push.
	ErrDeletedRemotely = errors.New("entity was deleted on the server")
)

// OperationError reports a create, update or delete that failed after the retry
// budget was spent. The local mutation has been reverted.
type OperationError struct {
	Op       OpType
	EntityID string
	Attempts int
	Err      error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Op, e.EntityID, e.Attempts, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// ConflictError resolves an update the server reported as conflicting. The local
// value is kept and a conflict is recorded for explicit resolution.
type ConflictError struct {
	EntityID string
	Fields   []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("update of %s conflicts on %s", e.EntityID, strings.Join(e.Fields, ", "))
}
