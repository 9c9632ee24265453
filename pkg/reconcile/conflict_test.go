package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/dyluth/tether/pkg/envelope"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// conflicted returns an engine holding a conflict on entity 5: local name "A",
// server name "B".
func conflicted(t *testing.T) (*Engine[Record], *fakeGateway) {
	t.Helper()
	e, gw := seededEngine(t, []Record{{"id": "5", "name": "A", "email": "a@x.com"}})
	require.NoError(t, e.HandleEnvelope(push(t, envelope.ActionUpdated, Record{"id": "5", "name": "B"}, "")))
	require.Equal(t, 1, e.ConflictCount())
	return e, gw
}

func TestResolveAcceptServer(t *testing.T) {
	e, gw := conflicted(t)

	result, err := e.ResolveConflict(context.Background(), "5", AcceptServer, nil)
	require.NoError(t, err)
	resolved, err := wait(t, result)
	require.NoError(t, err)
	assert.Equal(t, "B", resolved["name"])

	local, _ := e.Get("5")
	assert.Equal(t, "B", local["name"])
	assert.Zero(t, e.ConflictCount())
	assert.Zero(t, e.PendingCount())
	assert.Zero(t, gw.callCount(OpUpdate), "nothing to send")
}

func TestResolveAcceptLocal(t *testing.T) {
	e, gw := conflicted(t)

	result, err := e.ResolveConflict(context.Background(), "5", AcceptLocal, nil)
	require.NoError(t, err)
	assert.Zero(t, e.ConflictCount())

	_, err = wait(t, result)
	require.NoError(t, err)
	require.Len(t, gw.updates, 1)
	assert.Equal(t, "A", gw.updates[0]["name"], "local value re-issued as an update")
	assert.NotContains(t, gw.updates[0], "id")

	rec, _ := gw.record("5")
	assert.Equal(t, "A", rec["name"])
	local, _ := e.Get("5")
	assert.Equal(t, "A", local["name"])
}

func TestResolveMergeWithFields(t *testing.T) {
	e, gw := conflicted(t)

	result, err := e.ResolveConflict(context.Background(), "5", Merge, Fields{"name": "A+B"})
	require.NoError(t, err)

	local, _ := e.Get("5")
	assert.Equal(t, "A+B", local["name"], "merged value applied optimistically")

	_, err = wait(t, result)
	require.NoError(t, err)
	rec, _ := gw.record("5")
	assert.Equal(t, "A+B", rec["name"])
	assert.Equal(t, "a@x.com", rec["email"])
}

func TestResolveMergeDefaultsToServerForConflictedFields(t *testing.T) {
	e, _ := seededEngine(t, []Record{{"id": "5", "name": "A", "note": "x"}})
	// Local-only note change without a pending op, then a conflicting name push
	e.mu.Lock()
	e.local[0] = Record{"id": "5", "name": "A", "note": "local"}
	e.mu.Unlock()
	require.NoError(t, e.HandleEnvelope(push(t, envelope.ActionUpdated, Record{"id": "5", "name": "B"}, "")))

	c, ok := e.Conflict("5")
	require.True(t, ok)
	assert.Equal(t, []string{"name"}, c.ConflictedFields)

	result, err := e.ResolveConflict(context.Background(), "5", Merge, nil)
	require.NoError(t, err)
	_, err = wait(t, result)
	require.NoError(t, err)

	local, _ := e.Get("5")
	assert.Equal(t, "B", local["name"])
	assert.Equal(t, "local", local["note"])
}

func TestResolveWithoutConflict(t *testing.T) {
	e, _ := seededEngine(t, []Record{{"id": "5", "name": "A"}})

	_, err := e.ResolveConflict(context.Background(), "5", AcceptServer, nil)
	assert.True(t, errors.Is(err, ErrNoConflict))

	_, err = e.ResolveConflict(context.Background(), "5", "rewrite", nil)
	assert.Error(t, err)
}

func TestResolveRespectsLocks(t *testing.T) {
	e, _ := conflicted(t)
	e.Locks().Acquire("5", "bob", "editing")

	_, err := e.ResolveConflict(context.Background(), "5", AcceptLocal, nil)
	assert.True(t, errors.Is(err, ErrLockDenied))
	assert.Equal(t, 1, e.ConflictCount(), "conflict kept when resolution is refused")

	_, err = e.ResolveConflict(context.Background(), "5", AcceptServer, nil)
	require.NoError(t, err, "accepting the server never writes")
	assert.Zero(t, e.ConflictCount())
}

func TestConflictClearedByMatchingPush(t *testing.T) {
	e, _ := conflicted(t)

	require.NoError(t, e.HandleEnvelope(push(t, envelope.ActionUpdated, Record{"id": "5", "name": "A"}, "")))
	assert.Zero(t, e.ConflictCount())
}

func TestDiffFields(t *testing.T) {
	tests := []struct {
		name    string
		a, b    Fields
		keys    []string
		ignored []string
		want    []string
	}{
		{
			name: "equal",
			a:    Fields{"name": "A"},
			b:    Fields{"name": "A"},
			keys: []string{"name"},
		},
		{
			name: "sorted and unique",
			a:    Fields{"b": 1, "a": 1},
			b:    Fields{"b": 2, "a": 2},
			keys: []string{"b", "a", "b"},
			want: []string{"a", "b"},
		},
		{
			name:    "ignored keys",
			a:       Fields{"id": "1", "version": 1, "name": "A"},
			b:       Fields{"id": "2", "version": 2, "name": "A"},
			keys:    []string{"id", "version", "name"},
			ignored: []string{"id", "version"},
		},
		{
			name: "missing on one side",
			a:    Fields{},
			b:    Fields{"name": "A"},
			keys: []string{"name"},
			want: []string{"name"},
		},
		{
			name: "nested values",
			a:    Fields{"tags": []any{"x", "y"}},
			b:    Fields{"tags": []any{"x", "y"}},
			keys: []string{"tags"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := diffFields(tt.a, tt.b, tt.keys, tt.ignored...)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("diffFields() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
