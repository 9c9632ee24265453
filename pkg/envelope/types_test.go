package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionValidate(t *testing.T) {
	valid := []Action{
		ActionCreated, ActionUpdated, ActionDeleted,
		ActionBulkStarted, ActionBulkProgress, ActionBulkCompleted,
		ActionConflictDetected, ActionLockAcquired, ActionLockReleased,
	}
	for _, a := range valid {
		assert.NoError(t, a.Validate(), "action %s should be valid", a)
	}

	err := Action("renamed").Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action")
}

func TestActionFamilies(t *testing.T) {
	assert.True(t, ActionBulkProgress.IsBulk())
	assert.False(t, ActionUpdated.IsBulk())
	assert.True(t, ActionLockReleased.IsLock())
	assert.False(t, ActionDeleted.IsLock())
}

func TestPriorityRank(t *testing.T) {
	assert.Less(t, PriorityLow.Rank(), PriorityNormal.Rank())
	assert.Less(t, PriorityNormal.Rank(), PriorityHigh.Rank())
	assert.Less(t, PriorityHigh.Rank(), PriorityCritical.Rank())
	assert.Equal(t, PriorityNormal.Rank(), Priority("").Rank())
}

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr string
	}{
		{
			name: "valid",
			env:  Envelope{Feature: "users", Entity: "user", Action: ActionCreated},
		},
		{
			name:    "missing feature",
			env:     Envelope{Entity: "user", Action: ActionCreated},
			wantErr: "feature cannot be empty",
		},
		{
			name:    "missing entity",
			env:     Envelope{Feature: "users", Action: ActionCreated},
			wantErr: "entity cannot be empty",
		},
		{
			name:    "bad action",
			env:     Envelope{Feature: "users", Entity: "user", Action: "moved"},
			wantErr: "invalid action",
		},
		{
			name: "bad priority",
			env: Envelope{Feature: "users", Entity: "user", Action: ActionUpdated,
				Meta: Meta{Priority: "urgent"}},
			wantErr: "invalid priority",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewEnvelope(t *testing.T) {
	env, err := New("users", "user", ActionUpdated, map[string]any{"id": "5", "name": "A"}, "u1", "s1", "")
	require.NoError(t, err)

	assert.Equal(t, "users", env.Feature)
	assert.Equal(t, PriorityNormal, env.Meta.Priority)
	assert.NotEmpty(t, env.Meta.Timestamp)
	assert.NotEmpty(t, env.CorrelationID(), "a request id is minted when none is given")

	var data map[string]any
	require.NoError(t, env.DecodeData(&data))
	assert.Equal(t, "A", data["name"])

	withID, err := New("users", "user", ActionCreated, nil, "u1", "s1", "corr-1")
	require.NoError(t, err)
	assert.Equal(t, "corr-1", withID.CorrelationID())
}

func TestEnvelopeWireNames(t *testing.T) {
	env := Envelope{
		Feature: "users",
		Entity:  "user",
		Action:  ActionLockAcquired,
		Data:    json.RawMessage(`{"entityId":"7"}`),
		Meta: Meta{
			Timestamp:      "2024-01-01T00:00:00Z",
			UserID:         "u1",
			SessionID:      "s1",
			FeatureVersion: "1.0",
			Priority:       PriorityHigh,
			Context:        &MetaContext{RequestID: "r1", IPAddress: "10.0.0.1"},
		},
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	meta := generic["meta"].(map[string]any)
	assert.Equal(t, "u1", meta["userId"])
	assert.Equal(t, "s1", meta["sessionId"])
	assert.Equal(t, "1.0", meta["featureVersion"])
	assert.Equal(t, "high", meta["priority"])
	ctx := meta["context"].(map[string]any)
	assert.Equal(t, "r1", ctx["requestId"])
	assert.Equal(t, "10.0.0.1", ctx["ipAddress"])
}

func TestDecodeDataEmpty(t *testing.T) {
	env := Envelope{Feature: "users", Entity: "user", Action: ActionDeleted}
	var v map[string]any
	err := env.DecodeData(&v)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "has no data")
}

func TestFrames(t *testing.T) {
	f, err := NewFrame(EventSubscribeFeatures, SubscribeRequest{Features: []string{"users"}, UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, EventSubscribeFeatures, f.Event)

	var req SubscribeRequest
	require.NoError(t, f.Decode(&req))
	assert.Equal(t, []string{"users"}, req.Features)

	empty, err := NewFrame(EventPing, nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Data)
	assert.Error(t, empty.Decode(&req))

	raw, err := NewFrame(EventFeature, json.RawMessage(`{"feature":"x"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"feature":"x"}`, string(raw.Data))
}

func TestChannelNaming(t *testing.T) {
	ch := FeatureChannel("prod", "users")
	assert.Equal(t, "tether:prod:feature:users", ch)

	feature, ok := FeatureFromChannel("prod", ch)
	assert.True(t, ok)
	assert.Equal(t, "users", feature)

	_, ok = FeatureFromChannel("staging", ch)
	assert.False(t, ok)

	assert.Equal(t, "tether:prod:lock:users:user:42", LockKey("prod", "users", "user", "42"))
}
