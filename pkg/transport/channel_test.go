package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/tether/internal/testutil"
	"github.com/dyluth/tether/pkg/envelope"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func fastConfig() Config {
	return Config{
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    20 * time.Millisecond,
		MaxReconnectAttempts: 3,
		HandshakeTimeout:     time.Second,
		RequestTimeout:       time.Second,
	}
}

// setupWebSocketChannel creates a channel dialing the given push server.
func setupWebSocketChannel(t *testing.T, srv *testutil.PushServer, cfg Config) *Channel {
	t.Helper()
	ch, err := NewChannel(Options{
		Dialer: &WebSocketDialer{URL: srv.URL()},
		Config: cfg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch
}

func statusOf(ch *Channel) func() bool {
	return func() bool { return ch.Status().Status == StatusConnected }
}

func userEnvelope(t *testing.T, action envelope.Action, data map[string]any) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New("users", "user", action, data, "server", "server-session", "")
	require.NoError(t, err)
	return env
}

func TestConnectHandshake(t *testing.T) {
	srv := testutil.NewPushServer(t, "good-token")
	ch := setupWebSocketChannel(t, srv, fastConfig())

	var mu sync.Mutex
	var seen []Status
	ch.OnStatus(func(s StatusInfo) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s.Status)
	})

	require.NoError(t, ch.Connect(context.Background(), "good-token"))
	assert.True(t, ch.Connected())

	auth := srv.Frames(envelope.EventAuthenticate)
	require.Len(t, auth, 1)
	var req envelope.AuthRequest
	require.NoError(t, auth[0].Decode(&req))
	assert.Equal(t, "good-token", req.Token)

	mu.Lock()
	assert.Equal(t, []Status{StatusConnecting, StatusConnected}, seen)
	mu.Unlock()
}

func TestConnectIsIdempotent(t *testing.T) {
	srv := testutil.NewPushServer(t, "")
	ch := setupWebSocketChannel(t, srv, fastConfig())
	ctx := context.Background()

	require.NoError(t, ch.Connect(ctx, "token"))
	require.NoError(t, ch.Connect(ctx, "token"))
	assert.Equal(t, 1, srv.Dials(), "second connect must not dial")

	t.Run("force reconnects", func(t *testing.T) {
		require.NoError(t, ch.Connect(ctx, "token", WithForce()))
		assert.Equal(t, 2, srv.Dials())
		assert.True(t, ch.Connected())
		require.Eventually(t, func() bool { return srv.Connections() == 1 }, waitFor, 5*time.Millisecond)
	})
}

func TestConnectAuthError(t *testing.T) {
	srv := testutil.NewPushServer(t, "good-token")
	ch := setupWebSocketChannel(t, srv, fastConfig())

	err := ch.Connect(context.Background(), "bad-token")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuth))

	status := ch.Status()
	assert.Equal(t, StatusError, status.Status)
	assert.True(t, errors.Is(status.Err, ErrAuth))

	// No automatic retry after an auth failure
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, srv.Dials())
}

func TestSubscribeAndDeliver(t *testing.T) {
	srv := testutil.NewPushServer(t, "")
	ch := setupWebSocketChannel(t, srv, fastConfig())
	ctx := context.Background()

	// Recorded before connecting, sent on connect
	require.NoError(t, ch.Subscribe(ctx, "users"))
	assert.Equal(t, []string{"users"}, ch.Features())

	received := make(chan *envelope.Envelope, 1)
	ch.OnMessage("users", func(env *envelope.Envelope) error {
		received <- env
		return nil
	})

	require.NoError(t, ch.Connect(ctx, "token"))
	srv.WaitForSubscribers("users", 1)

	srv.Publish(userEnvelope(t, envelope.ActionCreated, map[string]any{"id": "1", "name": "Ada"}))

	select {
	case env := <-received:
		assert.Equal(t, envelope.ActionCreated, env.Action)
		var data map[string]any
		require.NoError(t, json.Unmarshal(env.Data, &data))
		assert.Equal(t, "Ada", data["name"])
	case <-time.After(waitFor):
		t.Fatal("envelope never delivered")
	}

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		require.NoError(t, ch.Unsubscribe(ctx, "users"))
		srv.WaitForSubscribers("users", 0)
		assert.Empty(t, ch.Features())
	})
}

func TestInvalidEnvelopeDropped(t *testing.T) {
	srv := testutil.NewPushServer(t, "")
	ch := setupWebSocketChannel(t, srv, fastConfig())
	ctx := context.Background()

	received := make(chan *envelope.Envelope, 2)
	ch.OnMessage("users", func(env *envelope.Envelope) error {
		received <- env
		return nil
	})
	require.NoError(t, ch.Subscribe(ctx, "users"))
	require.NoError(t, ch.Connect(ctx, "token"))
	srv.WaitForSubscribers("users", 1)

	bad := userEnvelope(t, envelope.ActionCreated, map[string]any{"id": "1"})
	bad.Action = "exploded"
	srv.Publish(bad)
	srv.Publish(userEnvelope(t, envelope.ActionDeleted, map[string]any{"id": "1"}))

	select {
	case env := <-received:
		assert.Equal(t, envelope.ActionDeleted, env.Action, "invalid envelope must not reach handlers")
	case <-time.After(waitFor):
		t.Fatal("valid envelope never delivered")
	}
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	srv := testutil.NewPushServer(t, "")
	ch := setupWebSocketChannel(t, srv, fastConfig())
	ctx := context.Background()

	require.NoError(t, ch.Subscribe(ctx, "users"))
	require.NoError(t, ch.Connect(ctx, "token"))
	srv.WaitForSubscribers("users", 1)

	srv.DropConnections()

	require.Eventually(t, func() bool { return srv.Dials() == 2 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, statusOf(ch), waitFor, 5*time.Millisecond)
	srv.WaitForSubscribers("users", 1)
	assert.Len(t, srv.Frames(envelope.EventAuthenticate), 2, "reconnect reuses the stored token")
}

func TestReconnectCeiling(t *testing.T) {
	srv := testutil.NewPushServer(t, "")
	cfg := fastConfig()
	ch := setupWebSocketChannel(t, srv, cfg)

	require.NoError(t, ch.Connect(context.Background(), "token"))
	srv.SetRejecting(true)
	srv.DropConnections()

	require.Eventually(t, func() bool { return ch.Status().Status == StatusError }, waitFor, 5*time.Millisecond)
	status := ch.Status()
	assert.True(t, errors.Is(status.Err, ErrReconnectExhausted))
	assert.Equal(t, cfg.MaxReconnectAttempts, status.Attempts)

	// No timer remains armed
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1+cfg.MaxReconnectAttempts, srv.Dials())

	t.Run("manual connect recovers", func(t *testing.T) {
		srv.SetRejecting(false)
		require.NoError(t, ch.Connect(context.Background(), "token"))
		assert.True(t, ch.Connected())
	})
}

func TestDisconnectPurgesToken(t *testing.T) {
	srv := testutil.NewPushServer(t, "")
	ch := setupWebSocketChannel(t, srv, fastConfig())

	require.NoError(t, ch.Connect(context.Background(), "token"))
	ch.Disconnect()
	assert.Equal(t, StatusDisconnected, ch.Status().Status)

	require.Eventually(t, func() bool { return srv.Connections() == 0 }, waitFor, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, srv.Dials(), "no reconnect without a stored token")

	err := ch.Send(context.Background(), envelope.EventPing, nil)
	assert.True(t, errors.Is(err, ErrNotConnected))
	var connErr *ConnectionError
	assert.True(t, errors.As(err, &connErr))
}

func TestStats(t *testing.T) {
	srv := testutil.NewPushServer(t, "")
	ch := setupWebSocketChannel(t, srv, fastConfig())
	ctx := context.Background()

	require.NoError(t, ch.Subscribe(ctx, "users", "orders"))
	require.NoError(t, ch.Connect(ctx, "token"))
	srv.WaitForSubscribers("orders", 1)

	stats, err := ch.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ConnectedClients)
	assert.Equal(t, int64(1), stats.Subscribers["users"])
	assert.Equal(t, int64(1), stats.Subscribers["orders"])
}

func TestUserIDFromJWT(t *testing.T) {
	srv := testutil.NewPushServer(t, "")
	ch := setupWebSocketChannel(t, srv, fastConfig())

	token := signToken(t, jwt.MapClaims{"sub": "alice"})
	require.NoError(t, ch.Connect(context.Background(), token))
	assert.Equal(t, "alice", ch.UserID())
	assert.NotEmpty(t, ch.SessionID())
}

func TestClosedChannel(t *testing.T) {
	srv := testutil.NewPushServer(t, "")
	ch := setupWebSocketChannel(t, srv, fastConfig())

	require.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Connect(context.Background(), "token"), ErrClosed)
	assert.NoError(t, ch.Close(), "close is idempotent")
}

func newIdleChannel(t *testing.T) *Channel {
	t.Helper()
	ch, err := NewChannel(Options{Dialer: &WebSocketDialer{URL: "ws://127.0.0.1:1/ws"}})
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestStatusListenersNeverGoBackwards(t *testing.T) {
	ch := newIdleChannel(t)

	var seen []Status
	ch.OnStatus(func(s StatusInfo) { seen = append(seen, s.Status) })

	// A connection drop whose notification is still in flight when the quick
	// reconnect announces itself.
	ch.mu.Lock()
	lost := ch.setStatusLocked(StatusReconnecting, errors.New("connection reset"))
	restored := ch.setStatusLocked(StatusConnected, nil)
	ch.mu.Unlock()

	restored()
	lost()
	assert.Equal(t, []Status{StatusConnected}, seen, "late reconnecting is dropped")
	assert.Equal(t, StatusConnected, ch.Status().Status)
}

func TestStatusChangeFromListenerIsQueued(t *testing.T) {
	ch := newIdleChannel(t)

	var seen []Status
	ch.OnStatus(func(s StatusInfo) {
		seen = append(seen, s.Status)
		if s.Status == StatusConnecting {
			ch.mu.Lock()
			next := ch.setStatusLocked(StatusConnected, nil)
			ch.mu.Unlock()
			next()
			assert.Equal(t, []Status{StatusConnecting}, seen, "delivered after this listener returns")
		}
	})

	ch.mu.Lock()
	connecting := ch.setStatusLocked(StatusConnecting, nil)
	ch.mu.Unlock()
	connecting()

	assert.Equal(t, []Status{StatusConnecting, StatusConnected}, seen)
}
