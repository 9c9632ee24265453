package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/tether/pkg/envelope"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// PushServer is an in-process websocket push server speaking the tether frame
// protocol. It relays client envelopes to every subscriber of the feature
// (including the sender), grants editing locks first-come, and records every
// frame it receives.
type PushServer struct {
	t      testing.TB
	srv    *httptest.Server
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	token     string
	rejecting bool
	dials     int
	conns     map[*pushConn]struct{}
	frames    []envelope.Frame
	locks     map[string]string // entityId → holderId
}

type pushConn struct {
	ws       *websocket.Conn
	cancel   context.CancelFunc
	writeMu  sync.Mutex
	features map[string]bool
}

// NewPushServer starts a push server that accepts token (any token when empty).
// It is shut down by t.Cleanup.
func NewPushServer(t testing.TB, token string) *PushServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := &PushServer{
		t:      t,
		ctx:    ctx,
		cancel: cancel,
		token:  token,
		conns:  make(map[*pushConn]struct{}),
		locks:  make(map[string]string),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// URL returns the ws:// address of the server.
func (s *PushServer) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Close drops every connection and stops the server.
func (s *PushServer) Close() {
	s.cancel()
	s.srv.Close()
	s.wg.Wait()
}

// SetRejecting makes new upgrades fail with 503 until called with false.
func (s *PushServer) SetRejecting(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejecting = reject
}

// SetToken changes the token accepted by authenticate.
func (s *PushServer) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// Dials counts upgrade attempts, including rejected ones.
func (s *PushServer) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Connections returns the number of live connections.
func (s *PushServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Subscribers returns how many connections subscribe to feature.
func (s *PushServer) Subscribers(feature string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for pc := range s.conns {
		if pc.features[feature] {
			n++
		}
	}
	return n
}

// Frames returns the frames received from clients with the given event.
func (s *PushServer) Frames(event string) []envelope.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []envelope.Frame
	for _, f := range s.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// DropConnections severs every live connection without a close handshake.
func (s *PushServer) DropConnections() {
	s.mu.Lock()
	conns := make([]*pushConn, 0, len(s.conns))
	for pc := range s.conns {
		conns = append(conns, pc)
	}
	s.mu.Unlock()

	for _, pc := range conns {
		pc.cancel()
	}
}

// Publish pushes env to every subscriber of its feature and returns how many
// connections it reached.
func (s *PushServer) Publish(env *envelope.Envelope) int {
	s.t.Helper()
	raw, err := json.Marshal(env)
	require.NoError(s.t, err)
	return s.broadcast(env.Feature, raw)
}

// WaitForSubscribers blocks until feature has n subscribers.
func (s *PushServer) WaitForSubscribers(feature string, n int) {
	s.t.Helper()
	require.Eventually(s.t, func() bool { return s.Subscribers(feature) == n },
		2*time.Second, 5*time.Millisecond, "feature %s never reached %d subscribers", feature, n)
}

func (s *PushServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.dials++
	reject := s.rejecting
	s.mu.Unlock()
	if reject {
		http.Error(w, "push server unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	pc := &pushConn{ws: ws, cancel: cancel, features: make(map[string]bool)}

	s.mu.Lock()
	s.conns[pc] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, pc)
		s.mu.Unlock()
		ws.Close(websocket.StatusGoingAway, "server closing")
	}()

	if err := pc.write(ctx, envelope.Frame{Event: envelope.EventConnectionEstablished}); err != nil {
		return
	}

	for {
		var f envelope.Frame
		if err := wsjson.Read(ctx, ws, &f); err != nil {
			return
		}
		s.mu.Lock()
		s.frames = append(s.frames, f)
		s.mu.Unlock()

		if !s.handleFrame(ctx, pc, f) {
			return
		}
	}
}

// handleFrame answers one client frame. It returns false when the connection
// should be closed.
func (s *PushServer) handleFrame(ctx context.Context, pc *pushConn, f envelope.Frame) bool {
	switch f.Event {
	case envelope.EventAuthenticate:
		var req envelope.AuthRequest
		_ = f.Decode(&req)
		s.mu.Lock()
		want := s.token
		s.mu.Unlock()
		if want != "" && req.Token != want {
			reply, _ := envelope.NewFrame(envelope.EventAuthError, envelope.AuthErrorPayload{Error: "invalid token"})
			_ = pc.write(ctx, reply)
			return false
		}
		return pc.write(ctx, envelope.Frame{Event: envelope.EventAuthenticated}) == nil

	case envelope.EventSubscribeFeatures:
		var req envelope.SubscribeRequest
		_ = f.Decode(&req)
		s.mu.Lock()
		for _, feature := range req.Features {
			pc.features[feature] = true
		}
		s.mu.Unlock()
		reply, _ := envelope.NewFrame(envelope.EventSubscribeConfirmed, envelope.FeaturesPayload{Features: req.Features})
		return pc.write(ctx, reply) == nil

	case envelope.EventUnsubscribeFeatures:
		var req envelope.FeaturesPayload
		_ = f.Decode(&req)
		s.mu.Lock()
		for _, feature := range req.Features {
			delete(pc.features, feature)
		}
		s.mu.Unlock()
		reply, _ := envelope.NewFrame(envelope.EventUnsubscribeConfirmed, req)
		return pc.write(ctx, reply) == nil

	case envelope.EventPing:
		return pc.write(ctx, envelope.Frame{Event: envelope.EventPong, Ack: f.Ack}) == nil

	case envelope.EventGetStats:
		s.mu.Lock()
		stats := envelope.Stats{
			ConnectedClients: len(s.conns),
			Subscribers:      make(map[string]int64),
			ServerTime:       time.Now().UTC().Format(time.RFC3339),
		}
		for c := range s.conns {
			for feature := range c.features {
				stats.Subscribers[feature]++
			}
		}
		s.mu.Unlock()
		reply, _ := envelope.NewFrame(envelope.EventGetStats, stats)
		reply.Ack = f.Ack
		return pc.write(ctx, reply) == nil

	case envelope.EventFeature:
		var env envelope.Envelope
		if err := f.Decode(&env); err != nil {
			return true
		}
		s.broadcast(env.Feature, f.Data)
		return true

	case envelope.EventLockRequest, envelope.EventLockRelease:
		var p envelope.LockPayload
		if err := f.Decode(&p); err != nil || p.EntityID == "" {
			return true
		}
		action := envelope.ActionLockAcquired
		s.mu.Lock()
		holder, held := s.locks[p.EntityID]
		if f.Event == envelope.EventLockRequest {
			if held && holder != p.HolderID {
				s.mu.Unlock()
				return true
			}
			s.locks[p.EntityID] = p.HolderID
		} else {
			if !held || holder != p.HolderID {
				s.mu.Unlock()
				return true
			}
			delete(s.locks, p.EntityID)
			action = envelope.ActionLockReleased
		}
		s.mu.Unlock()

		env, err := envelope.New(p.Feature, p.Entity, action, p, p.HolderID, "", "")
		if err != nil {
			return true
		}
		raw, _ := json.Marshal(env)
		s.broadcast(p.Feature, raw)
		return true
	}
	return true
}

func (s *PushServer) broadcast(feature string, raw json.RawMessage) int {
	s.mu.Lock()
	var targets []*pushConn
	for pc := range s.conns {
		if pc.features[feature] {
			targets = append(targets, pc)
		}
	}
	s.mu.Unlock()

	frame := envelope.Frame{Event: envelope.EventFeature, Data: raw}
	reached := 0
	for _, pc := range targets {
		if err := pc.write(s.ctx, frame); err == nil {
			reached++
		}
	}
	return reached
}

func (pc *pushConn) write(ctx context.Context, f envelope.Frame) error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return wsjson.Write(wctx, pc.ws, f)
}
