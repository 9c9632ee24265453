package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/tether/pkg/envelope"
	"github.com/dyluth/tether/pkg/router"
	"github.com/dyluth/tether/pkg/transport"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var errBoom = errors.New("boom")

// fakeGateway is an in-memory server. Failures are scripted per operation type:
// a positive count fails that many calls, a negative count fails every call.
type fakeGateway struct {
	mu       sync.Mutex
	records  map[string]Record
	order    []string
	seq      int
	calls    map[OpType]int
	fetches  int
	fail     map[OpType]int
	gate     map[OpType]chan struct{}
	started  map[OpType]chan struct{}
	corrIDs  []string
	received []Record
	updates  []Fields
}

func newFakeGateway(seed ...Record) *fakeGateway {
	g := &fakeGateway{
		records: make(map[string]Record),
		calls:   make(map[OpType]int),
		fail:    make(map[OpType]int),
		gate:    make(map[OpType]chan struct{}),
		started: make(map[OpType]chan struct{}, 3),
	}
	for _, r := range seed {
		id := idString(r["id"])
		g.records[id] = r
		g.order = append(g.order, id)
		g.seq++
	}
	return g
}

// hold makes calls of type t block until the returned func is called.
func (g *fakeGateway) hold(t OpType) func() {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := make(chan struct{})
	g.gate[t] = ch
	g.started[t] = make(chan struct{}, 16)
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (g *fakeGateway) failNext(t OpType, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail[t] = n
}

// enter records a call and waits on any gate for its type.
func (g *fakeGateway) enter(ctx context.Context, t OpType) error {
	g.mu.Lock()
	g.calls[t]++
	g.corrIDs = append(g.corrIDs, CorrelationIDFromContext(ctx))
	gate := g.gate[t]
	started := g.started[t]
	g.mu.Unlock()

	if gate != nil {
		started <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	switch n := g.fail[t]; {
	case n < 0:
		return errBoom
	case n > 0:
		g.fail[t] = n - 1
		return errBoom
	}
	return nil
}

// waitStarted blocks until a held call of type t has been entered.
func (g *fakeGateway) waitStarted(t *testing.T, op OpType) {
	t.Helper()
	g.mu.Lock()
	ch := g.started[op]
	g.mu.Unlock()
	require.NotNil(t, ch, "no hold on %s", op)
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatalf("%s call never started", op)
	}
}

func (g *fakeGateway) FetchAll(ctx context.Context) ([]Record, error) {
	g.mu.Lock()
	g.fetches++
	g.mu.Unlock()
	if err := g.enter(ctx, "fetch"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Record, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, cloneRecord(g.records[id]))
	}
	return out, nil
}

func (g *fakeGateway) Create(ctx context.Context, entity Record) (Record, error) {
	if err := g.enter(ctx, OpCreate); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.received = append(g.received, cloneRecord(entity))
	g.seq++
	id := fmt.Sprintf("%d", g.seq)
	rec := cloneRecord(entity)
	rec["id"] = id
	g.records[id] = rec
	g.order = append(g.order, id)
	return cloneRecord(rec), nil
}

func (g *fakeGateway) Update(ctx context.Context, id string, changes Fields) (Record, error) {
	if err := g.enter(ctx, OpUpdate); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updates = append(g.updates, changes.Clone())
	rec, ok := g.records[id]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	for k, v := range changes {
		rec[k] = v
	}
	return cloneRecord(rec), nil
}

func (g *fakeGateway) Delete(ctx context.Context, id string) error {
	if err := g.enter(ctx, OpDelete); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.records, id)
	for i, v := range g.order {
		if v == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	return nil
}

func (g *fakeGateway) callCount(t OpType) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[t]
}

func (g *fakeGateway) fetchCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fetches
}

func (g *fakeGateway) lastCorrelationID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.corrIDs) == 0 {
		return ""
	}
	return g.corrIDs[len(g.corrIDs)-1]
}

func (g *fakeGateway) record(id string) (Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.records[id]
	return cloneRecord(r), ok
}

func cloneRecord(r Record) Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// fakeTransport stands in for a transport.Channel whose status tests flip by hand.
type fakeTransport struct {
	router *router.Router

	mu        sync.Mutex
	connected bool
	listeners []func(transport.StatusInfo)
}

func newFakeTransport(connected bool) *fakeTransport {
	return &fakeTransport{router: router.New(nil), connected: connected}
}

func (f *fakeTransport) Router() *router.Router { return f.router }

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) OnStatus(fn func(transport.StatusInfo)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
	return func() {}
}

func (f *fakeTransport) set(connected bool) {
	f.mu.Lock()
	f.connected = connected
	listeners := append([]func(transport.StatusInfo){}, f.listeners...)
	f.mu.Unlock()

	info := transport.StatusInfo{Status: transport.StatusReconnecting, Since: time.Now()}
	if connected {
		info.Status = transport.StatusConnected
	}
	for _, fn := range listeners {
		fn(info)
	}
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.RetryDelay = time.Millisecond
	cfg.MaxRetryDelay = 5 * time.Millisecond
	cfg.RequestTimeout = waitFor
	return &cfg
}

type engineOption func(*Options[Record])

func withConfig(fn func(*Config)) engineOption {
	return func(o *Options[Record]) { fn(o.Config) }
}

func withTransport(tr Transport) engineOption {
	return func(o *Options[Record]) { o.Transport = tr }
}

func setupEngine(t *testing.T, gw *fakeGateway, opts ...engineOption) *Engine[Record] {
	t.Helper()
	o := Options[Record]{
		Feature: "users",
		Entity:  "user",
		Gateway: gw,
		SelfID:  "alice",
		Config:  testConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	e, err := New(o)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// seededEngine returns an engine synced with a gateway holding records.
func seededEngine(t *testing.T, records []Record, opts ...engineOption) (*Engine[Record], *fakeGateway) {
	t.Helper()
	gw := newFakeGateway(records...)
	e := setupEngine(t, gw, opts...)
	require.NoError(t, e.SyncWithServer(context.Background()))
	return e, gw
}

func push(t *testing.T, action envelope.Action, data any, requestID string) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New("users", "user", action, data, "bob", "session-b", requestID)
	require.NoError(t, err)
	return env
}

func wait(t *testing.T, r *Result[Record]) (Record, error) {
	t.Helper()
	require.NotNil(t, r)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	v, err := r.Wait(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "result never settled")
	return v, err
}

func ids(e *Engine[Record]) []string {
	var out []string
	for _, r := range e.Local() {
		out = append(out, idString(r["id"]))
	}
	return out
}

func sortedIDs(e *Engine[Record]) []string {
	out := ids(e)
	sort.Strings(out)
	return out
}
