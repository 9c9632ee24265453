package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dyluth/tether/pkg/envelope"
	"github.com/dyluth/tether/pkg/router"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config tunes connection lifecycle behaviour. Zero values are replaced by defaults.
type Config struct {
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	HandshakeTimeout     time.Duration
	RequestTimeout       time.Duration // Bounds acked requests such as Stats
	PingInterval         time.Duration // Zero disables heartbeats
}

// DefaultConfig returns the lifecycle defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 5,
		HandshakeTimeout:     10 * time.Second,
		RequestTimeout:       10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = d.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = d.ReconnectMaxDelay
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		c.ReconnectMaxDelay = c.ReconnectBaseDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	return c
}

// ConnectOption adjusts a single Connect call.
type ConnectOption func(*connectOptions)

type connectOptions struct {
	force bool
}

// WithForce tears down any current connection and dials again.
func WithForce() ConnectOption {
	return func(o *connectOptions) { o.force = true }
}

// Channel is the single authenticated push connection shared by every engine and
// form in a process. It reconnects with exponential backoff after connection loss,
// re-subscribes recorded features, and hands validated envelopes to its Router.
//
// A Channel is safe for concurrent use.
type Channel struct {
	dialer    Dialer
	cfg       Config
	logger    *zap.Logger
	router    *router.Router
	validator *envelope.Validator
	sessionID string

	mu         sync.Mutex
	status     StatusInfo
	token      string
	userID     string
	conn       Conn
	connCancel context.CancelFunc
	generation uint64
	features   map[string]struct{}
	timer      *time.Timer
	backoff    *backoff.ExponentialBackOff
	attempts   int
	acks       map[string]chan envelope.Frame
	listeners  map[int]func(StatusInfo)
	nextID     int
	statusSeq  uint64
	closed     bool

	notifyMu  sync.Mutex
	notices   []statusNotice
	draining  bool
	delivered uint64

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// Options configures a Channel.
type Options struct {
	Dialer Dialer
	Config Config
	Logger *zap.Logger    // Optional, defaults to a no-op logger
	Router *router.Router // Optional, a fresh router is created when nil
}

// NewChannel creates a disconnected channel.
func NewChannel(opts Options) (*Channel, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("channel requires a dialer")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := opts.Router
	if r == nil {
		r = router.New(logger)
	}

	validator, err := envelope.NewValidator()
	if err != nil {
		return nil, err
	}

	cfg := opts.Config.withDefaults()
	return &Channel{
		dialer:    opts.Dialer,
		cfg:       cfg,
		logger:    logger.Named("transport"),
		router:    r,
		validator: validator,
		sessionID: uuid.New().String(),
		status:    StatusInfo{Status: StatusDisconnected, Since: time.Now()},
		features:  make(map[string]struct{}),
		backoff:   newReconnectBackOff(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay),
		acks:      make(map[string]chan envelope.Frame),
		listeners: make(map[int]func(StatusInfo)),
	}, nil
}

// Router returns the router inbound envelopes are dispatched to.
func (c *Channel) Router() *router.Router {
	return c.router
}

// SessionID identifies this channel instance in outgoing metadata.
func (c *Channel) SessionID() string {
	return c.sessionID
}

// UserID returns the user id read from the current token, if any.
func (c *Channel) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Status returns the current status snapshot.
func (c *Channel) Status() StatusInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connected reports whether the channel is authenticated and usable.
func (c *Channel) Connected() bool {
	return c.Status().Connected()
}

// OnStatus registers fn for every status transition. The returned func unregisters it.
func (c *Channel) OnStatus(fn func(StatusInfo)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// OnMessage registers a handler for every envelope of a feature.
func (c *Channel) OnMessage(feature string, h router.Handler) *router.Subscription {
	return c.router.OnFeature(feature, h)
}

// Connect dials, performs the handshake and authenticates with token. While already
// connected or connecting it does nothing unless WithForce is given.
func (c *Channel) Connect(ctx context.Context, token string, opts ...ConnectOption) error {
	var o connectOptions
	for _, opt := range opts {
		opt(&o)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !o.force && (c.status.Status == StatusConnected || c.status.Status == StatusConnecting) {
		c.mu.Unlock()
		return nil
	}
	old := c.detachLocked()
	c.stopTimerLocked()
	c.attempts = 0
	c.backoff.Reset()
	notify := c.setStatusLocked(StatusConnecting, nil)
	c.mu.Unlock()

	closeConn(old)
	notify()

	err := c.establish(ctx, token)
	if err == nil {
		return nil
	}

	c.mu.Lock()
	if errors.Is(err, ErrAuth) {
		c.token = ""
	}
	notify = c.setStatusLocked(StatusError, err)
	c.mu.Unlock()
	notify()
	return err
}

// Disconnect closes the connection, purges the stored token and cancels any
// pending reconnect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.stopTimerLocked()
	c.token = ""
	c.attempts = 0
	old := c.detachLocked()
	notify := func() {}
	if c.status.Status != StatusDisconnected {
		notify = c.setStatusLocked(StatusDisconnected, nil)
	}
	c.mu.Unlock()

	notify()
	closeConn(old)
}

// Close disconnects and releases every router subscription. The channel cannot be
// reused afterwards.
func (c *Channel) Close() error {
	c.Disconnect()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.router.Close()
	c.wg.Wait()
	return nil
}

// Subscribe records features and, when connected, asks the server for them.
// Recorded features are re-subscribed after every reconnect.
func (c *Channel) Subscribe(ctx context.Context, features ...string) error {
	if len(features) == 0 {
		return nil
	}
	c.mu.Lock()
	for _, f := range features {
		c.features[f] = struct{}{}
	}
	connected := c.status.Status == StatusConnected
	userID := c.userID
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.Send(ctx, envelope.EventSubscribeFeatures, envelope.SubscribeRequest{
		Features:  features,
		UserID:    userID,
		SessionID: c.sessionID,
	})
}

// Unsubscribe forgets features and tells the server when connected.
func (c *Channel) Unsubscribe(ctx context.Context, features ...string) error {
	if len(features) == 0 {
		return nil
	}
	c.mu.Lock()
	for _, f := range features {
		delete(c.features, f)
	}
	connected := c.status.Status == StatusConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.Send(ctx, envelope.EventUnsubscribeFeatures, envelope.FeaturesPayload{Features: features})
}

// Features returns the recorded feature subscriptions, sorted.
func (c *Channel) Features() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.featuresLocked()
}

// Send writes a control frame or an envelope (EventFeature) to the server.
func (c *Channel) Send(ctx context.Context, event string, payload any) error {
	f, err := envelope.NewFrame(event, payload)
	if err != nil {
		return err
	}
	return c.sendFrame(ctx, f)
}

// Publish sends an envelope originated by this client.
func (c *Channel) Publish(ctx context.Context, env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("refusing to publish invalid envelope: %w", err)
	}
	return c.Send(ctx, envelope.EventFeature, env)
}

// Request sends a frame with a fresh ack id and waits for the acked reply.
func (c *Channel) Request(ctx context.Context, event string, payload any) (envelope.Frame, error) {
	f, err := envelope.NewFrame(event, payload)
	if err != nil {
		return envelope.Frame{}, err
	}
	f.Ack = uuid.New().String()

	reply := make(chan envelope.Frame, 1)
	c.mu.Lock()
	c.acks[f.Ack] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.acks, f.Ack)
		c.mu.Unlock()
	}()

	if err := c.sendFrame(ctx, f); err != nil {
		return envelope.Frame{}, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case r := <-reply:
		return r, nil
	case <-timer.C:
		return envelope.Frame{}, &ConnectionError{Op: event, Err: context.DeadlineExceeded}
	case <-ctx.Done():
		return envelope.Frame{}, ctx.Err()
	}
}

// Stats asks the server for subscription statistics.
func (c *Channel) Stats(ctx context.Context) (*envelope.Stats, error) {
	reply, err := c.Request(ctx, envelope.EventGetStats, nil)
	if err != nil {
		return nil, err
	}
	var stats envelope.Stats
	if len(reply.Data) == 0 {
		return &stats, nil
	}
	if err := reply.Decode(&stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Ping sends a ping frame. The pong is handled by the reader.
func (c *Channel) Ping(ctx context.Context) error {
	return c.Send(ctx, envelope.EventPing, nil)
}

func (c *Channel) sendFrame(ctx context.Context, f envelope.Frame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &ConnectionError{Op: "send", Err: ErrNotConnected}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.Send(ctx, f); err != nil {
		return &ConnectionError{Op: "send", Err: err}
	}
	return nil
}

// establish dials and authenticates. On success the connection is installed, the
// token stored and recorded features re-subscribed.
func (c *Channel) establish(ctx context.Context, token string) error {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := c.dialer.Dial(hctx, token)
	if err != nil {
		if errors.Is(err, ErrAuth) {
			return err
		}
		return &ConnectionError{Op: "dial", Err: err}
	}

	if err := c.handshake(hctx, conn, token); err != nil {
		closeConn(conn)
		return err
	}

	c.mu.Lock()
	if c.closed || c.status.Status == StatusDisconnected {
		// Disconnected while the handshake was in flight
		c.mu.Unlock()
		closeConn(conn)
		return &ConnectionError{Op: "handshake", Err: ErrClosed}
	}
	stale := c.detachLocked()
	gen := c.generation
	connCtx, connCancel := context.WithCancel(context.Background())
	c.conn = conn
	c.connCancel = connCancel
	c.token = token
	c.userID = userIDFromToken(token)
	c.attempts = 0
	c.backoff.Reset()
	features := c.featuresLocked()
	userID := c.userID
	notify := c.setStatusLocked(StatusConnected, nil)
	c.wg.Add(1)
	c.mu.Unlock()

	closeConn(stale)
	go c.readLoop(connCtx, conn, gen)
	if c.cfg.PingInterval > 0 {
		c.wg.Add(1)
		go c.heartbeat(connCtx)
	}

	c.logger.Info("push channel connected",
		zap.String("session_id", c.sessionID),
		zap.String("user_id", userID),
		zap.Int("features", len(features)))

	if len(features) > 0 {
		if err := c.Send(ctx, envelope.EventSubscribeFeatures, envelope.SubscribeRequest{
			Features:  features,
			UserID:    userID,
			SessionID: c.sessionID,
		}); err != nil {
			c.logger.Warn("failed to re-subscribe features", zap.Error(err))
		}
	}

	notify()
	return nil
}

// handshake waits for the server greeting, authenticates and waits for the verdict.
func (c *Channel) handshake(ctx context.Context, conn Conn, token string) error {
	if err := awaitEvent(ctx, conn, envelope.EventConnectionEstablished); err != nil {
		return &ConnectionError{Op: "handshake", Err: err}
	}

	f, err := envelope.NewFrame(envelope.EventAuthenticate, envelope.AuthRequest{Token: token})
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, f); err != nil {
		return &ConnectionError{Op: "handshake", Err: err}
	}

	for {
		reply, err := conn.Receive(ctx)
		if err != nil {
			return &ConnectionError{Op: "handshake", Err: err}
		}
		switch reply.Event {
		case envelope.EventAuthenticated:
			return nil
		case envelope.EventAuthError:
			var p envelope.AuthErrorPayload
			_ = reply.Decode(&p)
			return &AuthError{Reason: p.Error}
		}
	}
}

func awaitEvent(ctx context.Context, conn Conn, event string) error {
	for {
		f, err := conn.Receive(ctx)
		if err != nil {
			return err
		}
		if f.Event == event {
			return nil
		}
	}
}

// readLoop delivers frames from one connection until it fails or is replaced.
func (c *Channel) readLoop(ctx context.Context, conn Conn, gen uint64) {
	defer c.wg.Done()
	for {
		f, err := conn.Receive(ctx)
		if err != nil {
			c.connectionLost(gen, err)
			return
		}
		c.handleFrame(gen, f)
	}
}

func (c *Channel) heartbeat(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Ping(ctx); err != nil {
				c.logger.Debug("heartbeat ping failed", zap.Error(err))
			}
		}
	}
}

func (c *Channel) handleFrame(gen uint64, f envelope.Frame) {
	if f.Ack != "" {
		c.mu.Lock()
		reply, ok := c.acks[f.Ack]
		c.mu.Unlock()
		if ok {
			select {
			case reply <- f:
			default:
			}
			return
		}
	}

	switch f.Event {
	case envelope.EventFeature:
		env, err := c.validator.Decode(f.Data)
		if err != nil {
			c.logger.Warn("dropping invalid envelope", zap.Error(err))
			return
		}
		c.router.Dispatch(env)

	case envelope.EventSubscribeConfirmed, envelope.EventUnsubscribeConfirmed:
		var p envelope.FeaturesPayload
		_ = f.Decode(&p)
		c.logger.Debug(f.Event, zap.Strings("features", p.Features))

	case envelope.EventDisconnectNotice:
		c.logger.Info("server announced disconnect")

	case envelope.EventAuthError:
		// Token revoked mid-session
		var p envelope.AuthErrorPayload
		_ = f.Decode(&p)
		c.authRevoked(gen, &AuthError{Reason: p.Error})

	case envelope.EventPong:

	default:
		c.logger.Debug("ignoring frame", zap.String("event", f.Event))
	}
}

func (c *Channel) authRevoked(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.token = ""
	c.stopTimerLocked()
	old := c.detachLocked()
	notify := c.setStatusLocked(StatusError, err)
	c.mu.Unlock()

	c.logger.Warn("authentication revoked", zap.Error(err))
	notify()
	closeConn(old)
}

// connectionLost moves to reconnecting when a stored token permits it.
func (c *Channel) connectionLost(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.generation || c.closed || c.conn == nil {
		// Replaced, disconnected or closed on purpose
		c.mu.Unlock()
		return
	}
	old := c.detachLocked()
	lost := &ConnectionError{Op: "receive", Err: cause}

	var notify func()
	if c.token == "" {
		notify = c.setStatusLocked(StatusDisconnected, lost)
	} else {
		notify = c.setStatusLocked(StatusReconnecting, lost)
		if exhausted := c.scheduleReconnectLocked(); exhausted != nil {
			notify = chain(notify, exhausted)
		}
	}
	c.mu.Unlock()

	c.logger.Warn("push connection lost", zap.Error(cause))
	notify()
	closeConn(old)
}

// scheduleReconnectLocked arms the single reconnect timer, or moves to StatusError
// once the attempt budget is spent (returning that notification).
func (c *Channel) scheduleReconnectLocked() func() {
	if c.timer != nil {
		return nil
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		return c.setStatusLocked(StatusError, ErrReconnectExhausted)
	}
	delay := c.backoff.NextBackOff()
	c.attempts++
	c.status.Attempts = c.attempts
	c.logger.Debug("scheduling reconnect",
		zap.Int("attempt", c.attempts),
		zap.Duration("delay", delay))
	c.timer = time.AfterFunc(delay, c.reconnect)
	return nil
}

func (c *Channel) reconnect() {
	c.mu.Lock()
	c.timer = nil
	if c.closed || c.token == "" || c.status.Status != StatusReconnecting {
		c.mu.Unlock()
		return
	}
	token := c.token
	c.mu.Unlock()

	err := c.establish(context.Background(), token)
	if err == nil {
		return
	}

	c.mu.Lock()
	if c.closed || c.status.Status != StatusReconnecting {
		c.mu.Unlock()
		return
	}
	var notify func()
	if errors.Is(err, ErrAuth) {
		c.token = ""
		notify = c.setStatusLocked(StatusError, err)
	} else {
		c.status.Err = err
		notify = c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	c.logger.Debug("reconnect failed", zap.Error(err))
	if notify != nil {
		notify()
	}
}

func (c *Channel) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// detachLocked removes the current connection so that its reader exits quietly.
func (c *Channel) detachLocked() Conn {
	old := c.conn
	c.conn = nil
	c.generation++
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	return old
}

// statusNotice is one transition waiting to reach the status listeners.
type statusNotice struct {
	seq       uint64
	info      StatusInfo
	listeners []func(StatusInfo)
}

// setStatusLocked records a transition and returns the notification to run once
// the lock is released.
func (c *Channel) setStatusLocked(status Status, err error) func() {
	c.status = StatusInfo{Status: status, Since: time.Now(), Err: err, Attempts: c.attempts}
	c.statusSeq++

	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]func(StatusInfo), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, c.listeners[id])
	}

	n := statusNotice{seq: c.statusSeq, info: c.status, listeners: listeners}
	return func() { c.deliver(n) }
}

// deliver hands transitions to listeners one at a time in the order they were
// recorded. A transition that arrives after a newer one was delivered is dropped,
// so listeners never see the status go backwards. Whoever finds the queue idle
// drains it; a notification raised from inside a listener is queued and runs
// once that listener returns.
func (c *Channel) deliver(n statusNotice) {
	c.notifyMu.Lock()
	c.notices = append(c.notices, n)
	if c.draining {
		c.notifyMu.Unlock()
		return
	}
	c.draining = true
	for len(c.notices) > 0 {
		sort.Slice(c.notices, func(i, j int) bool { return c.notices[i].seq < c.notices[j].seq })
		next := c.notices[0]
		c.notices = c.notices[1:]
		if next.seq <= c.delivered {
			continue
		}
		c.delivered = next.seq
		c.notifyMu.Unlock()
		for _, fn := range next.listeners {
			fn(next.info)
		}
		c.notifyMu.Lock()
	}
	c.notices = nil
	c.draining = false
	c.notifyMu.Unlock()
}

func (c *Channel) featuresLocked() []string {
	out := make([]string, 0, len(c.features))
	for f := range c.features {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func closeConn(conn Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}

func chain(fns ...func()) func() {
	return func() {
		for _, fn := range fns {
			fn()
		}
	}
}
