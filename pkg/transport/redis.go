package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dyluth/tether/pkg/envelope"
	"github.com/redis/go-redis/v9"
)

// DefaultLockTTL bounds how long a Redis-backed lock survives a holder that vanishes.
const DefaultLockTTL = 30 * time.Second

// releaseLockScript deletes the lock key only if the caller still holds it.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisDialer uses a Redis server as the push broker. Every feature maps to a
// Pub/Sub channel under the namespace, and locks are keys guarded by SET NX.
// The token is presented as the Redis password.
type RedisDialer struct {
	Options   *redis.Options
	Namespace string
	LockTTL   time.Duration // Defaults to DefaultLockTTL
}

// Dial connects, verifies credentials with PING and opens the Pub/Sub connection.
func (d *RedisDialer) Dial(ctx context.Context, token string) (Conn, error) {
	if d.Options == nil {
		return nil, fmt.Errorf("redis dialer has no options")
	}
	if d.Namespace == "" {
		return nil, fmt.Errorf("redis dialer has no namespace")
	}

	opts := *d.Options
	if token != "" {
		opts.Password = token
	}
	rdb := redis.NewClient(&opts)

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		if isRedisAuthError(err) {
			return nil, &AuthError{Reason: err.Error()}
		}
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	lockTTL := d.LockTTL
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	c := &redisConn{
		rdb:       rdb,
		ps:        rdb.Subscribe(pumpCtx),
		namespace: d.Namespace,
		token:     token,
		lockTTL:   lockTTL,
		inbox:     make(chan envelope.Frame, 256),
		failed:    make(chan struct{}),
		closed:    make(chan struct{}),
		cancel:    cancel,
	}

	// Redis has no server greeting, so the driver synthesizes one.
	c.push(envelope.Frame{Event: envelope.EventConnectionEstablished})
	go c.pump(pumpCtx)

	return c, nil
}

type redisConn struct {
	rdb       *redis.Client
	ps        *redis.PubSub
	namespace string
	token     string
	lockTTL   time.Duration

	inbox  chan envelope.Frame
	failed chan struct{}
	closed chan struct{}
	cancel context.CancelFunc

	failOnce  sync.Once
	closeOnce sync.Once
	err       error
}

// pump converts Pub/Sub traffic into frames until the connection fails or closes.
func (c *redisConn) pump(ctx context.Context) {
	for {
		msg, err := c.ps.Receive(ctx)
		if err != nil {
			c.fail(err)
			return
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			feature, ok := envelope.FeatureFromChannel(c.namespace, m.Channel)
			if !ok {
				continue
			}
			event := envelope.EventSubscribeConfirmed
			if m.Kind == "unsubscribe" {
				event = envelope.EventUnsubscribeConfirmed
			}
			f, err := envelope.NewFrame(event, envelope.FeaturesPayload{Features: []string{feature}})
			if err != nil {
				continue
			}
			c.push(f)

		case *redis.Message:
			if _, ok := envelope.FeatureFromChannel(c.namespace, m.Channel); !ok {
				continue
			}
			c.push(envelope.Frame{Event: envelope.EventFeature, Data: json.RawMessage(m.Payload)})

		case *redis.Pong:
			c.push(envelope.Frame{Event: envelope.EventPong})
		}
	}
}

func (c *redisConn) push(f envelope.Frame) {
	select {
	case c.inbox <- f:
	case <-c.failed:
	case <-c.closed:
	}
}

func (c *redisConn) fail(err error) {
	c.failOnce.Do(func() {
		c.err = err
		close(c.failed)
	})
}

func (c *redisConn) Receive(ctx context.Context) (envelope.Frame, error) {
	// Frames already queued are delivered before a failure is reported.
	select {
	case f := <-c.inbox:
		return f, nil
	default:
	}

	select {
	case f := <-c.inbox:
		return f, nil
	case <-c.failed:
		return envelope.Frame{}, c.err
	case <-c.closed:
		return envelope.Frame{}, ErrClosed
	case <-ctx.Done():
		return envelope.Frame{}, ctx.Err()
	}
}

func (c *redisConn) Send(ctx context.Context, f envelope.Frame) error {
	switch f.Event {
	case envelope.EventAuthenticate:
		return c.authenticate(ctx, f)

	case envelope.EventSubscribeFeatures:
		var req envelope.SubscribeRequest
		if err := f.Decode(&req); err != nil {
			return err
		}
		if len(req.Features) == 0 {
			return nil
		}
		return c.ps.Subscribe(ctx, c.channels(req.Features)...)

	case envelope.EventUnsubscribeFeatures:
		var req envelope.FeaturesPayload
		if err := f.Decode(&req); err != nil {
			return err
		}
		if len(req.Features) == 0 {
			return nil
		}
		return c.ps.Unsubscribe(ctx, c.channels(req.Features)...)

	case envelope.EventPing:
		if err := c.rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		c.push(envelope.Frame{Event: envelope.EventPong, Ack: f.Ack})
		return nil

	case envelope.EventGetStats:
		return c.stats(ctx, f.Ack)

	case envelope.EventFeature:
		var env envelope.Envelope
		if err := f.Decode(&env); err != nil {
			return err
		}
		if err := env.Validate(); err != nil {
			return err
		}
		channel := envelope.FeatureChannel(c.namespace, env.Feature)
		if err := c.rdb.Publish(ctx, channel, []byte(f.Data)).Err(); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", channel, err)
		}
		return nil

	case envelope.EventLockRequest:
		return c.acquireLock(ctx, f)

	case envelope.EventLockRelease:
		return c.releaseLock(ctx, f)

	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, f.Event)
	}
}

func (c *redisConn) authenticate(ctx context.Context, f envelope.Frame) error {
	var req envelope.AuthRequest
	if err := f.Decode(&req); err != nil {
		return err
	}

	reply := envelope.Frame{Event: envelope.EventAuthenticated}
	if req.Token != c.token {
		reply, _ = envelope.NewFrame(envelope.EventAuthError, envelope.AuthErrorPayload{Error: "token does not match connection credentials"})
	} else if err := c.rdb.Ping(ctx).Err(); err != nil {
		if !isRedisAuthError(err) {
			return err
		}
		reply, _ = envelope.NewFrame(envelope.EventAuthError, envelope.AuthErrorPayload{Error: err.Error()})
	}
	c.push(reply)
	return nil
}

func (c *redisConn) stats(ctx context.Context, ack string) error {
	channels, err := c.rdb.PubSubChannels(ctx, envelope.FeatureChannel(c.namespace, "*")).Result()
	if err != nil {
		return fmt.Errorf("failed to list feature channels: %w", err)
	}

	stats := envelope.Stats{
		Subscribers: make(map[string]int64, len(channels)),
		ServerTime:  time.Now().UTC().Format(time.RFC3339),
	}
	if len(channels) > 0 {
		counts, err := c.rdb.PubSubNumSub(ctx, channels...).Result()
		if err != nil {
			return fmt.Errorf("failed to count subscribers: %w", err)
		}
		for channel, n := range counts {
			if feature, ok := envelope.FeatureFromChannel(c.namespace, channel); ok {
				stats.Subscribers[feature] = n
			}
		}
	}

	reply, err := envelope.NewFrame(envelope.EventGetStats, stats)
	if err != nil {
		return err
	}
	reply.Ack = ack
	c.push(reply)
	return nil
}

func (c *redisConn) acquireLock(ctx context.Context, f envelope.Frame) error {
	p, err := decodeLockPayload(f)
	if err != nil {
		return err
	}
	key := envelope.LockKey(c.namespace, p.Feature, p.Entity, p.EntityID)
	ttl := c.lockTTL
	if p.TTLms > 0 {
		ttl = time.Duration(p.TTLms) * time.Millisecond
	}

	ok, err := c.rdb.SetNX(ctx, key, p.HolderID, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to set lock %s: %w", key, err)
	}
	if !ok {
		holder, err := c.rdb.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to read lock %s: %w", key, err)
		}
		if holder != p.HolderID {
			// Held by someone else: no notification, the holder's lock stands
			return nil
		}
		if err := c.rdb.PExpire(ctx, key, ttl).Err(); err != nil {
			return fmt.Errorf("failed to refresh lock %s: %w", key, err)
		}
	}

	return c.publishLock(ctx, envelope.ActionLockAcquired, p)
}

func (c *redisConn) releaseLock(ctx context.Context, f envelope.Frame) error {
	p, err := decodeLockPayload(f)
	if err != nil {
		return err
	}
	key := envelope.LockKey(c.namespace, p.Feature, p.Entity, p.EntityID)

	n, err := releaseLockScript.Run(ctx, c.rdb, []string{key}, p.HolderID).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	if n == 0 {
		return nil
	}
	return c.publishLock(ctx, envelope.ActionLockReleased, p)
}

func (c *redisConn) publishLock(ctx context.Context, action envelope.Action, p envelope.LockPayload) error {
	env, err := envelope.New(p.Feature, p.Entity, action, p, p.HolderID, "", "")
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", action, err)
	}
	channel := envelope.FeatureChannel(c.namespace, p.Feature)
	if err := c.rdb.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", action, err)
	}
	return nil
}

func (c *redisConn) channels(features []string) []string {
	out := make([]string, len(features))
	for i, feature := range features {
		out[i] = envelope.FeatureChannel(c.namespace, feature)
	}
	return out
}

func (c *redisConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		psErr := c.ps.Close()
		rdbErr := c.rdb.Close()
		err = errors.Join(psErr, rdbErr)
	})
	return err
}

func decodeLockPayload(f envelope.Frame) (envelope.LockPayload, error) {
	var p envelope.LockPayload
	if err := f.Decode(&p); err != nil {
		return p, err
	}
	if p.Feature == "" || p.Entity == "" || p.EntityID == "" {
		return p, fmt.Errorf("%s requires feature, entity and entityId", f.Event)
	}
	if p.HolderID == "" {
		return p, fmt.Errorf("%s requires holderId", f.Event)
	}
	return p, nil
}

// isRedisAuthError recognizes the replies Redis gives for missing or wrong credentials.
func isRedisAuthError(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "NOAUTH") ||
		strings.HasPrefix(msg, "WRONGPASS") ||
		strings.Contains(msg, "invalid password") ||
		strings.Contains(msg, "without any password configured")
}
