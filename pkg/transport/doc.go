// Package transport maintains the authenticated push connection that delivers
// feature envelopes to the reconciliation engine.
//
// A Channel owns exactly one connection at a time. Connections are opened by a
// Dialer; two drivers are provided:
//
//   - WebSocketDialer speaks JSON frames over a websocket to a push server.
//   - RedisDialer uses Redis Pub/Sub as the broker, with locks held as keys.
//
// Lifecycle:
//
//	disconnected → connecting → connected → (loss) → reconnecting → connected
//	                                                 ↘ error (attempts exhausted or auth rejected)
//
// Reconnect delays grow exponentially from Config.ReconnectBaseDelay up to
// Config.ReconnectMaxDelay. Only one reconnect timer is ever armed. Authentication
// failures never retry automatically; call Connect with a fresh token.
//
// Inbound envelopes are validated against the wire schema and dispatched on the
// channel's Router from a single reader goroutine, so handlers observe arrival order.
package transport
