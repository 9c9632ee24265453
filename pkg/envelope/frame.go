package envelope

import (
	"encoding/json"
	"fmt"
)

// Frame is the unit exchanged on the push connection. Envelopes travel inside
// frames whose Event is EventFeature; everything else is a control message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   string          `json:"ack,omitempty"` // Set on requests that expect a reply, echoed by the reply
}

// Client → server events.
const (
	EventAuthenticate        = "authenticate"
	EventSubscribeFeatures   = "subscribe:features"
	EventUnsubscribeFeatures = "unsubscribe:features"
	EventPing                = "ping"
	EventGetStats            = "get_stats"
	EventLockRequest         = "lock:request"
	EventLockRelease         = "lock:release"
)

// Server → client events.
const (
	EventConnectionEstablished = "connection:established"
	EventSubscribeConfirmed    = "subscribe:confirmed"
	EventUnsubscribeConfirmed  = "unsubscribe:confirmed"
	EventAuthenticated         = "auth:authenticated"
	EventAuthError             = "auth:error"
	EventDisconnectNotice      = "disconnect_notice"
	EventPong                  = "pong"
)

// EventFeature carries an Envelope in either direction.
const EventFeature = "feature:event"

// AuthRequest is the payload of EventAuthenticate.
type AuthRequest struct {
	Token string `json:"token"`
}

// AuthErrorPayload is the payload of EventAuthError.
type AuthErrorPayload struct {
	Error string `json:"error"`
}

// SubscribeRequest is the payload of EventSubscribeFeatures.
type SubscribeRequest struct {
	Features  []string `json:"features"`
	UserID    string   `json:"userId,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
}

// FeaturesPayload is the payload of EventUnsubscribeFeatures and of the confirmations.
type FeaturesPayload struct {
	Features []string `json:"features"`
}

// Stats is the reply to EventGetStats.
type Stats struct {
	ConnectedClients int              `json:"connectedClients,omitempty"`
	Subscribers      map[string]int64 `json:"subscribers,omitempty"` // feature → subscriber count
	ServerTime       string           `json:"serverTime,omitempty"`
}

// NewFrame encodes payload into a frame. A nil payload produces a frame without data.
func NewFrame(event string, payload any) (Frame, error) {
	f := Frame{Event: event}
	if payload == nil {
		return f, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		f.Data = raw
		return f, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	f.Data = raw
	return f, nil
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("frame %s has no data", f.Event)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", f.Event, err)
	}
	return nil
}
