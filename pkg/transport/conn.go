package transport

import (
	"context"

	"github.com/dyluth/tether/pkg/envelope"
)

// Conn is one established push connection. Receive is only called from a single
// goroutine; Send may be called concurrently with Receive.
type Conn interface {
	Send(ctx context.Context, f envelope.Frame) error
	Receive(ctx context.Context) (envelope.Frame, error)
	Close() error
}

// Dialer opens connections. The token is presented during dialing when the driver
// supports it; the channel always follows up with an authenticate frame.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}
