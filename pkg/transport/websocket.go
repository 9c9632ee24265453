package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dyluth/tether/pkg/envelope"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// maxFrameBytes bounds a single inbound frame. Bulk pushes stay well below this.
const maxFrameBytes = 4 << 20

// WebSocketDialer connects to a push server speaking JSON frames over a websocket,
// one frame per text message.
type WebSocketDialer struct {
	URL        string
	HTTPClient *http.Client // Optional
	Header     http.Header  // Optional extra headers
}

// Dial opens the websocket. The token is sent as a bearer Authorization header so
// servers that authenticate on upgrade can reject early.
func (d *WebSocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	if d.URL == "" {
		return nil, fmt.Errorf("websocket dialer has no URL")
	}

	header := http.Header{}
	for k, v := range d.Header {
		header[k] = append([]string(nil), v...)
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	c, resp, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Reason: resp.Status}
		}
		return nil, err
	}
	c.SetReadLimit(maxFrameBytes)

	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Send(ctx context.Context, f envelope.Frame) error {
	return wsjson.Write(ctx, w.c, f)
}

func (w *wsConn) Receive(ctx context.Context) (envelope.Frame, error) {
	var f envelope.Frame
	if err := wsjson.Read(ctx, w.c, &f); err != nil {
		return envelope.Frame{}, err
	}
	return f, nil
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "client closing")
}
