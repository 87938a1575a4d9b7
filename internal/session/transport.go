// ABOUTME: Websocket-backed Transport implementation for live sessions.
// ABOUTME: Adapts a coder/websocket connection to the session Transport interface.

package session

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// wsTransport adapts a websocket connection to the Transport interface.
type wsTransport struct {
	conn *websocket.Conn
}

// NewWebsocketTransport wraps an accepted websocket connection.
func NewWebsocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

// Read returns the next text frame. Binary frames are not part of the
// wallboard protocol and terminate the connection.
func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	typ, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		_ = t.conn.Close(websocket.StatusUnsupportedData, "text frames only")
		return nil, fmt.Errorf("unsupported frame type %v", typ)
	}
	return data, nil
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(code websocket.StatusCode, reason string) error {
	return t.conn.Close(code, reason)
}
