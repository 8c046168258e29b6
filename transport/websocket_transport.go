package transport

import (
	"context"
	"fmt"

	"nhooyr.io/websocket"
)

// DialWebSocket connects to a feed endpoint that tunnels the session
// protocol over a WebSocket and adapts it to stream-transport semantics.
// Each binary WebSocket message carries a run of raw protocol bytes; the
// net.Conn adapter re-exposes them as a byte stream, so framing and session
// handling work exactly as over plain TCP.
//
// Parameters:
//   - ctx: Context bounding the dial (not the connection lifetime)
//   - url: The ws:// or wss:// endpoint URL
//
// Returns:
//   - A StreamTransport carried over the WebSocket, or an error if the dial fails
func DialWebSocket(ctx context.Context, url string) (*StreamTransport, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket transport dial %s: %w", url, err)
	}

	// the connection outlives the dial context
	nc := websocket.NetConn(context.Background(), conn, websocket.MessageBinary)

	return NewStreamTransport(nc), nil
}
