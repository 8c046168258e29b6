package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func TestDialWebSocket_ReadBytes(t *testing.T) {
	payload := []byte("over websocket")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		nc := websocket.NetConn(r.Context(), conn, websocket.MessageBinary)
		if _, err := nc.Write(payload); err != nil {
			return
		}

		// hold the connection open until the peer closes
		_, _ = io.Copy(io.Discard, nc)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	tr, err := DialWebSocket(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	var buf ReadBuffer
	for buf.Len() < len(payload) {
		n, trace, rerr := tr.ReadBytes(&buf)
		require.NoError(t, rerr)
		require.Positive(t, n)
		assert.False(t, trace.RecvAt.IsZero())
	}
	assert.Equal(t, payload, buf.Bytes())
}

func TestDialWebSocket_Refused(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := DialWebSocket(ctx, "ws://127.0.0.1:1")
	assert.Error(t, err)
}
