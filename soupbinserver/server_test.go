package soupbinserver

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/soupbintcp/soupbin"
	"github.com/cyberinferno/soupbintcp/transport"
)

func startTestServer(t *testing.T, srv *Server) *Server {
	t.Helper()

	if srv == nil {
		srv = &Server{}
	}
	srv.Addr = "127.0.0.1:0"
	if srv.SessionID == "" {
		srv.SessionID = "DAY1"
	}
	if srv.HeartbeatInterval == 0 {
		srv.HeartbeatInterval = 50 * time.Millisecond
	}

	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	return srv
}

func dialRaw(t *testing.T, srv *Server) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", srv.BoundAddr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

// readPacket reads complete packets off conn until one that is not a server
// heartbeat arrives.
func readPacket(t *testing.T, conn net.Conn, buf *transport.ReadBuffer) (byte, []byte) {
	t.Helper()

	scratch := make([]byte, 4096)
	deadline := time.Now().Add(3 * time.Second)

	for {
		if packetType, packet, ok := soupbin.ExtractPacket(buf); ok {
			if packetType == soupbin.TypeServerHeartbeat {
				continue
			}
			return packetType, packet
		}

		require.NoError(t, conn.SetReadDeadline(deadline))
		n, err := conn.Read(scratch)
		if n > 0 {
			buf.Write(scratch[:n])
			continue
		}
		require.NoError(t, err, "connection failed while waiting for a packet")
	}
}

func login(t *testing.T, conn net.Conn, sequence string) {
	t.Helper()

	_, err := conn.Write(soupbin.EncodeLoginRequest("user1", "pass", "", sequence))
	require.NoError(t, err)
}

func TestServer_StartStop(t *testing.T) {
	srv := startTestServer(t, nil)

	assert.NotEmpty(t, srv.BoundAddr())
	assert.Error(t, srv.Start()) // already running

	srv.Stop()
	assert.Equal(t, 0, srv.SessionCount())
}

func TestServer_PublishAssignsSequences(t *testing.T) {
	srv := startTestServer(t, nil)

	assert.Equal(t, uint64(1), srv.Publish([]byte("a")))
	assert.Equal(t, uint64(2), srv.Publish([]byte("b")))
	assert.Equal(t, uint64(3), srv.Publish([]byte("c")))
	assert.Equal(t, uint64(3), srv.MessageCount())
}

func TestServer_LoginReplayAndLiveDelivery(t *testing.T) {
	srv := startTestServer(t, nil)
	srv.Publish([]byte("a"))
	srv.Publish([]byte("b"))

	conn := dialRaw(t, srv)
	login(t, conn, "2")

	var buf transport.ReadBuffer

	packetType, packet := readPacket(t, conn, &buf)
	require.Equal(t, soupbin.TypeLoginAccepted, packetType)
	parsed := soupbin.ParseServerPacket(packetType, packet[soupbin.MinHeaderSize:])
	assert.Equal(t, "DAY1", parsed.Session)
	assert.Equal(t, "1", parsed.SequenceNumber) // last sequence before the replay

	// replay starts at the requested sequence
	packetType, packet = readPacket(t, conn, &buf)
	require.Equal(t, soupbin.TypeSequencedData, packetType)
	assert.Equal(t, []byte("b"), packet[soupbin.MinHeaderSize:])

	// live publishes follow the replay
	srv.Publish([]byte("c"))
	packetType, packet = readPacket(t, conn, &buf)
	require.Equal(t, soupbin.TypeSequencedData, packetType)
	assert.Equal(t, []byte("c"), packet[soupbin.MinHeaderSize:])
}

func TestServer_LoginFromStartReplaysEverything(t *testing.T) {
	srv := startTestServer(t, nil)
	srv.Publish([]byte("a"))
	srv.Publish([]byte("b"))

	conn := dialRaw(t, srv)
	login(t, conn, "1")

	var buf transport.ReadBuffer

	packetType, packet := readPacket(t, conn, &buf)
	require.Equal(t, soupbin.TypeLoginAccepted, packetType)
	parsed := soupbin.ParseServerPacket(packetType, packet[soupbin.MinHeaderSize:])
	assert.Equal(t, "0", parsed.SequenceNumber)

	for _, want := range []string{"a", "b"} {
		packetType, packet = readPacket(t, conn, &buf)
		require.Equal(t, soupbin.TypeSequencedData, packetType)
		assert.Equal(t, []byte(want), packet[soupbin.MinHeaderSize:])
	}
}

func TestServer_AuthReject(t *testing.T) {
	srv := startTestServer(t, &Server{
		Auth: func(username, password string) bool { return username == "good" },
	})

	conn := dialRaw(t, srv)
	login(t, conn, "1") // sends user1, not authorized

	var buf transport.ReadBuffer
	packetType, packet := readPacket(t, conn, &buf)
	require.Equal(t, soupbin.TypeLoginRejected, packetType)
	parsed := soupbin.ParseServerPacket(packetType, packet[soupbin.MinHeaderSize:])
	assert.Equal(t, byte('A'), parsed.RejectReason)

	assert.Eventually(t, func() bool { return srv.SessionCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestServer_Heartbeats(t *testing.T) {
	srv := startTestServer(t, &Server{HeartbeatInterval: 20 * time.Millisecond})

	conn := dialRaw(t, srv)
	login(t, conn, "1")

	var buf transport.ReadBuffer
	scratch := make([]byte, 4096)
	deadline := time.Now().Add(3 * time.Second)

	for {
		if packetType, _, ok := soupbin.ExtractPacket(&buf); ok {
			if packetType == soupbin.TypeServerHeartbeat {
				return
			}
			continue
		}

		require.NoError(t, conn.SetReadDeadline(deadline))
		n, err := conn.Read(scratch)
		if n > 0 {
			buf.Write(scratch[:n])
			continue
		}
		require.NoError(t, err, "no heartbeat arrived in time")
	}
}

func TestServer_UnsequencedHook(t *testing.T) {
	received := make(chan []byte, 1)
	srv := startTestServer(t, &Server{
		OnUnsequenced: func(_ uint32, payload []byte) {
			select {
			case received <- payload:
			default:
			}
		},
	})

	conn := dialRaw(t, srv)
	login(t, conn, "1")

	_, err := conn.Write(soupbin.EncodeUnsequencedData([]byte("ping")))
	require.NoError(t, err)

	select {
	case payload := <-received:
		assert.Equal(t, []byte("ping"), payload)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the unsequenced payload")
	}
}

func TestServer_LogoutClosesSession(t *testing.T) {
	srv := startTestServer(t, nil)

	conn := dialRaw(t, srv)
	login(t, conn, "1")

	assert.Eventually(t, func() bool { return srv.SessionCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	_, err := conn.Write(soupbin.EncodeLogoutRequest())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return srv.SessionCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestServer_DropSessionsKeepsLog(t *testing.T) {
	srv := startTestServer(t, nil)
	srv.Publish([]byte("a"))

	conn := dialRaw(t, srv)
	login(t, conn, "1")

	assert.Eventually(t, func() bool { return srv.SessionCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	srv.DropSessions()

	assert.Eventually(t, func() bool { return srv.SessionCount() == 0 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), srv.MessageCount())
}
