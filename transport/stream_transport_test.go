package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testListener binds an ephemeral loopback listener and hands accepted
// connections to the test over a channel.
func testListener(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	conns := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conns <- conn
	}()

	return ln.Addr().String(), conns
}

func acceptConn(t *testing.T, conns <-chan net.Conn) net.Conn {
	t.Helper()

	select {
	case conn := <-conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the server side connection")
		return nil
	}
}

func TestDialStream_ReadBytes(t *testing.T) {
	addr, conns := testListener(t)

	tr, err := DialStream(addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	server := acceptConn(t, conns)
	_, err = server.Write([]byte("hello"))
	require.NoError(t, err)

	var buf ReadBuffer
	n, trace, err := tr.ReadBytes(&buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), buf.Bytes())
	assert.False(t, trace.RecvAt.IsZero())
}

func TestDialStream_ConnectionRefused(t *testing.T) {
	_, err := DialStream("127.0.0.1:1")
	assert.Error(t, err)
}

func TestStreamTransport_ReadBytes_EOF(t *testing.T) {
	addr, conns := testListener(t)

	tr, err := DialStream(addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	server := acceptConn(t, conns)
	require.NoError(t, server.Close())

	var buf ReadBuffer
	_, _, err = tr.ReadBytes(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamTransport_WriteAll(t *testing.T) {
	addr, conns := testListener(t)

	tr, err := DialStream(addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	server := acceptConn(t, conns)
	require.NoError(t, tr.WriteAll([]byte("abc")))
	require.NoError(t, tr.Flush())

	got := make([]byte, 3)
	_, err = io.ReadFull(server, got)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}

func TestStreamTransport_TryWrite(t *testing.T) {
	addr, conns := testListener(t)

	tr, err := DialStream(addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	server := acceptConn(t, conns)

	n, err := tr.TryWrite([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	got := make([]byte, 4)
	_, err = io.ReadFull(server, got)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), got)
}

func TestStreamTransport_TryWrite_DeadlineFallback(t *testing.T) {
	// net.Pipe has no syscall access and no internal buffering, so with no
	// reader the fallback path must surface a would-block condition
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	tr := NewStreamTransport(client)

	n, err := tr.TryWrite([]byte("x"))
	assert.Equal(t, 0, n)
	assert.True(t, IsWouldBlock(err))
}

func TestStreamTransport_NonTCPWriteAll(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	tr := NewStreamTransport(client)

	done := make(chan []byte, 1)
	go func() {
		got := make([]byte, 5)
		if _, err := io.ReadFull(server, got); err == nil {
			done <- got
		}
	}()

	require.NoError(t, tr.WriteAll([]byte("hello")))

	select {
	case got := <-done:
		assert.Equal(t, []byte("hello"), got)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the piped bytes")
	}
}

func TestTrace_Elapsed(t *testing.T) {
	assert.Equal(t, time.Duration(0), Trace{}.Elapsed())

	trace := NewTrace()
	assert.False(t, trace.RecvAt.IsZero())
	assert.GreaterOrEqual(t, trace.Elapsed(), time.Duration(0))
}

func TestIsWouldBlock(t *testing.T) {
	assert.False(t, IsWouldBlock(nil))
	assert.True(t, IsWouldBlock(syscall.EAGAIN))
	assert.True(t, IsWouldBlock(syscall.EWOULDBLOCK))
	assert.True(t, IsWouldBlock(os.ErrDeadlineExceeded))
	assert.True(t, IsWouldBlock(fmt.Errorf("wrapped: %w", os.ErrDeadlineExceeded)))
	assert.False(t, IsWouldBlock(io.EOF))
	assert.False(t, IsWouldBlock(errors.New("other")))
}
