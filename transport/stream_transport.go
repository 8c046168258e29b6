package transport

import (
	"fmt"
	"net"
	"runtime"
	"time"

	"golang.org/x/sys/unix"
)

// defaultDialTimeout bounds how long a connection attempt may take.
const defaultDialTimeout = 10 * time.Second

// streamScratchSize is the per-read scratch buffer for inline reads.
const streamScratchSize = DefaultBufferCapacity

// StreamTransport is the cooperative transport: reads and writes happen
// inline on the caller's goroutine with no cross-goroutine hand-off. Each
// read is tagged with a trace captured at the moment of the call, making it
// the precise variant when a dedicated reader goroutine is not warranted.
type StreamTransport struct {
	conn    net.Conn
	tcp     *net.TCPConn // non-nil when the connection supports raw syscall access
	scratch []byte
}

// DialStream connects a StreamTransport to addr ("host:port") with TCP
// no-delay enabled.
//
// Parameters:
//   - addr: The remote address to connect to
//
// Returns:
//   - A connected StreamTransport, or an error if the dial fails
func DialStream(addr string) (*StreamTransport, error) {
	dialer := net.Dialer{Timeout: defaultDialTimeout}

	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("stream transport dial %s: %w", addr, err)
	}

	tcp := conn.(*net.TCPConn)
	if err := tcp.SetNoDelay(true); err != nil {
		_ = tcp.Close()
		return nil, fmt.Errorf("stream transport set nodelay: %w", err)
	}

	return NewStreamTransport(conn), nil
}

// NewStreamTransport wraps an already-established connection. The caller is
// responsible for socket options such as no-delay; DialStream sets them for
// plain TCP connections.
//
// Parameters:
//   - conn: The established connection to wrap
//
// Returns:
//   - A StreamTransport reading and writing on conn
func NewStreamTransport(conn net.Conn) *StreamTransport {
	tcp, _ := conn.(*net.TCPConn)
	return &StreamTransport{
		conn:    conn,
		tcp:     tcp,
		scratch: make([]byte, streamScratchSize),
	}
}

// ReadBytes performs one inline read and appends the received bytes to buf.
// The trace is captured at the moment of the call. Blocks until data
// arrives, the peer closes (io.EOF), or the connection fails.
func (t *StreamTransport) ReadBytes(buf *ReadBuffer) (int, Trace, error) {
	trace := NewTrace()

	n, err := t.conn.Read(t.scratch)
	if n > 0 {
		buf.Write(t.scratch[:n])
	}
	if err != nil {
		return n, trace, err
	}

	return n, trace, nil
}

// Write sends p, blocking until the whole buffer is written.
func (t *StreamTransport) Write(p []byte) error {
	return t.WriteAll(p)
}

// WriteAll sends p, yielding the scheduler between attempts when the socket
// reports would-block and failing with ErrWriteZero on a zero-byte write.
func (t *StreamTransport) WriteAll(p []byte) error {
	return writeAll(t.conn, p)
}

// TryWrite attempts a single non-blocking write. On a raw TCP connection it
// uses a direct syscall so it never suspends; otherwise it falls back to an
// already-expired write deadline, which surfaces as a would-block error.
func (t *StreamTransport) TryWrite(p []byte) (int, error) {
	if t.tcp != nil {
		return tryWriteRaw(t.tcp, p)
	}

	return tryWriteDeadline(t.conn, p)
}

// Flush is a no-op: the transport holds no user-space write buffer.
func (t *StreamTransport) Flush() error {
	return nil
}

// Close closes the underlying connection.
func (t *StreamTransport) Close() error {
	return t.conn.Close()
}

// writeAll writes p to conn in a loop. The Go runtime already parks the
// goroutine on a full socket, but deadline-based would-block errors from
// wrapped connections are retried here with a scheduler yield so callers
// never see a partial write.
func writeAll(conn net.Conn, p []byte) error {
	for len(p) > 0 {
		n, err := conn.Write(p)
		if n > 0 {
			p = p[n:]
			continue
		}

		switch {
		case IsWouldBlock(err):
			runtime.Gosched()
		case err != nil:
			return err
		default:
			return ErrWriteZero
		}
	}

	return nil
}

// tryWriteRaw performs one non-blocking write syscall on the connection's
// file descriptor. The callback returns true immediately so the runtime
// never parks the goroutine waiting for writability.
func tryWriteRaw(tcp *net.TCPConn, p []byte) (int, error) {
	rc, err := tcp.SyscallConn()
	if err != nil {
		return 0, err
	}

	var n int
	var werr error
	cerr := rc.Write(func(fd uintptr) bool {
		n, werr = unix.Write(int(fd), p)
		if n < 0 {
			n = 0
		}
		return true
	})
	if cerr != nil {
		return 0, cerr
	}

	return n, werr
}

// tryWriteDeadline emulates a non-blocking write for connections without
// syscall access by writing under an already-expired deadline.
func tryWriteDeadline(conn net.Conn, p []byte) (int, error) {
	if err := conn.SetWriteDeadline(time.Now()); err != nil {
		return 0, err
	}
	defer func() {
		_ = conn.SetWriteDeadline(time.Time{})
	}()

	return conn.Write(p)
}
