// Package transport provides raw byte-stream transports for length-prefixed
// session protocols. A Transport moves opaque bytes between a socket and an
// accumulation buffer; it performs no framing. Two implementations are
// provided: StreamTransport reads inline on the caller's goroutine, and
// OffloadTransport moves socket draining onto a dedicated goroutine that
// batches received bytes through an unbounded in-process queue.
package transport

import (
	"bytes"
	"errors"
	"os"
	"syscall"
	"time"
)

// ReadBuffer is the accumulation buffer type shared between transports and
// protocol clients. Transports append raw bytes to it; protocol code peeks
// at the unread portion and consumes complete packets from the front.
type ReadBuffer = bytes.Buffer

// Buffer sizing constants shared by transports and protocol clients.
const (
	// DefaultBufferCapacity is the initial accumulation buffer capacity.
	DefaultBufferCapacity = 8 * 1024

	// MinSpareCapacity is the minimum writable space an accumulation buffer
	// should have before the next read is issued.
	MinSpareCapacity = 1024

	// MaxBufferCapacity is the capacity ceiling above which a mostly-empty
	// accumulation buffer is reallocated to a smaller one.
	MaxBufferCapacity = 8 * 1024 * 1024
)

// ErrWriteZero is returned when an underlying write reports zero bytes
// written on a non-empty buffer, which would otherwise loop forever.
var ErrWriteZero = errors.New("write returned zero bytes")

// Trace carries receive timing for bytes surfaced by ReadBytes. For
// StreamTransport it is captured at the moment of the read call; for
// OffloadTransport it is a best-effort marker taken when a batch is handed
// to the consumer.
type Trace struct {
	RecvAt time.Time
}

// NewTrace returns a Trace stamped with the current time.
func NewTrace() Trace {
	return Trace{RecvAt: time.Now()}
}

// Elapsed returns the time passed since the trace was captured.
//
// Returns:
//   - The duration since RecvAt, or 0 if the trace is unset
func (t Trace) Elapsed() time.Duration {
	if t.RecvAt.IsZero() {
		return 0
	}

	return time.Since(t.RecvAt)
}

// Transport is the raw byte-stream contract protocol clients are written
// against. Implementations do not frame packets and do not reconnect; both
// are the caller's responsibility.
type Transport interface {
	// ReadBytes appends the next available raw bytes to buf and returns the
	// number of bytes appended together with a receive trace. A return of
	// (0, nil) means "no data right now" and the caller should invoke it
	// again later; end of stream is reported as io.EOF.
	//
	// Parameters:
	//   - buf: The accumulation buffer to append to
	//
	// Returns:
	//   - The number of bytes appended, a receive trace, and an error
	ReadBytes(buf *ReadBuffer) (int, Trace, error)

	// Write sends p to the peer, blocking until the whole buffer is written.
	// It is equivalent to WriteAll.
	Write(p []byte) error

	// WriteAll sends p to the peer, retrying on a would-block condition
	// without busy-spinning the scheduler. It returns ErrWriteZero if an
	// underlying write reports zero bytes written on a non-empty buffer.
	WriteAll(p []byte) error

	// TryWrite attempts a single non-blocking write and returns the number
	// of bytes accepted by the socket, which may be less than len(p). A
	// full socket is reported as a would-block error (see IsWouldBlock).
	TryWrite(p []byte) (int, error)

	// Flush pushes any transport-buffered data to the wire. TCP transports
	// buffer nothing in user space, so this is typically a no-op.
	Flush() error

	// Close releases the connection. For OffloadTransport it signals the
	// reader goroutine to stop; the goroutine exits within one poll tick.
	// Safe to call multiple times.
	Close() error
}

// IsWouldBlock reports whether err indicates that a non-blocking operation
// could not proceed right now. It matches both raw EAGAIN/EWOULDBLOCK errno
// values and the deadline-exceeded errors produced by net.Conn deadlines,
// so both transport implementations surface a uniform condition.
//
// Parameters:
//   - err: The error to classify
//
// Returns:
//   - true if the operation should be retried later, false otherwise
func IsWouldBlock(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EWOULDBLOCK) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}
