package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/soupbintcp/logger"
)

// Offload transport tuning constants.
const (
	// pollTick is how long the reader goroutine waits for data before
	// re-checking the stop flag. It bounds teardown latency only; it does
	// not delay data, which is surfaced as soon as the socket drains.
	pollTick = 10 * time.Millisecond

	// batchMaxChunks bounds how many chunks a single batch may carry.
	batchMaxChunks = 32

	// batchMaxBytes bounds how many bytes a single batch may carry.
	batchMaxBytes = 64 * 1024

	// chunkSize is the maximum size of one chunk within a batch.
	chunkSize = DefaultBufferCapacity
)

// OffloadTransport runs socket draining on a dedicated goroutine so the
// consumer's scheduler never blocks on socket readiness. The goroutine
// drains the socket into a local accumulation buffer, partitions it into
// bounded batches of opaque chunks, and pushes them onto an unbounded
// in-process queue. No framing happens on that goroutine.
//
// The queue is unbounded on purpose: ingress is assumed faster than line
// rate and the consumer applies backpressure further downstream. A stalled
// consumer therefore grows host memory without limit; owners must bound
// consumption elsewhere.
//
// Writes go through the shared connection under a mutex held for one write
// attempt at a time, so they can proceed while the reader goroutine owns
// the receive path.
type OffloadTransport struct {
	conn    *net.TCPConn
	queue   *batchQueue
	stopped atomic.Bool
	writeMu sync.Mutex
	log     logger.Logger
}

// DialOffload connects to addr ("host:port") with TCP no-delay enabled and
// spawns the reader goroutine.
//
// Parameters:
//   - addr: The remote address to connect to
//   - log: Logger for reader-goroutine failures; logger.NewNop() disables output
//
// Returns:
//   - A connected OffloadTransport, or an error if the dial fails
func DialOffload(addr string, log logger.Logger) (*OffloadTransport, error) {
	dialer := net.Dialer{Timeout: defaultDialTimeout}

	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("offload transport dial %s: %w", addr, err)
	}

	tcp := conn.(*net.TCPConn)
	if err := tcp.SetNoDelay(true); err != nil {
		_ = tcp.Close()
		return nil, fmt.Errorf("offload transport set nodelay: %w", err)
	}

	t := &OffloadTransport{
		conn:  tcp,
		queue: newBatchQueue(),
		log:   log,
	}

	go t.readLoop()

	return t, nil
}

// readLoop owns the receive path. Each iteration issues one deadline-bounded
// read; the deadline exists solely so the stop flag is observed within one
// poll tick. Received bytes accumulate locally and are flushed to the queue
// once the socket reports would-block or the batch byte bound is reached.
// A zero-byte read (peer close) and any genuine I/O error both end the loop,
// which the consumer observes as queue closure.
func (t *OffloadTransport) readLoop() {
	defer t.queue.close()
	defer func() {
		_ = t.conn.Close()
	}()

	scratch := make([]byte, batchMaxBytes)
	acc := make([]byte, 0, DefaultBufferCapacity)

	flush := func() bool {
		for len(acc) > 0 {
			var batch [][]byte
			batch, acc = takeBatch(acc)
			if !t.queue.push(batch) {
				return false
			}
		}
		acc = acc[:0]
		return true
	}

	for !t.stopped.Load() {
		_ = t.conn.SetReadDeadline(time.Now().Add(pollTick))

		n, err := t.conn.Read(scratch)
		if n > 0 {
			acc = append(acc, scratch[:n]...)
			if len(acc) >= batchMaxBytes && !flush() {
				return
			}
		}

		switch {
		case err == nil:
			// more may be pending, read again immediately
		case IsWouldBlock(err):
			// socket drained for now, hand off what we have
			if !flush() {
				return
			}
		case errors.Is(err, io.EOF):
			// clean close, surface remaining bytes then exit
			_ = flush()
			return
		case errors.Is(err, net.ErrClosed) && t.stopped.Load():
			return
		default:
			_ = flush()
			t.log.Error("offload transport read failed", logger.Field{Key: "error", Value: err})
			return
		}
	}
}

// takeBatch splits off one batch from acc, bounded by batchMaxChunks and
// batchMaxBytes, copying each chunk so acc can be reused. Returns the batch
// and the remaining bytes.
func takeBatch(acc []byte) ([][]byte, []byte) {
	batch := make([][]byte, 0, batchMaxChunks)
	total := 0

	for len(acc) > 0 && len(batch) < batchMaxChunks && total < batchMaxBytes {
		size := len(acc)
		if size > chunkSize {
			size = chunkSize
		}
		if total+size > batchMaxBytes {
			size = batchMaxBytes - total
		}

		chunk := make([]byte, size)
		copy(chunk, acc[:size])
		batch = append(batch, chunk)
		acc = acc[size:]
		total += size
	}

	return batch, acc
}

// ReadBytes waits for the next batch from the reader goroutine and appends
// it to buf. The trace is a best-effort marker taken when the batch is
// dequeued; this transport does not capture per-byte receive timestamps.
// Queue closure (peer close or reader failure) is reported as io.EOF.
func (t *OffloadTransport) ReadBytes(buf *ReadBuffer) (int, Trace, error) {
	batch, ok := t.queue.pop()
	if !ok {
		return 0, Trace{}, io.EOF
	}

	total := 0
	for _, chunk := range batch {
		buf.Write(chunk)
		total += len(chunk)
	}

	return total, NewTrace(), nil
}

// Write sends p, blocking until the whole buffer is written.
func (t *OffloadTransport) Write(p []byte) error {
	return t.WriteAll(p)
}

// WriteAll sends p through the shared write half. The mutex is held for one
// write attempt at a time so concurrent writers interleave at attempt
// granularity rather than serializing whole messages behind a stalled peer.
func (t *OffloadTransport) WriteAll(p []byte) error {
	for len(p) > 0 {
		t.writeMu.Lock()
		n, err := t.conn.Write(p)
		t.writeMu.Unlock()

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

// TryWrite attempts one non-blocking write on the shared write half.
func (t *OffloadTransport) TryWrite(p []byte) (int, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	return tryWriteRaw(t.conn, p)
}

// Flush is a no-op: writes go straight to the socket.
func (t *OffloadTransport) Flush() error {
	return nil
}

// Close signals the reader goroutine to stop; it exits within one poll tick
// and closes the connection on the way out. Safe to call multiple times.
func (t *OffloadTransport) Close() error {
	t.stopped.Store(true)
	return nil
}

// batchQueue is the unbounded hand-off between the reader goroutine and the
// consumer. Go channels cannot be unbounded, so this is a condvar-guarded
// slice; push never blocks, pop blocks until a batch arrives or the queue
// closes.
type batchQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	batches [][][]byte
	closed  bool
}

func newBatchQueue() *batchQueue {
	q := &batchQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends a batch and wakes one waiter. Returns false if the queue has
// been closed, telling the producer to stop.
func (q *batchQueue) push(batch [][]byte) bool {
	if len(batch) == 0 {
		return true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.batches = append(q.batches, batch)
	q.cond.Signal()
	return true
}

// pop removes and returns the oldest batch, blocking while the queue is
// empty. Returns (nil, false) once the queue is closed and drained.
func (q *batchQueue) pop() ([][]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.batches) == 0 && !q.closed {
		q.cond.Wait()
	}

	if len(q.batches) == 0 {
		return nil, false
	}

	batch := q.batches[0]
	q.batches = q.batches[1:]
	return batch, true
}

// close marks the queue closed and wakes all waiters. Batches already
// queued remain poppable.
func (q *batchQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}
