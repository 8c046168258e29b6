package soupbin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cyberinferno/soupbintcp/checkpoint"
	"github.com/cyberinferno/soupbintcp/logger"
	"github.com/cyberinferno/soupbintcp/transport"
)

// Terminal session errors. All of them end the session for good; only
// transport-level failures are retried internally.
var (
	// ErrLoginRejected is returned when the server rejects the login
	// request. The wrapping error carries the reason code.
	ErrLoginRejected = errors.New("login rejected")

	// ErrEndOfSession is returned when the server announces the end of the
	// sequenced message stream.
	ErrEndOfSession = errors.New("server ended session")

	// ErrReconnectExhausted is returned when the configured number of
	// reconnect attempts has been used up.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// heartbeatPacket is the constant client heartbeat wire form: length=1, type 'R'.
var heartbeatPacket = []byte{0x00, 0x01, TypeClientHeartbeat}

// Client owns one SoupBinTCP connection's lifecycle: the transport, the
// accumulation buffer, the sequence counter, heartbeat timers, and the
// reconnect policy. PumpPackets and the send methods are single-owner and
// must stay on one goroutine; Close and CurrentSequence are safe to call
// from another goroutine while the pump runs.
//
// T is the decoded message type produced by the injected Decoder.
type Client[T any] struct {
	stream  transport.Transport
	decoder Decoder[T]
	out     chan<- PacketData[T]
	readBuf *transport.ReadBuffer

	currentSequence    atomic.Uint64
	lastServerActivity time.Time
	lastHeartbeatSent  time.Time
	lastKnownTimestamp time.Time
	currentTrace       transport.Trace
	feed               FeedType

	reconnect              reconnectConfig
	reconnectAttempts      int
	justSentLogin          bool
	heartbeatInterval      time.Duration
	pendingServerHeartbeat bool

	events      chan<- FeedEvent
	log         logger.Logger
	metrics     *Metrics
	checkpoints checkpoint.Store

	// checkpointMu guards lastCheckpointAt and the store write, shared
	// between the pump loop and a concurrent Close.
	checkpointMu       sync.Mutex
	checkpointInterval time.Duration
	lastCheckpointAt   time.Time

	// streamMu orders the stream pointer between tryReconnect swapping in a
	// fresh transport and a concurrent Close reading it.
	streamMu sync.Mutex

	// closed flips once when the owner calls Close, possibly while
	// PumpPackets is blocked in a read.
	closed atomic.Bool
}

// reconnectConfig is the subset of Config the client needs to re-open a
// dropped connection and resume its session.
type reconnectConfig struct {
	addr         string
	username     string
	password     string
	session      string
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	dial         DialFunc
}

// Connect opens a transport to the configured feed endpoint, immediately
// sends the login request, and emits a Connected event. The server's reply
// is processed by the first PumpPackets call, not here.
//
// When cfg.StartSequence is empty and a checkpoint store is configured, the
// login requests resumption from one past the stored checkpoint.
//
// Parameters:
//   - ctx: Context for the checkpoint load; not retained
//   - cfg: Connection parameters; zero-valued tuning fields use package defaults
//   - out: Bounded output queue for decoded packets. The client blocks on it
//     when full (backpressure); cancelling the context passed to PumpPackets
//     is how an owner abandons a permanently stalled queue.
//   - decoder: Turns sequenced-data payloads into T
//
// Returns:
//   - A connected Client, or an error if the dial or login write failed
func Connect[T any](ctx context.Context, cfg Config, out chan<- PacketData[T], decoder Decoder[T]) (*Client[T], error) {
	cfg = cfg.withDefaults()
	log := cfg.Logger.With(logger.Field{Key: "feed", Value: string(cfg.Feed)})

	startSequence := cfg.StartSequence
	if startSequence == "" {
		startSequence = "1"
		if cfg.Checkpoints != nil {
			sequence, found, err := cfg.Checkpoints.Load(ctx, string(cfg.Feed))
			switch {
			case err != nil:
				log.Warn("checkpoint load failed", logger.Field{Key: "error", Value: err})
			case found:
				startSequence = strconv.FormatUint(sequence+1, 10)
				log.Info("resuming from checkpoint", logger.Field{Key: "sequence", Value: sequence})
			}
		}
	}

	stream, err := cfg.Dial(cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("connect %s feed at %s: %w", cfg.Feed, cfg.Addr(), err)
	}

	now := time.Now()
	readBuf := &transport.ReadBuffer{}
	readBuf.Grow(transport.DefaultBufferCapacity)

	c := &Client[T]{
		stream:             stream,
		decoder:            decoder,
		out:                out,
		readBuf:            readBuf,
		lastServerActivity: now,
		lastHeartbeatSent:  now,
		feed:               cfg.Feed,
		reconnect: reconnectConfig{
			addr:         cfg.Addr(),
			username:     cfg.Username,
			password:     cfg.Password,
			session:      cfg.StartSession,
			maxAttempts:  cfg.MaxReconnectAttempts,
			initialDelay: cfg.ReconnectDelay,
			maxDelay:     cfg.MaxReconnectDelay,
			dial:         cfg.Dial,
		},
		heartbeatInterval:  cfg.HeartbeatInterval,
		events:             cfg.Events,
		log:                log,
		metrics:            cfg.Metrics,
		checkpoints:        cfg.Checkpoints,
		checkpointInterval: cfg.CheckpointInterval,
		lastCheckpointAt:   now,
	}

	if err := c.sendLogin(cfg.Username, cfg.Password, cfg.StartSession, startSequence); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("send login for %s feed: %w", cfg.Feed, err)
	}

	c.emitEvent(Connected)

	return c, nil
}

// PumpPackets runs the protocol loop: it sends due heartbeats, drains and
// dispatches every complete buffered packet, applies the buffer shrink and
// reserve policy, and issues one transport read. A read that returns no
// data ends the call with nil; the owner should invoke PumpPackets again.
//
// Recoverable transport failures trigger reconnection with resume. Fatal
// conditions (login rejected, end of session, decoder failure, reconnect
// attempts exhausted, cancelled context while the output queue is full)
// terminate the session and are returned.
//
// Parameters:
//   - ctx: Cancelling it aborts backpressure waits and reconnect backoff
//
// Returns:
//   - nil when no more data is available right now, or a terminal error
func (c *Client[T]) PumpPackets(ctx context.Context) error {
	for {
		if c.closed.Load() {
			// Close may have torn down an older transport just before a
			// reconnect swapped in a fresh one
			_ = c.stream.Close()
			return nil
		}

		c.trySendHeartbeats()

		for {
			packetType, packet, ok := ExtractPacket(c.readBuf)
			if !ok {
				break
			}
			if err := c.processPacket(ctx, packetType, packet); err != nil {
				return err
			}
		}

		c.maybeCheckpoint(ctx)
		c.manageBuffer()

		n, trace, err := c.stream.ReadBytes(c.readBuf)
		switch {
		case err == nil && n == 0:
			// no more data available right now
			return nil
		case err == nil:
			c.currentTrace = trace
			c.metrics.addBytesRead(n)
		case c.closed.Load():
			// the owner closed the client; the torn-down transport's error
			// is expected noise
			return nil
		case isReconnectable(err):
			if rerr := c.tryReconnect(ctx); rerr != nil {
				return rerr
			}
		default:
			return err
		}
	}
}

// CurrentSequence returns the sequence number of the last sequenced data
// packet handed downstream.
func (c *Client[T]) CurrentSequence() uint64 {
	return c.currentSequence.Load()
}

// Feed returns the feed identity this client was configured with.
func (c *Client[T]) Feed() FeedType {
	return c.feed
}

// LastServerActivity returns when the server was last heard from. Owners
// can compare it against InactivityTimeout for liveness checks.
func (c *Client[T]) LastServerActivity() time.Time {
	return c.lastServerActivity
}

// SendUnsequenced sends an unsequenced data packet to the server.
//
// Parameters:
//   - payload: The packet body; not retained
//
// Returns:
//   - An error if the write failed
func (c *Client[T]) SendUnsequenced(payload []byte) error {
	return c.sendPacket(EncodeUnsequencedData(payload))
}

// Close sends a best-effort logout request, persists a final checkpoint
// when a store is configured, and releases the transport. Safe to call
// multiple times and from another goroutine while PumpPackets runs.
//
// Parameters:
//   - ctx: Context for the final checkpoint save
//
// Returns:
//   - The error from closing the transport, if any
func (c *Client[T]) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.streamMu.Lock()
	stream := c.stream
	c.streamMu.Unlock()

	// the peer may already be gone, logout is best effort
	_ = stream.WriteAll(EncodeLogoutRequest())
	c.saveCheckpoint(ctx)

	return stream.Close()
}

// sendLogin encodes and sends a login request and raises the post-login
// grace flag for immediate auth failure detection.
func (c *Client[T]) sendLogin(username, password, sessionID, sequenceNumber string) error {
	err := c.sendPacket(EncodeLoginRequest(username, password, sessionID, sequenceNumber))
	c.justSentLogin = true
	return err
}

// sendPacket writes one complete packet and resets the periodic heartbeat
// timer, since any outbound packet proves liveness to the server.
func (c *Client[T]) sendPacket(packet []byte) error {
	if err := c.stream.WriteAll(packet); err != nil {
		return err
	}
	if err := c.stream.Flush(); err != nil {
		return err
	}

	c.lastHeartbeatSent = time.Now()
	return nil
}

// trySendHeartbeats sends a heartbeat without blocking when either the
// periodic interval elapsed or a server heartbeat awaits acknowledgment.
// A full socket or a failed write is silently retried on a later iteration
// so heartbeating never stalls data flow; failures are counted in metrics.
func (c *Client[T]) trySendHeartbeats() {
	needPeriodic := time.Since(c.lastHeartbeatSent) >= c.heartbeatInterval
	if !needPeriodic && !c.pendingServerHeartbeat {
		return
	}

	n, err := c.stream.TryWrite(heartbeatPacket)
	switch {
	case err == nil && n == len(heartbeatPacket):
		c.lastHeartbeatSent = time.Now()
		c.pendingServerHeartbeat = false
		c.metrics.incHeartbeatsSent()
		c.log.Debug("sent heartbeat")
	case err == nil:
		// partial write, retry next iteration
	case transport.IsWouldBlock(err):
		// socket full, data processing continues without blocking
	default:
		// swallowed; the connection failure resurfaces on the next read
		c.metrics.incHeartbeatSendFailures()
	}
}

// processPacket dispatches one complete packet. Sequenced data is decoded
// and pushed onto the output queue; control packets drive the session state.
func (c *Client[T]) processPacket(ctx context.Context, packetType byte, packet []byte) error {
	c.lastServerActivity = time.Now()
	c.justSentLogin = false

	if packetType == TypeSequencedData {
		sequence := c.currentSequence.Add(1)
		c.metrics.incSequencedPackets()

		pctx := PacketContext{Feed: c.feed, LastTimestamp: c.lastKnownTimestamp}
		message, err := c.decoder.Decode(packet[MinHeaderSize:], pctx)
		if err != nil {
			return fmt.Errorf("decode sequenced packet %d: %w", sequence, err)
		}

		data := PacketData[T]{
			Sequence: sequence,
			Raw:      packet,
			Message:  message,
			Trace:    c.currentTrace,
		}

		select {
		case c.out <- data:
			return nil
		default:
		}

		// output full: apply backpressure by blocking until the consumer
		// drains or the owner gives up
		select {
		case c.out <- data:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("output queue closed: %w", context.Cause(ctx))
		}
	}

	parsed := ParseServerPacket(packetType, packet[MinHeaderSize:])

	switch parsed.Kind {
	case KindLoginAccepted:
		if sequence, err := strconv.ParseUint(parsed.SequenceNumber, 10, 64); err == nil {
			c.log.Info("login accepted",
				logger.Field{Key: "session", Value: parsed.Session},
				logger.Field{Key: "sequence", Value: sequence})
			c.currentSequence.Store(sequence)
		}
		c.reconnectAttempts = 0
		c.saveCheckpoint(ctx)

	case KindLoginRejected:
		return fmt.Errorf("%w: reason code %d", ErrLoginRejected, parsed.RejectReason)

	case KindServerHeartbeat:
		c.log.Debug("received server heartbeat")
		c.pendingServerHeartbeat = true

	case KindEndOfSession:
		return ErrEndOfSession

	case KindDebug, KindUnknown:
		c.log.Debug("ignoring packet", logger.Field{Key: "kind", Value: parsed.Kind.String()})
	}

	return nil
}

// tryReconnect runs one reconnect attempt: backoff, fresh transport, resume
// login from one past the last confirmed sequence. Exhausted attempts emit
// Disconnected and fail fatally; a failed dial propagates so the owner can
// retry the whole connect sequence.
func (c *Client[T]) tryReconnect(ctx context.Context) error {
	if c.justSentLogin {
		c.log.Warn("connection lost before any server response, check credentials and session")
	}

	c.emitEvent(Reconnecting)

	if c.reconnectAttempts >= c.reconnect.maxAttempts {
		c.emitEvent(Disconnected)
		return fmt.Errorf("%w: max reconnection attempts (%d) exceeded",
			ErrReconnectExhausted, c.reconnect.maxAttempts)
	}

	c.reconnectAttempts++
	c.metrics.incReconnectAttempts()
	_ = c.stream.Close()

	delay := backoffDelay(c.reconnect.initialDelay, c.reconnect.maxDelay, c.reconnectAttempts)
	c.log.Info("reconnecting",
		logger.Field{Key: "attempt", Value: c.reconnectAttempts},
		logger.Field{Key: "delay", Value: delay.String()})

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return context.Cause(ctx)
	}

	stream, err := c.reconnect.dial(c.reconnect.addr)
	if err != nil {
		c.log.Error("reconnection attempt failed",
			logger.Field{Key: "attempt", Value: c.reconnectAttempts},
			logger.Field{Key: "error", Value: err})
		return err
	}

	c.streamMu.Lock()
	c.stream = stream
	c.streamMu.Unlock()
	c.readBuf.Reset()
	c.pendingServerHeartbeat = false

	sequence := strconv.FormatUint(c.currentSequence.Load()+1, 10)
	c.log.Info("requesting session resume",
		logger.Field{Key: "session", Value: c.reconnect.session},
		logger.Field{Key: "sequence", Value: sequence})

	if err := c.sendLogin(c.reconnect.username, c.reconnect.password, c.reconnect.session, sequence); err != nil {
		return err
	}

	c.lastServerActivity = time.Now()
	c.emitEvent(Reconnected)

	return nil
}

// manageBuffer applies the accumulation buffer policy: an oversized,
// mostly-empty buffer is reallocated smaller, and the buffer always has at
// least the minimum spare capacity before the next read.
func (c *Client[T]) manageBuffer() {
	if c.readBuf.Cap() > transport.MaxBufferCapacity && c.readBuf.Len() < transport.MinSpareCapacity {
		capacity := max(transport.DefaultBufferCapacity, c.readBuf.Len()+transport.MinSpareCapacity)
		fresh := &transport.ReadBuffer{}
		fresh.Grow(capacity)
		fresh.Write(c.readBuf.Bytes())
		c.readBuf = fresh
	}

	if c.readBuf.Available() < transport.MinSpareCapacity {
		c.readBuf.Grow(transport.MinSpareCapacity)
	}
}

// maybeCheckpoint persists the current sequence when a store is configured
// and the checkpoint interval has elapsed.
func (c *Client[T]) maybeCheckpoint(ctx context.Context) {
	if c.checkpoints == nil || c.currentSequence.Load() == 0 {
		return
	}

	c.checkpointMu.Lock()
	due := time.Since(c.lastCheckpointAt) >= c.checkpointInterval
	c.checkpointMu.Unlock()
	if !due {
		return
	}

	c.saveCheckpoint(ctx)
}

// saveCheckpoint stores the current sequence, best effort. Failures are
// logged and never affect the session.
func (c *Client[T]) saveCheckpoint(ctx context.Context) {
	if c.checkpoints == nil {
		return
	}

	c.checkpointMu.Lock()
	defer c.checkpointMu.Unlock()

	c.lastCheckpointAt = time.Now()
	if err := c.checkpoints.Save(ctx, string(c.feed), c.currentSequence.Load()); err != nil {
		c.log.Warn("checkpoint save failed", logger.Field{Key: "error", Value: err})
	}
}

// emitEvent notifies the optional observer channel without ever blocking.
// The channel must stay open for the client's lifetime (see Config.Events);
// a full channel drops the event.
func (c *Client[T]) emitEvent(event ConnectionEvent) {
	if c.events == nil {
		return
	}

	select {
	case c.events <- FeedEvent{Feed: c.feed, Event: event}:
	default:
		// observer is slow or gone, events are best effort
	}
}

// backoffDelay computes the reconnect backoff for the given 1-indexed
// attempt: min(initial * 2^(attempt-1), max).
func backoffDelay(initial, maxDelay time.Duration, attempt int) time.Duration {
	delay := initial << (attempt - 1)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	return delay
}

// isReconnectable reports whether a transport read error should trigger
// reconnection rather than terminate the session. End-of-stream counts: a
// transport that reports EOF is gone for good and only a fresh connection
// can continue the session.
func isReconnectable(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ENOTCONN) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
