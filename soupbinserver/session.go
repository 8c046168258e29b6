package soupbinserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/soupbintcp/logger"
	"github.com/cyberinferno/soupbintcp/soupbin"
	"github.com/cyberinferno/soupbintcp/transport"
)

// rejectNotAuthorized is the reject reason code for bad credentials.
const rejectNotAuthorized = byte('A')

// readPollInterval bounds how long a session read blocks so the loop notices
// cancellation promptly.
const readPollInterval = 250 * time.Millisecond

// errSessionDone signals a clean session end (client logout).
var errSessionDone = errors.New("session done")

// session handles one accepted connection: it runs a read loop and a
// heartbeat loop until either fails or the client logs out.
type session struct {
	id     uint32
	conn   net.Conn
	server *Server
	log    logger.Logger

	writeMu  sync.Mutex
	loggedIn atomic.Bool
	closed   atomic.Bool
	cancel   context.CancelFunc
}

func newSession(id uint32, conn net.Conn, srv *Server) *session {
	return &session{
		id:     id,
		conn:   conn,
		server: srv,
		log: srv.Logger.With(
			logger.Field{Key: "session_id", Value: id},
			logger.Field{Key: "remote", Value: conn.RemoteAddr().String()},
		),
	}
}

// ID returns the server-assigned session identifier.
func (s *session) ID() uint32 {
	return s.id
}

// handle runs the session loops and tears the session down when they end.
func (s *session) handle() {
	defer s.server.removeSession(s.id)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(ctx) })
	g.Go(func() error { return s.heartbeatLoop(ctx) })

	err := g.Wait()
	switch {
	case err == nil, errors.Is(err, errSessionDone), errors.Is(err, context.Canceled):
		s.log.Debug("session ended")
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		s.log.Debug("client disconnected")
	default:
		s.log.Warn("session failed", logger.Field{Key: "error", Value: err})
	}

	_ = s.Close()
}

// Close closes the session's connection and stops its loops. Safe to call
// multiple times.
func (s *session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	return s.conn.Close()
}

// Send writes one complete packet to the connection. Safe for concurrent use.
func (s *session) Send(packet []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.conn.Write(packet); err != nil {
		return fmt.Errorf("session %d write: %w", s.id, err)
	}

	return nil
}

func (s *session) readLoop(ctx context.Context) error {
	var buf transport.ReadBuffer
	buf.Grow(4096)
	scratch := make([]byte, 4096)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, err := s.conn.Read(scratch)
		if n > 0 {
			buf.Write(scratch[:n])
		}

		for {
			packetType, packet, ok := soupbin.ExtractPacket(&buf)
			if !ok {
				break
			}
			if herr := s.handlePacket(packetType, packet); herr != nil {
				return herr
			}
		}

		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			return err
		}
	}
}

func (s *session) handlePacket(packetType byte, packet []byte) error {
	payload := packet[soupbin.MinHeaderSize:]

	switch packetType {
	case soupbin.TypeLoginRequest:
		return s.handleLogin(payload)

	case soupbin.TypeClientHeartbeat:
		// liveness only

	case soupbin.TypeLogoutRequest:
		s.log.Debug("client logged out")
		return errSessionDone

	case soupbin.TypeUnsequencedData:
		if s.server.OnUnsequenced != nil {
			s.server.OnUnsequenced(s.id, append([]byte(nil), payload...))
		}

	default:
		s.log.Debug("ignoring packet", logger.Field{Key: "type", Value: string(packetType)})
	}

	return nil
}

func (s *session) handleLogin(payload []byte) error {
	username, password, _, sequenceNumber, ok := soupbin.ParseLoginRequest(payload)
	if !ok {
		_ = s.Send(soupbin.EncodeLoginRejected(rejectNotAuthorized))
		return fmt.Errorf("session %d: malformed login request", s.id)
	}

	if s.server.Auth != nil && !s.server.Auth(username, password) {
		s.log.Info("login rejected", logger.Field{Key: "username", Value: username})
		_ = s.Send(soupbin.EncodeLoginRejected(rejectNotAuthorized))
		return fmt.Errorf("session %d: login rejected for %q", s.id, username)
	}

	start, err := strconv.ParseUint(sequenceNumber, 10, 64)
	if err != nil || start == 0 {
		start = 1
	}

	s.log.Info("login accepted",
		logger.Field{Key: "username", Value: username},
		logger.Field{Key: "start_sequence", Value: start})
	s.server.acceptLogin(s, start)

	return nil
}

func (s *session) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.server.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !s.loggedIn.Load() {
				continue
			}
			if err := s.Send(soupbin.EncodeServerHeartbeat()); err != nil {
				return err
			}
		}
	}
}
