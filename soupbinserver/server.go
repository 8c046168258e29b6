// Package soupbinserver implements a small SoupBinTCP server: it
// authenticates logins, replays its sequenced message log from any requested
// sequence number, publishes new sequenced messages to every logged-in
// session, and heartbeats. It backs integration tests and local development
// against the client in package soupbin.
package soupbinserver

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/soupbintcp/logger"
	"github.com/cyberinferno/soupbintcp/soupbin"
)

// DefaultHeartbeatInterval is how often the server heartbeats logged-in
// sessions when no interval is configured.
const DefaultHeartbeatInterval = time.Second

// AuthFunc validates login credentials. A nil AuthFunc accepts everyone.
type AuthFunc func(username, password string) bool

// UnsequencedFunc receives the payload of every unsequenced data packet,
// tagged with the originating session's ID. The payload is an independent
// copy and safe to retain.
type UnsequencedFunc func(sessionID uint32, payload []byte)

// Server is a SoupBinTCP server publishing one session's worth of sequenced
// messages. Configure the exported fields before Start; they must not be
// changed afterwards.
type Server struct {
	Logger            logger.Logger
	Addr              string
	SessionID         string
	HeartbeatInterval time.Duration
	Auth              AuthFunc
	OnUnsequenced     UnsequencedFunc

	listener net.Listener
	running  atomic.Bool
	nextID   atomic.Uint32

	// mu guards sessions and messages together so a login's replay and
	// concurrent publishes stay ordered per connection.
	mu       sync.Mutex
	sessions map[uint32]*session
	messages [][]byte
}

// Start binds to Addr and begins accepting connections in a goroutine.
//
// Returns:
//   - An error if the server is already running or if listening on Addr fails
func (srv *Server) Start() error {
	if srv.running.Load() {
		return fmt.Errorf("server already running on %s", srv.Addr)
	}

	if srv.Logger == nil {
		srv.Logger = logger.NewNop()
	}
	if srv.HeartbeatInterval <= 0 {
		srv.HeartbeatInterval = DefaultHeartbeatInterval
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		srv.Logger.Error("server failed to start", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("server failed to start on %s: %w", srv.Addr, err)
	}

	srv.listener = ln
	srv.sessions = make(map[uint32]*session)
	srv.running.Store(true)

	srv.Logger.Info("feed server started", logger.Field{Key: "addr", Value: ln.Addr().String()})
	go srv.acceptLoop()

	return nil
}

// Stop stops accepting connections and closes every active session. Safe to
// call when the server is not running.
func (srv *Server) Stop() {
	if !srv.running.Load() {
		return
	}

	srv.running.Store(false)
	if srv.listener != nil {
		_ = srv.listener.Close()
	}

	srv.mu.Lock()
	active := make([]*session, 0, len(srv.sessions))
	for _, sess := range srv.sessions {
		active = append(active, sess)
	}
	srv.mu.Unlock()

	for _, sess := range active {
		_ = sess.Close()
	}

	srv.Logger.Info("feed server stopped")
}

// BoundAddr returns the address the server is listening on. Useful when
// Addr requested an ephemeral port.
func (srv *Server) BoundAddr() string {
	if srv.listener == nil {
		return srv.Addr
	}

	return srv.listener.Addr().String()
}

// Publish appends payload to the sequenced message log and delivers it to
// every logged-in session.
//
// Parameters:
//   - payload: The message body; copied, safe to reuse
//
// Returns:
//   - The sequence number assigned to the message
func (srv *Server) Publish(payload []byte) uint64 {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	srv.messages = append(srv.messages, append([]byte(nil), payload...))
	sequence := uint64(len(srv.messages))

	packet := soupbin.EncodeSequencedData(payload)
	for _, sess := range srv.sessions {
		if sess.loggedIn.Load() {
			_ = sess.Send(packet)
		}
	}

	return sequence
}

// MessageCount returns how many sequenced messages have been published.
func (srv *Server) MessageCount() uint64 {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	return uint64(len(srv.messages))
}

// EndSession announces end-of-session to every logged-in session. The
// server keeps running; clients treat the announcement as terminal.
func (srv *Server) EndSession() {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	packet := soupbin.EncodeEndOfSession()
	for _, sess := range srv.sessions {
		if sess.loggedIn.Load() {
			_ = sess.Send(packet)
		}
	}
}

// DropSessions abruptly closes every connected session while keeping the
// server and its message log running, so clients exercise their reconnect
// and resume path against the same endpoint.
func (srv *Server) DropSessions() {
	srv.mu.Lock()
	active := make([]*session, 0, len(srv.sessions))
	for _, sess := range srv.sessions {
		active = append(active, sess)
	}
	srv.mu.Unlock()

	for _, sess := range active {
		_ = sess.Close()
	}
}

// SessionCount returns the number of connected sessions, logged in or not.
func (srv *Server) SessionCount() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	return len(srv.sessions)
}

func (srv *Server) acceptLoop() {
	for srv.running.Load() {
		conn, err := srv.listener.Accept()
		if err != nil {
			if !srv.running.Load() {
				return
			}

			srv.Logger.Error("accept error", logger.Field{Key: "error", Value: err})
			continue
		}

		id := srv.nextID.Add(1)
		sess := newSession(id, conn, srv)

		srv.mu.Lock()
		srv.sessions[id] = sess
		srv.mu.Unlock()

		go sess.handle()
	}
}

// acceptLogin sends the login accepted reply and replays the message log
// from the requested start sequence, then marks the session live so it
// receives future publishes. The accepted packet confirms start-1, the last
// sequence the client is considered to have consumed.
func (srv *Server) acceptLogin(sess *session, start uint64) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	_ = sess.Send(soupbin.EncodeLoginAccepted(srv.SessionID, start-1))

	if start <= uint64(len(srv.messages)) {
		for _, payload := range srv.messages[start-1:] {
			_ = sess.Send(soupbin.EncodeSequencedData(payload))
		}
	}

	sess.loggedIn.Store(true)
}

func (srv *Server) removeSession(id uint32) {
	srv.mu.Lock()
	delete(srv.sessions, id)
	srv.mu.Unlock()
}
