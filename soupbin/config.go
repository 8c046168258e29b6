package soupbin

import (
	"net"
	"strconv"
	"time"

	"github.com/cyberinferno/soupbintcp/checkpoint"
	"github.com/cyberinferno/soupbintcp/logger"
	"github.com/cyberinferno/soupbintcp/transport"
)

// FeedType identifies which market data feed a connection carries. It is
// attached to decoded packets, events, and log entries.
type FeedType string

// Well-known feed types.
const (
	FeedItch FeedType = "ITCH"
	FeedMdf  FeedType = "MDF"
)

// Protocol timing and retry defaults.
const (
	// DefaultHeartbeatInterval is how often a client heartbeat is sent when
	// the connection is otherwise idle.
	DefaultHeartbeatInterval = 5 * time.Second

	// DefaultMaxReconnectAttempts bounds automatic reconnection.
	DefaultMaxReconnectAttempts = 5

	// DefaultReconnectDelay is the backoff before the first reconnect attempt;
	// it doubles per attempt up to DefaultMaxReconnectDelay.
	DefaultReconnectDelay = time.Second

	// DefaultMaxReconnectDelay caps the exponential reconnect backoff.
	DefaultMaxReconnectDelay = 30 * time.Second

	// InactivityTimeout is how long a healthy server may stay silent; owners
	// can compare it against Client.LastServerActivity for liveness checks.
	InactivityTimeout = 15 * time.Second

	// DefaultCheckpointInterval is how often the pump loop persists the
	// current sequence when a checkpoint store is configured.
	DefaultCheckpointInterval = 5 * time.Second
)

// DialFunc opens a Transport to the given "host:port" address. It selects
// which transport implementation a connection uses; exactly one is active
// per connection.
type DialFunc func(addr string) (transport.Transport, error)

// Config holds the connection parameters for one SoupBinTCP session.
// Zero-valued tuning fields are replaced by the package defaults.
type Config struct {
	// Host and Port locate the feed endpoint.
	Host string
	Port uint16

	// Username and Password are the feed credentials (6 and 10 significant
	// bytes respectively on the wire).
	Username string
	Password string

	// Feed identifies the feed carried by this session.
	Feed FeedType

	// StartSequence is the requested start sequence as decimal digits.
	// Empty means: resume from the checkpoint store when one is configured,
	// otherwise start from "1".
	StartSequence string

	// StartSession is the requested session ID; empty lets the server pick.
	StartSession string

	// MaxReconnectAttempts bounds automatic reconnection before the client
	// fails fatally.
	MaxReconnectAttempts int

	// ReconnectDelay is the initial backoff; attempt k sleeps
	// min(ReconnectDelay * 2^(k-1), MaxReconnectDelay).
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// HeartbeatInterval is the periodic client heartbeat interval.
	HeartbeatInterval time.Duration

	// Dial selects the transport implementation. Defaults to the offload
	// transport (transport.DialOffload).
	Dial DialFunc

	// Events optionally receives connection status notifications. Sends are
	// best effort: a full or absent channel never affects the protocol. The
	// owner must not close the channel while the client is alive; drain or
	// abandon it instead.
	Events chan<- FeedEvent

	// Logger receives structured client logs; defaults to a no-op logger.
	Logger logger.Logger

	// Metrics optionally records client counters; nil disables them.
	Metrics *Metrics

	// Checkpoints optionally persists the last confirmed sequence so a
	// restarted process can resume. Saves are best effort.
	Checkpoints        checkpoint.Store
	CheckpointInterval time.Duration
}

// DefaultConfig returns a Config for the given endpoint and credentials with
// all tuning fields at their package defaults.
//
// Parameters:
//   - host: Feed host name or address
//   - port: Feed TCP port
//   - username: Feed login username
//   - password: Feed login password
//   - feed: Which feed this session carries
//
// Returns:
//   - A Config starting from sequence "1" with default retry and heartbeat settings
func DefaultConfig(host string, port uint16, username, password string, feed FeedType) Config {
	return Config{
		Host:                 host,
		Port:                 port,
		Username:             username,
		Password:             password,
		Feed:                 feed,
		StartSequence:        "1",
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ReconnectDelay:       DefaultReconnectDelay,
		MaxReconnectDelay:    DefaultMaxReconnectDelay,
		HeartbeatInterval:    DefaultHeartbeatInterval,
	}
}

// Addr returns the "host:port" dial address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

// withDefaults fills zero-valued tuning fields in place of package defaults.
func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = DefaultCheckpointInterval
	}
	if c.Logger == nil {
		c.Logger = logger.NewNop()
	}
	if c.Dial == nil {
		log := c.Logger
		c.Dial = func(addr string) (transport.Transport, error) {
			return transport.DialOffload(addr, log)
		}
	}

	return c
}
