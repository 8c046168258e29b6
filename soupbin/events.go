package soupbin

// ConnectionEvent is a one-shot connection status notification. Events are
// purely informational and never affect protocol correctness.
type ConnectionEvent int

const (
	// Connected is emitted once after the initial login request is sent.
	Connected ConnectionEvent = iota

	// Reconnecting is emitted when a recoverable transport failure starts a
	// reconnect attempt.
	Reconnecting

	// Reconnected is emitted after a fresh transport is opened and the
	// resume login request is sent.
	Reconnected

	// Disconnected is emitted exactly once when reconnect attempts are
	// exhausted and the client fails fatally.
	Disconnected
)

// String returns a human-readable name for the event.
func (e ConnectionEvent) String() string {
	switch e {
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Reconnected:
		return "Reconnected"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// FeedEvent pairs a connection event with the feed it concerns, so one
// observer channel can serve many sessions.
type FeedEvent struct {
	Feed  FeedType
	Event ConnectionEvent
}
