package soupbin

import (
	"time"

	"github.com/cyberinferno/soupbintcp/transport"
)

// PacketContext carries feed context into payload decoding. Decoders for
// formats that encode only partial timestamps use LastTimestamp to
// reconstruct absolute times.
type PacketContext struct {
	Feed          FeedType
	LastTimestamp time.Time
}

// Decoder turns one validated sequenced-data payload into a typed message.
// The payload slice is only valid for the duration of the call; decoders
// must copy anything they retain. A decoder error is fatal for the session.
type Decoder[T any] interface {
	// Decode parses payload in the given context.
	//
	// Parameters:
	//   - payload: The packet body after the 3-byte header
	//   - pctx: Feed identity and the last known feed timestamp
	//
	// Returns:
	//   - The decoded message, or an error that terminates the session
	Decode(payload []byte, pctx PacketContext) (T, error)
}

// DecoderFunc adapts a plain function to the Decoder interface.
type DecoderFunc[T any] func(payload []byte, pctx PacketContext) (T, error)

// Decode implements Decoder.
func (f DecoderFunc[T]) Decode(payload []byte, pctx PacketContext) (T, error) {
	return f(payload, pctx)
}

// PacketData is what the client pushes onto the output queue for every
// sequenced data packet: the session-local sequence number, the raw packet
// bytes (including header, for replay and audit), the decoded message, and
// the receive trace of the read that surfaced it.
type PacketData[T any] struct {
	Sequence uint64
	Raw      []byte
	Message  T
	Trace    transport.Trace
}
