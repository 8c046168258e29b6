// Package soupbin implements a client for SoupBinTCP, the length-prefixed,
// session-oriented TCP protocol used to deliver ordered, gap-free market
// data feeds. It covers login/logout handshaking, heartbeating, sequence
// tracking, reconnection with resume, and hand-off of decoded payloads to a
// downstream consumer under backpressure.
package soupbin

import (
	"encoding/binary"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/cyberinferno/soupbintcp/transport"
)

// Packet type bytes, server to client.
const (
	TypeDebug           = byte('+')
	TypeLoginAccepted   = byte('A')
	TypeLoginRejected   = byte('J')
	TypeSequencedData   = byte('S')
	TypeServerHeartbeat = byte('H')
	TypeEndOfSession    = byte('Z')
)

// Packet type bytes, client to server.
const (
	TypeLoginRequest    = byte('L')
	TypeLogoutRequest   = byte('O')
	TypeClientHeartbeat = byte('R')
	TypeUnsequencedData = byte('U')
)

// Wire layout constants. Every packet is a 2-byte big-endian length field
// (covering type byte + payload) followed by one type byte and the payload.
const (
	// LengthFieldSize is the size of the length prefix.
	LengthFieldSize = 2

	// MinHeaderSize is the smallest prefix that identifies a packet:
	// length field plus type byte.
	MinHeaderSize = 3
)

// Fixed-width field widths of the login request payload and the matching
// prefix of the login accepted payload.
const (
	usernameWidth = 6
	passwordWidth = 10
	sessionWidth  = 10
	sequenceWidth = 20

	loginPayloadSize          = usernameWidth + passwordWidth + sessionWidth + sequenceWidth
	loginAcceptedPayloadWidth = sessionWidth + sequenceWidth
)

// ServerPacketKind identifies which server-to-client packet a ServerPacket is.
type ServerPacketKind int

const (
	KindDebug ServerPacketKind = iota
	KindLoginAccepted
	KindLoginRejected
	KindSequencedData
	KindServerHeartbeat
	KindEndOfSession
	KindUnknown
)

// String returns a human-readable name for the packet kind.
func (k ServerPacketKind) String() string {
	switch k {
	case KindDebug:
		return "Debug"
	case KindLoginAccepted:
		return "LoginAccepted"
	case KindLoginRejected:
		return "LoginRejected"
	case KindSequencedData:
		return "SequencedData"
	case KindServerHeartbeat:
		return "ServerHeartbeat"
	case KindEndOfSession:
		return "EndOfSession"
	default:
		return "Unknown"
	}
}

// ServerPacket is a decoded server-to-client packet. Which fields are
// populated depends on Kind:
//   - KindLoginAccepted: Session and SequenceNumber (trimmed)
//   - KindLoginRejected: RejectReason
//   - KindDebug, KindSequencedData, KindUnknown: Payload (borrowed from the
//     input slice, valid only until the caller reuses it)
//   - KindUnknown: additionally PacketType
type ServerPacket struct {
	Kind           ServerPacketKind
	Session        string
	SequenceNumber string
	RejectReason   byte
	PacketType     byte
	Payload        []byte
}

// ParseServerPacket decodes a server packet from its type byte and payload.
// It never fails: any malformed fixed-width region (wrong length, invalid
// text encoding) degrades to KindUnknown so the caller decides fatality.
//
// Parameters:
//   - packetType: The packet's type byte
//   - payload: The packet body after the 3-byte header; not copied
//
// Returns:
//   - The decoded ServerPacket
func ParseServerPacket(packetType byte, payload []byte) ServerPacket {
	switch packetType {
	case TypeDebug:
		return ServerPacket{Kind: KindDebug, Payload: payload}

	case TypeLoginAccepted:
		if len(payload) < loginAcceptedPayloadWidth {
			return unknownPacket(packetType, payload)
		}

		session := payload[:sessionWidth]
		sequence := payload[sessionWidth:loginAcceptedPayloadWidth]
		if !utf8.Valid(session) || !utf8.Valid(sequence) {
			return unknownPacket(packetType, payload)
		}

		return ServerPacket{
			Kind:           KindLoginAccepted,
			Session:        strings.TrimSpace(string(session)),
			SequenceNumber: strings.TrimSpace(string(sequence)),
		}

	case TypeLoginRejected:
		if len(payload) == 0 {
			return unknownPacket(packetType, payload)
		}
		return ServerPacket{Kind: KindLoginRejected, RejectReason: payload[0]}

	case TypeSequencedData:
		return ServerPacket{Kind: KindSequencedData, Payload: payload}

	case TypeServerHeartbeat:
		return ServerPacket{Kind: KindServerHeartbeat}

	case TypeEndOfSession:
		return ServerPacket{Kind: KindEndOfSession}

	default:
		return unknownPacket(packetType, payload)
	}
}

func unknownPacket(packetType byte, payload []byte) ServerPacket {
	return ServerPacket{Kind: KindUnknown, PacketType: packetType, Payload: payload}
}

// EncodeLoginRequest builds a login request packet. The payload is exactly
// 46 bytes: username[6], password[10] and sessionID[10] left-aligned and
// space-padded on the right; sequenceNumber[20] right-justified with leading
// spaces. Inputs longer than their slot are truncated.
//
// Parameters:
//   - username: Feed credentials, at most 6 significant bytes
//   - password: Feed credentials, at most 10 significant bytes
//   - sessionID: Requested session, empty to let the server pick
//   - sequenceNumber: Requested start sequence as decimal digits, "1" for
//     the beginning of the session
//
// Returns:
//   - The complete 49-byte wire packet
func EncodeLoginRequest(username, password, sessionID, sequenceNumber string) []byte {
	buf := make([]byte, 0, LengthFieldSize+1+loginPayloadSize)
	buf = binary.BigEndian.AppendUint16(buf, 1+loginPayloadSize)
	buf = append(buf, TypeLoginRequest)

	buf = appendPaddedLeft(buf, []byte(username), usernameWidth)
	buf = appendPaddedLeft(buf, []byte(password), passwordWidth)
	buf = appendPaddedLeft(buf, []byte(sessionID), sessionWidth)
	buf = appendPaddedRight(buf, []byte(sequenceNumber), sequenceWidth)

	return buf
}

// EncodeLogoutRequest builds a logout request packet.
func EncodeLogoutRequest() []byte {
	return wrapPacket(TypeLogoutRequest, nil)
}

// EncodeClientHeartbeat builds a client heartbeat packet (length=1, type 'R').
func EncodeClientHeartbeat() []byte {
	return wrapPacket(TypeClientHeartbeat, nil)
}

// EncodeUnsequencedData builds an unsequenced data packet carrying payload.
func EncodeUnsequencedData(payload []byte) []byte {
	return wrapPacket(TypeUnsequencedData, payload)
}

// Server-side encoders, used by the feed simulator and by tests.

// EncodeLoginAccepted builds a login accepted packet announcing the session
// ID and the sequence number of the first sequenced packet to follow.
func EncodeLoginAccepted(session string, sequenceNumber uint64) []byte {
	payload := make([]byte, 0, loginAcceptedPayloadWidth)
	payload = appendPaddedLeft(payload, []byte(session), sessionWidth)
	payload = appendPaddedRight(payload, []byte(strconv.FormatUint(sequenceNumber, 10)), sequenceWidth)

	return wrapPacket(TypeLoginAccepted, payload)
}

// EncodeLoginRejected builds a login rejected packet with the given reason code.
func EncodeLoginRejected(reason byte) []byte {
	return wrapPacket(TypeLoginRejected, []byte{reason})
}

// EncodeSequencedData builds a sequenced data packet carrying payload.
func EncodeSequencedData(payload []byte) []byte {
	return wrapPacket(TypeSequencedData, payload)
}

// EncodeServerHeartbeat builds a server heartbeat packet (length=1, type 'H').
func EncodeServerHeartbeat() []byte {
	return wrapPacket(TypeServerHeartbeat, nil)
}

// EncodeEndOfSession builds an end-of-session packet.
func EncodeEndOfSession() []byte {
	return wrapPacket(TypeEndOfSession, nil)
}

// EncodeDebug builds a debug packet carrying free-form text.
func EncodeDebug(text string) []byte {
	return wrapPacket(TypeDebug, []byte(text))
}

// ParseLoginRequest decodes the fixed-width fields of a login request
// payload. Returns ok=false if the payload is not exactly 46 bytes.
//
// Parameters:
//   - payload: The packet body after the 3-byte header
//
// Returns:
//   - username, password, sessionID and sequenceNumber with padding trimmed,
//     and whether the payload had the expected shape
func ParseLoginRequest(payload []byte) (username, password, sessionID, sequenceNumber string, ok bool) {
	if len(payload) != loginPayloadSize {
		return "", "", "", "", false
	}

	off := 0
	next := func(width int) string {
		field := payload[off : off+width]
		off += width
		return strings.TrimSpace(string(field))
	}

	return next(usernameWidth), next(passwordWidth), next(sessionWidth), next(sequenceWidth), true
}

// ExtractPacket removes one complete packet from the front of buf. It
// requires at least 3 buffered bytes (length field + type byte); if the
// buffer holds the full 2+length bytes the packet is sliced out and copied,
// otherwise the buffer is left untouched pending more bytes.
//
// Parameters:
//   - buf: The accumulation buffer to extract from
//
// Returns:
//   - The packet's type byte, the complete packet bytes including header
//     (an independent copy, safe to retain), and whether a packet was extracted
func ExtractPacket(buf *transport.ReadBuffer) (byte, []byte, bool) {
	pending := buf.Bytes()
	if len(pending) < MinHeaderSize {
		return 0, nil, false
	}

	packetLen := int(binary.BigEndian.Uint16(pending[:LengthFieldSize]))
	total := LengthFieldSize + packetLen

	if packetLen == 0 {
		// degenerate length field, drop the header to regain sync
		buf.Next(LengthFieldSize)
		return 0, nil, false
	}

	if len(pending) < total {
		return 0, nil, false
	}

	packet := make([]byte, total)
	copy(packet, pending[:total])
	buf.Next(total)

	return packet[LengthFieldSize], packet, true
}

// wrapPacket frames payload with the length field and type byte.
func wrapPacket(packetType byte, payload []byte) []byte {
	packetLen := 1 + len(payload)
	packet := make([]byte, 0, LengthFieldSize+packetLen)
	packet = binary.BigEndian.AppendUint16(packet, uint16(packetLen))
	packet = append(packet, packetType)
	packet = append(packet, payload...)

	return packet
}

// appendPaddedLeft copies up to width bytes of data and space-pads the
// remainder, producing a left-aligned fixed-width field.
func appendPaddedLeft(buf, data []byte, width int) []byte {
	n := min(len(data), width)
	buf = append(buf, data[:n]...)
	for i := n; i < width; i++ {
		buf = append(buf, ' ')
	}

	return buf
}

// appendPaddedRight space-pads first and then copies up to width bytes of
// data, producing a right-justified fixed-width field.
func appendPaddedRight(buf, data []byte, width int) []byte {
	n := min(len(data), width)
	for i := n; i < width; i++ {
		buf = append(buf, ' ')
	}

	return append(buf, data[:n]...)
}
