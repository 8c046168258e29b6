package soupbin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/soupbintcp/transport"
)

func TestEncodeLoginRequest_Layout(t *testing.T) {
	packet := EncodeLoginRequest("user1", "pass", "SESS", "1")
	require.Len(t, packet, 49)

	// length field covers type byte + 46-byte payload
	assert.Equal(t, []byte{0x00, 47}, packet[:2])
	assert.Equal(t, TypeLoginRequest, packet[2])

	assert.Equal(t, []byte("user1 "), packet[3:9])
	assert.Equal(t, []byte("pass      "), packet[9:19])
	assert.Equal(t, []byte("SESS      "), packet[19:29])
	assert.Equal(t, []byte("                   1"), packet[29:49])
}

func TestEncodeLoginRequest_TruncatesOversizedFields(t *testing.T) {
	packet := EncodeLoginRequest("toolongname", "x", "", "123456789012345678901234")
	require.Len(t, packet, 49)

	assert.Equal(t, []byte("toolon"), packet[3:9])
	assert.Equal(t, []byte("12345678901234567890"), packet[29:49])
}

func TestEncodeClientHeartbeat_Wire(t *testing.T) {
	assert.Equal(t, []byte{0x00, 0x01, 'R'}, EncodeClientHeartbeat())
}

func TestEncodeServerHeartbeat_Wire(t *testing.T) {
	assert.Equal(t, []byte{0x00, 0x01, 'H'}, EncodeServerHeartbeat())
}

func TestEncodeLogoutRequest_Wire(t *testing.T) {
	assert.Equal(t, []byte{0x00, 0x01, 'O'}, EncodeLogoutRequest())
}

func TestEncodeUnsequencedData_Wire(t *testing.T) {
	packet := EncodeUnsequencedData([]byte("hi"))
	assert.Equal(t, []byte{0x00, 0x03, 'U', 'h', 'i'}, packet)
}

func TestEncodeSequencedData_Wire(t *testing.T) {
	packet := EncodeSequencedData([]byte("abc"))
	assert.Equal(t, []byte{0x00, 0x04, 'S', 'a', 'b', 'c'}, packet)
}

func TestParseServerPacket_LoginAccepted(t *testing.T) {
	payload := []byte("SESSION1  " + "                  73")
	require.Len(t, payload, 30)

	parsed := ParseServerPacket(TypeLoginAccepted, payload)
	assert.Equal(t, KindLoginAccepted, parsed.Kind)
	assert.Equal(t, "SESSION1", parsed.Session)
	assert.Equal(t, "73", parsed.SequenceNumber)
}

func TestParseServerPacket_LoginAcceptedShortPayload(t *testing.T) {
	parsed := ParseServerPacket(TypeLoginAccepted, []byte("too short"))
	assert.Equal(t, KindUnknown, parsed.Kind)
	assert.Equal(t, TypeLoginAccepted, parsed.PacketType)
}

func TestParseServerPacket_LoginAcceptedInvalidText(t *testing.T) {
	payload := make([]byte, 30)
	for i := range payload {
		payload[i] = 0xff // not valid UTF-8
	}

	parsed := ParseServerPacket(TypeLoginAccepted, payload)
	assert.Equal(t, KindUnknown, parsed.Kind)
}

func TestParseServerPacket_LoginRejected(t *testing.T) {
	parsed := ParseServerPacket(TypeLoginRejected, []byte{'A'})
	assert.Equal(t, KindLoginRejected, parsed.Kind)
	assert.Equal(t, byte('A'), parsed.RejectReason)
}

func TestParseServerPacket_LoginRejectedEmptyPayload(t *testing.T) {
	parsed := ParseServerPacket(TypeLoginRejected, nil)
	assert.Equal(t, KindUnknown, parsed.Kind)
}

func TestParseServerPacket_ControlPackets(t *testing.T) {
	assert.Equal(t, KindServerHeartbeat, ParseServerPacket(TypeServerHeartbeat, nil).Kind)
	assert.Equal(t, KindEndOfSession, ParseServerPacket(TypeEndOfSession, nil).Kind)
	assert.Equal(t, KindDebug, ParseServerPacket(TypeDebug, []byte("text")).Kind)
}

func TestParseServerPacket_SequencedData(t *testing.T) {
	parsed := ParseServerPacket(TypeSequencedData, []byte("payload"))
	assert.Equal(t, KindSequencedData, parsed.Kind)
	assert.Equal(t, []byte("payload"), parsed.Payload)
}

func TestParseServerPacket_UnknownType(t *testing.T) {
	parsed := ParseServerPacket('?', []byte("x"))
	assert.Equal(t, KindUnknown, parsed.Kind)
	assert.Equal(t, byte('?'), parsed.PacketType)
}

func TestEncodeLoginAccepted_RoundTrip(t *testing.T) {
	packet := EncodeLoginAccepted("DAY1", 42)
	require.Len(t, packet, MinHeaderSize+30)
	require.Equal(t, TypeLoginAccepted, packet[2])

	parsed := ParseServerPacket(packet[2], packet[MinHeaderSize:])
	assert.Equal(t, KindLoginAccepted, parsed.Kind)
	assert.Equal(t, "DAY1", parsed.Session)
	assert.Equal(t, "42", parsed.SequenceNumber)
}

func TestParseLoginRequest_RoundTrip(t *testing.T) {
	packet := EncodeLoginRequest("user1", "secret", "DAY1", "500")

	username, password, sessionID, sequenceNumber, ok := ParseLoginRequest(packet[MinHeaderSize:])
	require.True(t, ok)
	assert.Equal(t, "user1", username)
	assert.Equal(t, "secret", password)
	assert.Equal(t, "DAY1", sessionID)
	assert.Equal(t, "500", sequenceNumber)
}

func TestParseLoginRequest_WrongSize(t *testing.T) {
	_, _, _, _, ok := ParseLoginRequest([]byte("short"))
	assert.False(t, ok)
}

func TestExtractPacket_IncompleteLeavesBuffer(t *testing.T) {
	var buf transport.ReadBuffer

	// header says 5 bytes follow, only the type byte is present
	buf.Write([]byte{0x00, 0x05, 'S'})

	_, _, ok := ExtractPacket(&buf)
	assert.False(t, ok)
	assert.Equal(t, 3, buf.Len())
}

func TestExtractPacket_FewerThanHeaderBytes(t *testing.T) {
	var buf transport.ReadBuffer
	buf.Write([]byte{0x00, 0x01})

	_, _, ok := ExtractPacket(&buf)
	assert.False(t, ok)
	assert.Equal(t, 2, buf.Len())
}

func TestExtractPacket_SinglePacketWithTrailingBytes(t *testing.T) {
	var buf transport.ReadBuffer
	buf.Write(EncodeClientHeartbeat())
	buf.Write([]byte{0x00, 0x09}) // start of the next packet's header

	packetType, packet, ok := ExtractPacket(&buf)
	require.True(t, ok)
	assert.Equal(t, TypeClientHeartbeat, packetType)
	assert.Equal(t, []byte{0x00, 0x01, 'R'}, packet)
	assert.Equal(t, 2, buf.Len())

	_, _, ok = ExtractPacket(&buf)
	assert.False(t, ok)
}

func TestExtractPacket_MultiplePacketsBackToBack(t *testing.T) {
	var buf transport.ReadBuffer
	buf.Write(EncodeSequencedData([]byte("one")))
	buf.Write(EncodeSequencedData([]byte("two")))
	buf.Write(EncodeServerHeartbeat())

	packetType, packet, ok := ExtractPacket(&buf)
	require.True(t, ok)
	assert.Equal(t, TypeSequencedData, packetType)
	assert.Equal(t, []byte("one"), packet[MinHeaderSize:])

	packetType, packet, ok = ExtractPacket(&buf)
	require.True(t, ok)
	assert.Equal(t, TypeSequencedData, packetType)
	assert.Equal(t, []byte("two"), packet[MinHeaderSize:])

	packetType, _, ok = ExtractPacket(&buf)
	require.True(t, ok)
	assert.Equal(t, TypeServerHeartbeat, packetType)

	assert.Equal(t, 0, buf.Len())
}

func TestExtractPacket_PacketIsIndependentCopy(t *testing.T) {
	var buf transport.ReadBuffer
	buf.Write(EncodeSequencedData([]byte("keep")))

	_, packet, ok := ExtractPacket(&buf)
	require.True(t, ok)

	// further buffer use must not mutate the extracted packet
	buf.Write(make([]byte, 64))
	assert.Equal(t, []byte("keep"), packet[MinHeaderSize:])
}

func TestExtractPacket_ZeroLengthHeaderResyncs(t *testing.T) {
	var buf transport.ReadBuffer
	buf.Write([]byte{0x00, 0x00, 'R'})

	_, _, ok := ExtractPacket(&buf)
	assert.False(t, ok)
	assert.Equal(t, 1, buf.Len())
}

func TestServerPacketKind_String(t *testing.T) {
	assert.Equal(t, "LoginAccepted", KindLoginAccepted.String())
	assert.Equal(t, "EndOfSession", KindEndOfSession.String())
	assert.Equal(t, "Unknown", KindUnknown.String())
	assert.Equal(t, "Unknown", ServerPacketKind(99).String())
}
