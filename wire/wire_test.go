package wire_test

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanc/torrentd/bitfield"
	"github.com/oceanc/torrentd/wire"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], bytes.Repeat([]byte{0xAB}, 20))
	copy(peerID[:], bytes.Repeat([]byte{0xCD}, 20))

	h := wire.NewHandshake(infoHash, peerID)
	buf := h.Serialize()
	require.Len(t, buf, wire.HandshakeLen)
	require.Equal(t, byte(19), buf[0])
	require.Equal(t, "BitTorrent protocol", string(buf[1:20]))

	got, err := wire.ReadHandshake(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Equal(t, h.InfoHash, got.InfoHash)
	assert.Equal(t, h.PeerID, got.PeerID)
}

func TestHandshakeRejectsWrongProtocolString(t *testing.T) {
	buf := make([]byte, wire.HandshakeLen)
	buf[0] = 19
	copy(buf[1:20], "NotBitTorrentProto!")
	_, err := wire.ReadHandshake(bytes.NewReader(buf))
	assert.ErrorIs(t, err, wire.ErrMalformedPacket)
}

func roundTrip(t *testing.T, msg *wire.Message) *wire.Message {
	t.Helper()
	buf := msg.Serialize()
	got, err := wire.ReadMessage(bytes.NewReader(buf))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, msg.Type, got.Type)
	assert.Equal(t, msg.Payload, got.Payload)
	assert.Equal(t, len(buf), 4+len(got.Payload)+1)
	return got
}

func TestMessageRoundTrips(t *testing.T) {
	roundTrip(t, wire.NewRequest(42, wire.BlockSize, wire.BlockSize))
	roundTrip(t, wire.NewCancel(1, 0, wire.BlockSize))
	roundTrip(t, wire.NewHave(7))
	roundTrip(t, wire.NewPiece(3, 16384, []byte("hello block")))
	roundTrip(t, wire.NewBitfield(bitfield.Bitfield{0xF1, 0x00, 0x81}))
	roundTrip(t, &wire.Message{Type: wire.Choke})
	roundTrip(t, &wire.Message{Type: wire.Unchoke})
	roundTrip(t, &wire.Message{Type: wire.Interested})
	roundTrip(t, &wire.Message{Type: wire.NotInterested})
}

func TestKeepaliveRoundTrips(t *testing.T) {
	var msg *wire.Message
	buf := msg.Serialize()
	assert.Equal(t, []byte{0, 0, 0, 0}, buf)

	got, err := wire.ReadMessage(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Nil(t, got)
}

// A Request for piece 42, offset 16384, length 16384 serializes to
// 00 00 00 0D 06 00 00 00 2A 00 00 40 00 00 00 40 00 byte-for-byte.
func TestRequestSerializesBitExact(t *testing.T) {
	msg := wire.NewRequest(42, 16384, 16384)
	want, err := hex.DecodeString("0000000D06000000" + "2A" + "00004000" + "00004000")
	require.NoError(t, err)
	assert.Equal(t, want, msg.Serialize())
}

func TestParsePieceCopiesIntoBuffer(t *testing.T) {
	buf := make([]byte, 20)
	msg := wire.NewPiece(5, 4, []byte("XYZ"))
	begin, n, err := msg.ParsePiece(5, buf)
	require.NoError(t, err)
	assert.Equal(t, 4, begin)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte("XYZ"), buf[4:7])
}

func TestParsePieceRejectsWrongIndex(t *testing.T) {
	buf := make([]byte, 20)
	msg := wire.NewPiece(5, 0, []byte("a"))
	_, _, err := msg.ParsePiece(6, buf)
	assert.ErrorIs(t, err, wire.ErrMalformedPacket)
}

func TestReadMessageTruncatedFrameDisconnects(t *testing.T) {
	_, err := wire.ReadMessage(bytes.NewReader([]byte{0, 0, 0, 5, 1}))
	assert.ErrorIs(t, err, wire.ErrPeerDisconnected)
}
