// Package wire implements the bit-exact BitTorrent peer wire protocol:
// the handshake and the length-prefixed message stream that follows it.
package wire

import (
	"io"

	"github.com/pkg/errors"
)

const protocolString = "BitTorrent protocol"

// HandshakeLen is the fixed size of a serialized Handshake.
const HandshakeLen = 1 + len(protocolString) + 8 + 20 + 20

// Handshake is the 68-byte message exchanged once in each direction before
// any framed message is sent.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake builds a Handshake with the standard protocol string.
func NewHandshake(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{InfoHash: infoHash, PeerID: peerID}
}

// Serialize encodes the handshake to its 68-byte wire form.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, HandshakeLen)
	buf[0] = byte(len(protocolString))
	cur := 1
	cur += copy(buf[cur:], protocolString)
	cur += copy(buf[cur:], make([]byte, 8)) // reserved, always zero
	cur += copy(buf[cur:], h.InfoHash[:])
	copy(buf[cur:], h.PeerID[:])
	return buf
}

// ReadHandshake parses a handshake from a stream. Only the 19-byte
// "BitTorrent protocol" string is accepted: any other pstrlen or protocol
// string is rejected as malformed.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	var lengthBuf [1]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, errors.Wrap(ErrPeerDisconnected, err.Error())
	}
	pstrlen := int(lengthBuf[0])
	if pstrlen != len(protocolString) {
		return nil, errors.Wrapf(ErrMalformedPacket, "unexpected pstrlen %d", pstrlen)
	}

	rest := make([]byte, 8+20+20) // reserved+infohash+peerid
	pstrBuf := make([]byte, pstrlen)
	if _, err := io.ReadFull(r, pstrBuf); err != nil {
		return nil, errors.Wrap(ErrPeerDisconnected, err.Error())
	}
	if string(pstrBuf) != protocolString {
		return nil, errors.Wrapf(ErrMalformedPacket, "unexpected protocol string %q", pstrBuf)
	}
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, errors.Wrap(ErrPeerDisconnected, err.Error())
	}

	var h Handshake
	copy(h.InfoHash[:], rest[8:28])
	copy(h.PeerID[:], rest[28:48])
	return &h, nil
}
