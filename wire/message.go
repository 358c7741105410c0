package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/oceanc/torrentd/bitfield"
)

// MessageType is the one-byte discriminator of a framed peer message.
// Every message type shares one struct, one type code, and one
// serialize/deserialize dispatch table rather than a type hierarchy.
type MessageType uint8

const (
	Choke MessageType = iota
	Unchoke
	Interested
	NotInterested
	Have
	BitfieldMsg
	Request
	Piece
	Cancel
)

// BlockSize is the fixed sub-piece unit exchanged on the wire (2^14).
const BlockSize = 16 * 1024

// ErrMalformedPacket signals a local violation of the wire format.
var ErrMalformedPacket = errors.New("malformed packet")

// ErrPeerDisconnected signals EOF, reset, or a truncated frame.
var ErrPeerDisconnected = errors.New("peer disconnected")

// Message is the tagged variant for every framed, non-handshake message.
// A nil *Message represents a keepalive (length-0 frame, no type byte).
type Message struct {
	Type    MessageType
	Payload []byte
}

// NewRequest builds a Request message for (index, begin, length).
func NewRequest(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{Type: Request, Payload: payload}
}

// NewCancel builds a Cancel message, identical in shape to Request.
func NewCancel(index, begin, length int) *Message {
	msg := NewRequest(index, begin, length)
	msg.Type = Cancel
	return msg
}

// NewHave builds a Have message announcing piece index.
func NewHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{Type: Have, Payload: payload}
}

// NewBitfield builds a Bitfield message carrying the raw packed bytes.
func NewBitfield(bf bitfield.Bitfield) *Message {
	return &Message{Type: BitfieldMsg, Payload: append([]byte(nil), bf...)}
}

// NewPiece builds a Piece (block delivery) message.
func NewPiece(index, begin int, data []byte) *Message {
	payload := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], data)
	return &Message{Type: Piece, Payload: payload}
}

// ParseRequest decodes index, begin, length from a Request or Cancel message.
func (m *Message) ParseRequest() (index, begin, length int, err error) {
	if m.Type != Request && m.Type != Cancel {
		return 0, 0, 0, errors.Wrapf(ErrMalformedPacket, "expected REQUEST/CANCEL, got type %d", m.Type)
	}
	if len(m.Payload) != 12 {
		return 0, 0, 0, errors.Wrapf(ErrMalformedPacket, "request payload length %d != 12", len(m.Payload))
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(m.Payload[8:12]))
	return index, begin, length, nil
}

// ParseHave decodes the announced piece index from a Have message.
func (m *Message) ParseHave() (int, error) {
	if m.Type != Have {
		return 0, errors.Wrapf(ErrMalformedPacket, "expected HAVE, got type %d", m.Type)
	}
	if len(m.Payload) != 4 {
		return 0, errors.Wrapf(ErrMalformedPacket, "have payload length %d != 4", len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// ParseBitfield returns the raw bitfield bytes from a Bitfield message.
func (m *Message) ParseBitfield() (bitfield.Bitfield, error) {
	if m.Type != BitfieldMsg {
		return nil, errors.Wrapf(ErrMalformedPacket, "expected BITFIELD, got type %d", m.Type)
	}
	return bitfield.Bitfield(m.Payload), nil
}

// ParsePiece copies a block's payload into buf at its begin offset and
// returns the number of bytes copied. expectedIndex guards against a
// piece message answering a different piece than the caller expects.
func (m *Message) ParsePiece(expectedIndex int, buf []byte) (begin, n int, err error) {
	if m.Type != Piece {
		return 0, 0, errors.Wrapf(ErrMalformedPacket, "expected PIECE, got type %d", m.Type)
	}
	if len(m.Payload) < 8 {
		return 0, 0, errors.Wrapf(ErrMalformedPacket, "piece payload too short: %d < 8", len(m.Payload))
	}
	index := int(binary.BigEndian.Uint32(m.Payload[0:4]))
	if index != expectedIndex {
		return 0, 0, errors.Wrapf(ErrMalformedPacket, "expected index %d, got %d", expectedIndex, index)
	}
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	if begin >= len(buf) {
		return 0, 0, errors.Wrapf(ErrMalformedPacket, "begin offset too high, %d >= %d", begin, len(buf))
	}
	data := m.Payload[8:]
	if begin+len(data) > len(buf) {
		return 0, 0, errors.Wrapf(ErrMalformedPacket, "data too long [%d] for offset %d with buf length %d", len(data), begin, len(buf))
	}
	copy(buf[begin:], data)
	return begin, len(data), nil
}

// DecodeBlock decodes a Piece message's index, begin offset, and data
// without requiring a preallocated destination buffer.
func (m *Message) DecodeBlock() (index, begin int, data []byte, err error) {
	if m.Type != Piece {
		return 0, 0, nil, errors.Wrapf(ErrMalformedPacket, "expected PIECE, got type %d", m.Type)
	}
	if len(m.Payload) < 8 {
		return 0, 0, nil, errors.Wrapf(ErrMalformedPacket, "piece payload too short: %d < 8", len(m.Payload))
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	data = m.Payload[8:]
	return index, begin, data, nil
}

// Serialize encodes a message into <length prefix><type><payload>. A nil
// receiver serializes to the 4-byte zero-length keepalive frame.
func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	length := uint32(len(m.Payload) + 1) // +1 for the type byte
	buf := make([]byte, length+4)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.Type)
	copy(buf[5:], m.Payload)
	return buf
}

// ReadMessage parses one frame from the stream. It returns (nil, nil) on
// a keepalive frame.
func ReadMessage(r io.Reader) (*Message, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, errors.Wrap(ErrPeerDisconnected, err.Error())
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])

	if length == 0 {
		return nil, nil // keepalive
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrap(ErrPeerDisconnected, err.Error())
	}

	return &Message{Type: MessageType(body[0]), Payload: body[1:]}, nil
}

func (t MessageType) String() string {
	switch t {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case BitfieldMsg:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	default:
		return fmt.Sprintf("Unknown#%d", uint8(t))
	}
}

func (m *Message) String() string {
	if m == nil {
		return "KeepAlive"
	}
	return fmt.Sprintf("%s [%d]", m.Type, len(m.Payload))
}
