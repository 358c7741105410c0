// Package session implements PeerSession, the per-connection BitTorrent
// protocol state machine: handshake, framing, choke/interest bookkeeping,
// and the inbound packet loop.
package session

import (
	"bufio"
	"bytes"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/oceanc/torrentd/bitfield"
	"github.com/oceanc/torrentd/wire"
)

// ErrPeerDisconnected is re-exported from wire for callers that only
// import session.
var ErrPeerDisconnected = wire.ErrPeerDisconnected

// ErrMalformedPacket is re-exported from wire.
var ErrMalformedPacket = wire.ErrMalformedPacket

// ErrInfoHashMismatch signals a handshake whose info_hash does not match
// the torrent this session was opened for.
var ErrInfoHashMismatch = errors.New("info hash mismatch")

const (
	handshakeTimeout = 10 * time.Second
	// idleTimeout exceeds the 100s keepalive interval so a quiet-but-alive
	// peer is not mistaken for a dead one.
	idleTimeout = 120 * time.Second
)

// SwarmHandle is the read-only, borrowed view a PeerSession needs of its
// owning Swarm: just enough to size an inbound bitfield correctly. It is
// held by value (an interface, not a pointer into Swarm's fields) so
// session never imports swarm and the two packages cannot form an import
// cycle — the weak/borrowed handle the design calls for.
type SwarmHandle interface {
	NumPieces() int
}

// PeerSession is one protocol state machine per connected peer.
type PeerSession struct {
	mu sync.Mutex

	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	RemotePeerID [20]byte

	amChoking     bool
	amInterested  bool
	peerChoking   bool
	peerInterested bool
	peerBitfield  bitfield.Bitfield

	lastSeen time.Time

	localPeerID [20]byte
	infoHash    [20]byte
	swarm       SwarmHandle
}

// New wraps an already-open connection. Call Connect or Accept to perform
// the handshake before exchanging any other message.
func New(conn net.Conn, localPeerID, infoHash [20]byte, swarm SwarmHandle) *PeerSession {
	return &PeerSession{
		conn:        conn,
		reader:      bufio.NewReader(conn),
		writer:      bufio.NewWriter(conn),
		amChoking:   true,
		peerChoking: true,
		localPeerID: localPeerID,
		infoHash:    infoHash,
		swarm:       swarm,
		lastSeen:    time.Now(),
	}
}

// Connect performs the outbound handshake: send ours, then read theirs.
func (s *PeerSession) Connect() error {
	s.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer s.conn.SetDeadline(time.Time{})

	if err := s.writeHandshake(); err != nil {
		return err
	}
	return s.readAndCheckHandshake()
}

// Accept performs the inbound handshake: read theirs first, then send ours.
func (s *PeerSession) Accept() error {
	s.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer s.conn.SetDeadline(time.Time{})

	if err := s.readAndCheckHandshake(); err != nil {
		return err
	}
	return s.writeHandshake()
}

func (s *PeerSession) writeHandshake() error {
	hs := wire.NewHandshake(s.infoHash, s.localPeerID)
	if _, err := s.conn.Write(hs.Serialize()); err != nil {
		return errors.Wrap(ErrPeerDisconnected, err.Error())
	}
	return nil
}

func (s *PeerSession) readAndCheckHandshake() error {
	resp, err := wire.ReadHandshake(s.conn)
	if err != nil {
		return err
	}
	if !bytes.Equal(resp.InfoHash[:], s.infoHash[:]) {
		return errors.Wrapf(ErrInfoHashMismatch, "expected %x, got %x", s.infoHash, resp.InfoHash)
	}
	s.RemotePeerID = resp.PeerID
	numPieces := 0
	if s.swarm != nil {
		numPieces = s.swarm.NumPieces()
	}
	s.peerBitfield = bitfield.New(numPieces)
	return nil
}

// Conn returns the underlying connection, e.g. for Close by the caller.
func (s *PeerSession) Conn() net.Conn {
	return s.conn
}

func (s *PeerSession) send(msg *wire.Message) error {
	if _, err := s.writer.Write(msg.Serialize()); err != nil {
		return errors.Wrap(ErrPeerDisconnected, err.Error())
	}
	return s.writer.Flush()
}

// SendInterested emits an Interested message and sets am_interested.
func (s *PeerSession) SendInterested() error {
	s.mu.Lock()
	s.amInterested = true
	s.mu.Unlock()
	return s.send(&wire.Message{Type: wire.Interested})
}

// SendNotInterested emits a NotInterested message.
func (s *PeerSession) SendNotInterested() error {
	s.mu.Lock()
	s.amInterested = false
	s.mu.Unlock()
	return s.send(&wire.Message{Type: wire.NotInterested})
}

// SendChoke emits a Choke message and sets am_choking.
func (s *PeerSession) SendChoke() error {
	s.mu.Lock()
	s.amChoking = true
	s.mu.Unlock()
	return s.send(&wire.Message{Type: wire.Choke})
}

// SendUnchoke emits an Unchoke message and clears am_choking.
func (s *PeerSession) SendUnchoke() error {
	s.mu.Lock()
	s.amChoking = false
	s.mu.Unlock()
	return s.send(&wire.Message{Type: wire.Unchoke})
}

// SendRequest emits a Request message for the given block.
func (s *PeerSession) SendRequest(index, begin, length int) error {
	return s.send(wire.NewRequest(index, begin, length))
}

// SendBlock emits a Piece (block delivery) message.
func (s *PeerSession) SendBlock(index, begin int, data []byte) error {
	return s.send(wire.NewPiece(index, begin, data))
}

// SendHave emits a Have message announcing piece index.
func (s *PeerSession) SendHave(index int) error {
	return s.send(wire.NewHave(index))
}

// SendBitfield emits our current bitfield. Must be the first message sent
// after the handshake if sent at all.
func (s *PeerSession) SendBitfield(bf bitfield.Bitfield) error {
	return s.send(wire.NewBitfield(bf))
}

// SendKeepalive emits a zero-length keepalive frame.
func (s *PeerSession) SendKeepalive() error {
	return s.send(nil)
}

// AmChoking, PeerChoking and PeerInterested report three of this
// session's four protocol-state booleans.
func (s *PeerSession) AmChoking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amChoking
}

func (s *PeerSession) PeerChoking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerChoking
}

func (s *PeerSession) PeerInterested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerInterested
}

// HasPiece reports whether the peer's advertised bitfield has index set.
func (s *PeerSession) HasPiece(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerBitfield.HasPiece(index)
}

// ReadNext reads and applies one inbound packet, updating this session's
// protocol state, and returns it for the caller (the swarm dispatcher) to
// act on. It sets an idle read deadline ahead of every read.
func (s *PeerSession) ReadNext() (*wire.Message, error) {
	s.conn.SetReadDeadline(time.Now().Add(idleTimeout))

	msg, err := wire.ReadMessage(s.reader)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()

	if msg == nil {
		return nil, nil // keepalive
	}

	switch msg.Type {
	case wire.Choke:
		s.mu.Lock()
		s.peerChoking = true
		s.mu.Unlock()
	case wire.Unchoke:
		s.mu.Lock()
		s.peerChoking = false
		s.mu.Unlock()
	case wire.Interested:
		s.mu.Lock()
		s.peerInterested = true
		s.mu.Unlock()
	case wire.NotInterested:
		s.mu.Lock()
		s.peerInterested = false
		s.mu.Unlock()
	case wire.Have:
		index, err := msg.ParseHave()
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.peerBitfield.SetPiece(index)
		s.mu.Unlock()
	case wire.BitfieldMsg:
		bf, err := msg.ParseBitfield()
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.peerBitfield = bf
		s.mu.Unlock()
	}

	return msg, nil
}

// LastSeen returns the timestamp of the last successfully read packet.
func (s *PeerSession) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Close closes the underlying connection.
func (s *PeerSession) Close() error {
	return s.conn.Close()
}
