package storage

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/oceanc/torrentd/bitfield"
)

// ErrPieceVerificationFailure signals a SHA-1 mismatch on a complete piece.
var ErrPieceVerificationFailure = errors.New("piece verification failed")

// ErrUnknownPiece signals a block referencing an out-of-range piece index,
// or a request for a piece that is not yet held.
var ErrUnknownPiece = errors.New("unknown piece index")

// ErrPieceAlreadyFinished signals a block delivered for a piece that has
// already been verified and persisted; it is dropped, not an I/O failure.
var ErrPieceAlreadyFinished = errors.New("piece already finished")

// PieceManager owns every Piece, issues the stream of outstanding
// requests, routes inbound blocks, and persists verified pieces via a
// BlockStore.
type PieceManager struct {
	mu sync.Mutex

	meta  TorrentMetadata
	store *BlockStore

	unfinished   map[int]*Piece
	finished     map[int]*Piece
	haveBitfield bitfield.Bitfield
}

// NewPieceManager constructs one Piece per metadata piece hash, all
// initially Incomplete and owned by the unfinished map.
func NewPieceManager(meta TorrentMetadata, store *BlockStore) *PieceManager {
	pm := &PieceManager{
		meta:         meta,
		store:        store,
		unfinished:   make(map[int]*Piece, meta.NumPieces()),
		finished:     make(map[int]*Piece),
		haveBitfield: bitfield.New(meta.NumPieces()),
	}
	for i := 0; i < meta.NumPieces(); i++ {
		pm.unfinished[i] = NewPiece(i, meta.PieceHashes[i], int(meta.PieceLen(i)))
	}
	return pm
}

// RequestStream is a pull-based, lazy iterator over outstanding requests,
// decoupled from whatever scheduler drives it (see PieceManager.Requests).
type RequestStream struct {
	mgr      *PieceManager
	snapshot []*Piece
	cursor   int
}

// Next returns the next outstanding request in ascending piece-index
// order, or (_, false) once every piece has been verified.
func (s *RequestStream) Next() (Request, bool) {
	for {
		if s.cursor >= len(s.snapshot) {
			snap := s.mgr.snapshotUnfinishedSorted()
			if len(snap) == 0 {
				return Request{}, false
			}
			s.snapshot = snap
			s.cursor = 0
		}
		piece := s.snapshot[s.cursor]
		if req, ok := piece.NextRequest(); ok {
			return req, true
		}
		s.cursor++
	}
}

// Requests returns a fresh RequestStream over this manager's pieces.
func (pm *PieceManager) Requests() *RequestStream {
	return &RequestStream{mgr: pm}
}

func (pm *PieceManager) snapshotUnfinishedSorted() []*Piece {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	out := make([]*Piece, 0, len(pm.unfinished))
	for _, p := range pm.unfinished {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index() < out[j].Index() })
	return out
}

// HasPiece reports whether piece index has been verified and persisted.
func (pm *PieceManager) HasPiece(index int) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	_, ok := pm.finished[index]
	return ok
}

// Complete reports whether every piece has been verified.
func (pm *PieceManager) Complete() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.finished) == pm.meta.NumPieces()
}

// Bitfield returns a snapshot of the manager's have-bitfield.
func (pm *PieceManager) Bitfield() bitfield.Bitfield {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.haveBitfield.Clone()
}

// SaveBlock routes an inbound block to its piece. If the index is invalid
// the block is rejected with ErrUnknownPiece; if the piece is already
// finished it is dropped with ErrPieceAlreadyFinished. If the block
// completes the piece, exactly one caller — even under concurrent delivery
// of a piece's last two distinct blocks by different sessions — verifies,
// promotes, and persists it; every other caller sees completed=false, nil.
// On verification failure the piece is reset. SaveBlock reports whether
// this call completed (verified) the piece.
func (pm *PieceManager) SaveBlock(b Block) (completed bool, err error) {
	if b.PieceIndex < 0 || b.PieceIndex >= pm.meta.NumPieces() {
		return false, errors.Wrapf(ErrUnknownPiece, "index %d", b.PieceIndex)
	}

	pm.mu.Lock()
	piece, ok := pm.unfinished[b.PieceIndex]
	pm.mu.Unlock()
	if !ok {
		return false, errors.Wrapf(ErrPieceAlreadyFinished, "index %d", b.PieceIndex)
	}

	piece.SaveBlock(b)

	if !piece.TryFinalize() {
		return false, nil
	}

	if piece.Verify() {
		pm.mu.Lock()
		delete(pm.unfinished, b.PieceIndex)
		pm.finished[b.PieceIndex] = piece
		pm.haveBitfield.SetPiece(b.PieceIndex)
		pm.mu.Unlock()

		if err := pm.store.WritePiece(b.PieceIndex, piece.SortedData()); err != nil {
			return false, errors.Wrapf(err, "writing piece %d", b.PieceIndex)
		}
		return true, nil
	}

	piece.Reset()
	return false, nil
}

// GetBlock serves a read of a verified piece to another peer.
func (pm *PieceManager) GetBlock(req Request) (Block, error) {
	if !pm.HasPiece(req.PieceIndex) {
		return Block{}, errors.Wrapf(ErrUnknownPiece, "piece %d not yet held", req.PieceIndex)
	}
	data, err := pm.store.ReadBlock(req)
	if err != nil {
		return Block{}, err
	}
	return Block{PieceIndex: req.PieceIndex, Begin: req.Begin, Data: data}, nil
}
