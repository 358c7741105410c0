// Package storage implements the on-disk and in-memory piece-assembly
// pipeline: BlockStore (piece/offset -> file bytes), Piece (per-piece
// assembly buffer), and PieceManager (owns all pieces, routes blocks).
package storage

import "github.com/pkg/errors"

// BlockSize is the fixed sub-piece unit, 2^14 bytes.
const BlockSize = 16384

// FileEntry describes one output file in metadata order.
type FileEntry struct {
	Length       int64
	RelativePath string
}

// TorrentMetadata is the immutable manifest the core is built around.
// Parsing the bencoded source file is out of scope for this package; see
// package metainfo.
type TorrentMetadata struct {
	InfoHash    [20]byte
	PieceLength int64
	PieceHashes [][20]byte
	Files       []FileEntry
	TotalLength int64
}

// NumPieces returns len(PieceHashes).
func (m TorrentMetadata) NumPieces() int {
	return len(m.PieceHashes)
}

// PieceLen returns the length in bytes of piece index: PieceLength for all
// but the last piece, and the remainder for the last.
func (m TorrentMetadata) PieceLen(index int) int64 {
	if index == m.NumPieces()-1 {
		return m.TotalLength - int64(index)*m.PieceLength
	}
	return m.PieceLength
}

// Validate checks the invariants TorrentMetadata is assumed to satisfy.
func (m TorrentMetadata) Validate() error {
	if m.NumPieces() == 0 {
		return errors.New("torrent metadata has zero pieces")
	}
	if m.PieceLength <= 0 {
		return errors.New("torrent metadata has non-positive piece length")
	}
	last := m.PieceLen(m.NumPieces() - 1)
	if last <= 0 || last > m.PieceLength {
		return errors.Errorf("last piece length %d out of range (0, %d]", last, m.PieceLength)
	}
	var sum int64
	for _, f := range m.Files {
		sum += f.Length
	}
	if sum != m.TotalLength {
		return errors.Errorf("sum of file lengths %d != total length %d", sum, m.TotalLength)
	}
	return nil
}
