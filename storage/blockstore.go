package storage

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrShortRead signals that fewer bytes than requested could be read from
// the underlying files.
var ErrShortRead = errors.New("short read")

// fileSpan is one output file's placement in the flat torrent byte space.
type fileSpan struct {
	offset int64 // start offset in the flat byte space
	length int64
	file   *os.File
	mu     *sync.Mutex // serializes read/write against this file
}

// BlockStore maps the flat 0-based byte space of a torrent (the
// concatenation of its files in metadata order) onto one or more
// filesystem files rooted at a download directory.
type BlockStore struct {
	meta  TorrentMetadata
	spans []fileSpan
}

// NewBlockStore materializes each output file at its declared length
// (sparse allocation) under downloadDir, laid out per the metadata's file
// table.
func NewBlockStore(meta TorrentMetadata, downloadDir string) (*BlockStore, error) {
	bs := &BlockStore{meta: meta}

	var offset int64
	for _, fe := range meta.Files {
		path := filepath.Join(downloadDir, filepath.FromSlash(fe.RelativePath))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating directory for %s", path)
		}
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, errors.Wrapf(err, "opening %s", path)
		}
		if err := f.Truncate(fe.Length); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "preallocating %s to %d bytes", path, fe.Length)
		}
		bs.spans = append(bs.spans, fileSpan{offset: offset, length: fe.Length, file: f, mu: &sync.Mutex{}})
		offset += fe.Length
	}

	return bs, nil
}

// Close closes every underlying file.
func (bs *BlockStore) Close() error {
	var first error
	for _, s := range bs.spans {
		if err := s.file.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// spansFrom returns the spans starting at or containing byte offset start,
// in ascending order, suitable for walking a [start, start+n) range.
func (bs *BlockStore) spansFrom(start int64) []fileSpan {
	idx := sort.Search(len(bs.spans), func(i int) bool {
		return bs.spans[i].offset+bs.spans[i].length > start
	})
	if idx >= len(bs.spans) {
		return nil
	}
	return bs.spans[idx:]
}

// ReadBlock reads req.Length bytes starting at
// req.PieceIndex*pieceLength+req.Begin, crossing file boundaries as
// needed. It returns exactly req.Length bytes or ErrShortRead.
func (bs *BlockStore) ReadBlock(req Request) ([]byte, error) {
	start := int64(req.PieceIndex)*bs.meta.PieceLength + int64(req.Begin)
	out := make([]byte, req.Length)
	n, err := bs.walk(start, out, false)
	if err != nil {
		return nil, err
	}
	if n != len(out) {
		return nil, errors.Wrapf(ErrShortRead, "read %d of %d bytes at offset %d", n, len(out), start)
	}
	return out, nil
}

// WritePiece writes data (already offset-sorted and concatenated by the
// caller) starting at pieceIndex's offset, crossing file boundaries as
// needed, syncing each file as soon as its portion is written. If a write
// fails partway, the portions already written to earlier files stay in
// place; they are not rolled back.
func (bs *BlockStore) WritePiece(pieceIndex int, data []byte) error {
	start := int64(pieceIndex) * bs.meta.PieceLength
	n, err := bs.walk(start, data, true)
	if err != nil {
		return err
	}
	if n != len(data) {
		return errors.Wrapf(ErrShortRead, "wrote %d of %d bytes at offset %d", n, len(data), start)
	}
	return nil
}

// walk crosses file-span boundaries starting at byte offset start, either
// reading into buf (write=false) or writing buf's contents (write=true).
// It returns the number of bytes transferred.
func (bs *BlockStore) walk(start int64, buf []byte, write bool) (int, error) {
	spans := bs.spansFrom(start)
	remaining := buf
	cursor := start
	total := 0

	for _, span := range spans {
		if len(remaining) == 0 {
			break
		}
		spanOffsetIntoFile := cursor - span.offset
		if spanOffsetIntoFile < 0 {
			spanOffsetIntoFile = 0
		}
		available := span.length - spanOffsetIntoFile
		if available <= 0 {
			continue
		}
		chunk := int64(len(remaining))
		if chunk > available {
			chunk = available
		}

		span.mu.Lock()
		var (
			n   int
			err error
		)
		if write {
			n, err = span.file.WriteAt(remaining[:chunk], spanOffsetIntoFile)
			if err == nil {
				err = span.file.Sync()
			}
		} else {
			n, err = span.file.ReadAt(remaining[:chunk], spanOffsetIntoFile)
		}
		span.mu.Unlock()

		total += n
		cursor += int64(n)
		remaining = remaining[n:]

		if err != nil {
			return total, errors.Wrapf(err, "at flat offset %d", cursor)
		}
		if int64(n) != chunk {
			return total, errors.Wrapf(ErrShortRead, "partial transfer of %d/%d bytes", n, chunk)
		}
	}

	return total, nil
}
