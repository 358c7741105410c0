package storage_test

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanc/torrentd/storage"
)

// A single piece backed by a single file.
func TestBlockStoreSinglePieceSingleBlock(t *testing.T) {
	dir := t.TempDir()
	meta := storage.TorrentMetadata{
		PieceLength: 1,
		PieceHashes: [][20]byte{sha1.Sum([]byte{0x00})},
		Files:       []storage.FileEntry{{Length: 1, RelativePath: "out.bin"}},
		TotalLength: 1,
	}
	bs, err := storage.NewBlockStore(meta, dir)
	require.NoError(t, err)
	defer bs.Close()

	require.NoError(t, bs.WritePiece(0, []byte{0x00}))

	got, err := os.ReadFile(filepath.Join(dir, "out.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00}, got)
}

// A piece that spans two files.
func TestBlockStorePieceSpansFiles(t *testing.T) {
	dir := t.TempDir()
	meta := storage.TorrentMetadata{
		PieceLength: 4,
		PieceHashes: [][20]byte{sha1.Sum([]byte("AAAA"))},
		Files: []storage.FileEntry{
			{Length: 3, RelativePath: "file1.bin"},
			{Length: 3, RelativePath: "file2.bin"},
		},
		TotalLength: 6,
	}
	bs, err := storage.NewBlockStore(meta, dir)
	require.NoError(t, err)
	defer bs.Close()

	require.NoError(t, bs.WritePiece(0, []byte("AAAA")))

	f1, err := os.ReadFile(filepath.Join(dir, "file1.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte("AAA"), f1)

	f2, err := os.ReadFile(filepath.Join(dir, "file2.bin"))
	require.NoError(t, err)
	assert.Equal(t, byte('A'), f2[0])
}

// A piece that spans three files.
func TestBlockStorePieceSpansThreeFiles(t *testing.T) {
	dir := t.TempDir()
	data := []byte("ABCDEFGH")
	meta := storage.TorrentMetadata{
		PieceLength: 8,
		PieceHashes: [][20]byte{sha1.Sum(data)},
		Files: []storage.FileEntry{
			{Length: 2, RelativePath: "a.bin"},
			{Length: 3, RelativePath: "b.bin"},
			{Length: 3, RelativePath: "c.bin"},
		},
		TotalLength: 8,
	}
	bs, err := storage.NewBlockStore(meta, dir)
	require.NoError(t, err)
	defer bs.Close()

	require.NoError(t, bs.WritePiece(0, data))

	a, _ := os.ReadFile(filepath.Join(dir, "a.bin"))
	b, _ := os.ReadFile(filepath.Join(dir, "b.bin"))
	c, _ := os.ReadFile(filepath.Join(dir, "c.bin"))
	assert.Equal(t, []byte("AB"), a)
	assert.Equal(t, []byte("CDE"), b)
	assert.Equal(t, []byte("FGH"), c)

	req := storage.Request{PieceIndex: 0, Begin: 0, Length: 8}
	got, err := bs.ReadBlock(req)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestBlockStoreReadBlockAcrossBoundary(t *testing.T) {
	dir := t.TempDir()
	meta := storage.TorrentMetadata{
		PieceLength: 4,
		PieceHashes: [][20]byte{sha1.Sum([]byte("AAAA"))},
		Files: []storage.FileEntry{
			{Length: 3, RelativePath: "file1.bin"},
			{Length: 3, RelativePath: "file2.bin"},
		},
		TotalLength: 6,
	}
	bs, err := storage.NewBlockStore(meta, dir)
	require.NoError(t, err)
	defer bs.Close()

	require.NoError(t, bs.WritePiece(0, []byte("AAAA")))

	got, err := bs.ReadBlock(storage.Request{PieceIndex: 0, Begin: 0, Length: 4})
	require.NoError(t, err)
	assert.Equal(t, []byte("AAAA"), got)
}

func TestBlockStoreReadShortReturnsErrShortRead(t *testing.T) {
	dir := t.TempDir()
	meta := storage.TorrentMetadata{
		PieceLength: 4,
		PieceHashes: [][20]byte{{}},
		Files:       []storage.FileEntry{{Length: 4, RelativePath: "f.bin"}},
		TotalLength: 4,
	}
	bs, err := storage.NewBlockStore(meta, dir)
	require.NoError(t, err)
	defer bs.Close()

	_, err = bs.ReadBlock(storage.Request{PieceIndex: 0, Begin: 0, Length: 10})
	assert.ErrorIs(t, err, storage.ErrShortRead)
}
