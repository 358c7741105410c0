// Package metainfo parses a .torrent file into a storage.TorrentMetadata,
// the manifest the rest of the core is built around.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path"
	"strings"

	"github.com/jackpal/bencode-go"
	"github.com/pkg/errors"

	"github.com/oceanc/torrentd/storage"
)

// ErrMalformedTorrentFile signals a .torrent file that doesn't decode into
// the expected bencoded shape.
var ErrMalformedTorrentFile = errors.New("malformed torrent file")

type bencodeFile struct {
	Length int      `bencode:"length"`
	Path   []string `bencode:"path"`
}

type bencodeInfo struct {
	Pieces      string        `bencode:"pieces"`
	PieceLength int           `bencode:"piece length"`
	Length      int           `bencode:"length"`
	Name        string        `bencode:"name"`
	Files       []bencodeFile `bencode:"files"`
}

type bencodeTorrent struct {
	Announce string      `bencode:"announce"`
	Info     bencodeInfo `bencode:"info"`
}

// Announce is the tracker URL carried by a .torrent file, returned
// alongside the TorrentMetadata so callers can build a tracker.HTTPTracker
// without reparsing the file.
type Announce string

// Load reads and parses the .torrent file at path, returning its parsed
// metadata and announce URL.
func Load(torrentPath string) (storage.TorrentMetadata, Announce, error) {
	f, err := os.Open(torrentPath)
	if err != nil {
		return storage.TorrentMetadata{}, "", errors.Wrapf(err, "opening %s", torrentPath)
	}
	defer f.Close()

	var bto bencodeTorrent
	if err := bencode.Unmarshal(f, &bto); err != nil {
		return storage.TorrentMetadata{}, "", errors.Wrap(ErrMalformedTorrentFile, err.Error())
	}

	meta, err := bto.toMetadata()
	if err != nil {
		return storage.TorrentMetadata{}, "", err
	}
	return meta, Announce(bto.Announce), nil
}

func (bto *bencodeTorrent) toMetadata() (storage.TorrentMetadata, error) {
	infoHash, err := bto.Info.hash()
	if err != nil {
		return storage.TorrentMetadata{}, err
	}

	pieceHashes, err := bto.Info.splitPieceHashes()
	if err != nil {
		return storage.TorrentMetadata{}, err
	}

	files, total, err := bto.Info.fileTable()
	if err != nil {
		return storage.TorrentMetadata{}, err
	}

	meta := storage.TorrentMetadata{
		InfoHash:    infoHash,
		PieceLength: int64(bto.Info.PieceLength),
		PieceHashes: pieceHashes,
		Files:       files,
		TotalLength: total,
	}
	if err := meta.Validate(); err != nil {
		return storage.TorrentMetadata{}, errors.Wrap(ErrMalformedTorrentFile, err.Error())
	}
	return meta, nil
}

// hash re-bencodes the info dictionary exactly as parsed and hashes it,
// since the info hash is defined over the dict's original encoding, not a
// value derived from the already-decoded Go struct.
func (i *bencodeInfo) hash() ([20]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, *i); err != nil {
		return [20]byte{}, errors.Wrap(ErrMalformedTorrentFile, err.Error())
	}
	return sha1.Sum(buf.Bytes()), nil
}

func (i *bencodeInfo) splitPieceHashes() ([][20]byte, error) {
	const hashLen = 20
	buf := []byte(i.Pieces)
	if len(buf)%hashLen != 0 {
		return nil, errors.Wrapf(ErrMalformedTorrentFile, "pieces string length %d not a multiple of %d", len(buf), hashLen)
	}
	n := len(buf) / hashLen
	hashes := make([][20]byte, n)
	for idx := 0; idx < n; idx++ {
		copy(hashes[idx][:], buf[idx*hashLen:(idx+1)*hashLen])
	}
	return hashes, nil
}

// fileTable assembles the single-file or multi-file layout into the flat,
// ordered file table the rest of the core expects, per the original's
// distinction between a bare "length" key and a "files" list.
func (i *bencodeInfo) fileTable() ([]storage.FileEntry, int64, error) {
	if len(i.Files) == 0 {
		if i.Length <= 0 {
			return nil, 0, errors.Wrap(ErrMalformedTorrentFile, "info dict has neither length nor files")
		}
		return []storage.FileEntry{{Length: int64(i.Length), RelativePath: i.Name}}, int64(i.Length), nil
	}

	files := make([]storage.FileEntry, 0, len(i.Files))
	var total int64
	for _, bf := range i.Files {
		if bf.Length <= 0 {
			return nil, 0, errors.Wrap(ErrMalformedTorrentFile, "file entry has non-positive length")
		}
		rel := path.Join(append([]string{i.Name}, bf.Path...)...)
		rel = strings.ReplaceAll(rel, "\\", "/")
		files = append(files, storage.FileEntry{Length: int64(bf.Length), RelativePath: rel})
		total += int64(bf.Length)
	}
	return files, total, nil
}
