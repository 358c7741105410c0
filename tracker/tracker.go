// Package tracker implements the PeerFinder collaborators: an HTTP(S)
// announce client and a fixed single-peer bypass for --direct.
package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/jackpal/bencode-go"
	"github.com/pkg/errors"

	"github.com/oceanc/torrentd/swarm"
)

// ErrTrackerConnection signals a network-level failure reaching the
// announce URL.
var ErrTrackerConnection = errors.New("tracker connection failed")

// ErrTrackerProtocol signals a response that doesn't decode into either
// accepted peers encoding.
var ErrTrackerProtocol = errors.New("tracker protocol error")

// HTTPTracker announces to a single bencoded HTTP(S) tracker and decodes
// its peer list, in either the dict-list or "compact" wire form.
type HTTPTracker struct {
	AnnounceURL string
	InfoHash    [20]byte
	PeerID      [20]byte
	Port        int
	Uploaded    int64
	Downloaded  int64
	Left        int64

	Client *http.Client
}

// NewHTTPTracker builds a tracker announcing as a fresh download (0
// uploaded, 0 downloaded, left = total length).
func NewHTTPTracker(announceURL string, infoHash, peerID [20]byte, port int, left int64) *HTTPTracker {
	return &HTTPTracker{
		AnnounceURL: announceURL,
		InfoHash:    infoHash,
		PeerID:      peerID,
		Port:        port,
		Left:        left,
		Client:      http.DefaultClient,
	}
}

type compactAnnounceResponse struct {
	Interval int    `bencode:"interval"`
	Peers    string `bencode:"peers"`
}

type dictAnnouncePeer struct {
	ID   string `bencode:"peer id"`
	IP   string `bencode:"ip"`
	Port int    `bencode:"port"`
}

type dictAnnounceResponse struct {
	Interval int                `bencode:"interval"`
	Peers    []dictAnnouncePeer `bencode:"peers"`
}

// GetPeers announces once to the tracker and returns its reported peers.
func (t *HTTPTracker) GetPeers(ctx context.Context) ([]swarm.PeerAddr, error) {
	reqURL, err := t.buildURL()
	if err != nil {
		return nil, errors.Wrap(ErrTrackerProtocol, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errors.Wrap(ErrTrackerConnection, err.Error())
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(ErrTrackerConnection, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(ErrTrackerConnection, err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(ErrTrackerProtocol, "announce returned status %d", resp.StatusCode)
	}

	return decodeAnnounceResponse(body)
}

func (t *HTTPTracker) buildURL() (string, error) {
	base, err := url.Parse(t.AnnounceURL)
	if err != nil {
		return "", err
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return "", errors.Errorf("unsupported tracker scheme %q", base.Scheme)
	}

	q := url.Values{
		"info_hash":  []string{string(t.InfoHash[:])},
		"peer_id":    []string{string(t.PeerID[:])},
		"port":       []string{strconv.Itoa(t.Port)},
		"uploaded":   []string{strconv.FormatInt(t.Uploaded, 10)},
		"downloaded": []string{strconv.FormatInt(t.Downloaded, 10)},
		"left":       []string{strconv.FormatInt(t.Left, 10)},
		"compact":    []string{"1"},
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// decodeAnnounceResponse accepts either the compact form (a "peers" byte
// string, length a multiple of 6) or the dict-list form ("peers" a list
// of {peer id, ip, port} dicts).
func decodeAnnounceResponse(body []byte) ([]swarm.PeerAddr, error) {
	var compact compactAnnounceResponse
	if err := bencode.Unmarshal(bytes.NewReader(body), &compact); err == nil && compact.Peers != "" {
		return DecodeCompactPeers([]byte(compact.Peers))
	}

	var dict dictAnnounceResponse
	if err := bencode.Unmarshal(bytes.NewReader(body), &dict); err != nil {
		return nil, errors.Wrap(ErrTrackerProtocol, err.Error())
	}

	peers := make([]swarm.PeerAddr, 0, len(dict.Peers))
	for _, p := range dict.Peers {
		peers = append(peers, swarm.PeerAddr{ID: p.ID, Host: p.IP, Port: p.Port})
	}
	return peers, nil
}

const compactPeerSize = 6 // 4 bytes IPv4 + 2 bytes port

// DecodeCompactPeers decodes a tracker's compact peer string: every 6-byte
// chunk is a big-endian IPv4 address followed by a big-endian port.
func DecodeCompactPeers(buf []byte) ([]swarm.PeerAddr, error) {
	if len(buf)%compactPeerSize != 0 {
		return nil, errors.Wrapf(ErrTrackerProtocol, "compact peers length %d not a multiple of %d", len(buf), compactPeerSize)
	}
	n := len(buf) / compactPeerSize
	peers := make([]swarm.PeerAddr, n)
	for i := 0; i < n; i++ {
		off := i * compactPeerSize
		ip := net.IP(buf[off : off+4])
		port := binary.BigEndian.Uint16(buf[off+4 : off+6])
		peers[i] = swarm.PeerAddr{Host: ip.String(), Port: int(port)}
	}
	return peers, nil
}

// DirectPeerFinder bypasses tracker discovery entirely, yielding a single
// fixed peer endpoint for the --direct CLI flag.
type DirectPeerFinder struct {
	Host string
	Port int
}

// GetPeers always returns the single configured peer.
func (d DirectPeerFinder) GetPeers(ctx context.Context) ([]swarm.PeerAddr, error) {
	return []swarm.PeerAddr{{Host: d.Host, Port: d.Port}}, nil
}

// ParseDirectAddr splits a "host:port" string as used by the --direct flag.
func ParseDirectAddr(s string) (DirectPeerFinder, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return DirectPeerFinder{}, errors.Wrapf(err, "parsing direct address %q", s)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return DirectPeerFinder{}, errors.Wrapf(err, "parsing direct port %q", portStr)
	}
	return DirectPeerFinder{Host: host, Port: port}, nil
}
