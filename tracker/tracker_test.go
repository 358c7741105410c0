package tracker

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanc/torrentd/swarm"
)

// TestDecodeCompactPeersMatchesScenario decodes a 12-byte compact response
// into two peers.
func TestDecodeCompactPeersMatchesScenario(t *testing.T) {
	buf := []byte{0xC0, 0xA8, 0x01, 0x01, 0x1A, 0xE1, 0x0A, 0x00, 0x00, 0x01, 0x04, 0xD2}

	peers, err := DecodeCompactPeers(buf)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, swarm.PeerAddr{Host: "192.168.1.1", Port: 6881}, peers[0])
	assert.Equal(t, swarm.PeerAddr{Host: "10.0.0.1", Port: 1234}, peers[1])
}

func TestDecodeCompactPeersRejectsShortInput(t *testing.T) {
	_, err := DecodeCompactPeers([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrTrackerProtocol)
}

func TestHTTPTrackerDecodesCompactResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("compact"))
		var buf bytes.Buffer
		require.NoError(t, bencode.Marshal(&buf, compactAnnounceResponse{
			Interval: 1800,
			Peers:    string([]byte{0xC0, 0xA8, 0x01, 0x01, 0x1A, 0xE1}),
		}))
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	tr := NewHTTPTracker(srv.URL, [20]byte{1}, [20]byte{2}, 6881, 1000)
	peers, err := tr.GetPeers(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "192.168.1.1", peers[0].Host)
	assert.Equal(t, 6881, peers[0].Port)
}

func TestHTTPTrackerDecodesDictResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		require.NoError(t, bencode.Marshal(&buf, dictAnnounceResponse{
			Interval: 1800,
			Peers: []dictAnnouncePeer{
				{ID: "peer-a", IP: "203.0.113.5", Port: 51413},
			},
		}))
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	tr := NewHTTPTracker(srv.URL, [20]byte{1}, [20]byte{2}, 6881, 1000)
	peers, err := tr.GetPeers(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, swarm.PeerAddr{ID: "peer-a", Host: "203.0.113.5", Port: 51413}, peers[0])
}

func TestHTTPTrackerRejectsNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewHTTPTracker(srv.URL, [20]byte{1}, [20]byte{2}, 6881, 1000)
	_, err := tr.GetPeers(context.Background())
	assert.ErrorIs(t, err, ErrTrackerProtocol)
}

func TestDirectPeerFinderYieldsFixedPeer(t *testing.T) {
	finder, err := ParseDirectAddr("127.0.0.1:9999")
	require.NoError(t, err)

	peers, err := finder.GetPeers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []swarm.PeerAddr{{Host: "127.0.0.1", Port: 9999}}, peers)
}
