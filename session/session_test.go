package session_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanc/torrentd/session"
	"github.com/oceanc/torrentd/wire"
)

type fakeSwarm struct{ n int }

func (f fakeSwarm) NumPieces() int { return f.n }

func TestConnectAcceptHandshake(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	infoHash := [20]byte{1, 2, 3}
	clientID := [20]byte{0xC1}
	serverID := [20]byte{0xC2}

	client := session.New(clientConn, clientID, infoHash, fakeSwarm{n: 10})
	server := session.New(serverConn, serverID, infoHash, fakeSwarm{n: 10})

	errc := make(chan error, 2)
	go func() { errc <- client.Connect() }()
	go func() { errc <- server.Accept() }()

	require.NoError(t, <-errc)
	require.NoError(t, <-errc)

	assert.Equal(t, serverID, client.RemotePeerID)
	assert.Equal(t, clientID, server.RemotePeerID)
}

func TestConnectRejectsInfoHashMismatch(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := session.New(clientConn, [20]byte{1}, [20]byte{0xAA}, fakeSwarm{n: 1})
	server := session.New(serverConn, [20]byte{2}, [20]byte{0xBB}, fakeSwarm{n: 1})

	errc := make(chan error, 2)
	go func() { errc <- client.Connect() }()
	go func() { errc <- server.Accept() }()

	err1 := <-errc
	err2 := <-errc
	assert.True(t, err1 != nil || err2 != nil)
}

func TestReadNextUpdatesChokeState(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	server := session.New(serverConn, [20]byte{1}, [20]byte{2}, fakeSwarm{n: 4})

	go func() {
		clientConn.Write((&wire.Message{Type: wire.Unchoke}).Serialize())
	}()

	msg, err := server.ReadNext()
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, wire.Unchoke, msg.Type)
	assert.False(t, server.PeerChoking())
}

func TestReadNextAppliesHave(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	server := session.New(serverConn, [20]byte{1}, [20]byte{2}, fakeSwarm{n: 16})

	go func() {
		clientConn.Write((wire.NewHave(3)).Serialize())
	}()
	_, err := server.ReadNext()
	require.NoError(t, err)
	assert.True(t, server.HasPiece(3))
	assert.False(t, server.HasPiece(4))
}

func TestReadNextDisconnectOnEOF(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	server := session.New(serverConn, [20]byte{1}, [20]byte{2}, fakeSwarm{n: 1})
	clientConn.Close()

	_, err := server.ReadNext()
	assert.ErrorIs(t, err, session.ErrPeerDisconnected)
}

func TestSendRequestFlushesImmediately(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := session.New(clientConn, [20]byte{1}, [20]byte{2}, fakeSwarm{n: 1})

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, client.SendRequest(1, 16384, 16384))
	}()

	serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := wire.ReadMessage(serverConn)
	require.NoError(t, err)
	index, begin, length, err := msg.ParseRequest()
	require.NoError(t, err)
	assert.Equal(t, 1, index)
	assert.Equal(t, 16384, begin)
	assert.Equal(t, 16384, length)
	<-done
}
