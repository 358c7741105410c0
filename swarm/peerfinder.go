package swarm

import "context"

// PeerAddr is one candidate peer endpoint, as yielded by a PeerFinder. ID
// may be empty: the handshake is the authority on peer identity.
type PeerAddr struct {
	ID   string
	Host string
	Port int
}

// PeerFinder is the external collaborator (tracker, or a fixed --direct
// endpoint) that yields peer candidates. The swarm calls this method
// exactly once, at startup.
type PeerFinder interface {
	GetPeers(ctx context.Context) ([]PeerAddr, error)
}
