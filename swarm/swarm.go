// Package swarm implements the concurrent supervisor that dials peers,
// accepts inbound connections, drives the global request loop, and
// multiplexes per-peer I/O toward a complete, hash-checked torrent.
package swarm

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	mrand "math/rand"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/oceanc/torrentd/session"
	"github.com/oceanc/torrentd/storage"
	"github.com/oceanc/torrentd/torrentlog"
	"github.com/oceanc/torrentd/wire"
)

// Config holds the supervisor's runtime tunables.
type Config struct {
	// MaxOutstandingRequests bounds in-flight block requests globally
	// (the sole backpressure mechanism).
	MaxOutstandingRequests int64
	// RequestTimeout bounds how long the requester waits for a free
	// permit (and how long a dial is given) before giving up on the
	// current in-flight window.
	RequestTimeout time.Duration
	// KeepaliveInterval is how often a keepalive is sent to every peer.
	KeepaliveInterval time.Duration
	// ListenAddr is the local TCP address the acceptor binds.
	ListenAddr string
}

// DefaultConfig returns the baseline tunables: 300 outstanding requests,
// a 2-second request timeout, and a 100-second keepalive interval.
func DefaultConfig(listenAddr string) Config {
	return Config{
		MaxOutstandingRequests: 300,
		RequestTimeout:         2 * time.Second,
		KeepaliveInterval:      100 * time.Second,
		ListenAddr:             listenAddr,
	}
}

// Swarm is the process-wide supervisor for one torrent download/seed.
type Swarm struct {
	localPeerID [20]byte
	meta        storage.TorrentMetadata
	manager     *storage.PieceManager
	finder      PeerFinder
	cfg         Config
	log         torrentlog.Logger

	mu        sync.RWMutex
	sessions  map[*session.PeerSession]struct{}
	unchoked  map[*session.PeerSession]struct{}

	permit atomicSemaphore
}

// New builds a Swarm. A fresh 20-byte local peer id is generated.
func New(meta storage.TorrentMetadata, manager *storage.PieceManager, finder PeerFinder, cfg Config, log torrentlog.Logger) *Swarm {
	sw := &Swarm{
		localPeerID: generatePeerID(),
		meta:        meta,
		manager:     manager,
		finder:      finder,
		cfg:         cfg,
		log:         log,
		sessions:    make(map[*session.PeerSession]struct{}),
		unchoked:    make(map[*session.PeerSession]struct{}),
	}
	sw.permit.store(semaphore.NewWeighted(cfg.MaxOutstandingRequests))
	return sw
}

// NumPieces implements session.SwarmHandle.
func (sw *Swarm) NumPieces() int {
	return sw.meta.NumPieces()
}

// LocalPeerID returns the locally generated 20-byte peer id, needed by
// callers that build a tracker announce before Run starts.
func (sw *Swarm) LocalPeerID() [20]byte {
	return sw.localPeerID
}

// SetFinder installs the PeerFinder consulted once at the start of Run.
// It exists so callers can construct a tracker.HTTPTracker using the
// swarm's generated peer id after New has already run.
func (sw *Swarm) SetFinder(f PeerFinder) {
	sw.finder = f
}

func generatePeerID() [20]byte {
	const alphabet = "1234567890ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	const prefix = "OceanC"
	var id [20]byte
	copy(id[:], prefix)
	for i := len(prefix); i < len(id); i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			id[i] = alphabet[0]
			continue
		}
		id[i] = alphabet[n.Int64()]
	}
	return id
}

// atomicSemaphore lets the requester loop swap the entire outstanding-
// request window on a batch timeout, abandoning any goroutine still
// blocked on the old semaphore's Acquire.
type atomicSemaphore struct {
	mu  sync.Mutex
	sem *semaphore.Weighted
}

func (a *atomicSemaphore) store(s *semaphore.Weighted) {
	a.mu.Lock()
	a.sem = s
	a.mu.Unlock()
}

func (a *atomicSemaphore) load() *semaphore.Weighted {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sem
}

func (a *atomicSemaphore) release() {
	a.load().Release(1)
}

// Run dials peers, starts the acceptor, and drives the requester and
// keepalive loops until ctx is cancelled. It returns once every
// cooperating task has stopped.
func (sw *Swarm) Run(ctx context.Context) error {
	if err := sw.connectToFoundPeers(ctx); err != nil {
		sw.log.Warn("connecting to tracker peers", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sw.acceptIncoming(ctx) })
	g.Go(func() error { sw.requestPieces(ctx); return nil })
	g.Go(func() error { return sw.sendKeepalivesForever(ctx) })
	return g.Wait()
}

func (sw *Swarm) connectToFoundPeers(ctx context.Context) error {
	peers, err := sw.finder.GetPeers(ctx)
	if err != nil {
		return errors.Wrap(err, "finding peers")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			if err := sw.dialAndAdd(ctx, p); err != nil {
				sw.log.Info("could not connect to peer", "host", p.Host, "port", p.Port, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (sw *Swarm) dialAndAdd(ctx context.Context, p PeerAddr) error {
	dialCtx, cancel := context.WithTimeout(ctx, sw.cfg.RequestTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", fmt.Sprintf("%s:%d", p.Host, p.Port))
	if err != nil {
		return err
	}

	sess := session.New(conn, sw.localPeerID, sw.meta.InfoHash, sw)
	if err := sess.Connect(); err != nil {
		conn.Close()
		return err
	}
	if err := sw.greetNewSession(sess); err != nil {
		conn.Close()
		return err
	}

	sw.addSession(sess)
	go sw.runReader(ctx, sess)
	return nil
}

// greetNewSession advertises our current bitfield (if we hold any pieces)
// and announces interest. A Bitfield, if sent, must be the first
// non-handshake message.
func (sw *Swarm) greetNewSession(sess *session.PeerSession) error {
	if bf := sw.manager.Bitfield(); bf.NumSet() > 0 {
		if err := sess.SendBitfield(bf); err != nil {
			return err
		}
	}
	return sess.SendInterested()
}

func (sw *Swarm) acceptIncoming(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", sw.cfg.ListenAddr)
	if err != nil {
		return errors.Wrap(err, "listening")
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(err, "accepting connection")
			}
		}
		go sw.acceptOne(ctx, conn)
	}
}

func (sw *Swarm) acceptOne(ctx context.Context, conn net.Conn) {
	sess := session.New(conn, sw.localPeerID, sw.meta.InfoHash, sw)
	if err := sess.Accept(); err != nil {
		sw.log.Info("rejected inbound peer", "error", err)
		conn.Close()
		return
	}
	if err := sw.greetNewSession(sess); err != nil {
		sw.log.Info("failed to greet inbound peer", "error", err)
		conn.Close()
		return
	}
	sw.addSession(sess)
	go sw.runReader(ctx, sess)
}

func (sw *Swarm) addSession(sess *session.PeerSession) {
	sw.mu.Lock()
	sw.sessions[sess] = struct{}{}
	sw.mu.Unlock()
}

func (sw *Swarm) disconnect(sess *session.PeerSession) {
	sw.mu.Lock()
	delete(sw.sessions, sess)
	delete(sw.unchoked, sess)
	sw.mu.Unlock()
	sess.Close()
}

func (sw *Swarm) runReader(ctx context.Context, sess *session.PeerSession) {
	for {
		select {
		case <-ctx.Done():
			sw.disconnect(sess)
			return
		default:
		}

		msg, err := sess.ReadNext()
		if err != nil {
			sw.log.Info("peer session ended", "error", err)
			sw.disconnect(sess)
			return
		}
		if msg == nil {
			continue // keepalive
		}
		if err := sw.handle(sess, msg); err != nil {
			sw.log.Info("dropping peer after malformed packet", "error", err)
			sw.disconnect(sess)
			return
		}
	}
}

func (sw *Swarm) handle(sess *session.PeerSession, msg *wire.Message) error {
	switch msg.Type {
	case wire.Choke:
		sw.mu.Lock()
		delete(sw.unchoked, sess)
		sw.mu.Unlock()

	case wire.Unchoke:
		sw.mu.Lock()
		sw.unchoked[sess] = struct{}{}
		sw.mu.Unlock()

	case wire.Interested:
		// Every peer that declares interest is unchoked so it can request blocks.
		return sess.SendUnchoke()

	case wire.Request:
		index, begin, length, err := msg.ParseRequest()
		if err != nil {
			return err
		}
		if sess.AmChoking() {
			return sess.SendChoke() // re-notify the peer we're still choking it
		}
		if !sw.manager.HasPiece(index) {
			return nil // silently ignore; we don't have it
		}
		block, err := sw.manager.GetBlock(storage.Request{PieceIndex: index, Begin: begin, Length: length})
		if err != nil {
			// ShortRead/IO error serving a peer: silent omission, the
			// peer will time out and retry per the error taxonomy.
			sw.log.Info("failed to serve block", "index", index, "error", err)
			return nil
		}
		return sess.SendBlock(block.PieceIndex, block.Begin, block.Data)

	case wire.Piece:
		index, begin, data, err := msg.DecodeBlock()
		if err != nil {
			return err
		}
		sw.permit.release()
		completed, err := sw.manager.SaveBlock(storage.Block{PieceIndex: index, Begin: begin, Data: append([]byte(nil), data...)})
		if err != nil {
			sw.log.Warn("saving block failed", "index", index, "error", err)
			return nil
		}
		if completed {
			sw.broadcastHave(index)
		}
	}
	return nil
}

func (sw *Swarm) broadcastHave(index int) {
	sw.mu.RLock()
	peers := make([]*session.PeerSession, 0, len(sw.sessions))
	for s := range sw.sessions {
		peers = append(peers, s)
	}
	sw.mu.RUnlock()

	for _, s := range peers {
		if err := s.SendHave(index); err != nil {
			sw.log.Info("failed to announce have", "peer", s.RemotePeerID, "error", err)
		}
	}
}

func (sw *Swarm) peersWithPiece(index int) []*session.PeerSession {
	sw.mu.RLock()
	defer sw.mu.RUnlock()

	var out []*session.PeerSession
	for s := range sw.unchoked {
		if s.HasPiece(index) {
			out = append(out, s)
		}
	}
	return out
}

func (sw *Swarm) randomPeerWithPiece(index int) *session.PeerSession {
	peers := sw.peersWithPiece(index)
	if len(peers) == 0 {
		return nil
	}
	return peers[mrand.Intn(len(peers))]
}

// requestPieces drains the piece manager's request stream, picking a
// random unchoked session advertising each piece and bounding in-flight
// requests with the outstanding-request permit. It returns once every
// piece is verified; the swarm keeps seeding via its other goroutines.
func (sw *Swarm) requestPieces(ctx context.Context) {
	stream := sw.manager.Requests()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		req, ok := stream.Next()
		if !ok {
			return
		}

		peer := sw.randomPeerWithPiece(req.PieceIndex)
		for peer == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			peer = sw.randomPeerWithPiece(req.PieceIndex)
		}

		if err := peer.SendRequest(req.PieceIndex, req.Begin, req.Length); err != nil {
			sw.disconnect(peer)
			continue
		}

		acquireCtx, cancel := context.WithTimeout(ctx, sw.cfg.RequestTimeout)
		err := sw.permit.load().Acquire(acquireCtx, 1)
		cancel()
		if err != nil {
			// Batch timeout: consider the entire in-flight window lost
			// and replace it with a fresh one. Requests already queued
			// in each Piece's recirculating queue will be retried.
			sw.permit.store(semaphore.NewWeighted(sw.cfg.MaxOutstandingRequests))
		}
	}
}

func (sw *Swarm) sendKeepalivesForever(ctx context.Context) error {
	ticker := time.NewTicker(sw.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sw.mu.RLock()
			peers := make([]*session.PeerSession, 0, len(sw.sessions))
			for s := range sw.sessions {
				peers = append(peers, s)
			}
			sw.mu.RUnlock()

			for _, s := range peers {
				if err := s.SendKeepalive(); err != nil {
					sw.disconnect(s)
				}
			}
		}
	}
}
