// Command torrentd downloads (and seeds) a single torrent, per a minimal
// CLI surface: a torrent file, a listening port, a download directory,
// an optional --direct bypass of tracker discovery, and an optional
// --seed-for duration to keep serving after completion.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/pkg/errors"

	"github.com/oceanc/torrentd/metainfo"
	"github.com/oceanc/torrentd/storage"
	"github.com/oceanc/torrentd/swarm"
	"github.com/oceanc/torrentd/torrentlog"
	"github.com/oceanc/torrentd/tracker"
)

var cli struct {
	TorrentFile string        `arg:"" help:"Path to the .torrent file to download." type:"existingfile"`
	Port        int           `help:"Local TCP port to listen for incoming peer connections." default:"6881"`
	DownloadDir string        `help:"Directory pieces are assembled into." default:"." type:"existingdir"`
	Direct      string        `help:"Bypass tracker discovery and connect to a single host:port peer."`
	SeedFor     time.Duration `help:"Keep seeding for this long after the download completes, instead of exiting immediately." default:"0s"`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("torrentd"),
		kong.Description("A minimal BitTorrent peer-wire client."),
	)
	kctx.FatalIfErrorf(run())
}

func run() error {
	log := torrentlog.Default("torrentd")

	meta, announce, err := metainfo.Load(cli.TorrentFile)
	if err != nil {
		return errors.Wrap(err, "loading torrent file")
	}

	store, err := storage.NewBlockStore(meta, cli.DownloadDir)
	if err != nil {
		return errors.Wrap(err, "preparing download directory")
	}
	defer store.Close()

	manager := storage.NewPieceManager(meta, store)

	cfg := swarm.DefaultConfig(fmt.Sprintf(":%d", cli.Port))
	sw := swarm.New(meta, manager, nil, cfg, log)

	finder, err := resolvePeerFinder(announce, meta, sw, cli.Direct)
	if err != nil {
		return err
	}
	sw.SetFinder(finder)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("starting", "torrent", cli.TorrentFile, "pieces", meta.NumPieces(), "port", cli.Port)

	go stopWhenComplete(ctx, cancel, manager, cli.SeedFor, log)

	if err := sw.Run(ctx); err != nil && ctx.Err() == nil {
		return errors.Wrap(err, "swarm stopped")
	}
	return nil
}

// stopWhenComplete polls the piece manager and cancels ctx once every
// piece is verified: immediately if seedFor is zero, or after seedFor
// has elapsed (or ctx is otherwise cancelled) if seeding was requested.
func stopWhenComplete(ctx context.Context, cancel context.CancelFunc, manager *storage.PieceManager, seedFor time.Duration, log torrentlog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !manager.Complete() {
				continue
			}
			if seedFor > 0 {
				log.Info("download complete, seeding", "seedFor", seedFor.String())
				select {
				case <-ctx.Done():
					return
				case <-time.After(seedFor):
				}
			} else {
				log.Info("download complete")
			}
			cancel()
			return
		}
	}
}

func resolvePeerFinder(announce metainfo.Announce, meta storage.TorrentMetadata, sw *swarm.Swarm, direct string) (swarm.PeerFinder, error) {
	if direct != "" {
		finder, err := tracker.ParseDirectAddr(direct)
		if err != nil {
			return nil, errors.Wrap(err, "parsing --direct address")
		}
		return finder, nil
	}
	return tracker.NewHTTPTracker(string(announce), meta.InfoHash, sw.LocalPeerID(), cli.Port, meta.TotalLength), nil
}
