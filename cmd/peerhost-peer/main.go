// Command peerhost-peer runs one peer: the symmetric client described in
// spec.md §2 that may become the host, relinquish it, or follow along as a
// read-only participant. Flag framing goes through urfave/cli, matching
// the coordinator binary and the teacher's own cmd/ style.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"

	"github.com/chouwzi/peerhost/internal/metrics"
	"github.com/chouwzi/peerhost/internal/procspawn"
	"github.com/chouwzi/peerhost/internal/wire"
	"github.com/chouwzi/peerhost/peer/config"
	"github.com/chouwzi/peerhost/peer/fsm"
	"github.com/chouwzi/peerhost/peer/proctrack"
	"github.com/chouwzi/peerhost/peer/session"
	"github.com/chouwzi/peerhost/peer/sync"
	"github.com/chouwzi/peerhost/peer/tunnel"
	"github.com/chouwzi/peerhost/peer/upload"
	"github.com/chouwzi/peerhost/peer/workload"
)

func main() {
	app := cli.NewApp()
	app.Name = "peerhost-peer"
	app.Usage = "run a PeerHost peer"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "settings", Value: "./settings.json", Usage: "peer settings.json path"},
		cli.StringFlag{Name: "data-dir", Value: "./data", Usage: "directory for token cache and process tracker"},
		cli.StringFlag{Name: "tunnel-binary", Value: "", Usage: "path to the tunnel side-car binary, empty to disable"},
		cli.StringSliceFlag{Name: "workload-ready-marker", Usage: "log substring(s) that must all appear on one line to mark the workload ready; repeatable, empty uses the vanilla-server default"},
		cli.StringSliceFlag{Name: "workload-saved-marker", Usage: "log substring(s) that must all appear on one line to mark the workload saved; repeatable, empty uses the vanilla-server default"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Crit("peer exited with error", "err", err)
	}
}

func run(c *cli.Context) error {
	logger := log.Root()

	settings, err := config.Load(c.String("settings"))
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if settings.Debug {
		log.Root().SetHandler(log.LvlFilterHandler(log.LvlDebug, log.StreamHandler(os.Stderr, log.TerminalFormat(true))))
	}

	dataDir := c.String("data-dir")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewPeer(reg)

	spawner := procspawn.NewPOSIX()

	tracker := proctrack.New(filepath.Join(dataDir, "proctrack.json"), spawner, logger.New("component", "proctrack"))
	if err := tracker.ReconcileOrphans(); err != nil {
		logger.Warn("failed to reconcile orphaned processes", "err", err)
	}

	sessionClient := session.New(settings.ServerURL, settings.HostID, filepath.Join(dataDir, "token.json"), logger.New("component", "session"))

	syncEngine := sync.NewEngine(settings.ServerURL, settings.WatchDir, sessionClient.Token(), m, logger.New("component", "sync"))

	var tunnelClient *tunnel.Client
	if binary := c.String("tunnel-binary"); binary != "" {
		tunnelClient = tunnel.New(binary, spawner, tracker, logger.New("component", "tunnel"))
	}

	fetchPolicy := func(ctx context.Context) (wire.Policy, error) { return sessionClient.FetchPolicy(ctx) }
	fetchManifest := func(ctx context.Context) ([]wire.ManifestEntry, error) { return sessionClient.FetchManifest(ctx) }

	uploader := upload.NewUploader(settings.ServerURL, settings.WatchDir, sessionClient.Token, syncEngine.DownloadFile, m, logger.New("component", "uploader"))

	var watcher *upload.Watcher
	watcher, err = upload.NewWatcher(settings.WatchDir, wire.Policy{}, func(rel string) {
		uploader.Handle(context.Background(), watcher.Policy, rel)
	}, logger.New("component", "watcher"))
	if err != nil {
		return fmt.Errorf("failed to build watcher: %w", err)
	}
	if err := watcher.AddRecursive(); err != nil {
		logger.Warn("failed to recursively watch world root", "err", err)
	}

	readyMarkers := c.StringSlice("workload-ready-marker")
	savedMarkers := c.StringSlice("workload-saved-marker")

	startWorkload := func(ctx context.Context, policy wire.Policy) (*workload.Supervisor, error) {
		if policy.StartCommand == "" {
			return nil, fmt.Errorf("no start_command configured by coordinator policy")
		}
		fields := strings.Fields(policy.StartCommand)
		cfg := workload.Config{
			Command:      fields[0],
			Args:         fields[1:],
			WorldRoot:    settings.WatchDir,
			ReadyMarkers: readyMarkers,
			SavedMarkers: savedMarkers,
		}
		return workload.NewWithConfig(cfg, spawner, tracker, logger.New("component", "workload")), nil
	}

	machine := fsm.New(fsm.Config{
		HostID:           settings.HostID,
		WorldRoot:        settings.WatchDir,
		Session:          sessionClient,
		Watcher:          watcher,
		Uploader:         uploader,
		Engine:           syncEngine,
		Tunnel:           tunnelClient,
		TunnelBinaryPath: c.String("tunnel-binary"),
		FetchPolicy:      fetchPolicy,
		FetchManifest:    fetchManifest,
		StartWorkload:    startWorkload,
		Metrics:          m,
		Log:              logger.New("component", "fsm"),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("peer starting", "server_url", settings.ServerURL, "host_id", settings.HostID)
	return machine.Run(ctx)
}
