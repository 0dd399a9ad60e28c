// Command peerhost-coordinate runs the coordinator process: the singleton
// lease arbiter and world file server described in spec.md §2. Flag framing
// only goes through urfave/cli, matching the teacher's own cmd/ binaries;
// the actual JSON policy and secret documents are loaded via the single
// boundary functions in this file, with no cascading config framework on
// top (configuration file loading proper is out of scope per spec.md §1).
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"

	"github.com/chouwzi/peerhost/coordinator/api"
	"github.com/chouwzi/peerhost/coordinator/lease"
	"github.com/chouwzi/peerhost/coordinator/manifest"
	"github.com/chouwzi/peerhost/coordinator/policy"
	"github.com/chouwzi/peerhost/coordinator/store"
	coordtunnel "github.com/chouwzi/peerhost/coordinator/tunnel"
	"github.com/chouwzi/peerhost/internal/metrics"
	"github.com/chouwzi/peerhost/internal/procspawn"
	"github.com/chouwzi/peerhost/internal/token"
	"github.com/chouwzi/peerhost/internal/wire"
)

func main() {
	app := cli.NewApp()
	app.Name = "peerhost-coordinate"
	app.Usage = "run the PeerHost coordinator"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "listen", Value: ":8080", Usage: "HTTP listen address"},
		cli.StringFlag{Name: "world-root", Value: "./world", Usage: "root of the synchronized world tree"},
		cli.StringFlag{Name: "data-dir", Value: "./data", Usage: "directory for session/doc persistence"},
		cli.StringFlag{Name: "policy-file", Value: "./policy.json", Usage: "synchronization policy document"},
		cli.StringFlag{Name: "secret-file", Value: "./secret.key", Usage: "HMAC signing secret for lease tokens"},
		cli.StringFlag{Name: "launcher-source", Value: "", Usage: "peer self-distribution tree, empty to disable"},
		cli.DurationFlag{Name: "heartbeat-interval", Value: 10 * time.Second},
		cli.DurationFlag{Name: "lock-timeout", Value: 60 * time.Second},
		cli.StringFlag{Name: "tunnel-binary", Value: "", Usage: "ingress tunnel executable, empty to disable"},
		cli.StringFlag{Name: "tunnel-config", Value: "./tunnel/api_config.yaml", Usage: "ingress tunnel config file"},
		cli.StringFlag{Name: "tunnel-name", Value: "PeerHost-API", Usage: "ingress tunnel name"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Crit("coordinator exited with error", "err", err)
	}
}

func run(c *cli.Context) error {
	logger := log.Root()

	pol, err := loadPolicy(c.String("policy-file"))
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}
	secret, err := loadOrCreateSecret(c.String("secret-file"))
	if err != nil {
		return fmt.Errorf("failed to load signing secret: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewCoordinator(reg)

	signer := token.NewSigner(secret)
	leaseMgr := lease.NewManager(lease.Config{
		HeartbeatInterval: c.Duration("heartbeat-interval"),
		LockTimeout:       c.Duration("lock-timeout"),
		DocPath:           c.String("data-dir") + "/session.json",
	}, signer, m, logger.New("component", "lease"))

	pols := policy.New(pol)
	contentStore := store.New(c.String("world-root"), pols, logger.New("component", "store"))
	manifestSvc, err := manifest.New(c.String("world-root"), 4096, 8, m, logger.New("component", "manifest"))
	if err != nil {
		return fmt.Errorf("failed to build manifest service: %w", err)
	}

	srv := &api.Server{
		Lease:              leaseMgr,
		Store:              contentStore,
		Manifest:           manifestSvc,
		Policy:             pols,
		Metrics:            m,
		Log:                logger.New("component", "api"),
		LauncherSourcePath: c.String("launcher-source"),
	}

	mux := http.NewServeMux()
	mux.Handle("/", srv.NewRouter())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reaper := lease.NewReaper(leaseMgr, c.Duration("heartbeat-interval"))
	go reaper.Run(ctx)

	ingressTunnel := coordtunnel.New(c.String("tunnel-binary"), c.String("tunnel-config"), c.String("tunnel-name"),
		procspawn.NewPOSIX(), logger.New("component", "tunnel"))
	if err := ingressTunnel.Start(ctx); err != nil {
		logger.Error("failed to start ingress tunnel", "err", err)
	}
	defer func() {
		if err := ingressTunnel.Stop(); err != nil {
			logger.Warn("failed to stop ingress tunnel", "err", err)
		}
	}()

	httpSrv := &http.Server{Addr: c.String("listen"), Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("coordinator listening", "addr", c.String("listen"), "world_root", c.String("world-root"))
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func loadPolicy(path string) (wire.Policy, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return defaultPolicy(), nil
	}
	if err != nil {
		return wire.Policy{}, err
	}
	var p wire.Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return wire.Policy{}, err
	}
	return p, nil
}

func defaultPolicy() wire.Policy {
	return wire.Policy{
		Restricted: []string{"server.properties", "ops.json", "whitelist.json"},
		Ignored:    []string{"*.log", "*.lock", "*.tmp"},
		ReadOnly:   []string{"eula.txt"},
	}
}

func loadOrCreateSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, err
	}
	return secret, nil
}
