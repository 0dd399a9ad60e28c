// Package tunnel implements the Tunnel Supervisor (spec.md §2): lifecycle
// of the coordinator's own public ingress side-car, the process that
// exposes the HTTP surface to peers over the open internet. This is
// distinct from the peer-side peer/tunnel.Client, which runs the game
// port's host/participant tunnel; the coordinator only ever runs one
// tunnel, in one mode, fronting its own listener.
package tunnel

import (
	"context"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"

	"github.com/chouwzi/peerhost/internal/procspawn"
)

// Supervisor owns the coordinator's single ingress tunnel subprocess.
// Grounded on the original implementation's TunnelService: validate the
// binary and config are present before starting, log and decline to start
// rather than fail the coordinator process if they're missing, terminate
// gracefully with a hard-kill fallback on stop.
type Supervisor struct {
	Binary     string
	ConfigPath string
	TunnelName string

	spawner procspawn.Spawner
	log     log.Logger

	handle procspawn.Handle
}

func New(binary, configPath, tunnelName string, spawner procspawn.Spawner, logger log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Root()
	}
	return &Supervisor{
		Binary:     binary,
		ConfigPath: configPath,
		TunnelName: tunnelName,
		spawner:    spawner,
		log:        logger,
	}
}

// validateFiles reports whether the tunnel binary and config are both
// present, matching the original TunnelService._validate_files check.
func (s *Supervisor) validateFiles() bool {
	if _, err := os.Stat(s.Binary); err != nil {
		return false
	}
	if _, err := os.Stat(s.ConfigPath); err != nil {
		return false
	}
	return true
}

// Start spawns the tunnel subprocess. A missing binary or config is logged
// and treated as "tunnel disabled" rather than a startup error, since the
// coordinator's HTTP surface is still reachable on its local listen address
// without it.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.handle != nil {
		s.log.Warn("tunnel supervisor: start requested but a tunnel is already running")
		return nil
	}
	if s.Binary == "" {
		return nil
	}
	if !s.validateFiles() {
		s.log.Error("tunnel binary or config missing, coordinator ingress tunnel will not start",
			"binary", s.Binary, "config", s.ConfigPath)
		return nil
	}

	handle, err := s.spawner.Spawn(ctx, procspawn.Options{
		Args: []string{s.Binary, "tunnel", "--config", s.ConfigPath, "run", s.TunnelName},
	})
	if err != nil {
		return fmt.Errorf("tunnel supervisor: spawn: %w", err)
	}
	s.handle = handle
	s.log.Info("coordinator ingress tunnel started", "pid", handle.PID(), "name", s.TunnelName)
	return nil
}

// Stop signals the tunnel to terminate, falling back to a hard kill, and
// clears the handle so a later Start can run again.
func (s *Supervisor) Stop() error {
	if s.handle == nil {
		return nil
	}
	s.log.Info("stopping coordinator ingress tunnel", "pid", s.handle.PID())
	err := s.handle.Signal()
	if err != nil {
		err = s.handle.Kill()
	}
	s.handle = nil
	return err
}
