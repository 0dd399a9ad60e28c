// Package tunnel implements the Tunnel Client (spec.md §4.9): host-mode
// (publish the local workload port) and participant-mode (open an egress
// tunnel to the host's public hostname) are mutually exclusive per peer,
// each a subprocess tracked under its own Process Tracker key.
package tunnel

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ethereum/go-ethereum/log"

	"github.com/chouwzi/peerhost/internal/procspawn"
	"github.com/chouwzi/peerhost/peer/proctrack"
)

const (
	// KeyHost and KeyAccess are the Process Tracker keys Client registers
	// its subprocess under for each mode.
	KeyHost   = "tunnel_host"
	KeyAccess = "tunnel_access"
)

// Mode selects which tunnel role a Client runs.
type Mode int

const (
	ModeHost Mode = iota
	ModeParticipant
)

// Client tracks one tunnel subprocess, the one most recently started.
// Starting a tunnel does not stop one that is already running, and Stop acts
// only on the tracked one.
type Client struct {
	Binary string

	spawner procspawn.Spawner
	tracker *proctrack.Tracker
	log     log.Logger

	handle procspawn.Handle
	key    string
}

func New(binary string, spawner procspawn.Spawner, tracker *proctrack.Tracker, logger log.Logger) *Client {
	if logger == nil {
		logger = log.Root()
	}
	return &Client{Binary: binary, spawner: spawner, tracker: tracker, log: logger}
}

// StartHost publishes localPort under tunnelName, using credentials from
// the environment the caller supplies (the tunnel binary's own auth model
// is out of scope here; this just wires the subprocess and tracking).
func (c *Client) StartHost(ctx context.Context, tunnelName string, localPort int, env []string) error {
	return c.start(ctx, KeyHost, []string{c.Binary, "host", "--name", tunnelName, "--port", fmt.Sprint(localPort)}, env)
}

// StartParticipant opens an egress tunnel to the host's public hostname.
func (c *Client) StartParticipant(ctx context.Context, hostname string, localPort int, env []string) error {
	return c.start(ctx, KeyAccess, []string{c.Binary, "access", "--hostname", hostname, "--port", fmt.Sprint(localPort)}, env)
}

func (c *Client) start(ctx context.Context, key string, args []string, env []string) error {
	handle, err := c.spawner.Spawn(ctx, procspawn.Options{
		Args: args,
		Env:  env,
	})
	if err != nil {
		return fmt.Errorf("tunnel: spawn %s: %w", key, err)
	}
	c.handle = handle
	c.key = key
	if c.tracker != nil {
		if err := c.tracker.Register(key, handle.PID(), filepath.Base(c.Binary)); err != nil {
			c.log.Warn("failed to register tunnel process", "key", key, "err", err)
		}
	}
	return nil
}

// Stop gracefully signals the running tunnel, falling back to a hard kill
// only if the signal cannot be delivered (it does not wait for the process
// to exit), and unregisters it from the Process Tracker.
func (c *Client) Stop() error {
	if c.handle == nil {
		return nil
	}
	err := c.handle.Signal()
	if err != nil {
		err = c.handle.Kill()
	}
	if c.tracker != nil && c.key != "" {
		if unregErr := c.tracker.Unregister(c.key); unregErr != nil {
			c.log.Warn("failed to unregister tunnel process", "key", c.key, "err", unregErr)
		}
	}
	c.handle = nil
	c.key = ""
	return err
}
