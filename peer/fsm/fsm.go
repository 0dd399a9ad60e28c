// Package fsm implements the peer State Machine (spec.md §4.6): the six
// states that take a peer from cold start through discovery, following, and
// possibly hosting, with a strictly-ordered graceful relinquish sequence.
package fsm

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/chouwzi/peerhost/internal/metrics"
	"github.com/chouwzi/peerhost/internal/wire"
	"github.com/chouwzi/peerhost/peer/session"
	"github.com/chouwzi/peerhost/peer/sync"
	"github.com/chouwzi/peerhost/peer/tunnel"
	"github.com/chouwzi/peerhost/peer/upload"
	"github.com/chouwzi/peerhost/peer/workload"
)

// State is one of the six peer lifecycle states.
type State int

const (
	Init State = iota
	Discovery
	Participant
	PreHostSync
	ClaimHost
	Hosting
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Discovery:
		return "DISCOVERY"
	case Participant:
		return "PARTICIPANT"
	case PreHostSync:
		return "PRE_HOST_SYNC"
	case ClaimHost:
		return "CLAIM_HOST"
	case Hosting:
		return "HOSTING"
	default:
		return "UNKNOWN"
	}
}

const (
	discoveryPollInterval = 2 * time.Second
	offlinePollInterval   = 2 * time.Second
	maxHeartbeatFailures  = 3

	drainTimeout = 30 * time.Second
)

// ErrSessionLost is raised when the coordinator reports the lease is no
// longer held by this peer (a 401 on an authenticated call).
var ErrSessionLost = errors.New("fsm: session lost")

// Config bundles the peer-side components the Machine composes. The tunnel
// name, start command and mirror-sync flag are not part of Config: they come
// from the coordinator's Policy document, which FetchPolicy retrieves each
// time a state needs it.
type Config struct {
	HostID    string
	WorldRoot string

	Session  *session.Client
	Watcher  *upload.Watcher
	Uploader *upload.Uploader
	Engine   *sync.Engine
	Tunnel   *tunnel.Client

	// TunnelBinaryPath is the local path runInit checks before starting a
	// participant tunnel, priority-syncing it from the coordinator's
	// self-distribution surface if it's missing. Empty disables the check.
	TunnelBinaryPath string

	FetchPolicy func(ctx context.Context) (wire.Policy, error)
	FetchManifest func(ctx context.Context) ([]wire.ManifestEntry, error)
	StartWorkload func(ctx context.Context, policy wire.Policy) (*workload.Supervisor, error)

	Metrics *metrics.Peer
	Log     log.Logger
}

// Machine drives a peer through its lifecycle. One Machine per peer
// process; Run blocks until ctx is canceled.
type Machine struct {
	cfg   Config
	log   log.Logger
	state atomic.Int32

	workload  *workload.Supervisor
	watchStop chan struct{}
}

func New(cfg Config) *Machine {
	logger := cfg.Log
	if logger == nil {
		logger = log.Root()
	}
	return &Machine{cfg: cfg, log: logger}
}

// State returns the machine's current state, safe to call concurrently.
func (m *Machine) State() State { return State(m.state.Load()) }

func (m *Machine) setState(s State) {
	m.state.Store(int32(s))
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.StateTransitions.WithLabelValues(s.String()).Inc()
	}
	m.log.Info("state transition", "state", s.String())
}

// Run drives the state machine until ctx is canceled. Errors from
// individual states are logged and treated as a transition back toward
// DISCOVERY rather than fatal, matching spec.md §4.6's failure-transition
// table — the loop itself never exits except on ctx cancellation.
func (m *Machine) Run(ctx context.Context) error {
	m.setState(Init)
	next, err := m.runInit(ctx)
	if err != nil {
		m.log.Error("init failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		m.setState(next)
		switch next {
		case Discovery:
			next = m.runDiscovery(ctx)
		case Participant:
			next = m.runParticipant(ctx)
		case PreHostSync:
			next = m.runPreHostSync(ctx)
		case ClaimHost:
			next = m.runClaimHost(ctx)
		case Hosting:
			next = m.runHosting(ctx)
		default:
			next = Discovery
		}
	}
}

func (m *Machine) runInit(ctx context.Context) (State, error) {
	if m.cfg.Tunnel != nil {
		if err := tunnel.EnsureBinary(ctx, m.cfg.Session.BaseURL, m.cfg.TunnelBinaryPath, m.log); err != nil {
			m.log.Warn("failed to ensure tunnel binary is present", "err", err)
		}
		policy, err := m.cfg.FetchPolicy(ctx)
		if err == nil && policy.TunnelName != "" {
			_ = m.cfg.Tunnel.StartParticipant(ctx, policy.GameHostname, policy.GameLocalPort, nil)
		}
	}
	return Discovery, nil
}

// runDiscovery pings the coordinator and reads the session, polling every
// 2s while unreachable (spec.md §4.6's DISCOVERY row).
func (m *Machine) runDiscovery(ctx context.Context) State {
	for {
		select {
		case <-ctx.Done():
			return Discovery
		default:
		}
		view, err := m.cfg.Session.Get(ctx)
		if err != nil {
			m.log.Debug("discovery: coordinator unreachable, retrying", "err", err)
			if !sleepCtx(ctx, discoveryPollInterval) {
				return Discovery
			}
			continue
		}
		if view.IsLocked && view.HostID != m.cfg.HostID {
			return Participant
		}
		return PreHostSync
	}
}

func (m *Machine) runParticipant(ctx context.Context) State {
	policy, err := m.cfg.FetchPolicy(ctx)
	if err != nil {
		return Discovery
	}
	manifest, err := m.cfg.FetchManifest(ctx)
	if err != nil {
		return Discovery
	}
	plan, err := sync.Diff(m.cfg.WorldRoot, manifest, policy.MirrorSync)
	if err != nil {
		return Discovery
	}
	if err := m.cfg.Engine.Execute(ctx, plan, nil); err != nil {
		m.log.Warn("participant sync failed", "err", err)
		return Discovery
	}

	view, err := m.cfg.Session.Get(ctx)
	if err != nil {
		return Discovery
	}
	if view.IsLocked && view.HostID != m.cfg.HostID {
		return Participant
	}
	return Discovery
}

// runPreHostSync repeats sync_down until the local tree converges with the
// coordinator manifest, retrying with backoff on failure. The convergence
// check itself is delegated to a ConvergenceStage: each loop iteration is
// one Step, with io.EOF meaning "converged" rather than a traditional
// end-of-input signal.
func (m *Machine) runPreHostSync(ctx context.Context) State {
	stage := sync.NewConvergenceStage(m.log, m.cfg.Engine, m.cfg.WorldRoot)
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return PreHostSync
		default:
		}
		manifest, err := m.cfg.FetchManifest(ctx)
		if err != nil {
			if !sleepCtx(ctx, backoff) {
				return PreHostSync
			}
			backoff = nextBackoff(backoff)
			continue
		}
		err = stage.Step(ctx, manifest)
		if errors.Is(err, io.EOF) {
			return ClaimHost
		}
		if err != nil {
			m.log.Warn("pre-host sync failed, retrying", "err", err)
			if !sleepCtx(ctx, backoff) {
				return PreHostSync
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = time.Second
	}
}

func (m *Machine) runClaimHost(ctx context.Context) State {
	resp, err := m.cfg.Session.Claim(ctx)
	if err != nil {
		m.log.Info("claim failed, returning to discovery", "err", err)
		return Discovery
	}
	if m.cfg.Engine != nil {
		m.cfg.Engine.Token = resp.Token
	}
	return Hosting
}

func nextBackoff(d time.Duration) time.Duration {
	next := d * 2
	if next > 30*time.Second {
		return 30 * time.Second
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
