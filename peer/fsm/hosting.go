package fsm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/chouwzi/peerhost/internal/hashutil"
	"github.com/chouwzi/peerhost/internal/wire"
	"github.com/chouwzi/peerhost/peer/session"
)

// runHosting implements the HOSTING state and its exit via graceful
// relinquish (spec.md §4.6): starts the Uploader+Watcher, workload, and
// host-mode tunnel, then runs an independent heartbeat monitor until either
// the heartbeat fails terminally or the caller's context is canceled (a
// user-requested or controlled-exit relinquish).
func (m *Machine) runHosting(ctx context.Context) State {
	hostCtx, cancelHost := context.WithCancel(ctx)
	defer cancelHost()

	policy, err := m.cfg.FetchPolicy(hostCtx)
	if err != nil {
		return Discovery
	}

	if m.cfg.Tunnel != nil && policy.TunnelName != "" {
		_ = m.cfg.Tunnel.StartHost(hostCtx, policy.TunnelName, policy.GameLocalPort, nil)
	}

	sup, err := m.cfg.StartWorkload(hostCtx, policy)
	if err != nil {
		m.log.Error("failed to start workload", "err", err)
		m.relinquish(ctx, policy, false)
		return Discovery
	}
	m.workload = sup

	workloadDied := make(chan error, 1)
	if _, err := sup.Start(hostCtx, func(werr error) { workloadDied <- werr }); err != nil {
		m.log.Error("failed to start workload", "err", err)
		m.relinquish(ctx, policy, false)
		return Discovery
	}

	m.cfg.Watcher.Policy = policy
	m.watchStop = make(chan struct{})
	go m.cfg.Watcher.Run(m.watchStop)

	heartbeatErr := make(chan error, 1)
	go m.runHeartbeatMonitor(hostCtx, heartbeatErr)

	select {
	case <-ctx.Done():
		m.relinquish(context.Background(), policy, true)
		return Discovery
	case err := <-heartbeatErr:
		if errors.Is(err, ErrSessionLost) {
			// Lease already gone server-side: skip the release call, per
			// spec.md §4.6's heartbeat-monitor 401 handling.
			m.stopLocalOnly()
			return Discovery
		}
		m.relinquish(ctx, policy, true)
		return Discovery
	case werr := <-workloadDied:
		m.log.Warn("workload exited unexpectedly", "err", werr)
		m.relinquish(ctx, policy, true)
		return Discovery
	}
}

// runHeartbeatMonitor is the independent heartbeat task spec.md §4.6
// describes: renews every 10 seconds (the coordinator's default
// heartbeat_interval; the interval returned by Claim is not consulted), and
// on repeated transport
// failure enters an offline sub-mode that polls Get until the coordinator
// is reachable again, then signals a return to DISCOVERY.
func (m *Machine) runHeartbeatMonitor(ctx context.Context, out chan<- error) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.cfg.Session.Heartbeat(ctx)
			if err == nil {
				failures = 0
				continue
			}
			if isUnauthorized(err) {
				out <- ErrSessionLost
				return
			}
			failures++
			if failures >= maxHeartbeatFailures {
				m.enterOffline(ctx)
				out <- errors.New("fsm: heartbeat offline recovery, returning to discovery")
				return
			}
		}
	}
}

// enterOffline polls Get every 2s until the coordinator answers, per
// spec.md §4.6's offline sub-mode.
func (m *Machine) enterOffline(ctx context.Context) {
	m.log.Warn("entering offline mode: coordinator unreachable")
	if m.watchStop != nil {
		close(m.watchStop)
		m.watchStop = nil
	}
	for {
		if !sleepCtx(ctx, offlinePollInterval) {
			return
		}
		if _, err := m.cfg.Session.Get(ctx); err == nil {
			return
		}
	}
}

// relinquish runs the graceful-stop sequence (spec.md §4.6): tunnel,
// workload, final sync (bounded by drainTimeout), Release, then stop the
// watcher. Pending debounce timers are not drained as a separate step, and
// the heartbeat monitor keeps running until runHosting returns, after
// Release. withNetwork is false only when the workload itself never
// started; the final sync and Release are then skipped and the lease stays
// held until it expires.
func (m *Machine) relinquish(ctx context.Context, policy wire.Policy, withNetwork bool) {
	if m.cfg.Tunnel != nil {
		_ = m.cfg.Tunnel.Stop()
	}
	if m.workload != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
		_ = m.workload.Stop(stopCtx)
		cancel()
		m.workload = nil
	}
	if withNetwork {
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		m.finalSync(drainCtx, policy)
		cancel()
		_ = m.cfg.Session.Release(context.Background())
	}
	m.stopLocalOnly()
}

// finalSync runs step 4 of the relinquish sequence: scan locally, diff
// against a freshly fetched manifest, and upload only the files that don't
// already match the coordinator's known hash (spec.md §4.6 step 4,
// §4.4's contract). relinquish calls it before the watcher is stopped and
// without waiting on pending debounce timers; ctx (drainTimeout there)
// bounds the whole sweep.
func (m *Machine) finalSync(ctx context.Context, policy wire.Policy) {
	manifest, err := m.cfg.FetchManifest(ctx)
	if err != nil {
		m.log.Warn("final sync: failed to fetch manifest", "err", err)
		return
	}
	remoteHash := make(map[string]string, len(manifest))
	for _, e := range manifest {
		remoteHash[e.Path] = e.SHA256
	}

	var toUpload []string
	_ = filepath.Walk(m.cfg.WorldRoot, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil || info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(m.cfg.WorldRoot, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		sum, _, sumErr := hashutil.SumFile(func() (io.ReadCloser, error) { return os.Open(p) })
		if sumErr != nil {
			return nil
		}
		if known, ok := remoteHash[rel]; !ok || known != sum {
			toUpload = append(toUpload, rel)
		}
		return nil
	})

	if err := m.cfg.Uploader.UploadAll(ctx, policy, toUpload); err != nil {
		m.log.Warn("final sync: upload sweep failed", "err", err)
	}
}

func (m *Machine) stopLocalOnly() {
	if m.watchStop != nil {
		close(m.watchStop)
		m.watchStop = nil
	}
}

func isUnauthorized(err error) bool {
	var statusErr *session.StatusError
	return errors.As(err, &statusErr) && statusErr.Status == http.StatusUnauthorized
}
