// Package lease implements the coordinator's Lease Manager (spec.md §4.1):
// atomic try-claim, heartbeat-based renewal, lazy expiry, and idempotent
// reset, serialized by a single process-wide mutex held across the
// read-decide-write of the session document (spec.md §5).
package lease

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/chouwzi/peerhost/internal/apierr"
	"github.com/chouwzi/peerhost/internal/docstore"
	"github.com/chouwzi/peerhost/internal/metrics"
	"github.com/chouwzi/peerhost/internal/token"
	"github.com/chouwzi/peerhost/internal/wire"
)

// Config are the timing constants spec.md §6 defaults and hands back in
// TryClaim's response.
type Config struct {
	HeartbeatInterval time.Duration
	LockTimeout       time.Duration
	// DocPath is where the session document is atomically persisted. Empty
	// disables persistence (used by tests).
	DocPath string
}

// Manager owns the singleton session document.
type Manager struct {
	cfg     Config
	signer  *token.Signer
	metrics *metrics.Coordinator
	log     log.Logger
	now     func() time.Time

	mu      sync.Mutex
	session state
}

func NewManager(cfg Config, signer *token.Signer, m *metrics.Coordinator, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.Root()
	}
	mgr := &Manager{
		cfg:     cfg,
		signer:  signer,
		metrics: m,
		log:     logger,
		now:     time.Now,
		session: unlocked(),
	}
	if cfg.DocPath != "" {
		var persisted persistedSession
		if err := docstore.Load(cfg.DocPath, &persisted); err == nil {
			mgr.session = persisted.toState()
		}
	}
	return mgr
}

// persistedSession is the on-disk shape of the session document, matching
// spec.md §6's "Session document on disk" schema.
type persistedSession struct {
	IsLocked  bool      `json:"is_locked"`
	HostID    string    `json:"host_id,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	LastBeat  time.Time `json:"last_heartbeat,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (p persistedSession) toState() state {
	if !p.IsLocked {
		return unlocked()
	}
	return state{
		locked: true,
		host:   hostInfo{hostID: p.HostID, ipAddress: p.IPAddress},
		times: timestamps{
			startedAt:     p.StartedAt,
			lastHeartbeat: p.LastBeat,
			expiresAt:     p.ExpiresAt,
		},
	}
}

func fromState(s state) persistedSession {
	if !s.locked {
		return persistedSession{}
	}
	return persistedSession{
		IsLocked:  true,
		HostID:    s.host.hostID,
		IPAddress: s.host.ipAddress,
		StartedAt: s.times.startedAt,
		LastBeat:  s.times.lastHeartbeat,
		ExpiresAt: s.times.expiresAt,
	}
}

// persistLocked writes the current session to disk. Caller must hold mu.
func (m *Manager) persistLocked() {
	if m.cfg.DocPath == "" {
		return
	}
	if err := docstore.Save(m.cfg.DocPath, fromState(m.session)); err != nil {
		m.log.Error("failed to persist session document", "err", err)
	}
}

// ClaimResult is the successful return of TryClaim.
type ClaimResult struct {
	Token             string
	HeartbeatInterval time.Duration
	LockTimeout       time.Duration
}

// TryClaim implements spec.md §4.1's TryClaim operation. Atomicity of
// read-modify-write comes entirely from mu being held for the duration.
func (m *Manager) TryClaim(hostID, ip string) (ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.expireIfDueLocked(now)

	if m.session.locked {
		m.countClaim("conflict")
		return ClaimResult{}, apierr.New(apierr.KindConflict, "session already locked")
	}

	expiresAt := now.Add(m.cfg.LockTimeout)
	m.session = locked(hostID, ip, now, expiresAt)
	m.persistLocked()

	tok, err := m.signer.Mint(hostID, ip, expiresAt)
	if err != nil {
		m.countClaim("error")
		return ClaimResult{}, apierr.Wrap(apierr.KindIO, "failed to mint lease token", err)
	}

	m.countClaim("claimed")
	m.log.Info("lease claimed", "host_id", hostID, "ip", ip, "expires_at", expiresAt)
	return ClaimResult{
		Token:             tok,
		HeartbeatInterval: m.cfg.HeartbeatInterval,
		LockTimeout:       m.cfg.LockTimeout,
	}, nil
}

func (m *Manager) countClaim(outcome string) {
	if m.metrics != nil {
		m.metrics.ClaimsTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Manager) countHeartbeat(outcome string) {
	if m.metrics != nil {
		m.metrics.HeartbeatsTotal.WithLabelValues(outcome).Inc()
	}
}

// authorizeLocked verifies the token's signature and that (host_id, ip_address)
// matches the current holder. Caller must hold mu.
func (m *Manager) authorizeLocked(rawToken, ip string) error {
	claims, err := m.signer.Verify(rawToken)
	if err != nil {
		return apierr.Wrap(apierr.KindUnauthorized, "invalid lease token", err)
	}
	if !m.session.locked {
		return apierr.New(apierr.KindUnauthorized, "session is not locked")
	}
	if claims.HostID != m.session.host.hostID {
		return apierr.New(apierr.KindUnauthorized, "token holder mismatch")
	}
	// Whether IP must also match is left open by spec.md §9's first Open
	// Question; we follow the source and check it, since a stricter check
	// here only ever rejects a request a looser check would have allowed,
	// which is the safer default for a mutual-exclusion primitive.
	if ip != "" && claims.IPAddress != ip {
		return apierr.New(apierr.KindUnauthorized, "token holder ip mismatch")
	}
	return nil
}

// Authorize verifies that rawToken is a valid, still-current lease token
// without renewing the lease. Used by endpoints that require an active
// lease (e.g. file uploads) but are not themselves the heartbeat.
func (m *Manager) Authorize(rawToken, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireIfDueLocked(m.now())
	return m.authorizeLocked(rawToken, ip)
}

// Heartbeat implements spec.md §4.1's Heartbeat operation.
func (m *Manager) Heartbeat(rawToken, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.expireIfDueLocked(now)

	if err := m.authorizeLocked(rawToken, ip); err != nil {
		m.countHeartbeat("unauthorized")
		return err
	}

	m.session.times.lastHeartbeat = now
	m.session.times.expiresAt = now.Add(m.cfg.LockTimeout)
	m.persistLocked()
	m.countHeartbeat("ok")
	return nil
}

// Get implements spec.md §4.1's Get operation, including the lazy-expiry
// path: if the session is expired, it resets before returning.
func (m *Manager) Get() wire.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireIfDueLocked(m.now())
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() wire.Session {
	if !m.session.locked {
		return wire.Session{}
	}
	started := m.session.times.startedAt
	beat := m.session.times.lastHeartbeat
	exp := m.session.times.expiresAt
	return wire.Session{
		IsLocked: true,
		Host: wire.HostInfo{
			HostID:    m.session.host.hostID,
			IPAddress: m.session.host.ipAddress,
		},
		Timestamps: wire.Timestamps{
			StartedAt:     &started,
			LastHeartbeat: &beat,
			ExpiresAt:     &exp,
		},
	}
}

// expireIfDueLocked resets the session in place if it's expired. Caller
// must hold mu. This is the lazy-expiry path evaluated on every Get, plus
// internally from TryClaim/Heartbeat so a stale lock never blocks a fresh
// claim attempt unnecessarily.
func (m *Manager) expireIfDueLocked(now time.Time) {
	if m.session.expired(now) {
		m.log.Info("lease expired, resetting", "host_id", m.session.host.hostID)
		m.session = unlocked()
		m.persistLocked()
		if m.metrics != nil {
			m.metrics.ReaperExpired.Inc()
		}
	}
}

// Reset unconditionally transitions to Unlocked. Idempotent.
func (m *Manager) Reset() wire.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = unlocked()
	m.persistLocked()
	return m.snapshotLocked()
}

// Release implements spec.md §4.1's Release operation: authorize, then
// reset.
func (m *Manager) Release(rawToken, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireIfDueLocked(m.now())
	if err := m.authorizeLocked(rawToken, ip); err != nil {
		return err
	}
	hostID := m.session.host.hostID
	m.session = unlocked()
	m.persistLocked()
	m.log.Info("lease released", "host_id", hostID)
	return nil
}

// ReapOnce is the single unit of work the Expiry Reaper (spec.md §4.1)
// performs on each tick: evaluate expiry without requiring an incoming
// request.
func (m *Manager) ReapOnce() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireIfDueLocked(m.now())
}
