// Package wire defines the JSON types shared across the coordinator HTTP
// surface and the peer clients that speak to it. Nothing in this package
// depends on coordinator or peer internals, so both sides can import it
// without a cycle.
package wire

import "time"

// HostInfo identifies the peer currently holding the lease, if any.
type HostInfo struct {
	HostID    string `json:"host_id"`
	IPAddress string `json:"ip_address"`
	Token     string `json:"token,omitempty"`
}

// Timestamps carries the absolute instants that bound a lease. All fields
// are nil together (unlocked) or all set together (locked).
type Timestamps struct {
	StartedAt     *time.Time `json:"started_at"`
	LastHeartbeat *time.Time `json:"last_heartbeat"`
	ExpiresAt     *time.Time `json:"expires_at"`
}

// Session is the singleton coordinator-local lease document described in
// spec.md §3. IsLocked is the discriminant; Host and Timestamps are the
// nil-together / set-together fields the invariant governs.
type Session struct {
	IsLocked   bool       `json:"is_locked"`
	Host       HostInfo   `json:"host"`
	Timestamps Timestamps `json:"timestamps"`
}

// FileRecord is the coordinator's derived, non-authoritative audit record
// for a stored file.
type FileRecord struct {
	Path         string    `json:"path"`
	FileName     string    `json:"file_name"`
	SHA256       string    `json:"sha256"`
	SizeBytes    int64     `json:"size_bytes"`
	UpdatedAt    time.Time `json:"updated_at"`
	UpdateByHost string    `json:"update_by_host"`
	HostIP       string    `json:"host_ip"`
}

// ManifestEntry is one member of the set that makes up a Manifest.
type ManifestEntry struct {
	Path      string `json:"path"`
	SHA256    string `json:"hash"`
	SizeBytes int64  `json:"size"`
}

// Policy is the coordinator-owned synchronization policy served to peers at
// GET /world/config.
type Policy struct {
	Restricted    []string `json:"restricted"`
	Ignored       []string `json:"ignored"`
	ReadOnly      []string `json:"readonly"`
	StartCommand  string   `json:"start_command"`
	MirrorSync    bool     `json:"mirror_sync"`
	TunnelName    string   `json:"tunnel_name"`
	GameHostname  string   `json:"game_hostname"`
	GameLocalPort int      `json:"game_local_port"`
	JavaVersion   string   `json:"java_version"`
}

// --- request / response bodies ---

type ClaimRequest struct {
	HostID string `json:"host_id"`
}

type ClaimResponse struct {
	Token            string `json:"token"`
	HeartbeatSeconds int    `json:"heartbeat_interval"`
	LockTimeout      int    `json:"lock_timeout"`
}

type HeartbeatResponse struct {
	Status string `json:"status"`
}

type SessionView struct {
	IsLocked bool   `json:"is_locked"`
	HostID   string `json:"host_id,omitempty"`
}

type ManifestResponse struct {
	Files      []ManifestEntry `json:"files"`
	TotalFiles int             `json:"total_files"`
	TotalSize  int64           `json:"total_size"`
}

type ErrorBody struct {
	Detail string `json:"detail"`
}
