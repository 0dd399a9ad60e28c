package lease

import "time"

// state is the typed redesign of spec.md §9's "dynamic-typed dict session
// doc": Unlocked carries no fields, Locked carries exactly the host and
// timestamp data the invariant in spec.md §3 requires, so an unlocked
// session simply cannot hold a stale host_id, and expiry becomes a total
// function of the Locked variant's ExpiresAt.
type state struct {
	locked bool
	host   hostInfo
	times  timestamps
}

type hostInfo struct {
	hostID    string
	ipAddress string
}

type timestamps struct {
	startedAt     time.Time
	lastHeartbeat time.Time
	expiresAt     time.Time
}

func unlocked() state {
	return state{}
}

func locked(hostID, ip string, startedAt, expiresAt time.Time) state {
	return state{
		locked: true,
		host:   hostInfo{hostID: hostID, ipAddress: ip},
		times: timestamps{
			startedAt:     startedAt,
			lastHeartbeat: startedAt,
			expiresAt:     expiresAt,
		},
	}
}

// expired reports whether the locked session has passed its expiry instant
// as of now. Calling expired on an unlocked state always returns false.
func (s state) expired(now time.Time) bool {
	return s.locked && now.After(s.times.expiresAt)
}
