package lease

import (
	"context"
	"time"
)

// Reaper periodically triggers lazy expiry so an idle coordinator still
// releases dead leases even absent an incoming request (spec.md §4.1's
// expiry policy, second clause). Cadence is bounded by heartbeat_interval.
type Reaper struct {
	mgr      *Manager
	interval time.Duration
}

func NewReaper(mgr *Manager, interval time.Duration) *Reaper {
	return &Reaper{mgr: mgr, interval: interval}
}

// Run blocks until ctx is canceled, ticking ReapOnce at r.interval.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.mgr.ReapOnce()
		case <-ctx.Done():
			return
		}
	}
}
