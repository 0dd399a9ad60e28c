// Package metrics exposes the Prometheus collectors shared by the
// coordinator and peer binaries, in the same style as the teacher's
// op-heartbeat/l2geth-exporter/op-exporter siblings: a handful of counters
// and histograms registered once at process start and passed by reference
// into the components that update them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Coordinator bundles the collectors the coordinator process registers.
type Coordinator struct {
	ClaimsTotal      *prometheus.CounterVec
	HeartbeatsTotal  *prometheus.CounterVec
	ReaperExpired    prometheus.Counter
	UploadsTotal     *prometheus.CounterVec
	DownloadsTotal   *prometheus.CounterVec
	ManifestScanSecs prometheus.Histogram
}

func NewCoordinator(reg prometheus.Registerer) *Coordinator {
	c := &Coordinator{
		ClaimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerhost",
			Subsystem: "lease",
			Name:      "claims_total",
			Help:      "Number of TryClaim calls by outcome.",
		}, []string{"outcome"}),
		HeartbeatsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerhost",
			Subsystem: "lease",
			Name:      "heartbeats_total",
			Help:      "Number of Heartbeat calls by outcome.",
		}, []string{"outcome"}),
		ReaperExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerhost",
			Subsystem: "lease",
			Name:      "reaper_expired_total",
			Help:      "Number of sessions the expiry reaper reset.",
		}),
		UploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerhost",
			Subsystem: "store",
			Name:      "uploads_total",
			Help:      "Number of file PUTs by outcome.",
		}, []string{"outcome"}),
		DownloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerhost",
			Subsystem: "store",
			Name:      "downloads_total",
			Help:      "Number of file GETs by outcome.",
		}, []string{"outcome"}),
		ManifestScanSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "peerhost",
			Subsystem: "manifest",
			Name:      "scan_seconds",
			Help:      "Duration of a full world-root manifest scan.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(c.ClaimsTotal, c.HeartbeatsTotal, c.ReaperExpired,
		c.UploadsTotal, c.DownloadsTotal, c.ManifestScanSecs)
	return c
}

// Peer bundles the collectors the peer process registers.
type Peer struct {
	UploadAttempts   *prometheus.CounterVec
	DownloadAttempts *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec
}

func NewPeer(reg prometheus.Registerer) *Peer {
	p := &Peer{
		UploadAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerhost_peer",
			Name:      "upload_attempts_total",
			Help:      "Number of upload attempts by outcome.",
		}, []string{"outcome"}),
		DownloadAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerhost_peer",
			Name:      "download_attempts_total",
			Help:      "Number of download attempts by outcome.",
		}, []string{"outcome"}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerhost_peer",
			Name:      "state_transitions_total",
			Help:      "Number of state machine transitions by destination state.",
		}, []string{"state"}),
	}
	reg.MustRegister(p.UploadAttempts, p.DownloadAttempts, p.StateTransitions)
	return p
}
