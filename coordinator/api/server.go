// Package api implements the coordinator's HTTP surface (spec.md §6),
// routed with gorilla/mux, the same path-templated router the teacher's
// indexer and proxyd siblings depend on — a natural fit for the
// wildcard /world/files/{path...} routes this surface needs.
package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/chouwzi/peerhost/coordinator/lease"
	"github.com/chouwzi/peerhost/coordinator/manifest"
	"github.com/chouwzi/peerhost/coordinator/policy"
	"github.com/chouwzi/peerhost/coordinator/store"
	"github.com/chouwzi/peerhost/internal/apierr"
	"github.com/chouwzi/peerhost/internal/metrics"
	"github.com/chouwzi/peerhost/internal/wire"
)

// LeaseManager is the subset of lease.Manager the HTTP surface calls.
type LeaseManager interface {
	TryClaim(hostID, ip string) (lease.ClaimResult, error)
	Heartbeat(rawToken, ip string) error
	Authorize(rawToken, ip string) error
	Get() wire.Session
	Release(rawToken, ip string) error
}

// Server composes the coordinator's components behind the HTTP surface.
type Server struct {
	Lease    LeaseManager
	Store    *store.Store
	Manifest *manifest.Service
	Policy   *policy.Policy
	Metrics  *metrics.Coordinator
	Log      log.Logger

	LauncherSourcePath string // boundary for the self-distribution surface

	router *mux.Router
}

// NewRouter builds the full mux.Router for the coordinator, wrapped with
// CORS and per-IP rate limiting.
func (s *Server) NewRouter() http.Handler {
	if s.Log == nil {
		s.Log = log.Root()
	}
	r := mux.NewRouter()

	r.HandleFunc("/world/session", s.handleClaim).Methods(http.MethodPost)
	r.HandleFunc("/world/session/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/world/session", s.handleGetSession).Methods(http.MethodGet)
	r.HandleFunc("/world/session", s.handleRelease).Methods(http.MethodDelete)
	r.HandleFunc("/world/manifest", s.handleManifest).Methods(http.MethodGet)
	r.HandleFunc("/world/config", s.handleConfig).Methods(http.MethodGet)
	r.HandleFunc("/world/files/{path:.*}", s.handlePutFile).Methods(http.MethodPost)
	r.HandleFunc("/world/files/{path:.*}", s.handleGetFile).Methods(http.MethodGet)
	s.mountSelfDistribution(r)

	s.router = r

	handler := newRateLimitMiddleware(r, 20, time.Minute)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "X-File-Hash", "Content-Type"},
	})
	return c.Handler(loggingMiddleware(s.Log, handler))
}

func loggingMiddleware(logger log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, req)
		logger.Debug("handled request", "method", req.Method, "path", req.URL.Path,
			"remote", req.RemoteAddr, "dur", time.Since(start))
	})
}

func clientIP(r *http.Request) string {
	if idx := strings.LastIndex(r.RemoteAddr, ":"); idx != -1 {
		return r.RemoteAddr[:idx]
	}
	return r.RemoteAddr
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if apiErr, ok := apierr.As(err); ok {
		writeJSON(w, apierr.HTTPStatus(apiErr.Kind), wire.ErrorBody{Detail: apiErr.Detail})
		return
	}
	writeJSON(w, http.StatusInternalServerError, wire.ErrorBody{Detail: "internal error"})
}
