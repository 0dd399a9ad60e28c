package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/chouwzi/peerhost/internal/apierr"
	"github.com/chouwzi/peerhost/internal/wire"
)

// handleClaim implements POST /world/session (spec.md §6).
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req wire.ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.KindInvalid, "malformed request body", err))
		return
	}
	if req.HostID == "" {
		writeError(w, apierr.New(apierr.KindInvalid, "host_id is required"))
		return
	}
	result, err := s.Lease.TryClaim(req.HostID, clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wire.ClaimResponse{
		Token:            result.Token,
		HeartbeatSeconds: int(result.HeartbeatInterval.Seconds()),
		LockTimeout:      int(result.LockTimeout.Seconds()),
	})
}

// handleHeartbeat implements POST /world/session/heartbeat.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	tok := bearerToken(r)
	if tok == "" {
		writeError(w, apierr.New(apierr.KindUnauthorized, "missing bearer token"))
		return
	}
	if err := s.Lease.Heartbeat(tok, clientIP(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.HeartbeatResponse{Status: "ok"})
}

// handleGetSession implements GET /world/session.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess := s.Lease.Get()
	view := wire.SessionView{IsLocked: sess.IsLocked}
	if sess.IsLocked {
		view.HostID = sess.Host.HostID
	}
	writeJSON(w, http.StatusOK, view)
}

// handleRelease implements DELETE /world/session.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	tok := bearerToken(r)
	if tok == "" {
		writeError(w, apierr.New(apierr.KindUnauthorized, "missing bearer token"))
		return
	}
	if err := s.Lease.Release(tok, clientIP(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleManifest implements GET /world/manifest.
func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), manifestScanTimeout)
	defer cancel()
	result, err := s.Manifest.Scan(ctx)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindIO, "manifest scan failed", err))
		return
	}
	writeJSON(w, http.StatusOK, wire.ManifestResponse{
		Files:      result.Entries,
		TotalFiles: result.TotalFiles,
		TotalSize:  result.TotalBytes,
	})
}

// handleConfig implements GET /world/config.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Policy.Snapshot())
}

// handlePutFile implements POST /world/files/{path...}.
func (s *Server) handlePutFile(w http.ResponseWriter, r *http.Request) {
	tok := bearerToken(r)
	if tok == "" {
		writeError(w, apierr.New(apierr.KindUnauthorized, "missing bearer token"))
		return
	}
	if err := s.Lease.Authorize(tok, clientIP(r)); err != nil {
		writeError(w, err)
		return
	}
	sess := s.Lease.Get()
	relPath := mux.Vars(r)["path"]
	clientHash := r.Header.Get("X-File-Hash")
	if err := s.Store.Put(relPath, r.Body, clientHash, sess.Host.HostID, clientIP(r)); err != nil {
		s.countUpload(err)
		writeError(w, err)
		return
	}
	s.countUpload(nil)
	w.WriteHeader(http.StatusCreated)
}

// handleGetFile implements GET /world/files/{path...}.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	relPath := mux.Vars(r)["path"]
	body, size, err := s.Store.Get(relPath)
	if err != nil {
		s.countDownload(err)
		writeError(w, err)
		return
	}
	defer body.Close()
	s.countDownload(nil)
	w.Header().Set("Content-Type", "application/octet-stream")
	if size >= 0 {
		w.Header().Set("Content-Length", itoa64(size))
	}
	w.WriteHeader(http.StatusOK)
	copyBody(w, body)
}

func (s *Server) countUpload(err error) {
	if s.Metrics == nil {
		return
	}
	if err == nil {
		s.Metrics.UploadsTotal.WithLabelValues("ok").Inc()
		return
	}
	if apiErr, ok := apierr.As(err); ok {
		s.Metrics.UploadsTotal.WithLabelValues(apiErr.Kind.String()).Inc()
		return
	}
	s.Metrics.UploadsTotal.WithLabelValues("error").Inc()
}

func (s *Server) countDownload(err error) {
	if s.Metrics == nil {
		return
	}
	if err == nil {
		s.Metrics.DownloadsTotal.WithLabelValues("ok").Inc()
		return
	}
	if apiErr, ok := apierr.As(err); ok {
		s.Metrics.DownloadsTotal.WithLabelValues(apiErr.Kind.String()).Inc()
		return
	}
	s.Metrics.DownloadsTotal.WithLabelValues("error").Inc()
}
