package api

import (
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gorilla/mux"

	"github.com/chouwzi/peerhost/internal/apierr"
	"github.com/chouwzi/peerhost/internal/hashutil"
	"github.com/chouwzi/peerhost/internal/wire"
)

// mountSelfDistribution wires the "software self-distribution surface for
// peer bootstrap" spec.md §6 lists in its HTTP surface table: GET
// /client/manifest, GET /client/files/{path...}, GET /launcher/source.
// The peer-side bootstrap client that consumes these is explicitly out of
// scope (spec.md §1's "bootstrap/self-update of the peer runtime"); this is
// only the read-only server boundary those routes name.
func (s *Server) mountSelfDistribution(r *mux.Router) {
	r.HandleFunc("/client/manifest", s.handleClientManifest).Methods(http.MethodGet)
	r.HandleFunc("/client/files/{path:.*}", s.handleClientFile).Methods(http.MethodGet)
	r.HandleFunc("/launcher/source", s.handleLauncherSource).Methods(http.MethodGet)
}

// handleClientManifest serves the manifest of the peer binary distribution
// tree rooted at LauncherSourcePath, reusing the same hashing logic as the
// world manifest but scoped to a different root.
func (s *Server) handleClientManifest(w http.ResponseWriter, r *http.Request) {
	if s.LauncherSourcePath == "" {
		writeError(w, apierr.New(apierr.KindNotFound, "no launcher source configured"))
		return
	}
	var entries []wire.ManifestEntry
	_ = filepath.Walk(s.LauncherSourcePath, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(s.LauncherSourcePath, p)
		if relErr != nil {
			return nil
		}
		sum, size, sumErr := hashutil.SumFile(func() (io.ReadCloser, error) { return os.Open(p) })
		if sumErr != nil {
			return nil
		}
		entries = append(entries, wire.ManifestEntry{Path: filepath.ToSlash(rel), SHA256: sum, SizeBytes: size})
		return nil
	})
	writeJSON(w, http.StatusOK, wire.ManifestResponse{Files: entries, TotalFiles: len(entries)})
}

func (s *Server) handleClientFile(w http.ResponseWriter, r *http.Request) {
	if s.LauncherSourcePath == "" {
		writeError(w, apierr.New(apierr.KindNotFound, "no launcher source configured"))
		return
	}
	relPath := mux.Vars(r)["path"]
	full := filepath.Join(s.LauncherSourcePath, filepath.FromSlash(relPath))
	f, err := os.Open(full)
	if err != nil {
		writeError(w, apierr.New(apierr.KindNotFound, "file not found"))
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	copyBody(w, f)
}

func (s *Server) handleLauncherSource(w http.ResponseWriter, r *http.Request) {
	if s.LauncherSourcePath == "" {
		writeError(w, apierr.New(apierr.KindNotFound, "no launcher source configured"))
		return
	}
	http.ServeFile(w, r, s.LauncherSourcePath)
}
