// Package sync implements the Pre-Sync Engine (spec.md §4.4): before a peer
// is allowed to host, its local world tree must match the coordinator's
// manifest. Diffing and concurrent download here follow the peer-loop shape
// of the teacher's reverse-chain sync client (op-node/p2p/sync.go): a
// bounded worker pool pulling off a work queue, paced by a rate limiter.
package sync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/chouwzi/peerhost/internal/hashutil"
	"github.com/chouwzi/peerhost/internal/metrics"
	"github.com/chouwzi/peerhost/internal/wire"
)

const maxConcurrentDownloads = 10

// userSafePatterns are local files a mirror-sync prune must never delete,
// even when they're absent from the coordinator's manifest: save data,
// screenshots, and per-client launcher state the coordinator was never
// meant to own. Ported from the original sync client's USER_SAFE_PATTERNS.
var userSafePatterns = []string{
	"options.txt", "optionsof.txt", "servers.dat", "usercache.json", "usernamecache.json",
	"logs/*", "crash-reports/*", "debug/*",
	"screenshots/*", "saves/*", "schematics/*",
	"resourcepacks/*", "shaderpacks/*",
	"TLauncher*", "skin_*", ".auth/*",
	"launcher_profiles.json", "launcher_accounts.json",
	"session.lock",
	"libraries/*", "versions/*",
}

// isUserSafe reports whether rel (a slash-separated path relative to the
// world root) matches a USER_SAFE_PATTERNS entry, checked against both the
// full relative path and the bare filename so "saves/*" matches nested
// save files and "TLauncher*" matches a top-level launcher artifact alike.
func isUserSafe(rel string) bool {
	base := rel
	if idx := strings.LastIndex(rel, "/"); idx >= 0 {
		base = rel[idx+1:]
	}
	for _, pattern := range userSafePatterns {
		if dir, ok := strings.CutSuffix(pattern, "/*"); ok {
			if rel == dir || strings.HasPrefix(rel, dir+"/") {
				return true
			}
			continue
		}
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// Plan is a diff between the coordinator's manifest and the local tree.
type Plan struct {
	ToDownload []wire.ManifestEntry
	ToDelete   []string // only populated when MirrorSync is enabled
}

// Diff compares remote against the local tree rooted at localRoot, and
// returns the set of files to fetch (missing or hash-mismatched) and,
// when mirror is true, local files absent from remote to delete.
func Diff(localRoot string, remote []wire.ManifestEntry, mirror bool) (Plan, error) {
	remoteByPath := make(map[string]wire.ManifestEntry, len(remote))
	for _, e := range remote {
		remoteByPath[e.Path] = e
	}

	var plan Plan
	for _, e := range remote {
		full := filepath.Join(localRoot, filepath.FromSlash(e.Path))
		sum, _, err := hashutil.SumFile(func() (io.ReadCloser, error) { return os.Open(full) })
		if err != nil || sum != e.SHA256 {
			plan.ToDownload = append(plan.ToDownload, e)
		}
	}

	if !mirror {
		return plan, nil
	}

	err := filepath.Walk(localRoot, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(localRoot, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if _, ok := remoteByPath[rel]; ok {
			return nil
		}
		if isUserSafe(rel) {
			return nil
		}
		plan.ToDelete = append(plan.ToDelete, rel)
		return nil
	})
	if err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// Engine executes a Plan against a coordinator.
type Engine struct {
	BaseURL   string
	LocalRoot string
	Token     string

	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *metrics.Peer
	log        log.Logger
}

func NewEngine(baseURL, localRoot, token string, m *metrics.Peer, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.Root()
	}
	return &Engine{
		BaseURL:    baseURL,
		LocalRoot:  localRoot,
		Token:      token,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(maxConcurrentDownloads), maxConcurrentDownloads),
		metrics:    m,
		log:        logger,
	}
}

// Progress is reported once per completed file.
type Progress struct {
	Path  string
	Done  int
	Total int
}

// Execute runs the plan: concurrent downloads bounded to
// maxConcurrentDownloads in flight, followed by sequential deletes (mirror
// pruning is rare and destructive enough not to parallelize).
func (e *Engine) Execute(ctx context.Context, plan Plan, onProgress func(Progress)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDownloads)

	total := len(plan.ToDownload)
	done := 0
	for _, entry := range plan.ToDownload {
		entry := entry
		g.Go(func() error {
			if err := e.limiter.Wait(gctx); err != nil {
				return err
			}
			if err := e.downloadOne(gctx, entry); err != nil {
				if e.metrics != nil {
					e.metrics.DownloadAttempts.WithLabelValues("failure").Inc()
				}
				return fmt.Errorf("sync: download %s: %w", entry.Path, err)
			}
			done++
			if onProgress != nil {
				onProgress(Progress{Path: entry.Path, Done: done, Total: total})
			}
			if e.metrics != nil {
				e.metrics.DownloadAttempts.WithLabelValues("success").Inc()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, rel := range plan.ToDelete {
		full := filepath.Join(e.LocalRoot, filepath.FromSlash(rel))
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			e.log.Warn("failed to prune mirrored file", "path", rel, "err", err)
		}
	}
	return nil
}

func (e *Engine) downloadOne(ctx context.Context, entry wire.ManifestEntry) error {
	return e.downloadTo(ctx, entry.Path, entry.SHA256)
}

// DownloadFile fetches relPath from the coordinator and atomically replaces
// the local copy, without a known expected hash. Used by the Uploader's
// restricted-file auto-revert (spec.md §4.4), which downloads the
// authoritative copy rather than trusting the local write.
func (e *Engine) DownloadFile(ctx context.Context, relPath string) error {
	return e.downloadTo(ctx, relPath, "")
}

// downloadTo streams relPath from the coordinator to a temp sibling of its
// local path and renames into place. When expectedSHA256 is non-empty, the
// downloaded content must hash to it or the download is discarded.
func (e *Engine) downloadTo(ctx context.Context, relPath, expectedSHA256 string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.BaseURL+"/world/files/"+relPath, nil)
	if err != nil {
		return err
	}
	if e.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.Token)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	full := filepath.Join(e.LocalRoot, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	tmp := full + ".peerhost-dl.tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	hr := hashutil.NewHashingReader(resp.Body)
	_, copyErr := io.Copy(f, hr)
	closeErr := f.Close()
	if copyErr != nil {
		os.Remove(tmp)
		return copyErr
	}
	if closeErr != nil {
		os.Remove(tmp)
		return closeErr
	}
	if expectedSHA256 != "" && hr.Sum() != expectedSHA256 {
		os.Remove(tmp)
		return fmt.Errorf("hash mismatch: expected %s got %s", expectedSHA256, hr.Sum())
	}
	return os.Rename(tmp, full)
}
