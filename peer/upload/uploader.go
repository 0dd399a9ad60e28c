package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/chouwzi/peerhost/internal/hashutil"
	"github.com/chouwzi/peerhost/internal/metrics"
	"github.com/chouwzi/peerhost/internal/wire"
)

const (
	maxConcurrentUploads = 5
	maxUploadAttempts    = 3
	uploadAttemptTimeout = 15 * time.Second

	// restrictedRevertWindow is how long a just-reverted restricted path is
	// suppressed from re-triggering an upload, since the revert itself is a
	// filesystem write the watcher would otherwise pick back up.
	restrictedRevertWindow = 2 * time.Second
)

var retryBackoff = []time.Duration{0, 1 * time.Second, 3 * time.Second}

// permanentUploadError wraps a response the uploader must not retry:
// 401 (lease lost), 403 (restricted), 404 (spec.md §4.4).
type permanentUploadError struct {
	status int
	err    error
}

func (e *permanentUploadError) Error() string { return e.err.Error() }
func (e *permanentUploadError) Unwrap() error { return e.err }

// Uploader pushes debounced local writes to the coordinator, enforcing
// upload policy and retrying transient failures.
type Uploader struct {
	BaseURL    string
	WatchDir   string
	Token      func() string // read lazily so a renewed token is picked up
	Downloader func(ctx context.Context, relPath string) error

	httpClient *http.Client
	metrics    *metrics.Peer
	log        log.Logger

	sem chan struct{}

	mu       sync.Mutex
	inFlight map[string]struct{}
	suppress map[string]time.Time
}

// NewUploader builds an Uploader. downloader fetches the coordinator's
// authoritative copy of relPath and atomically replaces the local file,
// used for restricted-file auto-revert; typically *sync.Engine.DownloadFile.
func NewUploader(baseURL, watchDir string, token func() string, downloader func(context.Context, string) error, m *metrics.Peer, logger log.Logger) *Uploader {
	if logger == nil {
		logger = log.Root()
	}
	return &Uploader{
		BaseURL:    baseURL,
		WatchDir:   watchDir,
		Token:      token,
		Downloader: downloader,
		httpClient: &http.Client{},
		metrics:    m,
		log:        logger,
		sem:        make(chan struct{}, maxConcurrentUploads),
		inFlight:   make(map[string]struct{}),
		suppress:   make(map[string]time.Time),
	}
}

// Handle is the Watcher's onReady callback: decide restricted-revert vs.
// upload, honoring the in-flight set so the same path is never uploaded
// twice concurrently.
func (u *Uploader) Handle(ctx context.Context, policy wire.Policy, relPath string) {
	u.mu.Lock()
	if until, ok := u.suppress[relPath]; ok {
		if time.Now().Before(until) {
			u.mu.Unlock()
			return
		}
		delete(u.suppress, relPath)
	}
	if _, busy := u.inFlight[relPath]; busy {
		u.mu.Unlock()
		return
	}
	u.inFlight[relPath] = struct{}{}
	u.mu.Unlock()

	defer func() {
		u.mu.Lock()
		delete(u.inFlight, relPath)
		u.mu.Unlock()
	}()

	if isRestricted(policy, relPath) {
		u.revert(ctx, relPath)
		return
	}
	if !uploadAllowed(policy, relPath) {
		return
	}

	u.sem <- struct{}{}
	defer func() { <-u.sem }()

	if err := u.uploadWithRetry(ctx, relPath); err != nil {
		u.log.Error("upload failed after retries", "path", relPath, "err", err)
		u.countUpload("failure")
		return
	}
	u.countUpload("success")
}

// revert holds relPath in the processing-context set for
// restrictedRevertWindow so the replacement write doesn't re-enter the
// queue, then downloads the coordinator's authoritative copy over the
// local write (spec.md §4.4).
func (u *Uploader) revert(ctx context.Context, relPath string) {
	u.mu.Lock()
	u.suppress[relPath] = time.Now().Add(restrictedRevertWindow)
	u.mu.Unlock()

	if u.Downloader == nil {
		return
	}
	revertCtx, cancel := context.WithTimeout(ctx, restrictedRevertWindow)
	defer cancel()
	if err := u.Downloader(revertCtx, relPath); err != nil {
		u.log.Warn("failed to revert restricted write", "path", relPath, "err", err)
	}
}

func (u *Uploader) uploadWithRetry(ctx context.Context, relPath string) error {
	var lastErr error
	for attempt := 0; attempt < maxUploadAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff[attempt]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, uploadAttemptTimeout)
		err := u.uploadOnce(attemptCtx, relPath)
		cancel()
		if err == nil {
			return nil
		}
		var perm *permanentUploadError
		if errors.As(err, &perm) {
			return perm
		}
		lastErr = err
		u.log.Warn("upload attempt failed", "path", relPath, "attempt", attempt+1, "err", err)
	}
	return fmt.Errorf("upload: giving up on %s after %d attempts: %w", relPath, maxUploadAttempts, lastErr)
}

func (u *Uploader) uploadOnce(ctx context.Context, relPath string) error {
	full := filepath.Join(u.WatchDir, filepath.FromSlash(relPath))
	f, err := os.Open(full)
	if err != nil {
		return err
	}
	defer f.Close()

	sum, _, err := hashutil.SumReader(f)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.BaseURL+"/world/files/"+relPath, f)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-File-Hash", sum)
	if tok := u.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return &permanentUploadError{status: resp.StatusCode, err: fmt.Errorf("unexpected status %s", resp.Status)}
	default:
		// 5xx and 400 (integrity — the file was mutated mid-upload) are
		// retried; the next attempt reopens and rehashes the file.
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
}

func (u *Uploader) countUpload(outcome string) {
	if u.metrics != nil {
		u.metrics.UploadAttempts.WithLabelValues(outcome).Inc()
	}
}

// UploadAll pushes every path in paths concurrently, bounded to
// maxConcurrentUploads — used by the State Machine's final sync to push the
// files that differ from the coordinator's manifest before release.
func (u *Uploader) UploadAll(ctx context.Context, policy wire.Policy, paths []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentUploads)
	for _, p := range paths {
		p := p
		g.Go(func() error {
			u.Handle(gctx, policy, p)
			return nil
		})
	}
	return g.Wait()
}
