package upload

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chouwzi/peerhost/internal/wire"
)

func writeLocal(t *testing.T, dir, rel, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, rel), []byte(content), 0o644))
}

func TestUploaderHandleUploadsAllowedPath(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeLocal(t, dir, "level.dat", "world save")

	u := NewUploader(srv.URL, dir, func() string { return "tok-123" }, nil, nil, nil)
	u.Handle(context.Background(), wire.Policy{}, "level.dat")

	assert.Equal(t, "Bearer tok-123", gotAuth)
}

func TestUploaderHandleRetriesTransientFailureThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeLocal(t, dir, "level.dat", "world save")

	u := NewUploader(srv.URL, dir, func() string { return "" }, nil, nil, nil)
	u.Handle(context.Background(), wire.Policy{}, "level.dat")

	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}

func TestUploaderHandleDoesNotRetryPermanentFailure(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeLocal(t, dir, "level.dat", "world save")

	u := NewUploader(srv.URL, dir, func() string { return "" }, nil, nil, nil)
	u.Handle(context.Background(), wire.Policy{}, "level.dat")

	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "a 403 must not be retried")
}

func TestUploaderHandleRevertsRestrictedWriteInsteadOfUploading(t *testing.T) {
	var uploadCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&uploadCalls, 1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeLocal(t, dir, "server.properties", "tampered")

	var downloadedPath string
	downloader := func(ctx context.Context, relPath string) error {
		downloadedPath = relPath
		return nil
	}

	u := NewUploader(srv.URL, dir, func() string { return "" }, downloader, nil, nil)
	policy := wire.Policy{Restricted: []string{"server.properties"}}
	u.Handle(context.Background(), policy, "server.properties")

	assert.Equal(t, "server.properties", downloadedPath)
	assert.Zero(t, atomic.LoadInt32(&uploadCalls), "a restricted write must never be uploaded")
}

func TestUploaderHandleSuppressesReuploadDuringRevertWindow(t *testing.T) {
	dir := t.TempDir()
	writeLocal(t, dir, "server.properties", "tampered")

	var downloadCalls int32
	downloader := func(ctx context.Context, relPath string) error {
		atomic.AddInt32(&downloadCalls, 1)
		return nil
	}

	u := NewUploader("http://unused.invalid", dir, func() string { return "" }, downloader, nil, nil)
	policy := wire.Policy{Restricted: []string{"server.properties"}}

	u.Handle(context.Background(), policy, "server.properties")
	// The revert's own replacement write re-enters Handle immediately; it
	// must be suppressed rather than triggering a second download.
	u.Handle(context.Background(), policy, "server.properties")

	assert.Equal(t, int32(1), atomic.LoadInt32(&downloadCalls))
}

func TestUploaderHandleSkipsIgnoredPath(t *testing.T) {
	var uploadCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&uploadCalls, 1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeLocal(t, dir, "scratch.tmp", "x")

	u := NewUploader(srv.URL, dir, func() string { return "" }, nil, nil, nil)
	policy := wire.Policy{Ignored: []string{"*.tmp"}}
	u.Handle(context.Background(), policy, "scratch.tmp")

	assert.Zero(t, atomic.LoadInt32(&uploadCalls))
}

func TestUploadAllCompletesEveryPath(t *testing.T) {
	var mu atomicCounter
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Inc()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	dir := t.TempDir()
	paths := []string{"a.dat", "b.dat", "c.dat", "d.dat"}
	for _, p := range paths {
		writeLocal(t, dir, p, "content-"+p)
	}

	u := NewUploader(srv.URL, dir, func() string { return "" }, nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, u.UploadAll(ctx, wire.Policy{}, paths))

	assert.Equal(t, int32(len(paths)), mu.Load())
}

type atomicCounter struct{ n int32 }

func (c *atomicCounter) Inc()        { atomic.AddInt32(&c.n, 1) }
func (c *atomicCounter) Load() int32 { return atomic.LoadInt32(&c.n) }
