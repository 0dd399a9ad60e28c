package store

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chouwzi/peerhost/internal/apierr"
)

type fakePolicy struct {
	restricted map[string]bool
	ignored    map[string]bool
}

func (p fakePolicy) IsRestricted(relPath string) bool { return p.restricted[relPath] }
func (p fakePolicy) IsIgnored(relPath string) bool    { return p.ignored[relPath] }

func newTestStore(t *testing.T, p fakePolicy) *Store {
	t.Helper()
	return New(t.TempDir(), p, nil)
}

func TestPutThenGetRoundTrip(t *testing.T) {
	s := newTestStore(t, fakePolicy{})
	content := []byte("world save data")

	require.NoError(t, s.Put("level.dat", bytes.NewReader(content), "", "host-alpha", "10.0.0.1"))

	rc, size, err := s.Get("level.dat")
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, int64(len(content)), size)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	rec, ok := s.Record("level.dat")
	require.True(t, ok)
	assert.Equal(t, "host-alpha", rec.UpdateByHost)
}

func TestPutRejectsPathTraversal(t *testing.T) {
	s := newTestStore(t, fakePolicy{})
	err := s.Put("../../etc/passwd", bytes.NewReader([]byte("x")), "", "h", "1.2.3.4")
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindInvalid, apiErr.Kind)
}

func TestPutRejectsReservedPrefix(t *testing.T) {
	s := newTestStore(t, fakePolicy{})
	err := s.Put("meta/session.json", bytes.NewReader([]byte("x")), "", "h", "1.2.3.4")
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindInvalid, apiErr.Kind)
}

func TestPutRejectsRestrictedPath(t *testing.T) {
	s := newTestStore(t, fakePolicy{restricted: map[string]bool{"server.properties": true}})
	err := s.Put("server.properties", bytes.NewReader([]byte("x")), "", "h", "1.2.3.4")
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindForbidden, apiErr.Kind)
}

func TestPutRejectsHashMismatch(t *testing.T) {
	s := newTestStore(t, fakePolicy{})
	err := s.Put("level.dat", bytes.NewReader([]byte("actual bytes")), "0000deadbeef", "h", "1.2.3.4")
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindIntegrity, apiErr.Kind)

	_, _, getErr := s.Get("level.dat")
	assert.Error(t, getErr, "a hash-mismatched upload must never land at its final path")
}

func TestPutReplacesExistingContentAtomically(t *testing.T) {
	s := newTestStore(t, fakePolicy{})
	require.NoError(t, s.Put("level.dat", bytes.NewReader([]byte("version one")), "", "h", "1.2.3.4"))
	require.NoError(t, s.Put("level.dat", bytes.NewReader([]byte("version two")), "", "h", "1.2.3.4"))

	rc, _, err := s.Get("level.dat")
	require.NoError(t, err)
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	assert.Equal(t, "version two", string(got))
}

func TestGetMissingFileReturnsNotFound(t *testing.T) {
	s := newTestStore(t, fakePolicy{})
	_, _, err := s.Get("nowhere.dat")
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindNotFound, apiErr.Kind)
}

func TestGetRejectsRestrictedPath(t *testing.T) {
	s := newTestStore(t, fakePolicy{restricted: map[string]bool{"secrets.key": true}})
	require.NoError(t, os.WriteFile(filepath.Join(s.WorldRoot, "secrets.key"), []byte("x"), 0o644))

	_, _, err := s.Get("secrets.key")
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindForbidden, apiErr.Kind)
}

func TestGetRejectsIgnoredPath(t *testing.T) {
	s := newTestStore(t, fakePolicy{ignored: map[string]bool{"session.lock": true}})
	require.NoError(t, os.WriteFile(filepath.Join(s.WorldRoot, "session.lock"), []byte("x"), 0o644))

	_, _, err := s.Get("session.lock")
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindForbidden, apiErr.Kind, "Get must apply the same policy checks as Put")
}

func TestNoLeftoverTempFilesAfterPut(t *testing.T) {
	s := newTestStore(t, fakePolicy{})
	require.NoError(t, s.Put("level.dat", bytes.NewReader([]byte("content")), "", "h", "1.2.3.4"))

	entries, err := os.ReadDir(s.WorldRoot)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}
