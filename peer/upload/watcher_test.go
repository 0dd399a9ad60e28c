package upload

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chouwzi/peerhost/internal/wire"
)

func TestWatcherDebouncesBurstOfWritesToOnePath(t *testing.T) {
	dir := t.TempDir()
	var ready []string
	w, err := NewWatcher(dir, wire.Policy{}, func(rel string) {
		ready = append(ready, rel)
	}, nil)
	require.NoError(t, err)
	require.NoError(t, w.AddRecursive())

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		w.Run(stop)
		close(done)
	}()

	target := filepath.Join(dir, "level.dat")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(target, []byte("v"), 0o644))
		time.Sleep(20 * time.Millisecond)
	}

	// The last write's debounce timer needs debounceDelay to fire.
	time.Sleep(debounceDelay + 300*time.Millisecond)
	close(stop)
	<-done

	assert.Equal(t, []string{"level.dat"}, ready, "a burst of writes to one path must collapse to a single onReady call")
}

func TestWatcherSkipsIgnoredPaths(t *testing.T) {
	dir := t.TempDir()
	var ready []string
	policy := wire.Policy{Ignored: []string{"*.tmp"}}
	w, err := NewWatcher(dir, policy, func(rel string) {
		ready = append(ready, rel)
	}, nil)
	require.NoError(t, err)
	require.NoError(t, w.AddRecursive())

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		w.Run(stop)
		close(done)
	}()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.tmp"), []byte("x"), 0o644))
	time.Sleep(debounceDelay + 300*time.Millisecond)
	close(stop)
	<-done

	assert.Empty(t, ready, "an ignored path must never reach onReady")
}

func TestWatcherTracksNestedDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))

	var ready []string
	w, err := NewWatcher(dir, wire.Policy{}, func(rel string) {
		ready = append(ready, rel)
	}, nil)
	require.NoError(t, err)
	require.NoError(t, w.AddRecursive())

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		w.Run(stop)
		close(done)
	}()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "region.dat"), []byte("x"), 0o644))
	time.Sleep(debounceDelay + 300*time.Millisecond)
	close(stop)
	<-done

	assert.Equal(t, []string{"sub/region.dat"}, ready)
}
