package hashutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expectedSum(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func TestSumReader(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	digest, size, err := SumReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, expectedSum(data), digest)
	assert.Equal(t, int64(len(data)), size)
}

func TestSumReaderEmpty(t *testing.T) {
	digest, size, err := SumReader(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Equal(t, expectedSum(nil), digest)
	assert.Zero(t, size)
}

func TestSumFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "world.dat")
	data := []byte("some file contents")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	digest, size, err := SumFile(func() (io.ReadCloser, error) { return os.Open(path) })
	require.NoError(t, err)
	assert.Equal(t, expectedSum(data), digest)
	assert.Equal(t, int64(len(data)), size)
}

func TestSumFileOpenError(t *testing.T) {
	_, _, err := SumFile(func() (io.ReadCloser, error) {
		return os.Open(filepath.Join(t.TempDir(), "does-not-exist"))
	})
	assert.Error(t, err)
}

func TestHashingReaderTracksSumAndBytesRead(t *testing.T) {
	data := []byte("streamed content for the hashing reader")
	hr := NewHashingReader(bytes.NewReader(data))

	n, err := io.Copy(io.Discard, hr)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, int64(len(data)), hr.BytesRead())
	assert.Equal(t, expectedSum(data), hr.Sum())
}
