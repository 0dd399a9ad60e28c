// Package store implements the coordinator's Content Store (spec.md §4.2):
// sandboxed, streamed PUT/GET of world files with per-file integrity
// checking and atomic replace.
package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/chouwzi/peerhost/internal/apierr"
	"github.com/chouwzi/peerhost/internal/hashutil"
	"github.com/chouwzi/peerhost/internal/wire"
)

// reservedPrefixes are path prefixes, relative to world root, that the
// coordinator reserves for its own private state and never lets a peer
// read or write.
var reservedPrefixes = []string{"meta/"}

// PolicyChecker is the subset of coordinator/policy.Policy the store needs.
type PolicyChecker interface {
	IsRestricted(relPath string) bool
	IsIgnored(relPath string) bool
}

// Store is rooted at WorldRoot and enforces the path sandbox of spec.md §4.2
// and its invariant: the target path is never observed partially written.
type Store struct {
	WorldRoot string
	policy    PolicyChecker
	log       log.Logger

	mu      sync.RWMutex
	records map[string]wire.FileRecord
}

func New(worldRoot string, policy PolicyChecker, logger log.Logger) *Store {
	if logger == nil {
		logger = log.Root()
	}
	return &Store{
		WorldRoot: worldRoot,
		policy:    policy,
		log:       logger,
		records:   make(map[string]wire.FileRecord),
	}
}

// normalize validates and cleans a caller-supplied relative path per
// spec.md §4.2 step 1 and invariant §8.7 (path sandbox).
func normalize(relPath string) (string, error) {
	if relPath == "" {
		return "", apierr.New(apierr.KindInvalid, "empty path")
	}
	cleaned := filepath.ToSlash(filepath.Clean(relPath))
	if strings.HasPrefix(cleaned, "/") || strings.HasPrefix(relPath, "/") {
		return "", apierr.New(apierr.KindInvalid, "absolute paths are not allowed")
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.Contains(relPath, "..") {
		return "", apierr.New(apierr.KindInvalid, "path traversal is not allowed")
	}
	for _, prefix := range reservedPrefixes {
		if strings.HasPrefix(cleaned+"/", prefix) || strings.HasPrefix(cleaned, prefix) {
			return "", apierr.New(apierr.KindInvalid, "path traverses a reserved prefix")
		}
	}
	return cleaned, nil
}

func (s *Store) absPath(cleaned string) string {
	return filepath.Join(s.WorldRoot, filepath.FromSlash(cleaned))
}

// Put implements spec.md §4.2's Put operation.
func (s *Store) Put(relPath string, body io.Reader, clientSHA256, hostID, hostIP string) error {
	cleaned, err := normalize(relPath)
	if err != nil {
		return err
	}
	if s.policy.IsRestricted(cleaned) {
		return apierr.New(apierr.KindForbidden, "path is restricted")
	}
	if s.policy.IsIgnored(cleaned) {
		return apierr.New(apierr.KindForbidden, "path is ignored")
	}

	target := s.absPath(cleaned)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return apierr.Wrap(apierr.KindIO, "failed to create parent directories", err)
	}

	tmp := fmt.Sprintf("%s.%s.tmp", target, uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return apierr.Wrap(apierr.KindIO, "failed to create temp file", err)
	}

	hr := hashutil.NewHashingReader(body)
	_, copyErr := io.Copy(f, hr)
	closeErr := f.Close()
	if copyErr != nil {
		os.Remove(tmp)
		return apierr.Wrap(apierr.KindIO, "failed to stream upload body", copyErr)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return apierr.Wrap(apierr.KindIO, "failed to close temp file", closeErr)
	}

	digest := hr.Sum()
	if clientSHA256 != "" && !strings.EqualFold(digest, clientSHA256) {
		os.Remove(tmp)
		return apierr.New(apierr.KindIntegrity, "uploaded bytes do not match X-File-Hash")
	}

	if err := s.atomicReplace(tmp, target); err != nil {
		os.Remove(tmp)
		return apierr.Wrap(apierr.KindIO, "failed to finalize upload", err)
	}

	s.recordUpload(cleaned, digest, hr.BytesRead(), hostID, hostIP)
	return nil
}

// atomicReplace renames src onto dst. On platforms where rename fails
// because dst exists, it unlinks dst first and retries once, tolerating a
// transient lock the way spec.md §4.2 step 5 allows.
func (s *Store) atomicReplace(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if os.Remove(dst) != nil {
		return err
	}
	return os.Rename(src, dst)
}

func (s *Store) recordUpload(relPath, digest string, size int64, hostID, hostIP string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[relPath] = wire.FileRecord{
		Path:         relPath,
		FileName:     filepath.Base(relPath),
		SHA256:       digest,
		SizeBytes:    size,
		UpdatedAt:    time.Now(),
		UpdateByHost: hostID,
		HostIP:       hostIP,
	}
}

// Get implements spec.md §4.2's Get operation: the same policy checks,
// returning bytes verbatim.
func (s *Store) Get(relPath string) (io.ReadCloser, int64, error) {
	cleaned, err := normalize(relPath)
	if err != nil {
		return nil, 0, err
	}
	if s.policy.IsRestricted(cleaned) {
		return nil, 0, apierr.New(apierr.KindForbidden, "path is restricted")
	}
	if s.policy.IsIgnored(cleaned) {
		return nil, 0, apierr.New(apierr.KindForbidden, "path is ignored")
	}
	target := s.absPath(cleaned)
	f, err := os.Open(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, apierr.New(apierr.KindNotFound, "file not found")
		}
		return nil, 0, apierr.Wrap(apierr.KindIO, "failed to open file", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, apierr.Wrap(apierr.KindIO, "failed to stat file", err)
	}
	return f, info.Size(), nil
}

// Record returns the derived audit record for relPath, if one exists.
func (s *Store) Record(relPath string) (wire.FileRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[relPath]
	return r, ok
}
