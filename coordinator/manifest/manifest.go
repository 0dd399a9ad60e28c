// Package manifest implements the coordinator's Manifest Service (spec.md
// §4.3): a recursive scan of world_root producing {path, sha256, size}
// entries, with a cache keyed by (path, mtime, size) so unchanged files are
// never re-hashed.
package manifest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/chouwzi/peerhost/internal/hashutil"
	"github.com/chouwzi/peerhost/internal/metrics"
	"github.com/chouwzi/peerhost/internal/wire"
)

// excludedSuffixes (file-name suffixes) and excludedDir (a directory name,
// matched at any depth) are always excluded from a scan, independent of the
// sync policy: coordinator-private state and transient artifacts, per
// spec.md §4.3.
var excludedSuffixes = []string{".lock", ".tmp", ".log"}

const excludedDir = "meta"

// cacheKey is the (path, mtime, size) tuple spec.md §4.3 caches digests by.
type cacheKey struct {
	path  string
	mtime int64
	size  int64
}

type cacheEntry struct {
	sha256 string
}

// Service scans a world root and caches per-file digests.
type Service struct {
	worldRoot   string
	cache       *lru.Cache[cacheKey, cacheEntry]
	hashWorkers int
	metrics     *metrics.Coordinator
	log         log.Logger
}

// New builds a manifest Service. cacheSize bounds the LRU; hashWorkers
// bounds how many files are hashed concurrently off the caller's goroutine.
func New(worldRoot string, cacheSize, hashWorkers int, m *metrics.Coordinator, logger log.Logger) (*Service, error) {
	if logger == nil {
		logger = log.Root()
	}
	c, err := lru.New[cacheKey, cacheEntry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to build cache: %w", err)
	}
	return &Service{
		worldRoot:   worldRoot,
		cache:       c,
		hashWorkers: hashWorkers,
		metrics:     m,
		log:         logger,
	}, nil
}

// Result is the return of Scan.
type Result struct {
	Entries    []wire.ManifestEntry
	TotalFiles int
	TotalBytes int64
}

func isExcluded(relPath string) bool {
	parts := strings.Split(relPath, string(filepath.Separator))
	for _, p := range parts {
		if p == excludedDir {
			return true
		}
	}
	for _, suf := range excludedSuffixes {
		if strings.HasSuffix(relPath, suf) {
			return true
		}
	}
	return false
}

// Scan implements spec.md §4.3's Scan operation.
func (s *Service) Scan(ctx context.Context) (Result, error) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.ManifestScanSecs.Observe(time.Since(start).Seconds())
		}
	}()

	type found struct {
		relPath string
		mtime   time.Time
		size    int64
	}
	var files []found

	err := filepath.Walk(s.worldRoot, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(s.worldRoot, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if isExcluded(rel) {
			return nil
		}
		files = append(files, found{relPath: rel, mtime: info.ModTime(), size: info.Size()})
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("manifest: walk failed: %w", err)
	}

	entries := make([]wire.ManifestEntry, len(files))
	ok := make([]bool, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.hashWorkers)

	for i, f := range files {
		i, f := i, f
		key := cacheKey{path: f.relPath, mtime: f.mtime.UnixNano(), size: f.size}
		if cached, hit := s.cache.Get(key); hit {
			entries[i] = wire.ManifestEntry{Path: f.relPath, SHA256: cached.sha256, SizeBytes: f.size}
			ok[i] = true
			continue
		}
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			digest, size, herr := hashutil.SumFile(func() (io.ReadCloser, error) {
				return os.Open(filepath.Join(s.worldRoot, filepath.FromSlash(f.relPath)))
			})
			if herr != nil {
				s.log.Warn("failed to hash file during manifest scan", "path", f.relPath, "err", herr)
				return nil
			}
			s.cache.Add(key, cacheEntry{sha256: digest})
			entries[i] = wire.ManifestEntry{Path: f.relPath, SHA256: digest, SizeBytes: size}
			ok[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("manifest: scan canceled: %w", err)
	}

	var total int64
	out := make([]wire.ManifestEntry, 0, len(entries))
	for i, e := range entries {
		if !ok[i] {
			continue
		}
		out = append(out, e)
		total += e.SizeBytes
	}

	return Result{Entries: out, TotalFiles: len(out), TotalBytes: total}, nil
}
