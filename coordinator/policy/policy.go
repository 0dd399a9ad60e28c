// Package policy implements the sync policy matching rules spec.md §3/§4.1/
// §4.2 describe: restricted, ignored, and readonly glob patterns, each
// checked against both the file-name component and the full POSIX-relative
// path, because spec.md §4.2 requires "file-name-only match and full-path
// match both as policy hits".
package policy

import (
	"path"
	"path/filepath"
	"sync"

	"github.com/chouwzi/peerhost/internal/wire"
)

// Policy is the coordinator-owned, mutable synchronization policy. It is
// safe for concurrent reads/writes: the Content Store and HTTP surface
// both consult it, while an operator reload (not modeled
// here; config-file loading is out of scope per spec.md §1) could replace
// it at any time.
type Policy struct {
	mu  sync.RWMutex
	doc wire.Policy
}

func New(doc wire.Policy) *Policy {
	return &Policy{doc: doc}
}

// Snapshot returns a copy of the current policy document, safe to serve
// verbatim at GET /world/config.
func (p *Policy) Snapshot() wire.Policy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.doc
}

// Replace swaps in a new policy document wholesale.
func (p *Policy) Replace(doc wire.Policy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc = doc
}

func matchesAny(patterns []string, relPath string) bool {
	name := path.Base(relPath)
	for _, pat := range patterns {
		if ok, _ := filepath.Match(pat, name); ok {
			return true
		}
		if ok, _ := filepath.Match(pat, relPath); ok {
			return true
		}
	}
	return false
}

// IsRestricted reports whether relPath must never be uploaded.
func (p *Policy) IsRestricted(relPath string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return matchesAny(p.doc.Restricted, relPath)
}

// IsIgnored reports whether relPath is excluded from both sides of sync.
func (p *Policy) IsIgnored(relPath string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return matchesAny(p.doc.Ignored, relPath)
}

// IsReadOnly reports whether relPath may be downloaded but never uploaded.
func (p *Policy) IsReadOnly(relPath string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return matchesAny(p.doc.ReadOnly, relPath)
}

// UploadAllowed reports whether a conforming peer may initiate an upload of
// relPath: not ignored, not readonly, not restricted.
func (p *Policy) UploadAllowed(relPath string) bool {
	return !p.IsIgnored(relPath) && !p.IsReadOnly(relPath) && !p.IsRestricted(relPath)
}
