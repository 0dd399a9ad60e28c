package upload

import (
	"path"
	"path/filepath"

	"github.com/chouwzi/peerhost/internal/wire"
)

// policyMatch mirrors the coordinator's restricted/ignored/readonly glob
// check (coordinator/policy) against the Policy document the peer fetched
// from GET /world/config, so both sides agree on what "restricted" means
// without the peer importing the coordinator's mutable, server-side type.
func policyMatch(patterns []string, relPath string) bool {
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

func isRestricted(p wire.Policy, relPath string) bool { return policyMatch(p.Restricted, relPath) }
func isIgnored(p wire.Policy, relPath string) bool    { return policyMatch(p.Ignored, relPath) }
func isReadOnly(p wire.Policy, relPath string) bool   { return policyMatch(p.ReadOnly, relPath) }

func uploadAllowed(p wire.Policy, relPath string) bool {
	return !isIgnored(p, relPath) && !isReadOnly(p, relPath) && !isRestricted(p, relPath)
}
