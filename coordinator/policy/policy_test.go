package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chouwzi/peerhost/internal/wire"
)

func testPolicy() *Policy {
	return New(wire.Policy{
		Restricted: []string{"server.properties", "*.key"},
		Ignored:    []string{"*.tmp", "logs/*"},
		ReadOnly:   []string{"plugins/*.jar"},
	})
}

func TestIsRestrictedMatchesBaseName(t *testing.T) {
	p := testPolicy()
	assert.True(t, p.IsRestricted("server.properties"))
	assert.True(t, p.IsRestricted("config/server.properties"))
	assert.False(t, p.IsRestricted("world/level.dat"))
}

func TestIsRestrictedMatchesGlob(t *testing.T) {
	p := testPolicy()
	assert.True(t, p.IsRestricted("secrets/tls.key"))
	assert.False(t, p.IsRestricted("secrets/tls.crt"))
}

func TestIsIgnoredFullPathPattern(t *testing.T) {
	p := testPolicy()
	assert.True(t, p.IsIgnored("logs/latest.log"))
	assert.False(t, p.IsIgnored("world/logs/latest.log"), "logs/* only matches at the root, not nested")
}

func TestIsReadOnly(t *testing.T) {
	p := testPolicy()
	assert.True(t, p.IsReadOnly("plugins/worldedit.jar"))
	assert.False(t, p.IsReadOnly("plugins/worldedit.jar.disabled"))
}

func TestUploadAllowed(t *testing.T) {
	p := testPolicy()
	assert.True(t, p.UploadAllowed("world/level.dat"))
	assert.False(t, p.UploadAllowed("server.properties"), "restricted")
	assert.False(t, p.UploadAllowed("cache.tmp"), "ignored")
	assert.False(t, p.UploadAllowed("plugins/worldedit.jar"), "readonly")
}

func TestReplaceSwapsDocumentWholesale(t *testing.T) {
	p := testPolicy()
	require := assert.New(t)
	require.True(p.IsRestricted("server.properties"))

	p.Replace(wire.Policy{Restricted: []string{"other.cfg"}})

	require.False(p.IsRestricted("server.properties"))
	require.True(p.IsRestricted("other.cfg"))
}

func TestSnapshotReturnsCopy(t *testing.T) {
	p := testPolicy()
	snap := p.Snapshot()
	assert.Equal(t, []string{"server.properties", "*.key"}, snap.Restricted)
}
