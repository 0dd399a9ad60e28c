package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaperExpiresStaleSessionWithoutAnyRequest(t *testing.T) {
	m, now := newTestManager(t)
	_, err := m.TryClaim("host-alpha", "10.0.0.1")
	require.NoError(t, err)

	*now = now.Add(31 * time.Second)

	r := NewReaper(m, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	m.mu.Lock()
	locked := m.session.locked
	m.mu.Unlock()
	assert.False(t, locked, "reaper must have reset the expired session by the time Run returns")
}
