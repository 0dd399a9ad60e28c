package lease

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chouwzi/peerhost/internal/apierr"
	"github.com/chouwzi/peerhost/internal/token"
)

func newTestManager(t *testing.T) (*Manager, *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(Config{
		HeartbeatInterval: 5 * time.Second,
		LockTimeout:       30 * time.Second,
	}, token.NewSigner([]byte("test-secret")), nil, nil)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestTryClaimSucceedsWhenUnlocked(t *testing.T) {
	m, _ := newTestManager(t)

	res, err := m.TryClaim("host-alpha", "10.0.0.1")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, 5*time.Second, res.HeartbeatInterval)

	view := m.Get()
	assert.True(t, view.IsLocked)
	assert.Equal(t, "host-alpha", view.Host.HostID)
}

func TestTryClaimConflictsWhenLocked(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.TryClaim("host-alpha", "10.0.0.1")
	require.NoError(t, err)

	_, err = m.TryClaim("host-beta", "10.0.0.2")
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindConflict, apiErr.Kind)
}

func TestHeartbeatExtendsExpiry(t *testing.T) {
	m, now := newTestManager(t)
	res, err := m.TryClaim("host-alpha", "10.0.0.1")
	require.NoError(t, err)

	*now = now.Add(20 * time.Second)
	require.NoError(t, m.Heartbeat(res.Token, "10.0.0.1"))

	view := m.Get()
	require.NotNil(t, view.Timestamps.ExpiresAt)
	assert.True(t, view.Timestamps.ExpiresAt.Equal(now.Add(30*time.Second)))
}

func TestHeartbeatRejectsWrongHolder(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.TryClaim("host-alpha", "10.0.0.1")
	require.NoError(t, err)

	otherSigner := token.NewSigner([]byte("test-secret"))
	forgedToken, err := otherSigner.Mint("host-evil", "10.0.0.9", time.Now().Add(time.Hour))
	require.NoError(t, err)

	err = m.Heartbeat(forgedToken, "10.0.0.9")
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindUnauthorized, apiErr.Kind)
}

func TestLazyExpiryResetsOnGet(t *testing.T) {
	m, now := newTestManager(t)
	_, err := m.TryClaim("host-alpha", "10.0.0.1")
	require.NoError(t, err)

	*now = now.Add(31 * time.Second)
	view := m.Get()
	assert.False(t, view.IsLocked, "expired lease must be reset lazily on access")
}

func TestLazyExpiryUnblocksTryClaim(t *testing.T) {
	m, now := newTestManager(t)
	_, err := m.TryClaim("host-alpha", "10.0.0.1")
	require.NoError(t, err)

	*now = now.Add(31 * time.Second)
	res, err := m.TryClaim("host-beta", "10.0.0.2")
	require.NoError(t, err, "an expired lease must not block a fresh claim")
	assert.NotEmpty(t, res.Token)
}

func TestAuthorizeEnforcesIPWhenSupplied(t *testing.T) {
	m, _ := newTestManager(t)
	res, err := m.TryClaim("host-alpha", "10.0.0.1")
	require.NoError(t, err)

	require.NoError(t, m.Authorize(res.Token, "10.0.0.1"))

	err = m.Authorize(res.Token, "10.0.0.99")
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindUnauthorized, apiErr.Kind)
}

func TestAuthorizeSkipsIPCheckWhenAbsent(t *testing.T) {
	m, _ := newTestManager(t)
	res, err := m.TryClaim("host-alpha", "10.0.0.1")
	require.NoError(t, err)

	assert.NoError(t, m.Authorize(res.Token, ""))
}

func TestReleaseIsIdempotentAndRequiresHolder(t *testing.T) {
	m, _ := newTestManager(t)
	res, err := m.TryClaim("host-alpha", "10.0.0.1")
	require.NoError(t, err)

	require.NoError(t, m.Release(res.Token, "10.0.0.1"))
	assert.False(t, m.Get().IsLocked)

	// releasing again (on an already-unlocked session) fails authorization
	// rather than panicking.
	err = m.Release(res.Token, "10.0.0.1")
	assert.Error(t, err)
}

func TestReapOnceClearsExpiredSession(t *testing.T) {
	m, now := newTestManager(t)
	_, err := m.TryClaim("host-alpha", "10.0.0.1")
	require.NoError(t, err)

	*now = now.Add(31 * time.Second)
	m.ReapOnce()
	assert.False(t, m.session.locked)
}

func TestResetUnconditionallyUnlocks(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.TryClaim("host-alpha", "10.0.0.1")
	require.NoError(t, err)

	view := m.Reset()
	assert.False(t, view.IsLocked)
}
