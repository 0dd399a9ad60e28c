package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chouwzi/peerhost/coordinator/lease"
	"github.com/chouwzi/peerhost/coordinator/manifest"
	"github.com/chouwzi/peerhost/coordinator/policy"
	"github.com/chouwzi/peerhost/coordinator/store"
	"github.com/chouwzi/peerhost/internal/token"
	"github.com/chouwzi/peerhost/internal/wire"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	worldRoot := t.TempDir()
	pol := policy.New(wire.Policy{Restricted: []string{"server.properties"}})
	st := store.New(worldRoot, pol, nil)
	mf, err := manifest.New(worldRoot, 128, 4, nil, nil)
	require.NoError(t, err)
	mgr := lease.NewManager(lease.Config{
		HeartbeatInterval: 5 * time.Second,
		LockTimeout:       30 * time.Second,
	}, token.NewSigner([]byte("test-secret")), nil, nil)

	s := &Server{Lease: mgr, Store: st, Manifest: mf, Policy: pol}
	srv := httptest.NewServer(s.NewRouter())
	t.Cleanup(srv.Close)
	return s, srv
}

func doJSON(t *testing.T, method, url, token string, body interface{}) *http.Response {
	t.Helper()
	var r *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	} else {
		r = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestClaimHeartbeatReleaseLifecycle(t *testing.T) {
	_, srv := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/world/session", "", wire.ClaimRequest{HostID: "host-alpha"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var claim wire.ClaimResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&claim))
	resp.Body.Close()
	require.NotEmpty(t, claim.Token)

	// A second claim while locked is rejected.
	resp2 := doJSON(t, http.MethodPost, srv.URL+"/world/session", "", wire.ClaimRequest{HostID: "host-beta"})
	assert.Equal(t, http.StatusConflict, resp2.StatusCode)
	resp2.Body.Close()

	resp3 := doJSON(t, http.MethodPost, srv.URL+"/world/session/heartbeat", claim.Token, nil)
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
	resp3.Body.Close()

	resp4 := doJSON(t, http.MethodGet, srv.URL+"/world/session", "", nil)
	var view wire.SessionView
	require.NoError(t, json.NewDecoder(resp4.Body).Decode(&view))
	resp4.Body.Close()
	assert.True(t, view.IsLocked)
	assert.Equal(t, "host-alpha", view.HostID)

	resp5 := doJSON(t, http.MethodDelete, srv.URL+"/world/session", claim.Token, nil)
	assert.Equal(t, http.StatusNoContent, resp5.StatusCode)
	resp5.Body.Close()

	resp6 := doJSON(t, http.MethodGet, srv.URL+"/world/session", "", nil)
	var view2 wire.SessionView
	require.NoError(t, json.NewDecoder(resp6.Body).Decode(&view2))
	resp6.Body.Close()
	assert.False(t, view2.IsLocked, "session must be unlocked after release")
}

func TestClaimRequiresHostID(t *testing.T) {
	_, srv := newTestServer(t)
	resp := doJSON(t, http.MethodPost, srv.URL+"/world/session", "", wire.ClaimRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestHeartbeatWithoutTokenIsUnauthorized(t *testing.T) {
	_, srv := newTestServer(t)
	resp := doJSON(t, http.MethodPost, srv.URL+"/world/session/heartbeat", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestUploadRequiresAuthorizationAndPolicy(t *testing.T) {
	_, srv := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/world/session", "", wire.ClaimRequest{HostID: "host-alpha"})
	var claim wire.ClaimResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&claim))
	resp.Body.Close()

	// No token at all.
	putReq, _ := http.NewRequest(http.MethodPost, srv.URL+"/world/files/level.dat", bytes.NewReader([]byte("x")))
	putResp, err := http.DefaultClient.Do(putReq)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, putResp.StatusCode)
	putResp.Body.Close()

	// Valid token, restricted path.
	restrictedReq, _ := http.NewRequest(http.MethodPost, srv.URL+"/world/files/server.properties", bytes.NewReader([]byte("x")))
	restrictedReq.Header.Set("Authorization", "Bearer "+claim.Token)
	restrictedResp, err := http.DefaultClient.Do(restrictedReq)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, restrictedResp.StatusCode)
	restrictedResp.Body.Close()

	// Valid token, allowed path.
	okReq, _ := http.NewRequest(http.MethodPost, srv.URL+"/world/files/level.dat", bytes.NewReader([]byte("world content")))
	okReq.Header.Set("Authorization", "Bearer "+claim.Token)
	okResp, err := http.DefaultClient.Do(okReq)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, okResp.StatusCode)
	okResp.Body.Close()

	// Download requires no auth.
	getResp, err := http.Get(srv.URL + "/world/files/level.dat")
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestManifestAndConfigEndpoints(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/world/manifest")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var mresp wire.ManifestResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&mresp))
	assert.Zero(t, mresp.TotalFiles)

	cfgResp, err := http.Get(srv.URL + "/world/config")
	require.NoError(t, err)
	defer cfgResp.Body.Close()
	var pol wire.Policy
	require.NoError(t, json.NewDecoder(cfgResp.Body).Decode(&pol))
	assert.Equal(t, []string{"server.properties"}, pol.Restricted)
}
