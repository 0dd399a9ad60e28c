// Package session implements the peer's Session Client: the HTTP calls
// that claim, renew, inspect, and release the coordinator's exclusive
// lease (spec.md §4.3, §4.6).
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/chouwzi/peerhost/internal/docstore"
	"github.com/chouwzi/peerhost/internal/wire"
)

const (
	claimTimeout     = 10 * time.Second
	heartbeatTimeout = 10 * time.Second
	releaseTimeout   = 10 * time.Second
	getTimeout       = 10 * time.Second
	manifestTimeout  = 30 * time.Second
	configTimeout    = 10 * time.Second
)

// StatusError carries the HTTP status code of a failed coordinator call, so
// callers (notably the State Machine's heartbeat monitor) can distinguish
// "lease lost" (401) from transient failures without string-matching.
type StatusError struct {
	Status int
	err    error
}

func (e *StatusError) Error() string { return e.err.Error() }
func (e *StatusError) Unwrap() error { return e.err }

// tokenCache is the on-disk cache written so a peer restart within the lock
// timeout can recover its lease token without re-claiming.
type tokenCache struct {
	Token  string `json:"token"`
	HostID string `json:"host_id"`
}

// Client is the peer-side handle to the coordinator's lease surface.
type Client struct {
	BaseURL   string
	HostID    string
	CachePath string // optional; empty disables the token cache

	httpClient *http.Client
	log        log.Logger

	token string
}

func New(baseURL, hostID, cachePath string, logger log.Logger) *Client {
	if logger == nil {
		logger = log.Root()
	}
	c := &Client{
		BaseURL:    baseURL,
		HostID:     hostID,
		CachePath:  cachePath,
		httpClient: &http.Client{},
		log:        logger,
	}
	c.loadCachedToken()
	return c
}

func (c *Client) loadCachedToken() {
	if c.CachePath == "" {
		return
	}
	var cache tokenCache
	if err := docstore.Load(c.CachePath, &cache); err != nil {
		return
	}
	if cache.HostID == c.HostID {
		c.token = cache.Token
	}
}

func (c *Client) persistToken() {
	if c.CachePath == "" {
		return
	}
	if err := docstore.Save(c.CachePath, tokenCache{Token: c.token, HostID: c.HostID}); err != nil {
		c.log.Warn("failed to persist lease token cache", "err", err)
	}
}

// Token returns the currently held lease token, if any.
func (c *Client) Token() string { return c.token }

// Claim attempts to acquire the exclusive lease. On success the returned
// heartbeat interval and lock timeout (seconds) are the authoritative
// values the coordinator wants this peer to use.
func (c *Client) Claim(ctx context.Context) (wire.ClaimResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, claimTimeout)
	defer cancel()

	body, err := json.Marshal(wire.ClaimRequest{HostID: c.HostID})
	if err != nil {
		return wire.ClaimResponse{}, err
	}
	var resp wire.ClaimResponse
	if err := c.do(ctx, http.MethodPost, "/world/session", bytes.NewReader(body), &resp); err != nil {
		return wire.ClaimResponse{}, err
	}
	c.token = resp.Token
	c.persistToken()
	return resp, nil
}

// Heartbeat renews the lease. peer/fsm's heartbeat monitor calls it every
// 10 seconds; a 401 ends hosting without a release call, while repeated
// other failures put the peer into its offline sub-mode and it relinquishes
// once the coordinator answers again.
func (c *Client) Heartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
	defer cancel()
	var resp wire.HeartbeatResponse
	return c.do(ctx, http.MethodPost, "/world/session/heartbeat", nil, &resp)
}

// Get fetches the current session view, authenticated or not — used during
// discovery to learn whether the world is currently locked.
func (c *Client) Get(ctx context.Context) (wire.SessionView, error) {
	ctx, cancel := context.WithTimeout(ctx, getTimeout)
	defer cancel()
	var view wire.SessionView
	err := c.doUnauthenticated(ctx, http.MethodGet, "/world/session", nil, &view)
	return view, err
}

// FetchPolicy reads the coordinator's synchronization policy document.
func (c *Client) FetchPolicy(ctx context.Context) (wire.Policy, error) {
	ctx, cancel := context.WithTimeout(ctx, configTimeout)
	defer cancel()
	var policy wire.Policy
	err := c.doUnauthenticated(ctx, http.MethodGet, "/world/config", nil, &policy)
	return policy, err
}

// FetchManifest reads the coordinator's current world manifest.
func (c *Client) FetchManifest(ctx context.Context) ([]wire.ManifestEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, manifestTimeout)
	defer cancel()
	var resp wire.ManifestResponse
	err := c.doUnauthenticated(ctx, http.MethodGet, "/world/manifest", nil, &resp)
	return resp.Files, err
}

// Release gives up the lease. Called during the graceful relinquish
// sequence (spec.md §4.6 step 6) and on clean shutdown.
func (c *Client) Release(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, releaseTimeout)
	defer cancel()
	err := c.do(ctx, http.MethodDelete, "/world/session", nil, nil)
	if err == nil {
		c.token = ""
		c.persistToken()
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.roundTrip(req, out)
}

func (c *Client) doUnauthenticated(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	return c.roundTrip(req, out)
}

func (c *Client) roundTrip(req *http.Request, out interface{}) error {
	if req.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("session: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errBody wire.ErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Detail == "" {
			errBody.Detail = resp.Status
		}
		return &StatusError{
			Status: resp.StatusCode,
			err:    fmt.Errorf("session: %s %s: %s", req.Method, req.URL.Path, errBody.Detail),
		}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
