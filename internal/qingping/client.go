package qingping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultOAuthURL = "https://oauth.cloudiot.qingping.co"
	defaultAPIURL   = "https://apis.cloudiot.qingping.co"

	// Refresh the token this long before the server-reported expiry.
	tokenExpirySlack = 60 * time.Second
)

// ErrAuth is returned when the cloud rejects the configured credentials.
// Transport problems (DNS, timeouts, 5xx) are reported as ordinary wrapped
// errors, never as ErrAuth.
var ErrAuth = errors.New("qingping: authentication failed")

// Client talks to the Qingping IoT cloud: OAuth2 client-credentials token
// exchange followed by authenticated device-list reads. Safe for concurrent
// use.
type Client struct {
	appKey    string
	appSecret string
	oauthURL  string
	apiURL    string
	http      *http.Client
	logger    *slog.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURLs overrides the OAuth and API endpoints (used in tests and for
// regional clouds). Empty strings keep the defaults.
func WithBaseURLs(oauthURL, apiURL string) ClientOption {
	return func(c *Client) {
		if oauthURL != "" {
			c.oauthURL = strings.TrimRight(oauthURL, "/")
		}
		if apiURL != "" {
			c.apiURL = strings.TrimRight(apiURL, "/")
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a cloud API client for the given app credentials.
func NewClient(appKey, appSecret string, logger *slog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		appKey:    appKey,
		appSecret: appSecret,
		oauthURL:  defaultOAuthURL,
		apiURL:    defaultAPIURL,
		http:      &http.Client{},
		logger:    logger.With("component", "qingping_client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ControllerName identifies which cloud endpoint a snapshot came from.
func (c *Client) ControllerName() string {
	return c.apiURL
}

// Connect ensures a valid access token, fetching a new one if the cached
// token is missing or near expiry.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return nil
	}
	return c.fetchTokenLocked(ctx)
}

// IsConnected reports whether the client holds an unexpired token.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken != "" && time.Now().Before(c.tokenExpiry)
}

func (c *Client) fetchTokenLocked(ctx context.Context) error {
	form := url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {"device_full_access"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.oauthURL+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(c.appKey, c.appSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("token endpoint returned %d: %w", resp.StatusCode, ErrAuth)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return fmt.Errorf("token endpoint returned empty token: %w", ErrAuth)
	}

	c.accessToken = tok.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - tokenExpirySlack)
	c.logger.Debug("access token refreshed", "expires_in", tok.ExpiresIn)
	return nil
}

// ListDevices fetches the full device list. The caller is expected to have
// called Connect first; a 401 invalidates the cached token and is reported
// as ErrAuth so the next cycle re-authenticates.
func (c *Client) ListDevices(ctx context.Context) ([]*Device, error) {
	c.mu.Lock()
	token := c.accessToken
	c.mu.Unlock()
	if token == "" {
		return nil, fmt.Errorf("list devices without token: %w", ErrAuth)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.apiURL+"/v1/apis/devices", nil)
	if err != nil {
		return nil, fmt.Errorf("build device list request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device list request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.mu.Lock()
		c.accessToken = ""
		c.mu.Unlock()
		return nil, fmt.Errorf("device list returned %d: %w", resp.StatusCode, ErrAuth)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("device list returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Total   int         `json:"total"`
		Devices []apiDevice `json:"devices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode device list: %w", err)
	}

	devices := make([]*Device, 0, len(payload.Devices))
	for _, rec := range payload.Devices {
		dev, err := deviceFromAPI(rec)
		if err != nil {
			// One bad record must not sink the whole list.
			c.logger.Warn("skipping malformed device record", "err", err)
			continue
		}
		devices = append(devices, dev)
	}
	return devices, nil
}
