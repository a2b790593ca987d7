// Package upstream is the authenticated client for the main server: token
// lifecycle, component/metadata lookups, and the flattened record and
// history views used by workflow code.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrMissingCredential means no token could be obtained from any configured
// source; the request was never attempted.
var ErrMissingCredential = errors.New("no upstream credential configured")

// StatusError is a non-2xx upstream response.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d: %s", e.URL, e.Code, e.Body)
}

// Credentials holds the client's mutable credential state. The access token
// is used as-is until a call comes back unauthorized; there is no local
// expiry tracking.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Username     string
	Password     string
}

// Client talks to one upstream base URL. Credential state is shared: a
// per-request override mutates it for every subsequent call (last writer
// wins), matching the single shared client the agent runs with.
type Client struct {
	base      string
	apiKey    string
	tokenHTTP *http.Client
	dataHTTP  *http.Client
	log       *zap.Logger

	mu    sync.Mutex
	creds Credentials
}

// NewClient creates a client for base. tokenTimeout bounds token calls,
// dataTimeout bounds record/history calls.
func NewClient(base, apiKey string, creds Credentials, tokenTimeout, dataTimeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		base:      strings.TrimRight(base, "/"),
		apiKey:    apiKey,
		tokenHTTP: &http.Client{Timeout: tokenTimeout},
		dataHTTP:  &http.Client{Timeout: dataTimeout},
		log:       log.Named("upstream"),
		creds:     creds,
	}
}

// SetTokens overwrites the shared bearer/refresh tokens, typically from
// request headers. An empty argument leaves the corresponding token in
// place, so a refresh-only override cannot drop a held access token.
func (c *Client) SetTokens(access, refresh string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if access != "" {
		c.creds.AccessToken = access
	}
	if refresh != "" {
		c.creds.RefreshToken = refresh
	}
}

// AccessToken returns the currently held access token.
func (c *Client) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds.AccessToken
}

// ensureToken makes sure an access token is held if one can be obtained:
// an already-held token is used as-is, then a refresh is attempted, then a
// password grant. With nothing configured the token stays unset and the
// caller fails with ErrMissingCredential instead of issuing the request.
func (c *Client) ensureToken(ctx context.Context) error {
	c.mu.Lock()
	creds := c.creds
	c.mu.Unlock()

	if creds.AccessToken != "" {
		return nil
	}
	if creds.RefreshToken != "" {
		return c.refreshGrant(ctx, creds.RefreshToken)
	}
	if creds.Username != "" && creds.Password != "" {
		return c.passwordGrant(ctx, creds.Username, creds.Password)
	}
	return nil
}

// renewToken obtains a fresh access token after an unauthorized response.
func (c *Client) renewToken(ctx context.Context) error {
	c.mu.Lock()
	creds := c.creds
	c.mu.Unlock()

	if creds.RefreshToken != "" {
		return c.refreshGrant(ctx, creds.RefreshToken)
	}
	if creds.Username != "" && creds.Password != "" {
		return c.passwordGrant(ctx, creds.Username, creds.Password)
	}
	return fmt.Errorf("cannot refresh: %w", ErrMissingCredential)
}

type tokenResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

func (c *Client) refreshGrant(ctx context.Context, refresh string) error {
	var tok tokenResponse
	if err := c.tokenCall(ctx, "/token/refresh/", map[string]string{"refresh": refresh}, &tok); err != nil {
		return fmt.Errorf("token refresh failed: %w", err)
	}
	c.mu.Lock()
	c.creds.AccessToken = tok.Access
	if tok.Refresh != "" {
		c.creds.RefreshToken = tok.Refresh
	}
	c.mu.Unlock()
	c.log.Debug("refreshed access token")
	return nil
}

func (c *Client) passwordGrant(ctx context.Context, username, password string) error {
	var tok tokenResponse
	payload := map[string]string{"username": username, "password": password}
	if err := c.tokenCall(ctx, "/token/", payload, &tok); err != nil {
		return fmt.Errorf("password grant failed: %w", err)
	}
	c.mu.Lock()
	c.creds.AccessToken = tok.Access
	if tok.Refresh != "" {
		c.creds.RefreshToken = tok.Refresh
	}
	c.mu.Unlock()
	c.log.Debug("obtained access token via password grant")
	return nil
}

func (c *Client) tokenCall(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := c.base + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.tokenHTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(resp.Body)
		return &StatusError{URL: url, Code: resp.StatusCode, Body: string(b)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// do performs one authenticated call. On an unauthorized response it renews
// the token and retries exactly once; a second unauthorized failure is
// terminal for the call.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}
	if c.AccessToken() == "" {
		return nil, fmt.Errorf("%w: set a bearer token, refresh token, or username/password", ErrMissingCredential)
	}

	body, status, err := c.send(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		if err := c.renewToken(ctx); err != nil {
			return nil, fmt.Errorf("unauthorized and token renewal failed: %w", err)
		}
		if body, status, err = c.send(ctx, method, path, payload); err != nil {
			return nil, err
		}
	}
	if status < 200 || status > 299 {
		return nil, &StatusError{URL: c.base + path, Code: status, Body: string(body)}
	}
	return body, nil
}

func (c *Client) send(ctx context.Context, method, path string, payload any) ([]byte, int, error) {
	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		reqBody = bytes.NewReader(b)
	}

	url := c.base + path
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("Authorization", "Bearer "+c.AccessToken())

	resp, err := c.dataHTTP.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("upstream call to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("upstream call to %s failed: %w", url, err)
	}
	return b, resp.StatusCode, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode upstream response from %s: %w", path, err)
	}
	return nil
}
