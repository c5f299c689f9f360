// Package webdav implements the remote store client used by the sync engine.
//
// The client speaks a minimal WebDAV subset (PROPFIND, MKCOL, PUT, GET, DELETE)
// against a single base URL with Basic authentication. Consumer-grade WebDAV
// backends throttle aggressively, so every request is paced behind a minimum
// inter-request interval, and a 503 both retries the current request with
// exponential backoff and permanently slows the pace for the rest of the
// session.
package webdav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound reports that a remote resource does not exist. StatusError with
// code 404 matches it via errors.Is.
var ErrNotFound = errors.New("remote resource not found")

// StatusError is a non-retryable HTTP failure surfaced to the caller.
type StatusError struct {
	StatusCode int
	Method     string
	Path       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webdav %s %s: unexpected status %d", e.Method, e.Path, e.StatusCode)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// RemoteObject is one file or directory on the remote store, reconstructed
// from each listing and never persisted beyond the manifest's subset of
// fields.
type RemoteObject struct {
	Path    string // store-root relative, slash separated, no leading slash
	Size    int64
	ModTime time.Time
	ETag    string
	IsDir   bool
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	BaseURL  string
	Username string
	Password string

	HTTPClient *http.Client

	// MinRequestInterval is the initial pacing interval enforced before every
	// request. MaxRequestInterval caps how far 503 responses can slow it down.
	MinRequestInterval time.Duration
	MaxRequestInterval time.Duration

	// MaxRetries bounds retry attempts for 503 and transport failures.
	// BaseDelay doubles per attempt up to MaxDelay.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	Logger Logger
}

// Client is a paced, retrying WebDAV client. Safe for use from a single sync
// cycle at a time; the pacing state is still mutex-guarded so status readers
// can observe it concurrently.
type Client struct {
	baseURL    string
	basePath   string
	username   string
	password   string
	httpClient *http.Client

	maxInterval time.Duration
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      Logger

	mu          sync.Mutex
	minInterval time.Duration
	lastRequest time.Time
	knownDirs   map[string]struct{}
}

func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("webdav base URL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid webdav base URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported webdav URL scheme: %s", parsed.Scheme)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	minInterval := opts.MinRequestInterval
	if minInterval <= 0 {
		minInterval = 1500 * time.Millisecond
	}
	maxInterval := opts.MaxRequestInterval
	if maxInterval <= 0 {
		maxInterval = 30 * time.Second
	}
	if maxInterval < minInterval {
		maxInterval = minInterval
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	return &Client{
		baseURL:     baseURL,
		basePath:    strings.TrimRight(parsed.Path, "/"),
		username:    opts.Username,
		password:    opts.Password,
		httpClient:  httpClient,
		maxInterval: maxInterval,
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		logger:      opts.Logger,
		minInterval: minInterval,
		knownDirs:   map[string]struct{}{},
	}, nil
}

// MinRequestInterval returns the current pacing interval. It grows when the
// backend answers 503 and never shrinks within a session.
func (c *Client) MinRequestInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minInterval
}

// TestConnection probes the store root with a zero-depth PROPFIND.
func (c *Client) TestConnection(ctx context.Context) bool {
	status, _, err := c.do(ctx, "PROPFIND", "", map[string]string{"Depth": "0"}, []byte(propfindBody))
	if err != nil {
		return false
	}
	return status >= 200 && status <= 299 || status == http.StatusMultiStatus
}

// Exists reports whether the given path exists on the store. A 404 is a
// normal negative result, not an error.
func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	status, _, err := c.do(ctx, "PROPFIND", path, map[string]string{"Depth": "0"}, []byte(propfindBody))
	if err != nil {
		return false, err
	}
	switch {
	case status == http.StatusNotFound:
		return false, nil
	case status >= 200 && status <= 299, status == http.StatusMultiStatus:
		return true, nil
	default:
		return false, &StatusError{StatusCode: status, Method: "PROPFIND", Path: path}
	}
}

// List returns the immediate children of path. The queried directory itself
// is excluded from the result.
func (c *Client) List(ctx context.Context, path string) ([]RemoteObject, error) {
	status, body, err := c.do(ctx, "PROPFIND", path, map[string]string{"Depth": "1"}, []byte(propfindBody))
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, &StatusError{StatusCode: status, Method: "PROPFIND", Path: path}
	}
	if status != http.StatusMultiStatus && (status < 200 || status > 299) {
		return nil, &StatusError{StatusCode: status, Method: "PROPFIND", Path: path}
	}
	return parseMultistatus(body, c.basePath, normalizePath(path))
}

// ListRecursive walks the subtree under path one level at a time. Depth
// infinity PROPFIND is disabled on most consumer backends, so the walk issues
// one listing per collection instead.
func (c *Client) ListRecursive(ctx context.Context, path string) ([]RemoteObject, error) {
	var all []RemoteObject
	pending := []string{normalizePath(path)}
	for len(pending) > 0 {
		dir := pending[0]
		pending = pending[1:]
		entries, err := c.List(ctx, dir)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			all = append(all, entry)
			if entry.IsDir {
				pending = append(pending, entry.Path)
			}
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Path < all[j].Path })
	return all, nil
}

// Read downloads the file at path. A missing file surfaces as ErrNotFound.
func (c *Client) Read(ctx context.Context, path string) ([]byte, error) {
	status, body, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	if status >= 200 && status <= 299 {
		return body, nil
	}
	return nil, &StatusError{StatusCode: status, Method: http.MethodGet, Path: path}
}

// Write uploads data to path, replacing any existing content.
func (c *Client) Write(ctx context.Context, path string, data []byte) error {
	status, _, err := c.do(ctx, http.MethodPut, path, map[string]string{"Content-Type": "application/octet-stream"}, data)
	if err != nil {
		return err
	}
	if status >= 400 {
		return &StatusError{StatusCode: status, Method: http.MethodPut, Path: path}
	}
	return nil
}

// Delete removes the file at path. A 404 is treated as already satisfied.
func (c *Client) Delete(ctx context.Context, path string) error {
	status, _, err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound || (status >= 200 && status <= 299) {
		return nil
	}
	return &StatusError{StatusCode: status, Method: http.MethodDelete, Path: path}
}

// MakeDirectoryRecursive creates path and every missing ancestor. MKCOL on an
// existing collection answers 405, which counts as success. Prefixes created
// earlier in the session are cached and skipped.
func (c *Client) MakeDirectoryRecursive(ctx context.Context, path string) error {
	path = normalizePath(path)
	if path == "" {
		return nil
	}
	segments := strings.Split(path, "/")
	prefix := ""
	for _, segment := range segments {
		if prefix == "" {
			prefix = segment
		} else {
			prefix = prefix + "/" + segment
		}
		c.mu.Lock()
		_, known := c.knownDirs[prefix]
		c.mu.Unlock()
		if known {
			continue
		}
		status, _, err := c.do(ctx, "MKCOL", prefix, nil, nil)
		if err != nil {
			return err
		}
		if status != http.StatusCreated && status != http.StatusMethodNotAllowed && (status < 200 || status > 299) {
			return &StatusError{StatusCode: status, Method: "MKCOL", Path: prefix}
		}
		c.mu.Lock()
		c.knownDirs[prefix] = struct{}{}
		c.mu.Unlock()
	}
	return nil
}

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:resourcetype/>
    <d:getcontentlength/>
    <d:getlastmodified/>
    <d:getetag/>
  </d:prop>
</d:propfind>`

// do issues one paced request and handles the retry discipline: transport
// failures and 503 retry with exponential backoff, 503 additionally doubles
// the pacing interval for all future requests. Every other status is returned
// to the caller for per-operation interpretation.
func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, body []byte) (int, []byte, error) {
	requestURL := c.resourceURL(path)
	for attempt := 0; ; attempt++ {
		if err := c.pace(ctx); err != nil {
			return 0, nil, err
		}
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
		if err != nil {
			return 0, nil, err
		}
		req.SetBasicAuth(c.username, c.password)
		for key, value := range headers {
			req.Header.Set(key, value)
		}
		if method == "PROPFIND" && body != nil {
			req.Header.Set("Content-Type", "application/xml")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				c.logf("webdav %s %s failed (%v), retrying", method, path, err)
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
					return 0, nil, waitErr
				}
				continue
			}
			return 0, nil, err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return 0, nil, readErr
		}

		if resp.StatusCode == http.StatusServiceUnavailable {
			c.slowDown()
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
					return 0, nil, waitErr
				}
				continue
			}
		}
		return resp.StatusCode, payload, nil
	}
}

// pace blocks until the minimum inter-request interval has elapsed since the
// previous request.
func (c *Client) pace(ctx context.Context) error {
	c.mu.Lock()
	wait := c.minInterval - time.Since(c.lastRequest)
	c.mu.Unlock()
	if wait > 0 {
		if err := sleepContext(ctx, wait); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.lastRequest = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *Client) slowDown() {
	c.mu.Lock()
	next := c.minInterval * 2
	if next > c.maxInterval {
		next = c.maxInterval
	}
	bumped := next > c.minInterval
	if bumped {
		c.minInterval = next
	}
	current := c.minInterval
	c.mu.Unlock()
	if bumped {
		c.logf("webdav backend throttling, pacing slowed to %s", current)
	}
}

func (c *Client) retryDelay(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func (c *Client) resourceURL(path string) string {
	path = normalizePath(path)
	if path == "" {
		return c.baseURL + "/"
	}
	segments := strings.Split(path, "/")
	escaped := make([]string, 0, len(segments))
	for _, segment := range segments {
		escaped = append(escaped, url.PathEscape(segment))
	}
	return c.baseURL + "/" + strings.Join(escaped, "/")
}

func (c *Client) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

func normalizePath(path string) string {
	return strings.Trim(strings.TrimSpace(path), "/")
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
