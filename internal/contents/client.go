// Package contents talks to a path-addressed content store over HTTP.
// Each stored object is identified by a slash-separated path under a
// repository; reads return the object's content hash (sha) and writes
// supply it back as an optimistic-concurrency precondition.
package contents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	hserrors "github.com/alexjbarnes/hub-sync/internal/errors"
	"github.com/tidwall/gjson"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RateLimitError marks a rate-limit response from the store. Retryable,
// but the caller should back off at least RetryAfter (when positive)
// before the next attempt.
type RateLimitError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string { return e.Err.Error() }
func (e *RateLimitError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err is a rate-limit response, and
// returns the server's retry-after hint when one was given.
func IsRateLimited(err error) (time.Duration, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}

	return 0, false
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout bounds each individual request when no custom
	// client is provided. A timed-out attempt is transient, not fatal.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024

	acceptHeader = "application/vnd.github+json"
)

// RemoteState is the result of probing the store for a path.
type RemoteState struct {
	Exists bool
	SHA    string
}

// PutRequest carries one write to the store. Content is always base64
// on the wire. SHA is the precondition hash, empty on create.
type PutRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	Branch  string `json:"branch"`
	SHA     string `json:"sha,omitempty"`
}

// ClientConfig identifies the repository a Client writes to.
type ClientConfig struct {
	BaseURL string
	Token   string
	Owner   string
	Repo    string
	Branch  string
}

// Client talks to the content store REST API.
type Client struct {
	httpClient *http.Client
	cfg        ClientConfig
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the auth token from
// leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a store client. If httpClient is nil, a client with
// a 30-second per-attempt timeout and same-host redirect policy is used.
func NewClient(httpClient *http.Client, cfg ClientConfig) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	return &Client{
		httpClient: httpClient,
		cfg:        cfg,
	}
}

// encodePath percent-encodes each path segment independently. Segments
// must not be merged: a "/" inside a segment would change the resource
// identity, so it is escaped while the separators are preserved.
func encodePath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return strings.Join(segments, "/")
}

func (c *Client) contentsURL(path string) string {
	return fmt.Sprintf("%s/repos/%s/%s/contents/%s",
		c.cfg.BaseURL,
		url.PathEscape(c.cfg.Owner),
		url.PathEscape(c.cfg.Repo),
		encodePath(path),
	)
}

// Probe queries the store for the resource at path, distinguishing
// create from update. A 404 maps to "does not exist"; any other
// non-success response is an error, never a state, so a flaky probe can
// not cause a false create that silently fails to update.
func (c *Client) Probe(ctx context.Context, path string) (RemoteState, error) {
	probeURL := c.contentsURL(path) + "?ref=" + url.QueryEscape(c.cfg.Branch)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return RemoteState{}, fmt.Errorf("creating probe request: %w", err)
	}

	resp, err := c.do(req)
	if err != nil {
		return RemoteState{}, fmt.Errorf("probing %s: %w", path, err)
	}

	switch {
	case resp.status == http.StatusNotFound:
		return RemoteState{Exists: false}, nil

	case resp.status == http.StatusOK:
		sha := gjson.GetBytes(resp.body, "sha").Str
		if sha == "" {
			return RemoteState{}, fmt.Errorf("probing %s: response missing sha: %s", path, sanitizeResponseBody(resp.body))
		}

		return RemoteState{Exists: true, SHA: sha}, nil

	default:
		return RemoteState{}, fmt.Errorf("probing %s: %w", path, c.classify(resp))
	}
}

// Put writes one resource. The store commits the write atomically: on
// any error the remote path retains its prior state.
func (c *Client) Put(ctx context.Context, path string, put PutRequest) error {
	payload, err := json.Marshal(put)
	if err != nil {
		return fmt.Errorf("marshalling put request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.contentsURL(path), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating put request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("putting %s: %w", path, err)
	}

	if resp.status == http.StatusOK || resp.status == http.StatusCreated {
		return nil
	}

	return fmt.Errorf("putting %s: %w", path, c.classify(resp))
}

// RepositoryExists checks whether the configured repository exists.
func (c *Client) RepositoryExists(ctx context.Context) (bool, error) {
	repoURL := fmt.Sprintf("%s/repos/%s/%s",
		c.cfg.BaseURL, url.PathEscape(c.cfg.Owner), url.PathEscape(c.cfg.Repo))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, repoURL, nil)
	if err != nil {
		return false, fmt.Errorf("creating repo request: %w", err)
	}

	resp, err := c.do(req)
	if err != nil {
		return false, fmt.Errorf("checking repository: %w", err)
	}

	switch resp.status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("checking repository: %w", c.classify(resp))
	}
}

// CreateRepository issues the single repository create call. Anything
// richer (visibility changes, templates, deletion) is out of scope.
func (c *Client) CreateRepository(ctx context.Context, private bool) error {
	payload, err := json.Marshal(map[string]any{
		"name":      c.cfg.Repo,
		"private":   private,
		"auto_init": true,
	})
	if err != nil {
		return fmt.Errorf("marshalling create request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/user/repos", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating repo request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("creating repository: %w", err)
	}

	if resp.status == http.StatusCreated {
		return nil
	}

	return fmt.Errorf("creating repository: %w", c.classify(resp))
}

// response is a fully-read HTTP response: capped body, status, and the
// headers needed for rate-limit classification.
type response struct {
	status int
	body   []byte
	header http.Header
}

// do sends the request with auth headers and reads the capped body.
// Network-level failures (timeouts, connection refused, DNS) are
// transient by nature.
func (c *Client) do(req *http.Request) (*response, error) {
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("sending request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading response: %w", err)}
	}

	return &response{
		status: resp.StatusCode,
		body:   respBody,
		header: resp.Header,
	}, nil
}

// classify maps a non-success response to the engine's error taxonomy:
// rate limits and transient server errors are retryable, precondition
// mismatches get their own sentinel, and client errors (bad request,
// bad credentials, missing target) are non-retryable.
func (c *Client) classify(resp *response) error {
	status := resp.status
	header := resp.header

	msg := gjson.GetBytes(resp.body, "message").Str
	if msg == "" {
		msg = sanitizeResponseBody(resp.body)
	}

	base := fmt.Errorf("store returned status %d: %s", status, msg)

	switch status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", hserrors.ErrUnauthorized, msg)

	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", hserrors.ErrResourceNotFound, msg)

	case http.StatusConflict, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", hserrors.ErrPreconditionFailed, msg)

	case http.StatusForbidden:
		// The store signals rate limiting as 403 with an exhausted
		// quota header or an explicit message. A plain 403 is a
		// permissions problem and retrying won't help.
		if isRateLimitResponse(msg, header) {
			return &RateLimitError{Err: base, RetryAfter: retryAfter(header)}
		}

		return base

	case http.StatusTooManyRequests:
		return &RateLimitError{Err: base, RetryAfter: retryAfter(header)}
	}

	if status >= http.StatusInternalServerError {
		return &TransientError{Err: base}
	}

	return base
}

func isRateLimitResponse(msg string, header http.Header) bool {
	if header != nil && header.Get("x-ratelimit-remaining") == "0" {
		return true
	}

	lower := strings.ToLower(msg)

	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "abuse detection") ||
		strings.Contains(lower, "secondary rate")
}

// retryAfter parses the Retry-After header (seconds) when present.
func retryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}

	secs, err := strconv.Atoi(header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}

	return time.Duration(secs) * time.Second
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}
	// Ensure valid UTF-8 and replace control characters.
	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
