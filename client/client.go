package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/peersetd/api"
	"pkt.systems/peersetd/internal/backoff"
	"pkt.systems/peersetd/internal/clock"
	"pkt.systems/peersetd/internal/correlation"
	"pkt.systems/pslog"
)

const (
	// DefaultHTTPTimeout bounds non-submission requests.
	DefaultHTTPTimeout = 15 * time.Second
	// DefaultPollInterval is the initial delay between Wait polls.
	DefaultPollInterval = 50 * time.Millisecond
	// DefaultMaxPollInterval caps the Wait poll delay.
	DefaultMaxPollInterval = 2 * time.Second

	headerCorrelationID = correlation.HeaderName
	maxErrorBody        = 16 << 10
)

// ErrPending is returned by Result while the change is still in flight.
var ErrPending = errors.New("peersetd: change pending")

// APIError describes a non-2xx response returned by a peersetd node.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded peersetd error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
	// RetryAfter is the parsed retry delay hint from headers, when provided.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		if e.Response.Detail != "" {
			return fmt.Sprintf("peersetd: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
		}
		return "peersetd: " + e.Response.ErrorCode
	}
	return fmt.Sprintf("peersetd: status %d", e.Status)
}

// RetryAfterDuration returns the recommended back-off hinted by the server.
func (e *APIError) RetryAfterDuration() time.Duration {
	if e == nil {
		return 0
	}
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	if e.Response.RetryAfterSeconds > 0 {
		return time.Duration(e.Response.RetryAfterSeconds) * time.Second
	}
	return 0
}

// Code returns the peersetd error code carried by err, or "" when err is not an APIError.
func Code(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Response.ErrorCode
	}
	return ""
}

// Client talks to one peersetd node. Any node accepts any change; nodes that
// are not members of a touched peerset forward the change internally.
type Client struct {
	base        string
	http        *http.Client
	timeout     time.Duration
	pollBase    time.Duration
	pollMax     time.Duration
	logger      pslog.Base
	correlation string
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.http = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil disables logging.
func WithLogger(logger pslog.Base) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		c.logger = logger
	}
}

// WithHTTPTimeout bounds every request other than a synchronous Submit.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithPollInterval sets the initial and maximum delay used by Wait.
func WithPollInterval(base, max time.Duration) Option {
	return func(c *Client) {
		if base > 0 {
			c.pollBase = base
		}
		if max >= c.pollBase {
			c.pollMax = max
		}
	}
}

// WithDefaultCorrelationID sends id on requests whose context carries none.
func WithDefaultCorrelationID(id string) Option {
	return func(c *Client) {
		if normalized, ok := NormalizeCorrelationID(id); ok {
			c.correlation = normalized
		}
	}
}

// New creates a client for the node at baseURL. A missing scheme defaults to http.
func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := normalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		base:     base,
		http:     &http.Client{},
		timeout:  DefaultHTTPTimeout,
		pollBase: DefaultPollInterval,
		pollMax:  DefaultMaxPollInterval,
		logger:   pslog.NoopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

func normalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("peersetd: base URL required")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("peersetd: parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("peersetd: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("peersetd: base URL %q has no host", raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	return u.String(), nil
}

// BaseURL returns the normalized node URL.
func (c *Client) BaseURL() string { return c.base }

// Submit commits ch and waits for its terminal result. protocol selects
// api.ProtocolGPAC or api.ProtocolTwoPC; empty uses the server default.
// Non-success outcomes are reported in the result, not as an error.
func (c *Client) Submit(ctx context.Context, ch api.Change, protocol string) (api.ChangeResult, error) {
	var out api.ChangeResult
	req := api.SubmitChangeRequest{Change: ch, Protocol: protocol}
	if err := c.do(ctx, http.MethodPost, api.PathChange+"?mode=sync", 0, req, &out); err != nil {
		return api.ChangeResult{}, err
	}
	c.logger.Debug("client.change.submit.done", "change_id", out.ChangeID, "status", out.Status, "entry_id", out.EntryID)
	return out, nil
}

// SubmitAsync hands ch to the node and returns its change id without waiting.
func (c *Client) SubmitAsync(ctx context.Context, ch api.Change, protocol string) (string, error) {
	var out api.ChangeStatusResponse
	req := api.SubmitChangeRequest{Change: ch, Protocol: protocol}
	if err := c.do(ctx, http.MethodPost, api.PathChange+"?mode=async", c.timeout, req, &out); err != nil {
		return "", err
	}
	c.logger.Debug("client.change.submit.accepted", "change_id", out.ChangeID)
	return out.ChangeID, nil
}

// Result fetches the terminal result of changeID, returning ErrPending while
// the change is in flight.
func (c *Client) Result(ctx context.Context, changeID string) (api.ChangeResult, error) {
	changeID = strings.TrimSpace(changeID)
	if changeID == "" {
		return api.ChangeResult{}, errors.New("peersetd: change id required")
	}
	var out api.ChangeStatusResponse
	if err := c.do(ctx, http.MethodGet, api.PathChangeStatus+url.PathEscape(changeID), c.timeout, nil, &out); err != nil {
		return api.ChangeResult{}, err
	}
	if out.Pending || out.Result == nil {
		return api.ChangeResult{}, ErrPending
	}
	return *out.Result, nil
}

// Wait polls Result with exponential backoff until the change finishes or
// ctx is done.
func (c *Client) Wait(ctx context.Context, changeID string) (api.ChangeResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	retry := backoff.Policy{MaxAttempts: math.MaxInt, BaseDelay: c.pollBase, MaxDelay: c.pollMax, Jitter: 0.1}.Start()
	for {
		res, err := c.Result(ctx, changeID)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrPending) {
			return api.ChangeResult{}, err
		}
		delay, _ := retry.Next()
		if err := backoff.Wait(ctx, clock.Real{}, delay); err != nil {
			return api.ChangeResult{}, err
		}
	}
}

// Head returns the current head entry id of peerset.
func (c *Client) Head(ctx context.Context, peerset string) (string, error) {
	var out api.HistoryHeadResponse
	if err := c.do(ctx, http.MethodGet, peersetQuery(api.PathHistoryHead, peerset, nil), c.timeout, nil, &out); err != nil {
		return "", err
	}
	return out.EntryID, nil
}

// Entry fetches one history entry of peerset.
func (c *Client) Entry(ctx context.Context, peerset, entryID string) (api.HistoryEntry, error) {
	var out api.HistoryEntry
	path := peersetQuery(api.PathHistoryEntry, peerset, url.Values{"id": {entryID}})
	if err := c.do(ctx, http.MethodGet, path, c.timeout, nil, &out); err != nil {
		return api.HistoryEntry{}, err
	}
	return out, nil
}

// History returns up to limit entries of peerset, head first. A zero limit
// returns the whole history.
func (c *Client) History(ctx context.Context, peerset string, limit int) (api.HistoryResponse, error) {
	var extra url.Values
	if limit > 0 {
		extra = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	var out api.HistoryResponse
	if err := c.do(ctx, http.MethodGet, peersetQuery(api.PathHistory, peerset, extra), c.timeout, nil, &out); err != nil {
		return api.HistoryResponse{}, err
	}
	return out, nil
}

// Blocked reports which transaction, if any, holds peerset's lock on the node.
func (c *Client) Blocked(ctx context.Context, peerset string) (api.TransactionBlockedResponse, error) {
	var out api.TransactionBlockedResponse
	if err := c.do(ctx, http.MethodGet, peersetQuery(api.PathTransactionLock, peerset, nil), c.timeout, nil, &out); err != nil {
		return api.TransactionBlockedResponse{}, err
	}
	return out, nil
}

// Health probes the node.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	if err := c.do(ctx, http.MethodGet, api.PathHealth, c.timeout, nil, &out); err != nil {
		return api.HealthResponse{}, err
	}
	return out, nil
}

func peersetQuery(path, peerset string, extra url.Values) string {
	q := url.Values{"peerset": {peerset}}
	for k, vals := range extra {
		q[k] = vals
	}
	return path + "?" + q.Encode()
}

// do performs one JSON exchange. A zero timeout relies on ctx alone.
func (c *Client) do(ctx context.Context, method, path string, timeout time.Duration, in, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var body io.Reader
	if in != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return err
		}
		body = buf
	}
	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if id := CorrelationIDFromContext(ctx); id != "" {
		req.Header.Set(headerCorrelationID, id)
	} else if c.correlation != "" {
		req.Header.Set(headerCorrelationID, c.correlation)
	}
	c.logger.Trace("client.http.start", "method", method, "path", path)
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("client.http.error", "method", method, "path", path, "error", err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("peersetd: decode %s: %w", path, err)
		}
		return nil
	}
	return decodeError(resp)
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{Status: resp.StatusCode, Body: raw}
	_ = json.Unmarshal(raw, &apiErr.Response)
	if v := strings.TrimSpace(resp.Header.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}
