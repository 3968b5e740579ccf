// Package peerclient sends JSON RPCs to other peersetd nodes.
package peerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/peersetd/api"
	"pkt.systems/peersetd/internal/change"
	"pkt.systems/peersetd/internal/correlation"
	"pkt.systems/peersetd/internal/failure"
	"pkt.systems/peersetd/internal/peers"
	"pkt.systems/peersetd/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultTimeout bounds a single RPC when Config.Timeout is zero.
const DefaultTimeout = 5 * time.Second

// DefaultSubmitTimeout bounds a forwarded client submission, which waits for
// a whole transaction.
const DefaultSubmitTimeout = time.Minute

// maxErrorBody caps how much of a non-JSON error body is kept for diagnostics.
const maxErrorBody = 4 << 10

// Config configures a Client.
type Config struct {
	Resolver      *peers.Resolver
	HTTPClient    *http.Client
	Timeout       time.Duration
	// SubmitTimeout bounds ForwardSubmit (DefaultSubmitTimeout when zero).
	SubmitTimeout time.Duration
	Logger        pslog.Logger
}

// Client resolves peer ids and performs JSON calls against them.
type Client struct {
	resolver *peers.Resolver
	http     *http.Client
	timeout  time.Duration
	submit   time.Duration
	logger   pslog.Logger
}

// NewHTTPClient returns an HTTP client whose transport is traced with otelhttp.
func NewHTTPClient() (*http.Client, error) {
	transport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, errors.New("peerclient: http transport unexpected type")
	}
	tr := transport.Clone()
	tr.MaxIdleConnsPerHost = 32
	return &http.Client{Transport: otelhttp.NewTransport(tr)}, nil
}

// New builds a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("peerclient: resolver required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		var err error
		httpClient, err = NewHTTPClient()
		if err != nil {
			return nil, err
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	submit := cfg.SubmitTimeout
	if submit <= 0 {
		submit = DefaultSubmitTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Client{
		resolver: cfg.Resolver,
		http:     httpClient,
		timeout:  timeout,
		submit:   submit,
		logger:   svcfields.WithSubsystem(logger, "peerclient"),
	}, nil
}

// Post sends in as JSON to path on peer and decodes the reply into out.
func (c *Client) Post(ctx context.Context, peer, path string, in, out any) error {
	return c.call(ctx, http.MethodPost, peer, path, c.timeout, in, out)
}

// Get fetches path on peer and decodes the reply into out.
func (c *Client) Get(ctx context.Context, peer, path string, out any) error {
	return c.call(ctx, http.MethodGet, peer, path, c.timeout, nil, out)
}

// ForwardPropose asks the consensus leader of peerset on leader to append ch.
func (c *Client) ForwardPropose(ctx context.Context, leader, peerset string, ch change.Change) (change.Result, error) {
	var out api.ChangeResult
	req := api.ProposeChangeRequest{PeersetID: peerset, Change: ch.ToAPI()}
	if err := c.Post(ctx, leader, api.PathProposeChange, req, &out); err != nil {
		return change.Result{}, err
	}
	return change.ResultFromAPI(out), nil
}

// ForwardSubmit hands a whole client change to peer and waits for its result.
func (c *Client) ForwardSubmit(ctx context.Context, peer, protocol string, ch change.Change) (change.Result, error) {
	var out api.ChangeResult
	req := api.SubmitChangeRequest{Change: ch.ToAPI(), Protocol: protocol}
	if err := c.call(ctx, http.MethodPost, peer, api.PathChange+"?mode=sync", c.submit, req, &out); err != nil {
		return change.Result{}, err
	}
	return change.ResultFromAPI(out), nil
}

func (c *Client) call(ctx context.Context, method, peer, path string, timeout time.Duration, in, out any) error {
	target, err := c.endpoint(peer, path)
	if err != nil {
		return err
	}
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("peerclient: encode %s: %w", path, err)
		}
		body = bytes.NewReader(raw)
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	correlation.Inject(ctx, req)
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.logger.Debug("peerclient.call.unreachable", "peer_id", peer, "path", path, "error", err)
		return failure.Failure{Code: failure.CodeUnavailable, Detail: fmt.Sprintf("peer %s: %v", peer, err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("peerclient: decode %s from %s: %w", path, peer, err)
		}
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var errResp api.ErrorResponse
	if decodeErr := json.Unmarshal(raw, &errResp); decodeErr == nil && errResp.ErrorCode != "" {
		return failure.FromResponse(resp.StatusCode, errResp)
	}
	f := failure.FromResponse(resp.StatusCode, api.ErrorResponse{Detail: strings.TrimSpace(string(raw))})
	if resp.StatusCode >= 500 {
		f.Code = failure.CodeUnavailable
	}
	return f
}

func (c *Client) endpoint(peer, path string) (string, error) {
	p, ok := c.resolver.Peer(peer)
	if !ok {
		return "", failure.New(failure.CodeUnavailable, "peer %q is not part of the topology", peer)
	}
	return JoinEndpoint(p.Address, path)
}

// JoinEndpoint appends path to base, keeping any query string in path.
func JoinEndpoint(base, path string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", errors.New("peerclient: empty endpoint")
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("peerclient: parse endpoint %q: %w", base, err)
	}
	rel, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("peerclient: parse path %q: %w", path, err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + rel.Path
	u.RawQuery = rel.RawQuery
	return u.String(), nil
}
