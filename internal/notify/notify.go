// Package notify posts terminal change results to client-supplied
// notification URLs. Delivery is fire-and-forget: one attempt, no retry.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"pkt.systems/peersetd/internal/change"
	"pkt.systems/peersetd/internal/svcfields"
	"pkt.systems/pslog"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultTimeout     = 5 * time.Second
	DefaultConcurrency = 64
)

// Config configures a Notifier.
type Config struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	// Concurrency caps in-flight deliveries; results beyond it are dropped.
	Concurrency int
	Logger      pslog.Logger
}

// Notifier delivers results in the background.
type Notifier struct {
	client  *http.Client
	timeout time.Duration
	logger  pslog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
	closed atomic.Bool

	sent    atomic.Int64
	dropped atomic.Int64
}

// New returns a Notifier.
func New(cfg Config) *Notifier {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limit := cfg.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		client:  client,
		timeout: timeout,
		logger:  svcfields.WithSubsystem(cfg.Logger, "change.notify"),
		ctx:     ctx,
		cancel:  cancel,
	}
	n.group.SetLimit(limit)
	return n
}

// Notify schedules delivery of res to url. Empty urls are ignored.
func (n *Notifier) Notify(url string, res change.Result) {
	if n == nil || url == "" {
		return
	}
	if n.closed.Load() {
		n.dropped.Add(1)
		return
	}
	ok := n.group.TryGo(func() error {
		if err := n.deliver(url, res); err != nil {
			n.logger.Warn("change.notify.failed", svcfields.ChangeKey, res.ChangeID, "url", url, "error", err)
			return nil
		}
		n.sent.Add(1)
		n.logger.Debug("change.notify.sent", svcfields.ChangeKey, res.ChangeID, "url", url, "status", res.Status)
		return nil
	})
	if !ok {
		n.dropped.Add(1)
		n.logger.Warn("change.notify.dropped", svcfields.ChangeKey, res.ChangeID, "url", url)
	}
}

func (n *Notifier) deliver(url string, res change.Result) error {
	body, err := json.Marshal(res.ToAPI())
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	ctx, cancel := context.WithTimeout(n.ctx, n.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %s", resp.Status)
	}
	return nil
}

// Stats reports delivered and dropped notifications.
func (n *Notifier) Stats() (sent, dropped int64) {
	return n.sent.Load(), n.dropped.Load()
}

// Close stops accepting notifications and waits up to ctx for in-flight
// deliveries, cancelling them when ctx ends first.
func (n *Notifier) Close(ctx context.Context) error {
	n.closed.Store(true)
	done := make(chan struct{})
	go func() {
		_ = n.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		n.cancel()
		return nil
	case <-ctx.Done():
		n.cancel()
		<-done
		return ctx.Err()
	}
}
