// Package direct is the single-replica consensus adapter: the local node is
// always the leader and proposes append straight to the history.
package direct

import (
	"context"
	"errors"
	"io"

	"pkt.systems/pslog"

	"pkt.systems/peersetd/internal/change"
	"pkt.systems/peersetd/internal/consensus"
	"pkt.systems/peersetd/internal/history"
	"pkt.systems/peersetd/internal/svcfields"
)

// Config configures an Adapter.
type Config struct {
	PeersetID string
	PeerID    string
	// History defaults to an in-memory history.
	History history.History
	Logger  pslog.Logger
}

// Adapter implements consensus.Adapter for a single replica.
type Adapter struct {
	peerset string
	peer    string
	history history.History
	logger  pslog.Logger
	subs    consensus.Subscribers
}

var _ consensus.Adapter = (*Adapter)(nil)

// New validates cfg and returns an Adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.PeersetID == "" {
		return nil, errors.New("direct: peerset id required")
	}
	h := cfg.History
	if h == nil {
		h = history.NewMemory()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Adapter{
		peerset: cfg.PeersetID,
		peer:    cfg.PeerID,
		history: h,
		logger:  svcfields.WithSubsystem(logger, "consensus.direct").With("peerset", cfg.PeersetID),
	}, nil
}

// PeersetID returns the replicated peerset.
func (a *Adapter) PeersetID() string { return a.peerset }

// ProposeChange appends ch's entry for this peerset.
func (a *Adapter) ProposeChange(ctx context.Context, ch change.Change) (change.Result, error) {
	if err := ctx.Err(); err != nil {
		return change.Result{}, err
	}
	entry, err := change.ToEntry(ch, a.peerset)
	if err != nil {
		return change.Result{}, err
	}
	appended, appendErr := a.history.Append(entry)
	res, err := consensus.ResultOf(ch.ID(), appended, appendErr)
	if err != nil {
		a.logger.Warn("consensus.propose.error", "change_id", ch.ID(), "error", err)
		return res, err
	}
	res.Leader = a.peer
	a.logger.Trace("consensus.propose.done", "change_id", ch.ID(), "status", res.Status, "entry_id", res.EntryID)
	return res, nil
}

// CurrentEntryID returns the head id.
func (a *Adapter) CurrentEntryID(context.Context) (string, error) {
	return a.history.CurrentEntryID()
}

// Entry returns the entry with id.
func (a *Adapter) Entry(_ context.Context, id string) (history.Entry, error) {
	return a.history.Entry(id)
}

// Walk follows parents from from.
func (a *Adapter) Walk(_ context.Context, from string, limit int) ([]history.Entry, error) {
	return a.history.Walk(from, limit)
}

// Leader returns the local peer id.
func (a *Adapter) Leader() string { return a.peer }

// SubscribeLeaderChange registers fn. A single replica never changes leader,
// so fn is called once with the local peer.
func (a *Adapter) SubscribeLeaderChange(fn func(consensus.LeaderInfo)) func() {
	cancel := a.subs.Add(fn)
	fn(consensus.LeaderInfo{PeersetID: a.peerset, LeaderID: a.peer})
	return cancel
}

// Close closes the history when it holds resources.
func (a *Adapter) Close() error {
	if closer, ok := a.history.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
