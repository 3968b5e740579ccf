package raftpeerset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	"pkt.systems/peersetd/internal/history"
)

// command is the raft log payload: one history entry to append.
type command struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id"`
	Content  []byte `json:"content,omitempty"`
}

func encodeCommand(e history.Entry) ([]byte, error) {
	return json.Marshal(command{ID: e.ID, ParentID: e.ParentID, Content: e.Content})
}

func (c command) entry() history.Entry {
	return history.Entry{ID: c.ID, ParentID: c.ParentID, Content: c.Content}
}

// applyResult is what fsm.Apply hands back through the ApplyFuture.
type applyResult struct {
	res history.AppendResult
	err error
}

// resetter is implemented by histories that can replace their contents
// wholesale, which makes snapshot restores exact.
type resetter interface {
	Reset(chain []history.Entry) error
}

// fsm replicates a history: every committed command is an Append. Replaying
// entries that are already present is a no-op, so a durable history survives
// log replay after a restart.
type fsm struct {
	history history.History
}

var _ raft.FSM = (*fsm)(nil)

func (f *fsm) Apply(l *raft.Log) any {
	var cmd command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return applyResult{err: fmt.Errorf("raftpeerset: decode log %d: %w", l.Index, err)}
	}
	e := cmd.entry()
	if err := e.Verify(); err != nil {
		return applyResult{err: err}
	}
	res, err := f.history.Append(e)
	return applyResult{res: res, err: err}
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	chain, err := history.Chain(f.history)
	if err != nil {
		return nil, err
	}
	return &snapshot{chain: chain}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var chain []history.Entry
	dec := json.NewDecoder(bufio.NewReader(rc))
	for {
		var cmd command
		if err := dec.Decode(&cmd); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("raftpeerset: decode snapshot: %w", err)
		}
		chain = append(chain, cmd.entry())
	}
	if r, ok := f.history.(resetter); ok {
		return r.Reset(chain)
	}
	for _, e := range chain {
		if e.IsInitial() {
			continue
		}
		if _, err := f.history.Append(e); err != nil {
			return fmt.Errorf("raftpeerset: restore entry %s: %w", e.ID, err)
		}
	}
	return nil
}

// snapshot is the root-to-head chain, one JSON command per line.
type snapshot struct {
	chain []history.Entry
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	w := bufio.NewWriter(sink)
	enc := json.NewEncoder(w)
	for _, e := range s.chain {
		if err := enc.Encode(command{ID: e.ID, ParentID: e.ParentID, Content: e.Content}); err != nil {
			_ = sink.Cancel()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *snapshot) Release() {}
