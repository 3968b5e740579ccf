package raftpeerset

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/raft"

	"pkt.systems/pslog"

	"pkt.systems/peersetd/internal/change"
	"pkt.systems/peersetd/internal/consensus"
	"pkt.systems/peersetd/internal/history"
)

type localForwarder struct {
	mu    sync.Mutex
	nodes map[string]*Adapter
	calls int
}

func (f *localForwarder) ForwardPropose(ctx context.Context, leader, peerset string, ch change.Change) (change.Result, error) {
	f.mu.Lock()
	target := f.nodes[leader]
	f.calls++
	f.mu.Unlock()
	if target == nil {
		return change.Result{}, fmt.Errorf("no node %s", leader)
	}
	return target.ProposeChange(ctx, ch)
}

func startGroup(t *testing.T, n int) ([]*Adapter, *localForwarder) {
	t.Helper()
	members := make([]Member, n)
	transports := make([]*raft.InmemTransport, n)
	for i := range members {
		id := fmt.Sprintf("n%d", i)
		addr, trans := raft.NewInmemTransport(raft.ServerAddress(id))
		members[i] = Member{PeerID: id, Address: string(addr)}
		transports[i] = trans
	}
	for i, a := range transports {
		for j, b := range transports {
			if i != j {
				a.Connect(b.LocalAddr(), b)
			}
		}
	}
	fwd := &localForwarder{nodes: make(map[string]*Adapter)}
	adapters := make([]*Adapter, n)
	for i := range members {
		a, err := New(Config{
			PeersetID:          "ps1",
			PeerID:             members[i].PeerID,
			Members:            members,
			Transport:          transports[i],
			Forwarder:          fwd,
			HeartbeatTimeout:   50 * time.Millisecond,
			ElectionTimeout:    50 * time.Millisecond,
			LeaderLeaseTimeout: 50 * time.Millisecond,
			CommitTimeout:      5 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("start %s: %v", members[i].PeerID, err)
		}
		adapters[i] = a
		fwd.mu.Lock()
		fwd.nodes[members[i].PeerID] = a
		fwd.mu.Unlock()
	}
	t.Cleanup(func() {
		for _, a := range adapters {
			_ = a.Close()
		}
	})
	return adapters, fwd
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func leaderOf(t *testing.T, adapters []*Adapter) (leader *Adapter, follower *Adapter) {
	t.Helper()
	waitFor(t, "leader", func() bool {
		id := adapters[0].Leader()
		if id == "" {
			return false
		}
		for _, a := range adapters {
			if a.Leader() != id {
				return false
			}
		}
		return true
	})
	id := adapters[0].Leader()
	for _, a := range adapters {
		if a.peer == id {
			leader = a
		} else if follower == nil {
			follower = a
		}
	}
	if leader == nil {
		t.Fatalf("leader %s is not a group member", id)
	}
	return leader, follower
}

func single(id, content, parent string) change.Standard {
	return change.Standard{ChangeID: id, Content: content, Parents: []change.Peerset{{ID: "ps1", ParentID: parent}}}
}

func TestProposeReplicatesToAllMembers(t *testing.T) {
	adapters, _ := startGroup(t, 3)
	leader, _ := leaderOf(t, adapters)
	ctx := context.Background()

	res, err := leader.ProposeChange(ctx, single("c1", "payload", history.InitialID))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if !res.OK() || res.Leader != leader.peer {
		t.Fatalf("unexpected result %+v", res)
	}
	for _, a := range adapters {
		waitFor(t, "replication to "+a.peer, func() bool {
			head, err := a.CurrentEntryID(ctx)
			return err == nil && head == res.EntryID
		})
		e, err := a.Entry(ctx, res.EntryID)
		if err != nil {
			t.Fatalf("%s entry: %v", a.peer, err)
		}
		if e.ParentID != history.InitialID {
			t.Fatalf("%s parent = %s", a.peer, e.ParentID)
		}
	}
}

func TestFollowerForwardsToLeader(t *testing.T) {
	adapters, fwd := startGroup(t, 3)
	leader, follower := leaderOf(t, adapters)
	ctx := context.Background()

	res, err := follower.ProposeChange(ctx, single("c1", "via follower", history.InitialID))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if !res.OK() || res.Leader != leader.peer {
		t.Fatalf("unexpected result %+v", res)
	}
	fwd.mu.Lock()
	calls := fwd.calls
	fwd.mu.Unlock()
	if calls != 1 {
		t.Fatalf("forward calls = %d, want 1", calls)
	}
}

func TestConflictAndIdempotentRepropose(t *testing.T) {
	adapters, _ := startGroup(t, 3)
	leader, _ := leaderOf(t, adapters)
	ctx := context.Background()

	first := single("c1", "first", history.InitialID)
	won, err := leader.ProposeChange(ctx, first)
	if err != nil || !won.OK() {
		t.Fatalf("first propose: %+v %v", won, err)
	}
	again, err := leader.ProposeChange(ctx, first)
	if err != nil || !again.OK() || again.EntryID != won.EntryID {
		t.Fatalf("repropose: %+v %v", again, err)
	}
	lost, err := leader.ProposeChange(ctx, single("c2", "second", history.InitialID))
	if err != nil {
		t.Fatalf("second propose: %v", err)
	}
	if lost.Status != change.StatusConflict || lost.EntryID != won.EntryID {
		t.Fatalf("want conflict at %s, got %+v", won.EntryID, lost)
	}
}

func TestLeadershipTransferNotifiesSubscribers(t *testing.T) {
	adapters, _ := startGroup(t, 3)
	leader, _ := leaderOf(t, adapters)
	seen := make(chan consensus.LeaderInfo, 16)
	for _, a := range adapters {
		cancel := a.SubscribeLeaderChange(func(info consensus.LeaderInfo) {
			select {
			case seen <- info:
			default:
			}
		})
		defer cancel()
	}
	if err := leader.raft.LeadershipTransfer().Error(); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case info := <-seen:
			if info.PeersetID != "ps1" {
				t.Fatalf("unexpected info %+v", info)
			}
			if info.LeaderID != "" && info.LeaderID != leader.peer {
				return
			}
		case <-deadline:
			t.Fatalf("no leader change observed after transfer from %s", leader.peer)
		}
	}
}

func TestSnapshotRestoreRebuildsHistory(t *testing.T) {
	src := history.NewMemory()
	parent := history.InitialID
	for i := 0; i < 3; i++ {
		e := history.NewEntry(parent, []byte(fmt.Sprintf("e%d", i)))
		if _, err := src.Append(e); err != nil {
			t.Fatalf("append: %v", err)
		}
		parent = e.ID
	}
	snap, err := (&fsm{history: src}).Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	sink := &memSink{}
	if err := snap.Persist(sink); err != nil {
		t.Fatalf("persist: %v", err)
	}
	dst := history.NewMemory()
	if err := (&fsm{history: dst}).Restore(sink.reader()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	head, _ := dst.CurrentEntryID()
	if head != parent {
		t.Fatalf("restored head %s, want %s", head, parent)
	}
	if dst.Len() != 4 {
		t.Fatalf("restored %d entries, want 4", dst.Len())
	}
}

func TestRaftAddress(t *testing.T) {
	got, err := RaftAddress("10.0.0.1:9500", 2)
	if err != nil || got != "10.0.0.1:9502" {
		t.Fatalf("RaftAddress = %q, %v", got, err)
	}
	if _, err := RaftAddress("10.0.0.1", 0); err == nil {
		t.Fatalf("expected error for address without port")
	}
	if _, err := RaftAddress("h:65535", 1); err == nil {
		t.Fatalf("expected range error")
	}
}

func TestHCLoggerBridgesToPslog(t *testing.T) {
	var buf bytes.Buffer
	logger := pslog.NewWithOptions(context.Background(), &buf, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         pslog.TraceLevel,
	})
	hl := NewHCLogger("raft", logger)
	hl.Warn("heartbeat failed", "peer", "n1")
	out := buf.String()
	if !strings.Contains(out, "heartbeat failed") || !strings.Contains(out, "n1") {
		t.Fatalf("bridged output missing fields: %q", out)
	}
}

type memSink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memSink) ID() string { return "mem" }

func (s *memSink) Cancel() error {
	s.cancelled = true
	return nil
}

func (s *memSink) Close() error { return nil }

func (s *memSink) reader() *nopCloser { return &nopCloser{Reader: bytes.NewReader(s.Bytes())} }

type nopCloser struct{ *bytes.Reader }

func (nopCloser) Close() error { return nil }
