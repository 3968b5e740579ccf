package peersetd

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"pkt.systems/peersetd/api"
	"pkt.systems/peersetd/client"
	"pkt.systems/peersetd/internal/peers"
	"pkt.systems/pslog"
)

func testLogger(buf *bytes.Buffer) pslog.Logger {
	return pslog.NewWithOptions(context.Background(), buf, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         pslog.TraceLevel,
	})
}

func listenLocal(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

// startNodes serves one node per listener on a shared topology and returns a
// client per node.
func startNodes(t *testing.T, topo peers.Topology, lns map[string]net.Listener, mutate func(*Config)) map[string]*client.Client {
	t.Helper()
	clients := make(map[string]*client.Client, len(lns))
	for id, ln := range lns {
		cfg := Config{
			SelfID:           id,
			Topology:         topo,
			GPACPhaseTimeout: 2 * time.Second,
			ShutdownTimeout:  2 * time.Second,
		}
		if mutate != nil {
			mutate(&cfg)
		}
		srv, err := NewServer(cfg)
		if err != nil {
			t.Fatalf("new server %s: %v", id, err)
		}
		go func() {
			_ = srv.Serve(ln)
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.WaitUntilReady(ctx); err != nil {
			cancel()
			t.Fatalf("server %s not ready: %v", id, err)
		}
		cancel()
		t.Cleanup(func() {
			if err := srv.Close(); err != nil {
				t.Errorf("close %s: %v", id, err)
			}
		})
		cli, err := client.New(ln.Addr().String())
		if err != nil {
			t.Fatalf("client %s: %v", id, err)
		}
		clients[id] = cli
	}
	return clients
}

func twoNodeCluster(t *testing.T, mutate func(*Config)) map[string]*client.Client {
	t.Helper()
	lns := map[string]net.Listener{"peer0": listenLocal(t), "peer1": listenLocal(t)}
	topo := peers.Topology{
		Peers: []peers.Peer{
			{ID: "peer0", Address: lns["peer0"].Addr().String()},
			{ID: "peer1", Address: lns["peer1"].Addr().String()},
		},
		Peersets: []peers.Peerset{
			{ID: "ps1", Peers: []string{"peer0"}},
			{ID: "ps2", Peers: []string{"peer1"}},
		},
	}
	return startNodes(t, topo, lns, mutate)
}

func crossChange(id, content, parent1, parent2 string) api.Change {
	return api.Change{
		Type:    api.ChangeTypeStandard,
		ID:      id,
		Content: content,
		Peersets: []api.ChangePeerset{
			{PeersetID: "ps1", ParentID: parent1},
			{PeersetID: "ps2", ParentID: parent2},
		},
	}
}

func TestCrossPeersetChangeCommitsOnBothNodes(t *testing.T) {
	for _, protocol := range []string{api.ProtocolGPAC, api.ProtocolTwoPC} {
		t.Run(protocol, func(t *testing.T) {
			clients := twoNodeCluster(t, nil)
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()

			res, err := clients["peer0"].Submit(ctx, crossChange("c1", "move", "", ""), protocol)
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			if res.Status != api.StatusSuccess {
				t.Fatalf("unexpected result %+v", res)
			}
			heads := map[string]string{}
			for ps, node := range map[string]string{"ps1": "peer0", "ps2": "peer1"} {
				hist, err := clients[node].History(ctx, ps, 0)
				if err != nil {
					t.Fatalf("history %s: %v", ps, err)
				}
				if len(hist.Entries) < 2 {
					t.Fatalf("%s history has %d entries", ps, len(hist.Entries))
				}
				if !strings.Contains(hist.Entries[0].Content, "c1") {
					t.Fatalf("%s head does not carry the change: %+v", ps, hist.Entries[0])
				}
				heads[ps] = hist.Head
				blocked, err := clients[node].Blocked(ctx, ps)
				if err != nil {
					t.Fatalf("blocked %s: %v", ps, err)
				}
				if blocked.Blocked {
					t.Fatalf("%s still locked by %+v", ps, blocked)
				}
			}

			stale, err := clients["peer1"].Submit(ctx, crossChange("c2", "stale", "", heads["ps2"]), protocol)
			if err != nil {
				t.Fatalf("stale submit: %v", err)
			}
			if stale.Status == api.StatusSuccess {
				t.Fatalf("stale parent committed: %+v", stale)
			}
			head, err := clients["peer0"].Head(ctx, "ps1")
			if err != nil {
				t.Fatalf("head: %v", err)
			}
			if head != heads["ps1"] {
				// 2PC records the abort as a marker entry.
				e, err := clients["peer0"].Entry(ctx, "ps1", head)
				if err != nil {
					t.Fatalf("entry: %v", err)
				}
				if protocol != api.ProtocolTwoPC || !strings.Contains(e.Content, api.TwoPCStatusAborted) {
					t.Fatalf("ps1 head moved to %+v after rejected change", e)
				}
			}
		})
	}
}

func TestAsyncSubmitForwardedFromNonMember(t *testing.T) {
	clients := twoNodeCluster(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	single := api.Change{Type: api.ChangeTypeStandard, Content: "only ps2", Peersets: []api.ChangePeerset{{PeersetID: "ps2"}}}
	id, err := clients["peer0"].SubmitAsync(ctx, single, "")
	if err != nil {
		t.Fatalf("submit async: %v", err)
	}
	res, err := clients["peer0"].Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Status != api.StatusSuccess || res.ChangeID != id {
		t.Fatalf("unexpected result %+v", res)
	}
	head, err := clients["peer1"].Head(ctx, "ps2")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head != res.EntryID {
		t.Fatalf("ps2 head %s, result entry %s", head, res.EntryID)
	}
}

func TestBoltHistorySurvivesRestart(t *testing.T) {
	dataDir := t.TempDir()
	ln := listenLocal(t)
	addr := ln.Addr().String()
	topo := peers.Topology{
		Peers:    []peers.Peer{{ID: "peer0", Address: addr}},
		Peersets: []peers.Peerset{{ID: "ps1", Peers: []string{"peer0"}}},
	}
	cfg := Config{SelfID: "peer0", Topology: topo, HistoryStore: HistoryBolt, DataDir: dataDir, ShutdownTimeout: 2 * time.Second}

	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.WaitUntilReady(ctx); err != nil {
		t.Fatalf("ready: %v", err)
	}
	cli, err := client.New(addr)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	res, err := cli.Submit(ctx, api.Change{Type: api.ChangeTypeStandard, Content: "durable", Peersets: []api.ChangePeerset{{PeersetID: "ps1"}}}, "")
	if err != nil || res.Status != api.StatusSuccess {
		t.Fatalf("submit: %+v %v", res, err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var logs bytes.Buffer
	reopened, err := NewServer(cfg, WithLogger(testLogger(&logs)))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	head, err := reopened.Service().Head(ctx, "ps1")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head != res.EntryID {
		t.Fatalf("head after restart %s, want %s", head, res.EntryID)
	}
	if !strings.Contains(logs.String(), "server.configured") {
		t.Fatalf("expected configuration log, got %q", logs.String())
	}
}

func TestSingleNodeRaftPeerset(t *testing.T) {
	raftLn := listenLocal(t)
	raftAddr := raftLn.Addr().String()
	_ = raftLn.Close()
	ln := listenLocal(t)
	topo := peers.Topology{
		Peers:    []peers.Peer{{ID: "peer0", Address: ln.Addr().String(), RaftAddress: raftAddr}},
		Peersets: []peers.Peerset{{ID: "ps1", Peers: []string{"peer0"}}},
	}
	clients := startNodes(t, topo, map[string]net.Listener{"peer0": ln}, func(cfg *Config) {
		cfg.Consensus = ConsensusRaft
		cfg.RaftHeartbeatTimeout = 100 * time.Millisecond
		cfg.RaftElectionTimeout = 100 * time.Millisecond
	})
	cli := clients["peer0"]
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var res api.ChangeResult
	deadline := time.Now().Add(10 * time.Second)
	for {
		var err error
		res, err = cli.Submit(ctx, api.Change{Type: api.ChangeTypeStandard, Content: "raft", Peersets: []api.ChangePeerset{{PeersetID: "ps1"}}}, "")
		if err == nil && res.Status == api.StatusSuccess {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("raft peerset never accepted a change: %+v %v", res, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	head, err := cli.Head(ctx, "ps1")
	if err != nil || head != res.EntryID {
		t.Fatalf("head = %s, %v (want %s)", head, err, res.EntryID)
	}
}

func TestHealthAndUnknownPeerset(t *testing.T) {
	clients := twoNodeCluster(t, nil)
	ctx := context.Background()
	health, err := clients["peer1"].Health(ctx)
	if err != nil || health.Status != "ok" || health.PeerID != "peer1" {
		t.Fatalf("health = %+v, %v", health, err)
	}
	_, err = clients["peer0"].Head(ctx, "nope")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status < http.StatusBadRequest {
		t.Fatalf("unexpected error %v", err)
	}
}
