package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"pkt.systems/peersetd/api"
	"pkt.systems/peersetd/internal/backoff"
	"pkt.systems/peersetd/internal/change"
	"pkt.systems/peersetd/internal/consensus/direct"
	"pkt.systems/peersetd/internal/failure"
	"pkt.systems/peersetd/internal/gpac"
	"pkt.systems/peersetd/internal/history"
	"pkt.systems/peersetd/internal/notify"
	"pkt.systems/peersetd/internal/peers"
	"pkt.systems/peersetd/internal/peerset"
	"pkt.systems/peersetd/internal/twopc"
	"pkt.systems/peersetd/internal/txlock"
)

// nowhere is the remote transport of a node that hosts every peerset.
type nowhere struct{}

func (nowhere) Elect(context.Context, string, api.ElectMeRequest) (api.ElectedYouResponse, error) {
	return api.ElectedYouResponse{}, failure.New(failure.CodeUnavailable, "no remote peers")
}

func (nowhere) Agree(context.Context, string, api.AgreeRequest) (api.AgreedResponse, error) {
	return api.AgreedResponse{}, failure.New(failure.CodeUnavailable, "no remote peers")
}

func (nowhere) Apply(context.Context, string, api.ApplyRequest) (api.ApplyResponse, error) {
	return api.ApplyResponse{}, failure.New(failure.CodeUnavailable, "no remote peers")
}

func (nowhere) Accept(context.Context, string, api.AcceptRequest) (api.AcceptResponse, error) {
	return api.AcceptResponse{}, failure.New(failure.CodeUnavailable, "no remote peers")
}

func (nowhere) Decision(context.Context, string, api.DecisionRequest) (api.DecisionResponse, error) {
	return api.DecisionResponse{}, failure.New(failure.CodeUnavailable, "no remote peers")
}

func (nowhere) Ask(context.Context, string, string) (api.AskResponse, error) {
	return api.AskResponse{}, failure.New(failure.CodeUnavailable, "no remote peers")
}

type recordingForwarder struct {
	mu    sync.Mutex
	calls []string
}

func (f *recordingForwarder) ForwardPropose(_ context.Context, leader, ps string, ch change.Change) (change.Result, error) {
	return change.Success(ch.ID(), "forwarded-"+ps), nil
}

func (f *recordingForwarder) ForwardSubmit(_ context.Context, peer, protocol string, ch change.Change) (change.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, peer)
	f.mu.Unlock()
	return change.Success(ch.ID(), "remote-entry"), nil
}

type fixture struct {
	svc *Service
	ps  map[string]*peerset.Context
	fwd *recordingForwarder
}

// newFixture builds node n0 hosting A and B; peerset C lives on n1.
func newFixture(t *testing.T, tweak func(*Config)) *fixture {
	t.Helper()
	topo := peers.Topology{
		Peers: []peers.Peer{{ID: "n0", Address: "http://n0.invalid"}, {ID: "n1", Address: "http://n1.invalid"}},
		Peersets: []peers.Peerset{
			{ID: "A", Peers: []string{"n0"}},
			{ID: "B", Peers: []string{"n0"}},
			{ID: "C", Peers: []string{"n1"}},
		},
	}
	resolver, err := peers.NewResolver("n0", topo)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	f := &fixture{ps: map[string]*peerset.Context{}, fwd: &recordingForwarder{}}
	var contexts []*peerset.Context
	for _, id := range []string{"A", "B"} {
		adapter, err := direct.New(direct.Config{PeersetID: id, PeerID: "n0"})
		if err != nil {
			t.Fatalf("adapter: %v", err)
		}
		f.ps[id] = peerset.New(adapter)
		contexts = append(contexts, f.ps[id])
	}
	registry, err := peerset.NewRegistry(contexts...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	g, err := gpac.New(gpac.Config{
		Self: "n0", Peersets: registry, Resolver: resolver, Transport: nowhere{},
		Retry:             backoff.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond},
		LeaderFailTimeout: -1,
	})
	if err != nil {
		t.Fatalf("gpac: %v", err)
	}
	tp, err := twopc.New(twopc.Config{Self: "n0", Peersets: registry, Resolver: resolver, Transport: nowhere{}})
	if err != nil {
		t.Fatalf("twopc: %v", err)
	}
	cfg := Config{
		Self:      "n0",
		Peersets:  registry,
		Resolver:  resolver,
		Forwarder: f.fwd,
		GPAC:      g,
		TwoPC:     tp,
		LockRetry: backoff.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}
	if tweak != nil {
		tweak(&cfg)
	}
	f.svc, err = New(cfg)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	t.Cleanup(func() {
		_ = f.svc.Close(context.Background())
		g.Close()
		tp.Close()
	})
	return f
}

func single(id, ps, parent string) change.Standard {
	return change.Standard{ChangeID: id, Content: id, Parents: []change.Peerset{{ID: ps, ParentID: parent}}}
}

func TestConcurrentSinglePeersetChanges(t *testing.T) {
	f := newFixture(t, nil)
	var wg sync.WaitGroup
	out := make([]change.Result, 2)
	for i, id := range []string{"c1", "c2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Submit(context.Background(), single(id, "A", history.InitialID), "")
			if err != nil {
				t.Errorf("submit %s: %v", id, err)
			}
			out[i] = res
		}()
	}
	wg.Wait()
	var winner, loser change.Result
	switch {
	case out[0].OK() && out[1].Status == change.StatusConflict:
		winner, loser = out[0], out[1]
	case out[1].OK() && out[0].Status == change.StatusConflict:
		winner, loser = out[1], out[0]
	default:
		t.Fatalf("expected one success and one conflict, got %+v", out)
	}
	if loser.EntryID != winner.EntryID {
		t.Fatalf("conflict must point at the winner %s, got %s", winner.EntryID, loser.EntryID)
	}
}

func TestMultiPeersetProtocols(t *testing.T) {
	for _, proto := range []string{api.ProtocolGPAC, "2pc"} {
		t.Run(proto, func(t *testing.T) {
			f := newFixture(t, nil)
			ch := change.Standard{
				ChangeID: "x1",
				Content:  "both",
				Parents:  []change.Peerset{{ID: "A", ParentID: history.InitialID}, {ID: "B", ParentID: history.InitialID}},
			}
			res, err := f.svc.Submit(context.Background(), ch, proto)
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			if !res.OK() {
				t.Fatalf("expected success, got %+v", res)
			}
			for _, id := range []string{"A", "B"} {
				head, _ := f.ps[id].Consensus.CurrentEntryID(context.Background())
				if head == history.InitialID {
					t.Fatalf("%s head did not move", id)
				}
				if _, held := f.ps[id].Lock.Holder(); held {
					t.Fatalf("%s still locked", id)
				}
			}
		})
	}
}

func TestLockedPeersetEndsInTimeout(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.ps["A"].Lock.Acquire(txlock.Acquisition{Protocol: txlock.ProtocolTwoPC, ChangeID: "other"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	res, err := f.svc.Submit(context.Background(), single("c1", "A", history.InitialID), "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != change.StatusTimeout {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if head, _ := f.ps["A"].Consensus.CurrentEntryID(context.Background()); head != history.InitialID {
		t.Fatal("history must be unchanged")
	}
}

func TestAsyncSubmitAndNotify(t *testing.T) {
	got := make(chan api.ChangeResult, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var res api.ChangeResult
		_ = json.NewDecoder(r.Body).Decode(&res)
		got <- res
	}))
	defer srv.Close()
	notifier := notify.New(notify.Config{HTTPClient: srv.Client()})
	defer notifier.Close(context.Background())

	f := newFixture(t, func(cfg *Config) { cfg.Notifier = notifier })
	ch := single("", "B", history.InitialID)
	ch.Notify = srv.URL
	id, err := f.svc.SubmitAsync(context.Background(), ch, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated change id")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := f.svc.Wait(ctx, id)
	if err != nil || !res.OK() {
		t.Fatalf("wait: %+v %v", res, err)
	}
	cached, pending, err := f.svc.Result(id)
	if err != nil || pending || cached.EntryID != res.EntryID {
		t.Fatalf("result lookup: %+v pending=%v err=%v", cached, pending, err)
	}
	select {
	case n := <-got:
		if n.ChangeID != id || n.Status != api.StatusSuccess {
			t.Fatalf("notification %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestRemotePeersetIsForwarded(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.svc.Submit(context.Background(), single("c1", "C", history.InitialID), "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.OK() || res.EntryID != "remote-entry" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(f.fwd.calls) != 1 || f.fwd.calls[0] != "n1" {
		t.Fatalf("forward calls = %v", f.fwd.calls)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.svc.Submit(context.Background(), single("c1", "Z", history.InitialID), ""); !failure.Is(err, failure.CodeUnknownPeerset) {
		t.Fatalf("expected unknown_peerset, got %v", err)
	}
	if _, err := f.svc.Submit(context.Background(), single("c2", "A", history.InitialID), "paxos"); !failure.Is(err, failure.CodeInvalidBody) {
		t.Fatalf("expected invalid_body, got %v", err)
	}
	accepted := change.AcceptedTwoPC(single("c3", "A", history.InitialID), "A")
	if _, err := f.svc.Submit(context.Background(), accepted, ""); !failure.Is(err, failure.CodeInvalidBody) {
		t.Fatalf("expected invalid_body for two_pc submissions, got %v", err)
	}
}

func TestQueries(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.svc.Submit(ctx, single("c1", "A", history.InitialID), "")
	if err != nil || !res.OK() {
		t.Fatalf("submit: %+v %v", res, err)
	}
	head, err := f.svc.Head(ctx, "A")
	if err != nil || head != res.EntryID {
		t.Fatalf("head = %s %v", head, err)
	}
	_, entries, err := f.svc.History(ctx, "A", 0)
	if err != nil || len(entries) != 2 || entries[0].ID != res.EntryID {
		t.Fatalf("history = %+v %v", entries, err)
	}
	if _, err := f.svc.Entry(ctx, "A", "missing"); !failure.Is(err, failure.CodeUnknownChange) {
		t.Fatalf("expected unknown entry, got %v", err)
	}
	if _, err := f.svc.Head(ctx, "C"); !failure.Is(err, failure.CodeNotLeader) {
		t.Fatalf("expected not_leader for remote peerset, got %v", err)
	}
	if _, held, err := f.svc.Blocked("A"); err != nil || held {
		t.Fatalf("blocked = %v %v", held, err)
	}
}
