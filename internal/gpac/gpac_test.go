package gpac

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/peersetd/api"
	"pkt.systems/peersetd/internal/backoff"
	"pkt.systems/peersetd/internal/change"
	"pkt.systems/peersetd/internal/consensus"
	"pkt.systems/peersetd/internal/consensus/direct"
	"pkt.systems/peersetd/internal/failure"
	"pkt.systems/peersetd/internal/history"
	"pkt.systems/peersetd/internal/peers"
	"pkt.systems/peersetd/internal/peerset"
	"pkt.systems/peersetd/internal/txlock"
)

// network routes messages between in-process nodes.
type network struct {
	mu    sync.RWMutex
	nodes map[string]*Protocol
	down  map[string]bool
}

func (n *network) node(peer string) (*Protocol, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.down[peer] {
		return nil, failure.New(failure.CodeUnavailable, "peer %s is down", peer)
	}
	node, ok := n.nodes[peer]
	if !ok {
		return nil, failure.New(failure.CodeUnavailable, "peer %s unknown", peer)
	}
	return node, nil
}

func (n *network) setDown(peer string, down bool) {
	n.mu.Lock()
	n.down[peer] = down
	n.mu.Unlock()
}

func (n *network) Elect(ctx context.Context, peer string, req api.ElectMeRequest) (api.ElectedYouResponse, error) {
	node, err := n.node(peer)
	if err != nil {
		return api.ElectedYouResponse{}, err
	}
	return node.HandleElect(ctx, req)
}

func (n *network) Agree(ctx context.Context, peer string, req api.AgreeRequest) (api.AgreedResponse, error) {
	node, err := n.node(peer)
	if err != nil {
		return api.AgreedResponse{}, err
	}
	return node.HandleAgree(ctx, req)
}

func (n *network) Apply(ctx context.Context, peer string, req api.ApplyRequest) (api.ApplyResponse, error) {
	node, err := n.node(peer)
	if err != nil {
		return api.ApplyResponse{}, err
	}
	return node.HandleApply(ctx, req)
}

type cluster struct {
	net   *network
	nodes map[string]*Protocol
	// state indexes peerset contexts by peer id and peerset id.
	state map[string]map[string]*peerset.Context
}

// newCluster starts one node per peer. layout maps peerset ids to members.
func newCluster(t *testing.T, layout map[string][]string, tweak func(*Config)) *cluster {
	t.Helper()
	topo := peers.Topology{}
	seen := map[string]bool{}
	for ps, members := range layout {
		topo.Peersets = append(topo.Peersets, peers.Peerset{ID: ps, Peers: members})
		for _, m := range members {
			if !seen[m] {
				seen[m] = true
				topo.Peers = append(topo.Peers, peers.Peer{ID: m, Address: "http://" + m + ".invalid"})
			}
		}
	}
	c := &cluster{
		net:   &network{nodes: map[string]*Protocol{}, down: map[string]bool{}},
		nodes: map[string]*Protocol{},
		state: map[string]map[string]*peerset.Context{},
	}
	// Members of a peerset share one history, as the raft adapter would
	// replicate it. Locks stay per member.
	histories := map[string]*direct.Adapter{}
	for ps := range layout {
		adapter, err := direct.New(direct.Config{PeersetID: ps, PeerID: layout[ps][0]})
		if err != nil {
			t.Fatalf("adapter: %v", err)
		}
		histories[ps] = adapter
	}
	for peer := range seen {
		resolver, err := peers.NewResolver(peer, topo)
		if err != nil {
			t.Fatalf("resolver: %v", err)
		}
		var contexts []*peerset.Context
		c.state[peer] = map[string]*peerset.Context{}
		for _, ps := range resolver.PeersetsOf(peer) {
			pc := peerset.New(histories[ps])
			contexts = append(contexts, pc)
			c.state[peer][ps] = pc
		}
		registry, err := peerset.NewRegistry(contexts...)
		if err != nil {
			t.Fatalf("registry: %v", err)
		}
		cfg := Config{
			Self:              peer,
			Peersets:          registry,
			Resolver:          resolver,
			Transport:         c.net,
			Retry:             backoff.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
			PhaseTimeout:      time.Second,
			LeaderFailTimeout: -1,
		}
		if tweak != nil {
			tweak(&cfg)
		}
		node, err := New(cfg)
		if err != nil {
			t.Fatalf("protocol: %v", err)
		}
		c.nodes[peer] = node
		c.net.nodes[peer] = node
	}
	t.Cleanup(func() {
		for _, node := range c.nodes {
			node.Close()
		}
	})
	return c
}

func (c *cluster) head(t *testing.T, peer, ps string) string {
	t.Helper()
	head, err := c.state[peer][ps].Consensus.CurrentEntryID(context.Background())
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	return head
}

func (c *cluster) locked(peer, ps string) bool {
	_, held := c.state[peer][ps].Lock.Holder()
	return held
}

func crossChange(id string, parents map[string]string) change.Standard {
	ch := change.Standard{ChangeID: id, Content: "payload-" + id}
	for _, ps := range []string{"A", "B"} {
		if parent, ok := parents[ps]; ok {
			ch.Parents = append(ch.Parents, change.Peerset{ID: ps, ParentID: parent})
		}
	}
	return ch
}

func twoPeersets() map[string][]string {
	return map[string][]string{"A": {"a0"}, "B": {"b0"}}
}

func TestCommitAcrossTwoPeersets(t *testing.T) {
	c := newCluster(t, twoPeersets(), nil)
	ch := crossChange("c1", map[string]string{"A": history.InitialID, "B": history.InitialID})

	res, err := c.nodes["a0"].Submit(context.Background(), ch)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.OK() {
		t.Fatalf("expected success, got %+v", res)
	}
	entryA, _ := change.ToEntry(ch, "A")
	entryB, _ := change.ToEntry(ch, "B")
	if got := c.head(t, "a0", "A"); got != entryA.ID {
		t.Fatalf("A head = %s, want %s", got, entryA.ID)
	}
	if got := c.head(t, "b0", "B"); got != entryB.ID {
		t.Fatalf("B head = %s, want %s", got, entryB.ID)
	}
	if res.EntryID != entryA.ID {
		t.Fatalf("result entry = %s, want %s", res.EntryID, entryA.ID)
	}
	if c.locked("a0", "A") || c.locked("b0", "B") {
		t.Fatal("locks must be released after commit")
	}
}

func TestIncompatibleParentAborts(t *testing.T) {
	c := newCluster(t, twoPeersets(), nil)
	ch := crossChange("c1", map[string]string{"A": history.InitialID, "B": "not-the-head"})

	res, err := c.nodes["a0"].Submit(context.Background(), ch)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != change.StatusAborted {
		t.Fatalf("expected aborted, got %+v", res)
	}
	if c.head(t, "a0", "A") != history.InitialID || c.head(t, "b0", "B") != history.InitialID {
		t.Fatal("abort must not append")
	}
	if c.locked("a0", "A") || c.locked("b0", "B") {
		t.Fatal("locks must be released after abort")
	}
}

func TestUnreachablePeersetTimesOut(t *testing.T) {
	c := newCluster(t, twoPeersets(), nil)
	c.net.setDown("b0", true)
	ch := crossChange("c1", map[string]string{"A": history.InitialID, "B": history.InitialID})

	res, err := c.nodes["a0"].Submit(context.Background(), ch)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != change.StatusTimeout {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if c.head(t, "a0", "A") != history.InitialID {
		t.Fatal("A must stay unchanged")
	}
	if c.locked("a0", "A") {
		t.Fatal("A must be unlocked after timeout")
	}
}

func TestLockedPeersetTimesOut(t *testing.T) {
	c := newCluster(t, twoPeersets(), nil)
	other := txlock.Acquisition{Protocol: txlock.ProtocolTwoPC, ChangeID: "other"}
	if err := c.state["b0"]["B"].Lock.Acquire(other); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ch := crossChange("c1", map[string]string{"A": history.InitialID, "B": history.InitialID})
	res, err := c.nodes["a0"].Submit(context.Background(), ch)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != change.StatusTimeout {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if holder, _ := c.state["b0"]["B"].Lock.Holder(); holder != other {
		t.Fatalf("foreign lock must survive, got %v", holder)
	}
	if c.locked("a0", "A") {
		t.Fatal("A must be unlocked after timeout")
	}
}

func TestParticipantEnforcesBallotOrder(t *testing.T) {
	c := newCluster(t, twoPeersets(), nil)
	node := c.nodes["b0"]
	ctx := context.Background()
	ch := crossChange("c1", map[string]string{"A": history.InitialID, "B": history.InitialID}).ToAPI()

	elect := func(n uint64) (api.ElectedYouResponse, error) {
		return node.HandleElect(ctx, api.ElectMeRequest{ChangeID: "c1", PeersetID: "B", Ballot: api.Ballot{Number: n, PeerID: "x"}, Change: ch})
	}
	agree := func(n uint64) (api.AgreedResponse, error) {
		return node.HandleAgree(ctx, api.AgreeRequest{ChangeID: "c1", PeersetID: "B", Ballot: api.Ballot{Number: n, PeerID: "x"}, Value: api.GPACCommit, Change: ch})
	}

	resp, err := elect(5)
	if err != nil {
		t.Fatalf("elect 5: %v", err)
	}
	if resp.InitVal != api.GPACCommit {
		t.Fatalf("expected commit vote, got %q", resp.InitVal)
	}
	if _, err := elect(3); !failure.Is(err, failure.CodeNotElectingYou) {
		t.Fatalf("lower ballot must be refused, got %v", err)
	} else if f, _ := failure.As(err); f.Ballot == nil || f.Ballot.Number != 5 {
		t.Fatalf("refusal must carry the promise, got %+v", f)
	}
	if _, err := agree(4); !failure.Is(err, failure.CodeNotValidLeader) {
		t.Fatalf("agree below promise must be refused, got %v", err)
	}
	if got, err := agree(5); err != nil || !got.Accepted {
		t.Fatalf("agree at promise: %+v %v", got, err)
	}
	resp, err = elect(6)
	if err != nil {
		t.Fatalf("elect 6: %v", err)
	}
	if resp.AcceptNum == nil || resp.AcceptNum.Number != 5 || resp.AcceptVal != api.GPACCommit {
		t.Fatalf("promise must report accepted value, got %+v", resp)
	}
	_, err = node.HandleApply(ctx, api.ApplyRequest{ChangeID: "c1", PeersetID: "B", Ballot: api.Ballot{Number: 5, PeerID: "x"}, Decision: api.GPACCommit, Change: ch})
	if !failure.Is(err, failure.CodeNotValidLeader) {
		t.Fatalf("apply below promise must be refused, got %v", err)
	}
	if !c.locked("b0", "B") {
		t.Fatal("B must stay locked while undecided")
	}
}

func TestRecoveryAfterCoordinatorVanishes(t *testing.T) {
	c := newCluster(t, twoPeersets(), func(cfg *Config) {
		cfg.LeaderFailTimeout = 50 * time.Millisecond
	})
	ch := crossChange("c1", map[string]string{"A": history.InitialID, "B": history.InitialID})
	// A coordinator elected itself on B and then disappeared.
	_, err := c.nodes["b0"].HandleElect(context.Background(), api.ElectMeRequest{
		ChangeID: "c1", PeersetID: "B", Ballot: api.Ballot{Number: 1, PeerID: "ghost"}, Change: ch.ToAPI(),
	})
	if err != nil {
		t.Fatalf("elect: %v", err)
	}
	entryB, _ := change.ToEntry(ch, "B")
	entryA, _ := change.ToEntry(ch, "A")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.head(t, "b0", "B") == entryB.ID && c.head(t, "a0", "A") == entryA.ID && !c.locked("b0", "B") && !c.locked("a0", "A") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("recovery did not commit: A=%s B=%s", c.head(t, "a0", "A"), c.head(t, "b0", "B"))
}

// flakyAdapter fails proposals while failing is set.
type flakyAdapter struct {
	consensus.Adapter
	mu      sync.Mutex
	failing bool
}

func (f *flakyAdapter) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *flakyAdapter) ProposeChange(ctx context.Context, ch change.Change) (change.Result, error) {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return change.Result{}, errors.New("replication unavailable")
	}
	return f.Adapter.ProposeChange(ctx, ch)
}

// blockingAdapter holds proposals until release is closed.
type blockingAdapter struct {
	consensus.Adapter
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingAdapter) ProposeChange(ctx context.Context, ch change.Change) (change.Result, error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return change.Result{}, ctx.Err()
	}
	return b.Adapter.ProposeChange(ctx, ch)
}

func TestApplyFailureKeepsDecisionUntilApplied(t *testing.T) {
	c := newCluster(t, twoPeersets(), func(cfg *Config) {
		cfg.LeaderFailTimeout = 50 * time.Millisecond
	})
	flaky := &flakyAdapter{Adapter: c.state["a0"]["A"].Consensus, failing: true}
	c.state["a0"]["A"].Consensus = flaky

	ch := crossChange("c1", map[string]string{"A": history.InitialID, "B": history.InitialID})
	entryA, _ := change.ToEntry(ch, "A")
	entryB, _ := change.ToEntry(ch, "B")
	res, err := c.nodes["b0"].Submit(context.Background(), ch)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != change.StatusTimeout {
		t.Fatalf("expected timeout while A cannot apply, got %+v", res)
	}
	if head := c.head(t, "b0", "B"); head != entryB.ID {
		t.Fatalf("B must hold the committed entry, got %s", head)
	}
	if head := c.head(t, "a0", "A"); head != history.InitialID {
		t.Fatalf("A must not have applied yet, got %s", head)
	}
	if !c.locked("a0", "A") {
		t.Fatal("A must stay locked while the decision is not applied")
	}
	if n, err := c.nodes["a0"].InFlight("A"); err != nil || n != 1 {
		t.Fatalf("A must keep the transaction in flight, got %d %v", n, err)
	}

	flaky.setFailing(false)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.head(t, "a0", "A") == entryA.ID && !c.locked("a0", "A") {
			if n, _ := c.nodes["a0"].InFlight("A"); n == 0 {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("A never applied the decision: head=%s locked=%v", c.head(t, "a0", "A"), c.locked("a0", "A"))
}

func TestAbandonKeepsAcceptedState(t *testing.T) {
	c := newCluster(t, twoPeersets(), nil)
	ctx := context.Background()
	ch := crossChange("c1", map[string]string{"A": history.InitialID, "B": history.InitialID})
	ballot := api.Ballot{Number: 1, PeerID: "ghost"}
	if _, err := c.nodes["a0"].HandleElect(ctx, api.ElectMeRequest{ChangeID: "c1", PeersetID: "A", Ballot: ballot, Change: ch.ToAPI()}); err != nil {
		t.Fatalf("elect: %v", err)
	}
	if _, err := c.nodes["a0"].HandleAgree(ctx, api.AgreeRequest{ChangeID: "c1", PeersetID: "A", Ballot: ballot, Value: api.GPACCommit, Change: ch.ToAPI()}); err != nil {
		t.Fatalf("agree: %v", err)
	}
	c.nodes["a0"].abandonLocal(ch)
	if !c.locked("a0", "A") {
		t.Fatal("accepted state must keep its lock")
	}
	if n, _ := c.nodes["a0"].InFlight("A"); n != 1 {
		t.Fatalf("accepted state must survive, got %d in flight", n)
	}
}

func TestSlowApplyDoesNotBlockParticipant(t *testing.T) {
	c := newCluster(t, twoPeersets(), nil)
	slow := &blockingAdapter{
		Adapter: c.state["a0"]["A"].Consensus,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	c.state["a0"]["A"].Consensus = slow

	ch := crossChange("c1", map[string]string{"A": history.InitialID, "B": history.InitialID})
	type submitted struct {
		res change.Result
		err error
	}
	done := make(chan submitted, 1)
	go func() {
		res, err := c.nodes["b0"].Submit(context.Background(), ch)
		done <- submitted{res, err}
	}()
	select {
	case <-slow.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("apply never reached the consensus layer")
	}

	other := crossChange("c2", map[string]string{"A": history.InitialID})
	electErr := make(chan error, 1)
	go func() {
		_, err := c.nodes["a0"].HandleElect(context.Background(), api.ElectMeRequest{
			ChangeID: "c2", PeersetID: "A", Ballot: api.Ballot{Number: 9, PeerID: "x"}, Change: other.ToAPI(),
		})
		electErr <- err
	}()
	select {
	case err := <-electErr:
		if !failure.Is(err, failure.CodeAlreadyLocked) {
			t.Fatalf("expected already_locked for another change, got %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("elect blocked behind a running apply")
	}
	_, err := c.nodes["a0"].HandleElect(context.Background(), api.ElectMeRequest{
		ChangeID: "c1", PeersetID: "A", Ballot: api.Ballot{Number: 9, PeerID: "x"}, Change: ch.ToAPI(),
	})
	if !failure.Is(err, failure.CodeUnavailable) {
		t.Fatalf("elect during apply must be refused as unavailable, got %v", err)
	}

	close(slow.release)
	select {
	case out := <-done:
		if out.err != nil || !out.res.OK() {
			t.Fatalf("submit: %+v %v", out.res, out.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("submit never finished")
	}
	if c.locked("a0", "A") {
		t.Fatal("A must be unlocked after the apply")
	}
}

func TestMajorityQuorum(t *testing.T) {
	layout := map[string][]string{"A": {"a0", "a1", "a2"}, "B": {"b0"}}
	c := newCluster(t, layout, func(cfg *Config) { cfg.Quorum = QuorumMajority })
	c.net.setDown("a2", true)
	ch := crossChange("c1", map[string]string{"A": history.InitialID, "B": history.InitialID})
	res, err := c.nodes["b0"].Submit(context.Background(), ch)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.OK() {
		t.Fatalf("two of three members must suffice, got %+v", res)
	}

	c.net.setDown("a1", true)
	next := crossChange("c2", map[string]string{"A": res.EntryID, "B": c.head(t, "b0", "B")})
	res, err = c.nodes["b0"].Submit(context.Background(), next)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != change.StatusTimeout {
		t.Fatalf("one of three members must not suffice, got %+v", res)
	}
}

func TestChooseValue(t *testing.T) {
	promise := func(ps, init string, num uint64, val string) reply[api.ElectedYouResponse] {
		r := reply[api.ElectedYouResponse]{target: target{peerset: ps}, resp: api.ElectedYouResponse{InitVal: init}}
		if num > 0 {
			r.resp.AcceptNum = &api.Ballot{Number: num}
			r.resp.AcceptVal = val
		}
		return r
	}
	v, decided, _ := chooseValue([]reply[api.ElectedYouResponse]{
		promise("A", api.GPACCommit, 0, ""),
		promise("B", api.GPACCommit, 0, ""),
	})
	if v != Commit || decided {
		t.Fatalf("all commit votes must commit, got %s", v)
	}
	v, _, aborting := chooseValue([]reply[api.ElectedYouResponse]{
		promise("A", api.GPACCommit, 0, ""),
		promise("B", api.GPACAbort, 0, ""),
	})
	if v != Abort || len(aborting) != 1 || aborting[0] != "B" {
		t.Fatalf("one abort vote must abort, got %s %v", v, aborting)
	}
	v, _, _ = chooseValue([]reply[api.ElectedYouResponse]{
		promise("A", api.GPACAbort, 2, api.GPACCommit),
		promise("B", api.GPACAbort, 4, api.GPACAbort),
	})
	if v != Abort {
		t.Fatalf("highest accepted ballot must win, got %s", v)
	}
}

func TestQuorumNeed(t *testing.T) {
	cases := []struct {
		mode QuorumMode
		n    int
		want int
	}{
		{QuorumOne, 1, 1},
		{QuorumOne, 5, 1},
		{QuorumMajority, 1, 1},
		{QuorumMajority, 3, 2},
		{QuorumMajority, 4, 3},
	}
	for _, tc := range cases {
		if got := tc.mode.Need(tc.n); got != tc.want {
			t.Fatalf("%s.Need(%d) = %d, want %d", tc.mode, tc.n, got, tc.want)
		}
	}
	if _, err := ParseQuorumMode("most"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestBallotOrdering(t *testing.T) {
	src := &ballotSource{self: "a0"}
	first := src.next(Ballot{})
	second := src.next(Ballot{Number: 10, PeerID: "zz"})
	if !first.Less(second) || second.Number != 11 {
		t.Fatalf("ballots must grow past observed ones: %s then %s", first, second)
	}
	if !(Ballot{Number: 3, PeerID: "a"}).Less(Ballot{Number: 3, PeerID: "b"}) {
		t.Fatal("peer id must break ties")
	}
}
