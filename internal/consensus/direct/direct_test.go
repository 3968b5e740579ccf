package direct

import (
	"context"
	"sync"
	"testing"

	"pkt.systems/peersetd/internal/change"
	"pkt.systems/peersetd/internal/consensus"
	"pkt.systems/peersetd/internal/history"
)

func newAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(Config{PeersetID: "ps1", PeerID: "peer0"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return a
}

func single(id, content, parent string) change.Standard {
	return change.Standard{ChangeID: id, Content: content, Parents: []change.Peerset{{ID: "ps1", ParentID: parent}}}
}

func TestProposeAppendsAndIsIdempotent(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()
	ch := single("c1", "a", history.InitialID)
	res, err := a.ProposeChange(ctx, ch)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if !res.OK() || res.Leader != "peer0" {
		t.Fatalf("unexpected result %+v", res)
	}
	again, err := a.ProposeChange(ctx, ch)
	if err != nil {
		t.Fatalf("repropose: %v", err)
	}
	if !again.OK() || again.EntryID != res.EntryID {
		t.Fatalf("resubmission must return the original entry, got %+v", again)
	}
	head, _ := a.CurrentEntryID(ctx)
	if head != res.EntryID {
		t.Fatalf("head mismatch %s", head)
	}
}

func TestConcurrentProposalsOnSameHead(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	results := make([]change.Result, 2)
	for i, content := range []string{"left", "right"} {
		wg.Add(1)
		go func(i int, content string) {
			defer wg.Done()
			res, err := a.ProposeChange(ctx, single("c-"+content, content, history.InitialID))
			if err != nil {
				t.Errorf("propose %s: %v", content, err)
			}
			results[i] = res
		}(i, content)
	}
	wg.Wait()
	var winner, loser change.Result
	switch {
	case results[0].OK() && results[1].Status == change.StatusConflict:
		winner, loser = results[0], results[1]
	case results[1].OK() && results[0].Status == change.StatusConflict:
		winner, loser = results[1], results[0]
	default:
		t.Fatalf("expected one success and one conflict, got %+v", results)
	}
	if loser.EntryID != winner.EntryID {
		t.Fatalf("conflict must point at the winning entry: %s vs %s", loser.EntryID, winner.EntryID)
	}
}

func TestSubscribeReportsLocalLeader(t *testing.T) {
	a := newAdapter(t)
	var got consensus.LeaderInfo
	cancel := a.SubscribeLeaderChange(func(info consensus.LeaderInfo) { got = info })
	defer cancel()
	if got.LeaderID != "peer0" || got.PeersetID != "ps1" {
		t.Fatalf("unexpected leader info %+v", got)
	}
}
