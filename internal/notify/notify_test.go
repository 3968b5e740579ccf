package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pkt.systems/peersetd/api"
	"pkt.systems/peersetd/internal/change"
)

func TestNotifyPostsResult(t *testing.T) {
	got := make(chan api.ChangeResult, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		var res api.ChangeResult
		if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
			t.Errorf("decode: %v", err)
		}
		got <- res
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := New(Config{HTTPClient: srv.Client()})
	n.Notify(srv.URL, change.Success("c1", "e1"))
	select {
	case res := <-got:
		if res.ChangeID != "c1" || res.Status != api.StatusSuccess || res.EntryID != "e1" {
			t.Fatalf("unexpected body %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
	if err := n.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sent, dropped := n.Stats(); sent != 1 || dropped != 0 {
		t.Fatalf("stats sent=%d dropped=%d", sent, dropped)
	}
}

func TestNotifyFailureIsNotRetried(t *testing.T) {
	calls := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls <- struct{}{}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(Config{HTTPClient: srv.Client()})
	n.Notify(srv.URL, change.Timeout("c1", "slow"))
	if err := n.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected one attempt, got %d", len(calls))
	}
	if sent, _ := n.Stats(); sent != 0 {
		t.Fatalf("failed delivery counted as sent")
	}
}

func TestNotifyAfterCloseDrops(t *testing.T) {
	n := New(Config{})
	_ = n.Close(context.Background())
	n.Notify("http://127.0.0.1:1/", change.Success("c1", "e1"))
	if _, dropped := n.Stats(); dropped != 1 {
		t.Fatalf("dropped = %d", dropped)
	}
	n.Notify("", change.Success("c2", "e2"))
}
