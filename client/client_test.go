package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"pkt.systems/peersetd/api"
	"pkt.systems/peersetd/client"
)

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode: %v", err)
	}
}

func newClient(t *testing.T, h http.HandlerFunc, opts ...client.Option) *client.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cli, err := client.New(srv.URL, opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return cli
}

func TestNewNormalizesBaseURL(t *testing.T) {
	cli, err := client.New("  127.0.0.1:9450/ ")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := cli.BaseURL(); got != "http://127.0.0.1:9450" {
		t.Fatalf("base url = %q", got)
	}
	for _, bad := range []string{"", "ftp://host", "http://"} {
		if _, err := client.New(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestSubmitSendsChangeAndCorrelation(t *testing.T) {
	var gotReq api.SubmitChangeRequest
	var gotCID, gotMode string
	cli := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != api.PathChange {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		gotMode = r.URL.Query().Get("mode")
		gotCID = r.Header.Get("X-Correlation-Id")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode: %v", err)
		}
		writeJSON(t, w, http.StatusOK, api.ChangeResult{ChangeID: "c1", Status: api.StatusSuccess, EntryID: "e1"})
	})
	ch := api.Change{
		Type:     api.ChangeTypeStandard,
		ID:       "c1",
		Content:  "x",
		Peersets: []api.ChangePeerset{{PeersetID: "ps1"}, {PeersetID: "ps2", ParentID: "p2"}},
	}
	ctx := client.WithCorrelationID(context.Background(), "cid-42")
	res, err := cli.Submit(ctx, ch, api.ProtocolTwoPC)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != api.StatusSuccess || res.EntryID != "e1" {
		t.Fatalf("unexpected result %+v", res)
	}
	want := api.SubmitChangeRequest{Change: ch, Protocol: api.ProtocolTwoPC}
	if diff := cmp.Diff(want, gotReq); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}
	if gotMode != "sync" || gotCID != "cid-42" {
		t.Fatalf("mode=%q correlation=%q", gotMode, gotCID)
	}
}

func TestDefaultCorrelationID(t *testing.T) {
	var got atomic.Value
	cli := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("X-Correlation-Id"))
		writeJSON(t, w, http.StatusOK, api.HealthResponse{Status: "ok", PeerID: "peer0"})
	}, client.WithDefaultCorrelationID("fallback"))
	if _, err := cli.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if got.Load() != "fallback" {
		t.Fatalf("correlation = %v", got.Load())
	}
	if _, err := cli.Health(client.WithCorrelationID(context.Background(), "explicit")); err != nil {
		t.Fatalf("health: %v", err)
	}
	if got.Load() != "explicit" {
		t.Fatalf("correlation = %v", got.Load())
	}
}

func TestSubmitAsyncThenWait(t *testing.T) {
	var polls atomic.Int32
	cli := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == api.PathChange:
			if r.URL.Query().Get("mode") != "async" {
				t.Errorf("mode = %q", r.URL.Query().Get("mode"))
			}
			writeJSON(t, w, http.StatusAccepted, api.ChangeStatusResponse{ChangeID: "c9", Pending: true})
		case r.Method == http.MethodGet && r.URL.Path == api.PathChangeStatus+"c9":
			if polls.Add(1) < 3 {
				writeJSON(t, w, http.StatusOK, api.ChangeStatusResponse{ChangeID: "c9", Pending: true})
				return
			}
			writeJSON(t, w, http.StatusOK, api.ChangeStatusResponse{
				ChangeID: "c9",
				Result:   &api.ChangeResult{ChangeID: "c9", Status: api.StatusConflict, EntryID: "blocking"},
			})
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.String())
			w.WriteHeader(http.StatusNotFound)
		}
	}, client.WithPollInterval(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := cli.SubmitAsync(ctx, api.Change{Type: api.ChangeTypeStandard, Peersets: []api.ChangePeerset{{PeersetID: "ps1"}}}, "")
	if err != nil {
		t.Fatalf("submit async: %v", err)
	}
	if _, err := cli.Result(ctx, id); !errors.Is(err, client.ErrPending) {
		t.Fatalf("first result err = %v, want ErrPending", err)
	}
	res, err := cli.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Status != api.StatusConflict || res.EntryID != "blocking" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestWaitStopsOnContext(t *testing.T) {
	cli := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, api.ChangeStatusResponse{ChangeID: "c1", Pending: true})
	}, client.WithPollInterval(time.Millisecond, 2*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := cli.Wait(ctx, "c1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("wait err = %v", err)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	cli := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		writeJSON(t, w, http.StatusServiceUnavailable, api.ErrorResponse{
			ErrorCode:              "not_leader",
			Detail:                 "leader is peer2",
			CurrentConsensusLeader: "peer2",
		})
	})
	_, err := cli.Head(context.Background(), "ps1")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T %v", err, err)
	}
	if apiErr.Status != http.StatusServiceUnavailable || apiErr.Response.CurrentConsensusLeader != "peer2" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if apiErr.RetryAfterDuration() != 3*time.Second {
		t.Fatalf("retry after = %v", apiErr.RetryAfterDuration())
	}
	if client.Code(err) != "not_leader" {
		t.Fatalf("code = %q", client.Code(err))
	}
	if !strings.Contains(err.Error(), "not_leader") {
		t.Fatalf("error string %q", err.Error())
	}
}

func TestHistoryQueries(t *testing.T) {
	cli := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("peerset") != "ps1" {
			t.Errorf("peerset = %q", q.Get("peerset"))
		}
		switch r.URL.Path {
		case api.PathHistoryHead:
			writeJSON(t, w, http.StatusOK, api.HistoryHeadResponse{PeersetID: "ps1", EntryID: "h"})
		case api.PathHistoryEntry:
			writeJSON(t, w, http.StatusOK, api.HistoryEntry{ID: q.Get("id"), ParentID: "p"})
		case api.PathHistory:
			if q.Get("limit") != "2" {
				t.Errorf("limit = %q", q.Get("limit"))
			}
			writeJSON(t, w, http.StatusOK, api.HistoryResponse{PeersetID: "ps1", Head: "h", Entries: []api.HistoryEntry{{ID: "h", ParentID: "p"}, {ID: "p"}}})
		case api.PathTransactionLock:
			writeJSON(t, w, http.StatusOK, api.TransactionBlockedResponse{PeersetID: "ps1", Blocked: true, Protocol: "gpac", ChangeID: "c1"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()
	head, err := cli.Head(ctx, "ps1")
	if err != nil || head != "h" {
		t.Fatalf("head = %q, %v", head, err)
	}
	e, err := cli.Entry(ctx, "ps1", "h")
	if err != nil || e.ID != "h" || e.ParentID != "p" {
		t.Fatalf("entry = %+v, %v", e, err)
	}
	hist, err := cli.History(ctx, "ps1", 2)
	if err != nil || len(hist.Entries) != 2 {
		t.Fatalf("history = %+v, %v", hist, err)
	}
	blocked, err := cli.Blocked(ctx, "ps1")
	if err != nil {
		t.Fatalf("blocked: %v", err)
	}
	want := api.TransactionBlockedResponse{PeersetID: "ps1", Blocked: true, Protocol: "gpac", ChangeID: "c1"}
	if diff := cmp.Diff(want, blocked); diff != "" {
		t.Fatalf("blocked mismatch (-want +got):\n%s", diff)
	}
}

func TestCorrelationIDValidation(t *testing.T) {
	ctx := client.WithCorrelationID(context.Background(), "bad\nid")
	if got := client.CorrelationIDFromContext(ctx); got != "" {
		t.Fatalf("invalid id stored: %q", got)
	}
	if id := client.GenerateCorrelationID(); id == "" {
		t.Fatalf("generated empty id")
	}
	if _, ok := client.NormalizeCorrelationID(strings.Repeat("a", client.MaxCorrelationIDLength+1)); ok {
		t.Fatalf("overlong id accepted")
	}
}
