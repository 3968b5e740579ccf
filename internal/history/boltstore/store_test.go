package boltstore

import (
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"pkt.systems/peersetd/internal/history"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path, "ps1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s, path
}

func TestStoreSeedsInitialEntry(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()
	head, err := s.CurrentEntryID()
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head != history.InitialID {
		t.Fatalf("expected initial head, got %s", head)
	}
	root, err := s.Entry(history.InitialID)
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if !root.IsInitial() {
		t.Fatalf("unexpected root %+v", root)
	}
}

func TestStoreAppendSurvivesReopen(t *testing.T) {
	s, path := openTemp(t)
	e := history.NewEntry(history.InitialID, []byte(`{"k":"v"}`))
	if _, err := s.Append(e); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path, "ps1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	head, _ := reopened.CurrentEntryID()
	if head != e.ID {
		t.Fatalf("head lost across reopen: %s", head)
	}
	got, err := reopened.Entry(e.ID)
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if string(got.Content) != string(e.Content) || got.ParentID != history.InitialID {
		t.Fatalf("entry mismatch: %+v", got)
	}
}

func TestStoreCompatibilityRule(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()
	first := history.NewEntry(history.InitialID, []byte("a"))
	if _, err := s.Append(first); err != nil {
		t.Fatalf("append: %v", err)
	}
	res, err := s.Append(first)
	if err != nil || !res.Existing {
		t.Fatalf("expected idempotent append, got %+v %v", res, err)
	}
	_, err = s.Append(history.NewEntry(history.InitialID, []byte("b")))
	conflict, ok := history.IsConflict(err)
	if !ok {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.Head != first.ID {
		t.Fatalf("conflict head mismatch: %s", conflict.Head)
	}
	chain, err := history.Chain(s)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if len(chain) != 2 || chain[1].ID != first.ID {
		t.Fatalf("unexpected chain %+v", chain)
	}
}

func TestStoreCollector(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()
	if _, err := s.Append(history.NewEntry(history.InitialID, []byte("a"))); err != nil {
		t.Fatalf("append: %v", err)
	}
	if n := testutil.CollectAndCount(s); n != 4 {
		t.Fatalf("expected 4 metrics, got %d", n)
	}
}
