// Package history models the hash-linked, append-only chain each peerset
// replicates through its local consensus protocol.
//
// Entries are immutable and addressed by the hash of their parent id and
// content. A history has exactly one head. An entry may be appended only when
// its parent is the head, or when the entry is already present, in which case
// the append is an idempotent no-op.
package history

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Entry is one record of a history.
type Entry struct {
	ID       string
	ParentID string
	Content  []byte
}

// InitialID is the id of the well-known root entry shared by every history.
var InitialID = ComputeID("", nil)

// Initial returns the root entry. It has no parent and no content.
func Initial() Entry {
	return Entry{ID: InitialID}
}

// ComputeID hashes parentID and content into an entry id.
func ComputeID(parentID string, content []byte) string {
	h := sha256.New()
	h.Write([]byte(parentID))
	h.Write([]byte{'\n'})
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

// NewEntry builds an entry on top of parentID.
func NewEntry(parentID string, content []byte) Entry {
	if parentID == "" {
		parentID = InitialID
	}
	return Entry{ID: ComputeID(parentID, content), ParentID: parentID, Content: content}
}

// IsInitial reports whether e is the root entry.
func (e Entry) IsInitial() bool {
	return e.ID == InitialID && e.ParentID == ""
}

// Verify checks that e's id matches its parent and content.
func (e Entry) Verify() error {
	if e.IsInitial() {
		return nil
	}
	if e.ParentID == "" {
		return fmt.Errorf("history: entry %s has no parent", short(e.ID))
	}
	if want := ComputeID(e.ParentID, e.Content); want != e.ID {
		return fmt.Errorf("history: entry id %s does not match content hash %s", short(e.ID), short(want))
	}
	return nil
}

// ErrNotFound is returned when an entry id is not part of a history.
var ErrNotFound = errors.New("history: entry not found")

// ConflictError reports an entry whose parent is not the current head.
type ConflictError struct {
	// Head is the head at the time of the rejected append.
	Head string
	// EntryID is the rejected entry.
	EntryID string
	// ParentID is the parent the rejected entry expected.
	ParentID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("history: entry %s expects parent %s but head is %s", short(e.EntryID), short(e.ParentID), short(e.Head))
}

// IsConflict reports whether err is a ConflictError and returns it.
func IsConflict(err error) (*ConflictError, bool) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}
	return nil, false
}

// AppendResult reports what Append did.
type AppendResult struct {
	EntryID string
	// Existing is true when the entry was already present.
	Existing bool
}

// History is the read/append surface of a peerset history.
type History interface {
	CurrentEntryID() (string, error)
	Entry(id string) (Entry, error)
	Contains(id string) (bool, error)
	// Check applies the compatibility rule without appending.
	Check(e Entry) error
	Append(e Entry) (AppendResult, error)
	// Walk returns up to limit entries starting at from (the head when empty)
	// and following parents towards the root. limit <= 0 means no limit.
	Walk(from string, limit int) ([]Entry, error)
}

// Chain returns every entry of h from the root to the head.
func Chain(h History) ([]Entry, error) {
	entries, err := h.Walk("", 0)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
