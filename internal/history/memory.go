package history

import (
	"sync"
	"sync/atomic"
)

// Memory is an in-memory history: an arena of immutable entries keyed by id
// plus an atomically swapped head. Readers never take the append lock for
// head lookups.
type Memory struct {
	appendMu sync.Mutex

	mu      sync.RWMutex
	entries map[string]Entry

	head atomic.Value // string
}

// NewMemory returns a history containing only the initial entry.
func NewMemory() *Memory {
	m := &Memory{entries: map[string]Entry{InitialID: Initial()}}
	m.head.Store(InitialID)
	return m
}

// CurrentEntryID returns the head id.
func (m *Memory) CurrentEntryID() (string, error) {
	return m.head.Load().(string), nil
}

// Entry returns the entry with id.
func (m *Memory) Entry(id string) (Entry, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// Contains reports whether id is part of the history.
func (m *Memory) Contains(id string) (bool, error) {
	m.mu.RLock()
	_, ok := m.entries[id]
	m.mu.RUnlock()
	return ok, nil
}

// Check applies the compatibility rule to e.
func (m *Memory) Check(e Entry) error {
	_, err := m.check(e)
	return err
}

func (m *Memory) check(e Entry) (existing bool, err error) {
	if err := e.Verify(); err != nil {
		return false, err
	}
	if ok, _ := m.Contains(e.ID); ok {
		return true, nil
	}
	head, _ := m.CurrentEntryID()
	if e.ParentID != head {
		return false, &ConflictError{Head: head, EntryID: e.ID, ParentID: e.ParentID}
	}
	return false, nil
}

// Append adds e when it is compatible with the head.
func (m *Memory) Append(e Entry) (AppendResult, error) {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()
	existing, err := m.check(e)
	if err != nil {
		return AppendResult{}, err
	}
	if existing {
		return AppendResult{EntryID: e.ID, Existing: true}, nil
	}
	m.mu.Lock()
	m.entries[e.ID] = e
	m.mu.Unlock()
	m.head.Store(e.ID)
	return AppendResult{EntryID: e.ID}, nil
}

// Walk follows parents from from (the head when empty).
func (m *Memory) Walk(from string, limit int) ([]Entry, error) {
	if from == "" {
		from, _ = m.CurrentEntryID()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	id := from
	for id != "" {
		e, ok := m.entries[id]
		if !ok {
			return nil, ErrNotFound
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
		id = e.ParentID
	}
	return out, nil
}

// Len returns the number of entries including the root.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Reset replaces the contents with chain, which must start at the root and be
// parent-linked. It is used to restore snapshots.
func (m *Memory) Reset(chain []Entry) error {
	fresh := NewMemory()
	for _, e := range chain {
		if e.IsInitial() {
			continue
		}
		if _, err := fresh.Append(e); err != nil {
			return err
		}
	}
	m.appendMu.Lock()
	defer m.appendMu.Unlock()
	fresh.mu.RLock()
	entries := fresh.entries
	fresh.mu.RUnlock()
	m.mu.Lock()
	m.entries = entries
	m.mu.Unlock()
	m.head.Store(fresh.head.Load().(string))
	return nil
}
