// Package boltstore persists a peerset history in a bbolt database so a
// single-replica peerset survives restarts.
package boltstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	bolt "go.etcd.io/bbolt"

	"pkt.systems/peersetd/internal/history"
)

var (
	entriesBucket = []byte("entriesv1")
	metaBucket    = []byte("metav1")
	headKey       = []byte("head")
	countKey      = []byte("count")
)

var (
	entriesDesc = prometheus.NewDesc(
		"peersetd_history_entries_total",
		"Number of entries stored in the peerset history",
		[]string{"peerset"}, nil)

	appendsDesc = prometheus.NewDesc(
		"peersetd_history_appends_total",
		"Number of entries appended since the store was opened",
		[]string{"peerset"}, nil)

	conflictsDesc = prometheus.NewDesc(
		"peersetd_history_conflicts_total",
		"Number of appends rejected by the compatibility rule",
		[]string{"peerset"}, nil)

	boltWritesDesc = prometheus.NewDesc(
		"peersetd_history_bolt_writes_total",
		"Total number of boltdb write transactions",
		[]string{"peerset"}, nil)
)

var _ history.History = (*Store)(nil)
var _ prometheus.Collector = (*Store)(nil)

type record struct {
	ParentID string `json:"parent_id,omitempty"`
	Content  []byte `json:"content,omitempty"`
}

// Store is a bbolt-backed history.
type Store struct {
	db        *bolt.DB
	peerset   string
	appends   atomic.Uint64
	conflicts atomic.Uint64
}

// Open opens or creates the history database at path and seeds the initial
// entry on first use.
func Open(path, peerset string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}
	s := &Store{db: db, peerset: peerset}
	err = db.Update(func(tx *bolt.Tx) error {
		entries, err := tx.CreateBucketIfNotExists(entriesBucket)
		if err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if meta.Get(headKey) != nil {
			return nil
		}
		raw, err := json.Marshal(record{})
		if err != nil {
			return err
		}
		if err := entries.Put([]byte(history.InitialID), raw); err != nil {
			return err
		}
		if err := meta.Put(countKey, []byte("1")); err != nil {
			return err
		}
		return meta.Put(headKey, []byte(history.InitialID))
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltstore: init %s: %w", path, err)
	}
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CurrentEntryID returns the head id.
func (s *Store) CurrentEntryID() (string, error) {
	var head string
	err := s.db.View(func(tx *bolt.Tx) error {
		head = string(tx.Bucket(metaBucket).Get(headKey))
		return nil
	})
	return head, err
}

// Entry loads the entry with id.
func (s *Store) Entry(id string) (history.Entry, error) {
	var e history.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		e, err = loadEntry(tx, id)
		return err
	})
	return e, err
}

// Contains reports whether id is stored.
func (s *Store) Contains(id string) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(entriesBucket).Get([]byte(id)) != nil
		return nil
	})
	return ok, err
}

// Check applies the compatibility rule without writing.
func (s *Store) Check(e history.Entry) error {
	return s.db.View(func(tx *bolt.Tx) error {
		_, err := check(tx, e)
		return err
	})
}

// Append writes e in a single bbolt transaction when it is compatible with
// the head.
func (s *Store) Append(e history.Entry) (history.AppendResult, error) {
	res := history.AppendResult{EntryID: e.ID}
	err := s.db.Update(func(tx *bolt.Tx) error {
		existing, err := check(tx, e)
		if err != nil {
			return err
		}
		if existing {
			res.Existing = true
			return nil
		}
		raw, err := json.Marshal(record{ParentID: e.ParentID, Content: e.Content})
		if err != nil {
			return err
		}
		if err := tx.Bucket(entriesBucket).Put([]byte(e.ID), raw); err != nil {
			return err
		}
		meta := tx.Bucket(metaBucket)
		if err := meta.Put(countKey, []byte(strconv.Itoa(count(meta)+1))); err != nil {
			return err
		}
		return meta.Put(headKey, []byte(e.ID))
	})
	if err != nil {
		if _, ok := history.IsConflict(err); ok {
			s.conflicts.Add(1)
		}
		return history.AppendResult{}, err
	}
	if !res.Existing {
		s.appends.Add(1)
	}
	return res, nil
}

// Walk follows parents from from (the head when empty).
func (s *Store) Walk(from string, limit int) ([]history.Entry, error) {
	var out []history.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		id := from
		if id == "" {
			id = string(tx.Bucket(metaBucket).Get(headKey))
		}
		for id != "" {
			e, err := loadEntry(tx, id)
			if err != nil {
				return err
			}
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				return nil
			}
			id = e.ParentID
		}
		return nil
	})
	return out, err
}

// Describe implements prometheus.Collector.
func (s *Store) Describe(ch chan<- *prometheus.Desc) {
	ch <- entriesDesc
	ch <- appendsDesc
	ch <- conflictsDesc
	ch <- boltWritesDesc
}

// Collect implements prometheus.Collector.
func (s *Store) Collect(ch chan<- prometheus.Metric) {
	var entries int
	_ = s.db.View(func(tx *bolt.Tx) error {
		entries = count(tx.Bucket(metaBucket))
		return nil
	})
	stats := s.db.Stats()
	ch <- prometheus.MustNewConstMetric(entriesDesc, prometheus.GaugeValue, float64(entries), s.peerset)
	ch <- prometheus.MustNewConstMetric(appendsDesc, prometheus.CounterValue, float64(s.appends.Load()), s.peerset)
	ch <- prometheus.MustNewConstMetric(conflictsDesc, prometheus.CounterValue, float64(s.conflicts.Load()), s.peerset)
	ch <- prometheus.MustNewConstMetric(boltWritesDesc, prometheus.CounterValue, float64(stats.TxStats.Write), s.peerset)
}

func check(tx *bolt.Tx, e history.Entry) (existing bool, err error) {
	if err := e.Verify(); err != nil {
		return false, err
	}
	if tx.Bucket(entriesBucket).Get([]byte(e.ID)) != nil {
		return true, nil
	}
	head := string(tx.Bucket(metaBucket).Get(headKey))
	if e.ParentID != head {
		return false, &history.ConflictError{Head: head, EntryID: e.ID, ParentID: e.ParentID}
	}
	return false, nil
}

func loadEntry(tx *bolt.Tx, id string) (history.Entry, error) {
	raw := tx.Bucket(entriesBucket).Get([]byte(id))
	if raw == nil {
		return history.Entry{}, history.ErrNotFound
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return history.Entry{}, fmt.Errorf("boltstore: decode %s: %w", id, err)
	}
	return history.Entry{ID: id, ParentID: rec.ParentID, Content: rec.Content}, nil
}

func count(meta *bolt.Bucket) int {
	n, err := strconv.Atoi(string(meta.Get(countKey)))
	if err != nil {
		return 0
	}
	return n
}
