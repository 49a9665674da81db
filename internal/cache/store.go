package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"marketdata/internal/quotes"
)

// Entry is the durable representation of one cached quote.
type Entry struct {
	Data      quotes.Quote `json:"data"`
	Timestamp int64        `json:"timestamp"` // stored-at, epoch millis
	TTLMs     int64        `json:"ttl_ms"`
}

// document is the on-disk layout: one JSON blob mapping market_{SYMBOL}
// keys to entries, plus a separate last-update timestamp maintained by
// batch writes.
type document struct {
	Version    int              `json:"version"`
	Entries    map[string]Entry `json:"entries"`
	LastUpdate int64            `json:"last_update"` // epoch millis
}

// Store is the durable cache tier. It survives restarts and repopulates the
// in-process tier on miss. Writes go through a temp file and atomic rename.
type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) *Store {
	if dir := filepath.Dir(path); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	return &Store{path: path}
}

// Get reads a single entry.
func (s *Store) Get(key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := doc.Entries[key]
	return e, ok, nil
}

// Put upserts a single entry.
func (s *Store) Put(key string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	doc.Entries[key] = e
	return s.save(doc)
}

// PutBatch upserts many entries in one durable write and bumps the
// last-update timestamp, amortizing I/O when refreshing many symbols.
func (s *Store) PutBatch(entries map[string]Entry, lastUpdate int64) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	for k, e := range entries {
		doc.Entries[k] = e
	}
	doc.LastUpdate = lastUpdate
	return s.save(doc)
}

// Delete removes a single entry; missing keys are not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := doc.Entries[key]; !ok {
		return nil
	}
	delete(doc.Entries, key)
	return s.save(doc)
}

// Sweep removes every entry for which stale returns true and reports how
// many were dropped.
func (s *Store) Sweep(stale func(Entry) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return 0, err
	}
	removed := 0
	for k, e := range doc.Entries {
		if stale(e) {
			delete(doc.Entries, k)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.save(doc)
}

// Len returns the number of durable entries.
func (s *Store) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return 0, err
	}
	return len(doc.Entries), nil
}

// load must be called with the mutex held.
func (s *Store) load() (*document, error) {
	doc := &document{Version: 1, Entries: map[string]Entry{}}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return nil, fmt.Errorf("read cache store: %w", err)
	}
	if err := json.Unmarshal(b, doc); err != nil {
		return nil, fmt.Errorf("parse cache store: %w", err)
	}
	if doc.Entries == nil {
		doc.Entries = map[string]Entry{}
	}
	return doc, nil
}

// save must be called with the mutex held.
func (s *Store) save(doc *document) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal cache store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write cache store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename cache store: %w", err)
	}
	return nil
}
