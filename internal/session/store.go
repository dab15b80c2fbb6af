package session

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Store is the process-wide mapping from client identifier to session record,
// the single source of truth for whether a session exists for an identifier.
// Every method is one synchronous critical section, so callers never observe
// a partial update. The store has no expiry of its own; entry lifetime is
// controlled entirely by the Coordinator.
type Store struct {
	mu      sync.Mutex
	records map[string]*Record
	gen     atomic.Uint64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{records: make(map[string]*Record)}
}

// Has reports whether a record exists for identifier.
func (s *Store) Has(identifier string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[identifier]
	return ok
}

// Get returns the current record for identifier.
func (s *Store) Get(identifier string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[identifier]
	return rec, ok
}

// Len returns the number of live records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Snapshot returns the live records sorted by identifier.
func (s *Store) Snapshot() []*Record {
	s.mu.Lock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// PutIfAbsent installs rec unless a record for its identifier already exists,
// keeping the at-most-one-record-per-identifier invariant inside a single
// critical section.
func (s *Store) PutIfAbsent(rec *Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Identifier]; ok {
		return false
	}
	s.records[rec.Identifier] = rec
	return true
}

// Remove removes and returns the record for identifier, nil if absent.
func (s *Store) Remove(identifier string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[identifier]
	delete(s.records, identifier)
	return rec
}

// RemoveMatching removes the record for identifier only if its generation
// matches. Deferred teardown actions use this to verify, at fire time, that
// the record they were scheduled against is still the current one; nil means
// a newer session superseded it and the action must become a no-op.
func (s *Store) RemoveMatching(identifier string, generation uint64) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[identifier]
	if !ok || rec.Generation != generation {
		return nil
	}
	delete(s.records, identifier)
	return rec
}

// nextGen issues a store-unique generation for a new record.
func (s *Store) nextGen() uint64 {
	return s.gen.Add(1)
}
