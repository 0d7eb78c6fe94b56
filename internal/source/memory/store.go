// Package memory provides in-memory persistence for source records.
package memory

import (
	"maps"
	"slices"
	"sync"

	"framestore/internal/source"
)

// Store is an in-memory Store implementation for testing and dry runs.
type Store struct {
	mu      sync.Mutex
	records map[string]source.Record // keyed by source name
	saves   int
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		records: make(map[string]source.Record),
	}
}

// Save replaces the record for rec's source.
func (s *Store) Save(rec source.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Info.Name] = rec
	s.saves++
	return nil
}

// LoadAll returns all records ordered by source name.
func (s *Store) LoadAll() ([]source.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]source.Record, 0, len(s.records))
	for _, name := range slices.Sorted(maps.Keys(s.records)) {
		result = append(result, s.records[name])
	}
	return result, nil
}

// Get returns the record for name.
func (s *Store) Get(name string) (source.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	return rec, ok
}

// Saves returns how many times Save was called. For testing.
func (s *Store) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
