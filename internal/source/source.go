package source

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"framestore/internal/frame"
	"framestore/internal/storage"
)

// Source is the bookkeeping for one named write target.
//
// The write count is atomic so progress queries never block on the writer
// lock. Everything else is guarded by mu.
type Source struct {
	info        storage.SourceInfo
	path        storage.PathInfo
	resourceUID string

	written atomic.Int64

	mu           sync.Mutex
	reported     int
	resourceSent bool
	capacity     int
	state        State
	sink         uint64
	updatedAt    time.Time
}

// Name returns the source name.
func (s *Source) Name() string { return s.info.Name }

// Info returns a copy of the registered schema.
func (s *Source) Info() storage.SourceInfo { return s.info.Clone() }

// Schema returns the registered dtype and shape. The shape must not be
// modified.
func (s *Source) Schema() (frame.DType, frame.Shape) { return s.info.DType, s.info.Shape }

// Path returns the resolved location.
func (s *Source) Path() storage.PathInfo { return s.path.Clone() }

// ResourceUID returns the uid of the source's stream resource document.
func (s *Source) ResourceUID() string { return s.resourceUID }

// Written returns the number of frames durably appended.
func (s *Source) Written() int { return int(s.written.Load()) }

// Capacity returns the capacity of the current or last sink. 0 is unbounded.
func (s *Source) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

// State returns the lifecycle state.
func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Live reports whether a sink is currently open.
func (s *Source) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink != 0
}

// Attach binds a new sink to the source.
//
// capacity 0 falls back to the location's capacity. A completed source is
// only reopened when resume is true; the returned flag reports that case so
// the caller can reopen the backend array.
func (s *Source) Attach(id uint64, capacity int, resume bool) (resumed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sink != 0 {
		return false, fmt.Errorf("%w: %q", storage.ErrAlreadyPrepared, s.info.Name)
	}
	if s.state == StateComplete {
		if !resume {
			return false, fmt.Errorf("%w: %q", storage.ErrSourceComplete, s.info.Name)
		}
		resumed = true
	}
	if capacity <= 0 {
		capacity = s.path.Capacity
	}
	if capacity > 0 && capacity < s.Written() {
		return false, fmt.Errorf("%w: %q: capacity %d below %d frames already written",
			storage.ErrCapacityExceeded, s.info.Name, capacity, s.Written())
	}

	s.capacity = capacity
	s.sink = id
	s.state = StatePrepared
	s.updatedAt = time.Now()
	return resumed, nil
}

// Bound reports whether sink id is the live sink.
func (s *Source) Bound(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return id != 0 && s.sink == id
}

// CheckCapacity fails with ErrCapacityExceeded when one more frame would
// exceed the capacity.
func (s *Source) CheckCapacity() error {
	s.mu.Lock()
	capacity := s.capacity
	s.mu.Unlock()
	if capacity > 0 && s.Written() >= capacity {
		return fmt.Errorf("%w: %q holds %d frames", storage.ErrCapacityExceeded, s.info.Name, capacity)
	}
	return nil
}

// Advance records one appended frame and returns the new count.
func (s *Source) Advance() int {
	return int(s.written.Add(1))
}

// MarkComplete finalizes the bookkeeping. It reports false if the source was
// already complete. Any live sink is released.
func (s *Source) MarkComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateComplete {
		s.sink = 0
		return false
	}
	s.state = StateComplete
	s.sink = 0
	s.updatedAt = time.Now()
	return true
}

// Collect advances the last-reported marker to n, capped at the current
// write count, and returns the newly covered range.
//
// build is called with the range before the marker moves, and first set on
// the first non-empty range of the source's lifetime. If build fails the
// marker stays where it was. It is not called for an empty range.
//
// n below the last reported index, or negative, fails with ErrOutOfRange.
func (s *Source) Collect(n int, build func(r storage.Range, first bool) error) (storage.Range, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n < 0 || n < s.reported {
		return storage.Range{}, fmt.Errorf("%w: %q: requested %d, already reported %d",
			storage.ErrOutOfRange, s.info.Name, n, s.reported)
	}
	n = min(n, s.Written())
	r := storage.Range{Start: s.reported, Stop: n}
	if r.Len() == 0 {
		return r, nil
	}
	if build != nil {
		if err := build(r, !s.resourceSent); err != nil {
			return storage.Range{}, err
		}
	}
	s.resourceSent = true
	s.reported = n
	s.updatedAt = time.Now()
	return r, nil
}

// Reported returns the last reported index.
func (s *Source) Reported() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reported
}

// Record returns a snapshot of the source.
func (s *Source) Record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Record{
		Info:         s.info.Clone(),
		Path:         s.path.Clone(),
		ResourceUID:  s.resourceUID,
		Written:      s.Written(),
		Reported:     s.reported,
		ResourceSent: s.resourceSent,
		Capacity:     s.capacity,
		State:        s.state,
		UpdatedAt:    s.updatedAt,
	}
}
