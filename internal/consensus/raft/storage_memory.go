package raft

import (
	"fmt"
	"sync"
)

// MemoryLogStore keeps Raft state in memory. Nothing survives a restart.
type MemoryLogStore struct {
	mu       sync.RWMutex
	hard     HardState
	snap     *Snapshot
	base     uint64 // snapshot boundary; entries[i] is at index base+i+1
	baseTerm uint64
	entries  []LogEntry
}

// NewMemoryLogStore returns an empty in-memory LogStore.
func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{}
}

// LoadHardState returns the latest hard state.
func (s *MemoryLogStore) LoadHardState() (HardState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hs := s.hard
	hs.Config = s.hard.Config.Clone()
	return hs, nil
}

// SaveHardState stores hs.
func (s *MemoryLogStore) SaveHardState(hs HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hard = hs
	s.hard.Config = hs.Config.Clone()
	return nil
}

// Snapshot returns a copy of the stored snapshot.
func (s *MemoryLogStore) Snapshot() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSnapshot(s.snap), nil
}

func (s *MemoryLogStore) FirstIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base + 1, nil
}

func (s *MemoryLogStore) LastIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base + uint64(len(s.entries)), nil
}

func (s *MemoryLogStore) Term(index uint64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case index == s.base:
		return s.baseTerm, nil
	case index < s.base:
		return 0, fmt.Errorf("%w: %d", ErrCompacted, index)
	case index > s.base+uint64(len(s.entries)):
		return 0, fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}
	return s.entries[index-s.base-1].Term, nil
}

func (s *MemoryLogStore) Entries(lo, hi uint64) ([]LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	last := s.base + uint64(len(s.entries))
	if lo <= s.base {
		return nil, fmt.Errorf("%w: %d", ErrCompacted, lo)
	}
	if hi > last {
		return nil, fmt.Errorf("%w: %d", ErrOutOfRange, hi)
	}
	if lo > hi {
		return nil, nil
	}
	return cloneLogEntries(s.entries[lo-s.base-1 : hi-s.base]), nil
}

func (s *MemoryLogStore) Append(entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if want := s.base + uint64(len(s.entries)) + 1; entries[0].Index != want {
		return fmt.Errorf("%w: got index %d, want %d", ErrNonContiguousAppend, entries[0].Index, want)
	}
	s.entries = append(s.entries, cloneLogEntries(entries)...)
	return nil
}

func (s *MemoryLogStore) TruncateFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index <= s.base {
		return fmt.Errorf("%w: %d", ErrCompacted, index)
	}
	if keep := index - s.base - 1; keep < uint64(len(s.entries)) {
		s.entries = s.entries[:keep]
	}
	return nil
}

func (s *MemoryLogStore) CompactTo(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.LastIncludedIndex < s.base {
		return nil
	}
	last := s.base + uint64(len(s.entries))
	if snap.LastIncludedIndex >= last {
		s.entries = nil
	} else {
		s.entries = append([]LogEntry(nil), s.entries[snap.LastIncludedIndex-s.base:]...)
	}
	s.setSnapshotLocked(snap)
	return nil
}

func (s *MemoryLogStore) Reset(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.setSnapshotLocked(snap)
	return nil
}

func (s *MemoryLogStore) setSnapshotLocked(snap Snapshot) {
	s.snap = cloneSnapshot(&snap)
	s.base = snap.LastIncludedIndex
	s.baseTerm = snap.LastIncludedTerm
}

// Close is a no-op.
func (s *MemoryLogStore) Close() error { return nil }
