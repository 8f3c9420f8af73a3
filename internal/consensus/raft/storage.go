package raft

import (
	"errors"
	"fmt"
	"sync"
)

// LogStore persists Raft hard state, log entries, and the latest snapshot.
// All methods must be safe for concurrent use.
//
// Entries are indexed by their Raft index. After compaction the store keeps
// entries FirstIndex..LastIndex; FirstIndex-1 is the snapshot boundary.
type LogStore interface {
	LoadHardState() (HardState, error)
	SaveHardState(state HardState) error

	// Snapshot returns the latest persisted snapshot, or nil.
	Snapshot() (*Snapshot, error)

	FirstIndex() (uint64, error)
	// LastIndex returns the index of the last entry, or the snapshot
	// boundary when the log is empty.
	LastIndex() (uint64, error)
	// Term returns the term at index. The snapshot boundary is valid.
	Term(index uint64) (uint64, error)
	// Entries returns entries lo..hi inclusive.
	Entries(lo, hi uint64) ([]LogEntry, error)

	Append(entries []LogEntry) error
	// TruncateFrom removes index and everything after it.
	TruncateFrom(index uint64) error
	// CompactTo persists snap and drops entries up to its last included index.
	// Entries after the snapshot are kept.
	CompactTo(snap Snapshot) error
	// Reset persists snap and drops the whole log.
	Reset(snap Snapshot) error

	Close() error
}

// StateMachine is the deterministic application driven by committed commands.
//
// Apply is called strictly in index order for command entries only. It returns
// the encoded response delivered to the writer. An error is treated as fatal.
type StateMachine interface {
	Apply(index uint64, command []byte) ([]byte, error)
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// LogState describes the retained log range.
type LogState struct {
	FirstIndex    uint64
	LastIndex     uint64
	LastTerm      uint64
	SnapshotIndex uint64
	SnapshotTerm  uint64
}

// ErrCompacted is returned when a requested index is covered by the snapshot.
var ErrCompacted = errors.New("raft: log index compacted")

// ErrOutOfRange is returned when a requested index is past the last entry.
var ErrOutOfRange = errors.New("raft: log index out of range")

// ErrNonContiguousAppend is returned when appended entries do not start right
// after the last index. The node treats it as a broken invariant.
var ErrNonContiguousAppend = errors.New("raft: non-contiguous log append")

// ErrApplyOutOfOrder is returned when entries are applied with a gap or twice.
var ErrApplyOutOfOrder = errors.New("raft: apply out of order")

// Storage couples the Log Store and the State Machine into the contract the
// node needs. Log methods are serialized by the node's lock; Apply, BuildSnapshot
// and InstallSnapshot are only called from the apply loop.
type Storage struct {
	log LogStore
	sm  StateMachine

	mu    sync.Mutex
	state LogState

	smMu            sync.Mutex
	lastApplied     uint64
	lastAppliedTerm uint64
}

// NewStorage wraps log and sm, restoring the state machine from the latest
// persisted snapshot if there is one.
func NewStorage(log LogStore, sm StateMachine) (*Storage, error) {
	if log == nil || sm == nil {
		return nil, ErrNilStorage
	}
	s := &Storage{log: log, sm: sm}
	if err := s.reloadState(); err != nil {
		return nil, err
	}

	snap, err := log.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("raft: load snapshot: %w", err)
	}
	if snap != nil {
		if err := sm.Restore(snap.Data); err != nil {
			return nil, fmt.Errorf("raft: restore snapshot %d: %w", snap.LastIncludedIndex, err)
		}
		s.lastApplied = snap.LastIncludedIndex
		s.lastAppliedTerm = snap.LastIncludedTerm
	}
	return s, nil
}

func (s *Storage) reloadState() error {
	first, err := s.log.FirstIndex()
	if err != nil {
		return fmt.Errorf("raft: first index: %w", err)
	}
	last, err := s.log.LastIndex()
	if err != nil {
		return fmt.Errorf("raft: last index: %w", err)
	}
	snapTerm, err := s.log.Term(first - 1)
	if err != nil {
		return fmt.Errorf("raft: snapshot term: %w", err)
	}
	lastTerm := snapTerm
	if last >= first {
		if lastTerm, err = s.log.Term(last); err != nil {
			return fmt.Errorf("raft: last term: %w", err)
		}
	}

	s.mu.Lock()
	s.state = LogState{
		FirstIndex:    first,
		LastIndex:     last,
		LastTerm:      lastTerm,
		SnapshotIndex: first - 1,
		SnapshotTerm:  snapTerm,
	}
	s.mu.Unlock()
	return nil
}

// State returns the cached log boundaries.
func (s *Storage) State() LogState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LoadHardState returns the persisted hard state.
func (s *Storage) LoadHardState() (HardState, error) { return s.log.LoadHardState() }

// SaveHardState persists hs.
func (s *Storage) SaveHardState(hs HardState) error { return s.log.SaveHardState(hs) }

// Snapshot returns the latest persisted snapshot, or nil.
func (s *Storage) Snapshot() (*Snapshot, error) { return s.log.Snapshot() }

// Close closes the underlying log store.
func (s *Storage) Close() error { return s.log.Close() }

// AppendToLog appends entries that must start at LastIndex+1 and be contiguous.
func (s *Storage) AppendToLog(entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	want := s.state.LastIndex + 1
	for _, e := range entries {
		if e.Index != want {
			return fmt.Errorf("%w: got index %d, want %d", ErrNonContiguousAppend, e.Index, want)
		}
		want++
	}
	if err := s.log.Append(entries); err != nil {
		return err
	}
	last := entries[len(entries)-1]
	s.state.LastIndex = last.Index
	s.state.LastTerm = last.Term
	return nil
}

// TruncateFrom removes all entries at and after index.
func (s *Storage) TruncateFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index <= s.state.SnapshotIndex {
		return fmt.Errorf("%w: truncate from %d, snapshot at %d", ErrCompacted, index, s.state.SnapshotIndex)
	}
	if index > s.state.LastIndex {
		return nil
	}
	if err := s.log.TruncateFrom(index); err != nil {
		return err
	}
	term, err := s.log.Term(index - 1)
	if err != nil {
		return err
	}
	s.state.LastIndex = index - 1
	s.state.LastTerm = term
	return nil
}

// ReadRange returns entries start..end inclusive. End is clamped to the last
// index; an empty result is returned when start is past the last index.
func (s *Storage) ReadRange(start, end uint64) ([]LogEntry, error) {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	if start > st.LastIndex || start > end {
		return nil, nil
	}
	if start <= st.SnapshotIndex {
		return nil, fmt.Errorf("%w: read from %d, snapshot at %d", ErrCompacted, start, st.SnapshotIndex)
	}
	if end > st.LastIndex {
		end = st.LastIndex
	}
	return s.log.Entries(start, end)
}

// entryAt returns the entry at index.
func (s *Storage) entryAt(index uint64) (LogEntry, error) {
	entries, err := s.ReadRange(index, index)
	if err != nil {
		return LogEntry{}, err
	}
	if len(entries) == 0 {
		return LogEntry{}, fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}
	return entries[0], nil
}

// Term returns the term at index, including the snapshot boundary and the
// empty-log sentinel index 0.
func (s *Storage) Term(index uint64) (uint64, error) {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	switch {
	case index == st.SnapshotIndex:
		return st.SnapshotTerm, nil
	case index < st.SnapshotIndex:
		return 0, fmt.Errorf("%w: term at %d, snapshot at %d", ErrCompacted, index, st.SnapshotIndex)
	case index > st.LastIndex:
		return 0, fmt.Errorf("%w: term at %d, last %d", ErrOutOfRange, index, st.LastIndex)
	case index == st.LastIndex:
		return st.LastTerm, nil
	}
	return s.log.Term(index)
}

// CompactTo persists snap and discards the entries it covers, keeping the
// suffix after it.
func (s *Storage) CompactTo(snap Snapshot) error {
	if err := s.log.CompactTo(snap); err != nil {
		return err
	}
	return s.reloadState()
}

// ResetTo persists snap and discards the entire log.
func (s *Storage) ResetTo(snap Snapshot) error {
	if err := s.log.Reset(snap); err != nil {
		return err
	}
	return s.reloadState()
}

// LastApplied returns the index and term of the last entry applied to the
// state machine.
func (s *Storage) LastApplied() (uint64, uint64) {
	s.smMu.Lock()
	defer s.smMu.Unlock()
	return s.lastApplied, s.lastAppliedTerm
}

// Apply applies entries in index order and returns one result per entry.
// Noop and config entries produce a nil result.
func (s *Storage) Apply(entries []LogEntry) ([][]byte, error) {
	s.smMu.Lock()
	defer s.smMu.Unlock()

	results := make([][]byte, len(entries))
	for i, e := range entries {
		if e.Index != s.lastApplied+1 {
			return results[:i], fmt.Errorf("%w: got %d, last applied %d", ErrApplyOutOfOrder, e.Index, s.lastApplied)
		}
		if e.Type == EntryCommand {
			out, err := s.sm.Apply(e.Index, e.Command)
			if err != nil {
				return results[:i], fmt.Errorf("raft: apply index %d: %w", e.Index, err)
			}
			results[i] = out
		}
		s.lastApplied = e.Index
		s.lastAppliedTerm = e.Term
	}
	return results, nil
}

// BuildSnapshot captures the state machine at the last applied index.
func (s *Storage) BuildSnapshot(cfg ClusterConfig) (Snapshot, error) {
	s.smMu.Lock()
	defer s.smMu.Unlock()

	if s.lastApplied == 0 {
		return Snapshot{}, errors.New("raft: nothing applied to snapshot")
	}
	data, err := s.sm.Snapshot()
	if err != nil {
		return Snapshot{}, fmt.Errorf("raft: build snapshot: %w", err)
	}
	return Snapshot{
		LastIncludedIndex: s.lastApplied,
		LastIncludedTerm:  s.lastAppliedTerm,
		Config:            cfg.Clone(),
		Data:              data,
	}, nil
}

// InstallSnapshot replaces the state machine image with snap. A snapshot that
// is not newer than the last applied entry is ignored.
func (s *Storage) InstallSnapshot(snap Snapshot) (bool, error) {
	s.smMu.Lock()
	defer s.smMu.Unlock()

	if snap.LastIncludedIndex <= s.lastApplied {
		return false, nil
	}
	if err := s.sm.Restore(snap.Data); err != nil {
		return false, fmt.Errorf("raft: install snapshot %d: %w", snap.LastIncludedIndex, err)
	}
	s.lastApplied = snap.LastIncludedIndex
	s.lastAppliedTerm = snap.LastIncludedTerm
	return true, nil
}

func cloneLogEntries(src []LogEntry) []LogEntry {
	if len(src) == 0 {
		return nil
	}
	dst := make([]LogEntry, len(src))
	for i, e := range src {
		dst[i] = cloneLogEntry(e)
	}
	return dst
}

func cloneLogEntry(e LogEntry) LogEntry {
	out := e
	out.Command = append([]byte(nil), e.Command...)
	if e.Config != nil {
		cfg := e.Config.Clone()
		out.Config = &cfg
	}
	return out
}

func cloneSnapshot(s *Snapshot) *Snapshot {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Config = s.Config.Clone()
	cp.Data = append([]byte(nil), s.Data...)
	return &cp
}
