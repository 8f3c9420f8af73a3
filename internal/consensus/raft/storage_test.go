package raft

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func commandEntries(term uint64, from, to uint64) []LogEntry {
	out := make([]LogEntry, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, LogEntry{Term: term, Index: i, Type: EntryCommand, Command: []byte{byte(i)}})
	}
	return out
}

func openBoltStore(t *testing.T, path string) *BoltLogStore {
	t.Helper()
	store, err := OpenBoltLogStore(path)
	require.NoError(t, err)
	return store
}

var logStoreFactories = map[string]func(t *testing.T) LogStore{
	"memory": func(*testing.T) LogStore { return NewMemoryLogStore() },
	"bolt": func(t *testing.T) LogStore {
		store := openBoltStore(t, filepath.Join(t.TempDir(), "raft.db"))
		t.Cleanup(func() { _ = store.Close() })
		return store
	},
}

func TestLogStore_AppendReadTruncate(t *testing.T) {
	for name, newStore := range logStoreFactories {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)

			first, err := s.FirstIndex()
			require.NoError(t, err)
			last, err := s.LastIndex()
			require.NoError(t, err)
			assert.Equal(t, uint64(1), first)
			assert.Equal(t, uint64(0), last)

			require.NoError(t, s.Append(commandEntries(1, 1, 3)))
			require.NoError(t, s.Append(commandEntries(2, 4, 5)))

			err = s.Append(commandEntries(2, 7, 7))
			assert.True(t, errors.Is(err, ErrNonContiguousAppend), "got %v", err)

			entries, err := s.Entries(2, 4)
			require.NoError(t, err)
			require.Len(t, entries, 3)
			assert.Equal(t, uint64(2), entries[0].Index)
			assert.Equal(t, uint64(2), entries[2].Term)
			assert.Equal(t, []byte{3}, entries[1].Command)

			term, err := s.Term(5)
			require.NoError(t, err)
			assert.Equal(t, uint64(2), term)

			_, err = s.Term(6)
			assert.True(t, errors.Is(err, ErrOutOfRange), "got %v", err)

			require.NoError(t, s.TruncateFrom(4))
			last, err = s.LastIndex()
			require.NoError(t, err)
			assert.Equal(t, uint64(3), last)

			require.NoError(t, s.Append(commandEntries(3, 4, 4)))
			term, err = s.Term(4)
			require.NoError(t, err)
			assert.Equal(t, uint64(3), term)
		})
	}
}

func TestLogStore_HardState(t *testing.T) {
	for name, newStore := range logStoreFactories {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)

			hs, err := s.LoadHardState()
			require.NoError(t, err)
			assert.Equal(t, HardState{}, hs)

			want := HardState{CurrentTerm: 7, VotedFor: 3, CommitIndex: 12, Config: NewClusterConfig(1, 2, 3)}
			require.NoError(t, s.SaveHardState(want))

			got, err := s.LoadHardState()
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestLogStore_CompactAndReset(t *testing.T) {
	for name, newStore := range logStoreFactories {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			require.NoError(t, s.Append(commandEntries(1, 1, 6)))

			snap := Snapshot{LastIncludedIndex: 4, LastIncludedTerm: 1, Config: NewClusterConfig(1), Data: []byte("four")}
			require.NoError(t, s.CompactTo(snap))

			first, err := s.FirstIndex()
			require.NoError(t, err)
			assert.Equal(t, uint64(5), first)
			last, err := s.LastIndex()
			require.NoError(t, err)
			assert.Equal(t, uint64(6), last)

			term, err := s.Term(4)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), term)

			_, err = s.Term(3)
			assert.True(t, errors.Is(err, ErrCompacted), "got %v", err)
			_, err = s.Entries(4, 5)
			assert.True(t, errors.Is(err, ErrCompacted), "got %v", err)
			err = s.TruncateFrom(4)
			assert.True(t, errors.Is(err, ErrCompacted), "got %v", err)

			stored, err := s.Snapshot()
			require.NoError(t, err)
			require.NotNil(t, stored)
			assert.Equal(t, []byte("four"), stored.Data)

			// An older snapshot never moves the boundary back.
			require.NoError(t, s.CompactTo(Snapshot{LastIncludedIndex: 2, LastIncludedTerm: 1}))
			first, err = s.FirstIndex()
			require.NoError(t, err)
			assert.Equal(t, uint64(5), first)

			require.NoError(t, s.Reset(Snapshot{LastIncludedIndex: 20, LastIncludedTerm: 3, Data: []byte("twenty")}))
			first, err = s.FirstIndex()
			require.NoError(t, err)
			last, err = s.LastIndex()
			require.NoError(t, err)
			assert.Equal(t, uint64(21), first)
			assert.Equal(t, uint64(20), last)

			require.NoError(t, s.Append(commandEntries(3, 21, 21)))
			entries, err := s.Entries(21, 21)
			require.NoError(t, err)
			require.Len(t, entries, 1)
		})
	}
}

func TestBoltLogStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raft.db")

	s := openBoltStore(t, path)
	require.NoError(t, s.Append(commandEntries(2, 1, 3)))
	require.NoError(t, s.SaveHardState(HardState{CurrentTerm: 2, VotedFor: 1, CommitIndex: 3}))
	require.NoError(t, s.CompactTo(Snapshot{LastIncludedIndex: 2, LastIncludedTerm: 2, Data: []byte("snap")}))
	require.NoError(t, s.Close())

	s = openBoltStore(t, path)
	defer func() { _ = s.Close() }()

	hs, err := s.LoadHardState()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), hs.CurrentTerm)
	assert.Equal(t, NodeID(1), hs.VotedFor)

	first, err := s.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), first)

	entries, err := s.Entries(3, 3)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte{3}, entries[0].Command)
}

func TestBoltLogStore_LogReadsSkipSnapshotImage(t *testing.T) {
	s := openBoltStore(t, filepath.Join(t.TempDir(), "raft.db"))
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Append(commandEntries(2, 1, 8)))
	require.NoError(t, s.CompactTo(Snapshot{LastIncludedIndex: 4, LastIncludedTerm: 2, Data: make([]byte, 1<<20)}))

	// Log reads must keep working with an image that no longer decodes.
	require.NoError(t, s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).Put(snapshotKey, []byte("not json"))
	}))

	_, err := s.Snapshot()
	require.Error(t, err)

	term, err := s.Term(4)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), term)
	first, err := s.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), first)
	entries, err := s.Entries(5, 8)
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	require.NoError(t, s.TruncateFrom(7))
	last, err := s.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(6), last)
}

func TestBoltLogStore_BoundaryFallsBackToSnapshot(t *testing.T) {
	s := openBoltStore(t, filepath.Join(t.TempDir(), "raft.db"))
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Append(commandEntries(3, 1, 5)))
	require.NoError(t, s.CompactTo(Snapshot{LastIncludedIndex: 3, LastIncludedTerm: 3, Data: []byte("three")}))
	require.NoError(t, s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).Delete(boundaryKey)
	}))

	term, err := s.Term(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), term)
	_, err = s.Term(2)
	assert.True(t, errors.Is(err, ErrCompacted), "got %v", err)

	require.NoError(t, s.CompactTo(Snapshot{LastIncludedIndex: 4, LastIncludedTerm: 3}))
	first, err := s.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), first)
	entries, err := s.Entries(5, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestStorage_ApplyInOrder(t *testing.T) {
	sm := &fakeStateMachine{}
	s, err := NewStorage(NewMemoryLogStore(), sm)
	require.NoError(t, err)

	entries := []LogEntry{
		{Term: 1, Index: 1, Type: EntryNoop},
		{Term: 1, Index: 2, Type: EntryCommand, Command: []byte("a")},
	}
	require.NoError(t, s.AppendToLog(entries))

	results, err := s.Apply(entries)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Nil(t, results[0])
	assert.Equal(t, "ok:a", string(results[1]))

	index, term := s.LastApplied()
	assert.Equal(t, uint64(2), index)
	assert.Equal(t, uint64(1), term)

	_, err = s.Apply(entries[1:])
	assert.True(t, errors.Is(err, ErrApplyOutOfOrder), "got %v", err)

	_, err = s.Apply([]LogEntry{{Term: 1, Index: 4, Type: EntryCommand}})
	assert.True(t, errors.Is(err, ErrApplyOutOfOrder), "got %v", err)
}

func TestStorage_AppendToLogRequiresContiguity(t *testing.T) {
	s, err := NewStorage(NewMemoryLogStore(), &fakeStateMachine{})
	require.NoError(t, err)

	err = s.AppendToLog([]LogEntry{{Term: 1, Index: 2}})
	assert.True(t, errors.Is(err, ErrNonContiguousAppend), "got %v", err)

	err = s.AppendToLog([]LogEntry{{Term: 1, Index: 1}, {Term: 1, Index: 3}})
	assert.True(t, errors.Is(err, ErrNonContiguousAppend), "got %v", err)

	require.NoError(t, s.AppendToLog([]LogEntry{{Term: 1, Index: 1}, {Term: 2, Index: 2}}))
	st := s.State()
	assert.Equal(t, uint64(2), st.LastIndex)
	assert.Equal(t, uint64(2), st.LastTerm)
}

func TestStorage_ReadRangeClampsEnd(t *testing.T) {
	s, err := NewStorage(NewMemoryLogStore(), &fakeStateMachine{})
	require.NoError(t, err)
	require.NoError(t, s.AppendToLog(commandEntries(1, 1, 3)))

	entries, err := s.ReadRange(2, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = s.ReadRange(4, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = s.entryAt(9)
	assert.True(t, errors.Is(err, ErrOutOfRange), "got %v", err)
}

func TestStorage_SnapshotRoundTrip(t *testing.T) {
	sm := &fakeStateMachine{}
	log := NewMemoryLogStore()
	s, err := NewStorage(log, sm)
	require.NoError(t, err)

	entries := commandEntries(1, 1, 3)
	require.NoError(t, s.AppendToLog(entries))
	_, err = s.Apply(entries)
	require.NoError(t, err)

	snap, err := s.BuildSnapshot(NewClusterConfig(1, 2))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), snap.LastIncludedIndex)
	assert.Equal(t, uint64(1), snap.LastIncludedTerm)
	require.NoError(t, s.CompactTo(snap))
	assert.Equal(t, uint64(3), s.State().SnapshotIndex)

	// A fresh state machine on the same log is restored from the snapshot.
	restored := &fakeStateMachine{}
	s2, err := NewStorage(log, restored)
	require.NoError(t, err)
	assert.Equal(t, sm.Commands(), restored.Commands())
	index, _ := s2.LastApplied()
	assert.Equal(t, uint64(3), index)

	installed, err := s2.InstallSnapshot(snap)
	require.NoError(t, err)
	assert.False(t, installed, "a snapshot that is not newer must be ignored")
}

func TestStorage_BuildSnapshotNeedsAppliedState(t *testing.T) {
	s, err := NewStorage(NewMemoryLogStore(), &fakeStateMachine{})
	require.NoError(t, err)

	_, err = s.BuildSnapshot(NewClusterConfig(1))
	assert.Error(t, err)
}
