package raft

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

var (
	logsBucket = []byte("logs")
	metaBucket = []byte("meta")

	hardStateKey = []byte("hard_state")
	snapshotKey  = []byte("snapshot")
	boundaryKey  = []byte("snapshot_boundary")
)

// BoltLogStore is a durable LogStore backed by a single bbolt file.
//
// Log entries live in the "logs" bucket keyed by big-endian index. Hard state
// and the latest snapshot are JSON values in the "meta" bucket. The snapshot's
// last included index and term are also kept under a fixed-size key so log
// reads never decode the snapshot image.
type BoltLogStore struct {
	db *bbolt.DB
}

// OpenBoltLogStore opens (or creates) the store at path.
func OpenBoltLogStore(path string) (*BoltLogStore, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("raft: open bolt store %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(logsBucket); err != nil {
			return fmt.Errorf("create logs bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return fmt.Errorf("create meta bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("raft: init bolt store: %w", err)
	}
	return &BoltLogStore{db: db}, nil
}

// LoadHardState returns the persisted hard state, or the zero value.
func (s *BoltLogStore) LoadHardState() (HardState, error) {
	var hs HardState
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(metaBucket).Get(hardStateKey)
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &hs); err != nil {
			return fmt.Errorf("decode hard state: %w", err)
		}
		return nil
	})
	return hs, err
}

// SaveHardState overwrites the persisted hard state.
func (s *BoltLogStore) SaveHardState(hs HardState) error {
	raw, err := json.Marshal(hs)
	if err != nil {
		return fmt.Errorf("encode hard state: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).Put(hardStateKey, raw)
	})
}

// Snapshot decodes the stored snapshot, or returns nil when none exists.
func (s *BoltLogStore) Snapshot() (*Snapshot, error) {
	var snap *Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		snap, err = snapshotFromTx(tx)
		return err
	})
	return snap, err
}

// FirstIndex returns the first index still held in the log.
func (s *BoltLogStore) FirstIndex() (uint64, error) {
	var first uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		base, _, err := boundaryFromTx(tx)
		first = base + 1
		return err
	})
	return first, err
}

// LastIndex returns the last log index, or the snapshot index for an empty log.
func (s *BoltLogStore) LastIndex() (uint64, error) {
	var last uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		last, err = lastIndexFromTx(tx)
		return err
	})
	return last, err
}

// Term returns the term at index, including the snapshot boundary.
func (s *BoltLogStore) Term(index uint64) (uint64, error) {
	var term uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		base, baseTerm, err := boundaryFromTx(tx)
		if err != nil {
			return err
		}
		switch {
		case index == base:
			term = baseTerm
			return nil
		case index < base:
			return fmt.Errorf("%w: %d", ErrCompacted, index)
		}
		entry, ok, err := entryFromTx(tx, index)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %d", ErrOutOfRange, index)
		}
		term = entry.Term
		return nil
	})
	return term, err
}

// Entries returns the entries in [lo, hi].
func (s *BoltLogStore) Entries(lo, hi uint64) ([]LogEntry, error) {
	var out []LogEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		base, _, err := boundaryFromTx(tx)
		if err != nil {
			return err
		}
		if lo <= base {
			return fmt.Errorf("%w: %d", ErrCompacted, lo)
		}
		c := tx.Bucket(logsBucket).Cursor()
		hiKey := uint64ToBytes(hi)
		for k, v := c.Seek(uint64ToBytes(lo)); k != nil && bytes.Compare(k, hiKey) <= 0; k, v = c.Next() {
			var e LogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode log entry %d: %w", bytesToUint64(k), err)
			}
			out = append(out, e)
		}
		if want := int(hi - lo + 1); lo <= hi && len(out) != want {
			return fmt.Errorf("%w: read %d..%d returned %d entries", ErrOutOfRange, lo, hi, len(out))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Append writes entries that must continue the log without gaps.
func (s *BoltLogStore) Append(entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		last, err := lastIndexFromTx(tx)
		if err != nil {
			return err
		}
		if entries[0].Index != last+1 {
			return fmt.Errorf("%w: got index %d, want %d", ErrNonContiguousAppend, entries[0].Index, last+1)
		}
		b := tx.Bucket(logsBucket)
		for _, e := range entries {
			raw, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("encode log entry %d: %w", e.Index, err)
			}
			if err := b.Put(uint64ToBytes(e.Index), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// TruncateFrom deletes index and every entry after it.
func (s *BoltLogStore) TruncateFrom(index uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		base, _, err := boundaryFromTx(tx)
		if err != nil {
			return err
		}
		if index <= base {
			return fmt.Errorf("%w: %d", ErrCompacted, index)
		}
		return deleteFrom(tx.Bucket(logsBucket), index)
	})
}

// CompactTo stores snap and drops the entries it covers.
func (s *BoltLogStore) CompactTo(snap Snapshot) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		base, _, err := boundaryFromTx(tx)
		if err != nil {
			return err
		}
		if snap.LastIncludedIndex < base {
			return nil
		}
		if err := putSnapshot(tx, snap); err != nil {
			return err
		}
		return deleteThrough(tx.Bucket(logsBucket), snap.LastIncludedIndex)
	})
}

// Reset stores snap and discards the whole log.
func (s *BoltLogStore) Reset(snap Snapshot) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := putSnapshot(tx, snap); err != nil {
			return err
		}
		if err := tx.DeleteBucket(logsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(logsBucket)
		return err
	})
}

// Close closes the underlying bbolt database.
func (s *BoltLogStore) Close() error {
	return s.db.Close()
}

func putSnapshot(tx *bbolt.Tx, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	meta := tx.Bucket(metaBucket)
	if err := meta.Put(snapshotKey, raw); err != nil {
		return err
	}
	boundary := make([]byte, 16)
	binary.BigEndian.PutUint64(boundary[:8], snap.LastIncludedIndex)
	binary.BigEndian.PutUint64(boundary[8:], snap.LastIncludedTerm)
	return meta.Put(boundaryKey, boundary)
}

func snapshotFromTx(tx *bbolt.Tx) (*Snapshot, error) {
	raw := tx.Bucket(metaBucket).Get(snapshotKey)
	if raw == nil {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// boundaryFromTx returns the snapshot's last included index and term. Stores
// written before the boundary key existed fall back to decoding the snapshot.
func boundaryFromTx(tx *bbolt.Tx) (uint64, uint64, error) {
	if raw := tx.Bucket(metaBucket).Get(boundaryKey); raw != nil {
		if len(raw) != 16 {
			return 0, 0, fmt.Errorf("decode snapshot boundary: %d bytes", len(raw))
		}
		return binary.BigEndian.Uint64(raw[:8]), binary.BigEndian.Uint64(raw[8:]), nil
	}
	snap, err := snapshotFromTx(tx)
	if err != nil || snap == nil {
		return 0, 0, err
	}
	return snap.LastIncludedIndex, snap.LastIncludedTerm, nil
}

func lastIndexFromTx(tx *bbolt.Tx) (uint64, error) {
	if k, _ := tx.Bucket(logsBucket).Cursor().Last(); k != nil {
		return bytesToUint64(k), nil
	}
	base, _, err := boundaryFromTx(tx)
	return base, err
}

func entryFromTx(tx *bbolt.Tx, index uint64) (LogEntry, bool, error) {
	raw := tx.Bucket(logsBucket).Get(uint64ToBytes(index))
	if raw == nil {
		return LogEntry{}, false, nil
	}
	var e LogEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return LogEntry{}, false, fmt.Errorf("decode log entry %d: %w", index, err)
	}
	return e, true, nil
}

// deleteFrom removes every key >= index. Keys are collected first because
// deleting under an active cursor can skip the following key.
func deleteFrom(b *bbolt.Bucket, index uint64) error {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(uint64ToBytes(index)); k != nil; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	return deleteAll(b, keys)
}

// deleteThrough removes every key <= index.
func deleteThrough(b *bbolt.Bucket, index uint64) error {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil && bytesToUint64(k) <= index; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	return deleteAll(b, keys)
}

func deleteAll(b *bbolt.Bucket, keys [][]byte) error {
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
