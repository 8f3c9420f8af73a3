package student

import (
	"cmp"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Store is an in-memory map of student records driven by committed commands.
//
// Apply, Snapshot and Restore are called by the Raft apply loop; Get, Records
// and Len may be called concurrently from readers.
type Store struct {
	mu      sync.RWMutex
	records map[int64]Record
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{records: make(map[int64]Record)}
}

// Get returns the record with id, if present.
func (s *Store) Get(id int64) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	return r, ok
}

// Records returns a copy of every record keyed by id.
func (s *Store) Records() map[int64]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.records)
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Apply decodes and applies a serialized Command and returns the encoded
// Response. Rejected or malformed commands yield a failure response rather
// than an error so every replica reaches the same state.
func (s *Store) Apply(_ uint64, raw []byte) ([]byte, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return encodeResponse(Response{Message: "malformed command: " + err.Error()})
	}
	if err := cmd.Validate(); err != nil {
		return encodeResponse(Response{Message: err.Error()})
	}

	s.mu.Lock()
	resp := s.applyLocked(cmd)
	s.mu.Unlock()

	return encodeResponse(resp)
}

func (s *Store) applyLocked(cmd Command) Response {
	switch cmd.Op {
	case OpCreate:
		if _, ok := s.records[cmd.Record.ID]; ok {
			return Response{Message: fmt.Sprintf("student %d already exists", cmd.Record.ID)}
		}
		rec := *cmd.Record
		s.records[rec.ID] = rec
		return Response{Success: true, Data: &rec}
	case OpUpdate:
		if _, ok := s.records[cmd.Record.ID]; !ok {
			return Response{Message: fmt.Sprintf("student %d not found", cmd.Record.ID)}
		}
		rec := *cmd.Record
		s.records[rec.ID] = rec
		return Response{Success: true, Data: &rec}
	default:
		rec, ok := s.records[cmd.ID]
		if !ok {
			return Response{Message: fmt.Sprintf("student %d not found", cmd.ID)}
		}
		delete(s.records, cmd.ID)
		return Response{Success: true, Data: &rec}
	}
}

// Snapshot returns the records as a JSON list sorted by id.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	list := slices.Collect(maps.Values(s.records))
	s.mu.RUnlock()

	slices.SortFunc(list, func(a, b Record) int { return cmp.Compare(a.ID, b.ID) })
	if list == nil {
		list = []Record{}
	}
	return json.Marshal(list)
}

// Restore replaces the current records with the snapshot contents. Empty
// data resets the store.
func (s *Store) Restore(raw []byte) error {
	restored := make(map[int64]Record)
	if len(raw) > 0 {
		var list []Record
		if err := json.Unmarshal(raw, &list); err != nil {
			return fmt.Errorf("student: decode snapshot: %w", err)
		}
		for _, r := range list {
			restored[r.ID] = r
		}
	}

	s.mu.Lock()
	s.records = restored
	s.mu.Unlock()
	return nil
}

func encodeResponse(resp Response) ([]byte, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("student: encode response: %w", err)
	}
	return raw, nil
}
