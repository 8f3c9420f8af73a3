package student

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEncode(t *testing.T, cmd Command) []byte {
	t.Helper()
	raw, err := EncodeCommand(cmd)
	require.NoError(t, err)
	return raw
}

func apply(t *testing.T, s *Store, index uint64, cmd Command) Response {
	t.Helper()
	out, err := s.Apply(index, mustEncode(t, cmd))
	require.NoError(t, err)
	resp, err := DecodeResponse(out)
	require.NoError(t, err)
	return resp
}

func TestStore_Apply(t *testing.T) {
	alice := Record{ID: 1, Name: "Alice", Age: 20, Gender: "F", Score: 91.5}
	older := alice
	older.Age = 21

	tests := []struct {
		name        string
		seed        []Record
		cmd         Command
		wantSuccess bool
		wantRecords map[int64]Record
	}{
		{
			name:        "create new id",
			cmd:         Command{Op: OpCreate, Record: &alice},
			wantSuccess: true,
			wantRecords: map[int64]Record{1: alice},
		},
		{
			name:        "create existing id fails",
			seed:        []Record{alice},
			cmd:         Command{Op: OpCreate, Record: &older},
			wantRecords: map[int64]Record{1: alice},
		},
		{
			name:        "update existing id",
			seed:        []Record{alice},
			cmd:         Command{Op: OpUpdate, Record: &older},
			wantSuccess: true,
			wantRecords: map[int64]Record{1: older},
		},
		{
			name:        "update missing id fails",
			cmd:         Command{Op: OpUpdate, Record: &alice},
			wantRecords: map[int64]Record{},
		},
		{
			name:        "delete existing id",
			seed:        []Record{alice},
			cmd:         Command{Op: OpDelete, ID: 1},
			wantSuccess: true,
			wantRecords: map[int64]Record{},
		},
		{
			name:        "delete missing id fails",
			seed:        []Record{alice},
			cmd:         Command{Op: OpDelete, ID: 2},
			wantRecords: map[int64]Record{1: alice},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			for i, r := range tt.seed {
				rec := r
				require.True(t, apply(t, s, uint64(i+1), Command{Op: OpCreate, Record: &rec}).Success)
			}

			resp := apply(t, s, 100, tt.cmd)

			assert.Equal(t, tt.wantSuccess, resp.Success, resp.Message)
			if !tt.wantSuccess {
				assert.NotEmpty(t, resp.Message)
			}
			assert.Equal(t, tt.wantRecords, s.Records())
		})
	}
}

func TestStore_Apply_DeleteReturnsRemovedRecord(t *testing.T) {
	s := NewStore()
	rec := Record{ID: 7, Name: "Bob"}
	apply(t, s, 1, Command{Op: OpCreate, Record: &rec})

	resp := apply(t, s, 2, Command{Op: OpDelete, ID: 7})

	require.True(t, resp.Success)
	require.NotNil(t, resp.Data)
	assert.Equal(t, "Bob", resp.Data.Name)
	_, ok := s.Get(7)
	assert.False(t, ok)
}

func TestStore_Apply_BadCommandsAreFailuresNotErrors(t *testing.T) {
	s := NewStore()

	for _, raw := range [][]byte{
		[]byte("not json"),
		[]byte(`{"op":"truncate"}`),
		[]byte(`{"op":"create"}`),
	} {
		out, err := s.Apply(1, raw)
		require.NoError(t, err)
		resp, err := DecodeResponse(out)
		require.NoError(t, err)
		assert.False(t, resp.Success, string(raw))
		assert.NotEmpty(t, resp.Message)
	}
	assert.Equal(t, 0, s.Len())
}

func TestStore_SnapshotRestore(t *testing.T) {
	s := NewStore()
	for _, r := range []Record{{ID: 3, Name: "C"}, {ID: 1, Name: "A"}, {ID: 2, Name: "B"}} {
		rec := r
		apply(t, s, uint64(r.ID), Command{Op: OpCreate, Record: &rec})
	}

	raw, err := s.Snapshot()
	require.NoError(t, err)

	var list []Record
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Len(t, list, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{list[0].ID, list[1].ID, list[2].ID})

	restored := NewStore()
	stale := Record{ID: 99}
	apply(t, restored, 1, Command{Op: OpCreate, Record: &stale})

	require.NoError(t, restored.Restore(raw))
	assert.Equal(t, s.Records(), restored.Records())

	// Restoring the same image twice lands in the same state.
	require.NoError(t, restored.Restore(raw))
	assert.Equal(t, s.Records(), restored.Records())

	require.NoError(t, restored.Restore(nil))
	assert.Equal(t, 0, restored.Len())

	assert.Error(t, restored.Restore([]byte("{")))
}

func TestStore_EmptySnapshotIsList(t *testing.T) {
	raw, err := NewStore().Snapshot()
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(raw))
}

func TestEncodeCommand_Validates(t *testing.T) {
	_, err := EncodeCommand(Command{Op: OpUpdate})
	assert.ErrorIs(t, err, ErrInvalidCommand)

	_, err = EncodeCommand(Command{Op: "rename", ID: 1})
	assert.ErrorIs(t, err, ErrInvalidCommand)

	raw, err := EncodeCommand(Command{Op: OpDelete, ID: 4, RequestID: "r-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"delete","id":4,"request_id":"r-1"}`, string(raw))
}
