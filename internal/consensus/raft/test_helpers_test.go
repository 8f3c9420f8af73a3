package raft

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeStateMachine records applied commands and answers with "ok:<cmd>".
type fakeStateMachine struct {
	mu        sync.Mutex
	commands  []string
	indexes   []uint64
	restores  int
	failApply error
}

func (f *fakeStateMachine) Apply(index uint64, command []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failApply != nil {
		return nil, f.failApply
	}
	f.commands = append(f.commands, string(command))
	f.indexes = append(f.indexes, index)
	return []byte("ok:" + string(command)), nil
}

func (f *fakeStateMachine) Snapshot() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return json.Marshal(f.commands)
}

func (f *fakeStateMachine) Restore(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var commands []string
	if len(data) > 0 {
		if err := json.Unmarshal(data, &commands); err != nil {
			return errors.New("fake state machine: bad snapshot")
		}
	}
	f.commands = commands
	f.indexes = nil
	f.restores++
	return nil
}

func (f *fakeStateMachine) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func testConfig(id NodeID) Config {
	cfg := DefaultConfig(id)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.ElectionTimeoutMin = 100 * time.Millisecond
	cfg.ElectionTimeoutMax = 200 * time.Millisecond
	cfg.RPCTimeout = 50 * time.Millisecond
	cfg.SnapshotThreshold = 0
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestNode(t *testing.T, id NodeID, transport Transport) (*Node, *fakeStateMachine) {
	t.Helper()

	sm := &fakeStateMachine{}
	storage, err := NewStorage(NewMemoryLogStore(), sm)
	if err != nil {
		t.Fatalf("NewStorage() error = %v", err)
	}
	n, err := NewNode(testConfig(id), transport, storage, testLogger(), testTracer, testMetrics)
	if err != nil {
		t.Fatalf("NewNode() error = %v", err)
	}
	return n, sm
}

func newNodeFromStorage(id NodeID, storage *Storage) (*Node, error) {
	return NewNode(testConfig(id), noTransport{}, storage, testLogger(), testTracer, testMetrics)
}

// seedLog appends entries for the given terms starting after the last index.
func seedLog(t *testing.T, n *Node, terms ...uint64) {
	t.Helper()

	last := n.storage.State().LastIndex
	entries := make([]LogEntry, 0, len(terms))
	for i, term := range terms {
		entries = append(entries, LogEntry{Term: term, Index: last + uint64(i) + 1, Type: EntryNoop})
	}
	if err := n.storage.AppendToLog(entries); err != nil {
		t.Fatalf("seed log: %v", err)
	}
}

func logTerms(t *testing.T, n *Node) []uint64 {
	t.Helper()

	st := n.storage.State()
	entries, err := n.storage.ReadRange(st.FirstIndex, st.LastIndex)
	if err != nil {
		t.Fatalf("ReadRange() error = %v", err)
	}
	out := make([]uint64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Term)
	}
	return out
}

// noTransport fails every RPC; used where a node never talks to peers.
type noTransport struct{}

var errNoTransport = errors.New("no transport")

func (noTransport) RequestVote(_ context.Context, _ NodeID, _ *VoteRequest) (*VoteResponse, error) {
	return nil, errNoTransport
}

func (noTransport) AppendEntries(_ context.Context, _ NodeID, _ *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	return nil, errNoTransport
}

func (noTransport) InstallSnapshot(_ context.Context, _ NodeID, _ *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	return nil, errNoTransport
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(1 * time.Millisecond)
	}
	if cond() {
		return
	}
	t.Fatal(msg)
}

// addressBook is a noTransport that also keeps a peer address book.
type addressBook struct {
	noTransport

	mu    sync.Mutex
	addrs map[NodeID]string
}

func newAddressBook(addrs map[NodeID]string) *addressBook {
	b := &addressBook{addrs: make(map[NodeID]string)}
	for id, addr := range addrs {
		b.addrs[id] = addr
	}
	return b
}

func (b *addressBook) PeerAddr(id NodeID) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	addr, ok := b.addrs[id]
	return addr, ok
}

func (b *addressBook) SetPeer(id NodeID, addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addrs[id] = addr
}

func (b *addressBook) RemovePeer(id NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.addrs, id)
}
