package raft_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/i-melnichenko/studentkv/internal/consensus"
	"github.com/i-melnichenko/studentkv/internal/consensus/raft"
	"github.com/i-melnichenko/studentkv/internal/student"
	"github.com/i-melnichenko/studentkv/internal/transport/inmem"
)

type clusterMember struct {
	node    *raft.Node
	storage *raft.Storage
	store   *student.Store
}

type cluster struct {
	t       *testing.T
	net     *inmem.Network
	ids     []raft.NodeID
	members map[raft.NodeID]*clusterMember
}

func fastConfig(id raft.NodeID) raft.Config {
	cfg := raft.DefaultConfig(id)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.ElectionTimeoutMin = 150 * time.Millisecond
	cfg.ElectionTimeoutMax = 300 * time.Millisecond
	cfg.RPCTimeout = 100 * time.Millisecond
	cfg.SnapshotThreshold = 0
	return cfg
}

func newCluster(t *testing.T, size int, tune func(*raft.Config)) *cluster {
	t.Helper()

	c := &cluster{
		t:       t,
		net:     inmem.NewNetwork(),
		members: make(map[raft.NodeID]*clusterMember, size),
	}
	for i := 1; i <= size; i++ {
		c.ids = append(c.ids, raft.NodeID(i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := slog.New(slog.DiscardHandler)

	for _, id := range c.ids {
		store := student.NewStore()
		storage, err := raft.NewStorage(raft.NewMemoryLogStore(), store)
		if err != nil {
			t.Fatalf("NewStorage(%d) error = %v", id, err)
		}
		cfg := fastConfig(id)
		if tune != nil {
			tune(&cfg)
		}
		node, err := raft.NewNode(cfg, c.net.Transport(id), storage, logger, nil, nil)
		if err != nil {
			t.Fatalf("NewNode(%d) error = %v", id, err)
		}
		c.net.Register(id, node)
		if err := node.Initialize(ctx, c.ids); err != nil {
			t.Fatalf("Initialize(%d) error = %v", id, err)
		}
		c.members[id] = &clusterMember{node: node, storage: storage, store: store}
	}
	for _, id := range c.ids {
		c.members[id].node.Run(ctx)
	}

	t.Cleanup(func() {
		cancel()
		for _, m := range c.members {
			m.node.Stop()
		}
	})
	return c
}

// leader returns the leader with the highest term among nodes that can reach
// a majority, or nil.
func (c *cluster) leader() *raft.Node {
	var best *raft.Node
	var bestTerm uint64
	for _, id := range c.ids {
		st := c.members[id].node.ClusterStatus()
		if st.Role != raft.Leader || st.Degraded {
			continue
		}
		reachable := 0
		for _, other := range c.ids {
			if c.net.Connected(id, other) {
				reachable++
			}
		}
		if reachable < len(c.ids)/2+1 {
			continue
		}
		if best == nil || st.Term > bestTerm {
			best, bestTerm = c.members[id].node, st.Term
		}
	}
	return best
}

func (c *cluster) waitLeader(timeout time.Duration) *raft.Node {
	c.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if l := c.leader(); l != nil {
			return l
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.t.Fatal("no leader elected")
	return nil
}

// write submits cmd to the current leader, retrying across elections.
func (c *cluster) write(cmd student.Command, timeout time.Duration) (consensus.WriteResult, student.Response) {
	c.t.Helper()

	raw, err := student.EncodeCommand(cmd)
	if err != nil {
		c.t.Fatalf("EncodeCommand() error = %v", err)
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		l := c.leader()
		if l == nil {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		res, err := l.ClientWrite(ctx, raw)
		cancel()
		if err != nil {
			continue
		}
		resp, err := student.DecodeResponse(res.Response)
		if err != nil {
			c.t.Fatalf("DecodeResponse() error = %v", err)
		}
		return res, resp
	}
	c.t.Fatalf("write %+v did not commit within %s", cmd, timeout)
	return consensus.WriteResult{}, student.Response{}
}

func (c *cluster) waitConverged(ids []raft.NodeID, timeout time.Duration) map[int64]student.Record {
	c.t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		want := c.members[ids[0]].store.Records()
		same := true
		for _, id := range ids[1:] {
			if !maps.Equal(want, c.members[id].store.Records()) {
				same = false
				break
			}
		}
		if same {
			return want
		}
		if time.Now().After(deadline) {
			for _, id := range ids {
				c.t.Logf("node %d: %d records, status %+v", id, c.members[id].store.Len(), c.members[id].node.ClusterStatus())
			}
			c.t.Fatal("stores did not converge")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func createCmd(id int64) student.Command {
	return student.Command{
		Op:     student.OpCreate,
		Record: &student.Record{ID: id, Name: fmt.Sprintf("student-%d", id), Age: 18 + int32(id%10), Gender: "F", Score: float64(id % 100)},
	}
}

func TestCluster_SingleNodeInitialize(t *testing.T) {
	c := newCluster(t, 1, nil)

	leader := c.waitLeader(2 * time.Second)
	st := leader.ClusterStatus()
	if st.Term != 1 || st.NodeID != 1 {
		t.Fatalf("expected node 1 leading term 1, got %+v", st)
	}

	res, resp := c.write(createCmd(42), 2*time.Second)
	if res.Index != 2 {
		t.Fatalf("expected first write at index 2, got %d", res.Index)
	}
	if !resp.Success || resp.Data == nil || resp.Data.ID != 42 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if _, ok := c.members[1].store.Get(42); !ok {
		t.Fatal("record not visible in the store after the write returned")
	}

	_, dup := c.write(createCmd(42), 2*time.Second)
	if dup.Success {
		t.Fatal("expected duplicate create to fail")
	}
}

func TestCluster_ReplicatesToAllNodes(t *testing.T) {
	c := newCluster(t, 3, nil)
	c.waitLeader(3 * time.Second)

	for id := int64(1); id <= 20; id++ {
		if _, resp := c.write(createCmd(id), 3*time.Second); !resp.Success {
			t.Fatalf("create %d failed: %s", id, resp.Message)
		}
	}
	upd := createCmd(5)
	upd.Op = student.OpUpdate
	upd.Record.Name = "renamed"
	c.write(upd, 3*time.Second)
	c.write(student.Command{Op: student.OpDelete, ID: 6}, 3*time.Second)

	records := c.waitConverged(c.ids, 3*time.Second)
	if len(records) != 19 {
		t.Fatalf("expected 19 records, got %d", len(records))
	}
	if records[5].Name != "renamed" {
		t.Fatalf("expected update to be replicated, got %+v", records[5])
	}
}

func TestCluster_FollowerWriteReturnsLeaderHint(t *testing.T) {
	c := newCluster(t, 3, nil)
	leader := c.waitLeader(3 * time.Second)
	c.write(createCmd(1), 3*time.Second)

	var follower *raft.Node
	for _, id := range c.ids {
		if id != leader.ID() {
			follower = c.members[id].node
			break
		}
	}

	raw, err := student.EncodeCommand(createCmd(2))
	if err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}
	_, err = follower.ClientWrite(context.Background(), raw)

	var notLeader *consensus.NotLeaderError
	if !errors.As(err, &notLeader) {
		t.Fatalf("expected NotLeaderError, got %v", err)
	}
	if notLeader.LeaderHint != uint64(leader.ID()) {
		t.Fatalf("expected leader hint %d, got %d", leader.ID(), notLeader.LeaderHint)
	}
}

func TestCluster_PartitionedLeaderCannotCommit(t *testing.T) {
	c := newCluster(t, 3, nil)
	old := c.waitLeader(3 * time.Second)
	c.write(createCmd(1), 3*time.Second)
	c.waitConverged(c.ids, 3*time.Second)

	before := old.ClusterStatus().CommitIndex
	c.net.Partition(old.ID())

	raw, err := student.EncodeCommand(createCmd(666))
	if err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	_, err = old.ClientWrite(ctx, raw)
	cancel()
	if !errors.Is(err, consensus.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from the isolated leader, got %v", err)
	}
	if got := old.ClusterStatus().CommitIndex; got != before {
		t.Fatalf("isolated leader advanced its commit index from %d to %d", before, got)
	}

	// The majority side elects a new leader and keeps accepting writes.
	next := c.waitLeader(5 * time.Second)
	if next.ID() == old.ID() {
		t.Fatal("isolated node cannot be the majority leader")
	}
	c.write(createCmd(2), 5*time.Second)

	c.net.Heal()
	records := c.waitConverged(c.ids, 5*time.Second)
	if _, ok := records[666]; ok {
		t.Fatal("write accepted only by the isolated leader survived")
	}
	if _, ok := records[2]; !ok {
		t.Fatal("write committed by the majority is missing")
	}
	if old.IsLeader() && old.ClusterStatus().Term < next.ClusterStatus().Term {
		t.Fatal("stale leader did not step down after the partition healed")
	}
}

func TestCluster_LaggingFollowerCatchesUpViaSnapshot(t *testing.T) {
	c := newCluster(t, 3, func(cfg *raft.Config) { cfg.SnapshotThreshold = 200 })
	leader := c.waitLeader(3 * time.Second)

	var lagging raft.NodeID
	for _, id := range c.ids {
		if id != leader.ID() {
			lagging = id
			break
		}
	}
	c.net.Disconnect(lagging)

	for id := int64(1); id <= 1000; id++ {
		c.write(createCmd(id), 5*time.Second)
	}

	current := c.leader()
	if current == nil || current.ClusterStatus().SnapshotIndex == 0 {
		t.Fatal("expected the leader to have compacted its log")
	}

	c.net.Reconnect(lagging)
	records := c.waitConverged(c.ids, 10*time.Second)
	if len(records) != 1000 {
		t.Fatalf("expected 1000 records everywhere, got %d", len(records))
	}
	if st := c.members[lagging].node.ClusterStatus(); st.SnapshotIndex == 0 {
		t.Fatalf("expected the lagging node to hold a snapshot, got %+v", st)
	}
}

// TestCluster_SafetyUnderChurn runs writes through random partitions and
// message loss, then checks that no term had two leaders and that every
// replica applied the same committed entries.
func TestCluster_SafetyUnderChurn(t *testing.T) {
	if testing.Short() {
		t.Skip("slow cluster test")
	}
	c := newCluster(t, 5, func(cfg *raft.Config) { cfg.SnapshotThreshold = 50 })
	c.net.SetDropRate(0.05)
	c.waitLeader(5 * time.Second)

	var (
		mu      sync.Mutex
		leaders = make(map[uint64]raft.NodeID)
		clash   string
	)
	stop := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		for {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
			}
			for _, id := range c.ids {
				st := c.members[id].node.ClusterStatus()
				if st.Role != raft.Leader {
					continue
				}
				mu.Lock()
				if prev, ok := leaders[st.Term]; ok && prev != id {
					clash = fmt.Sprintf("term %d led by %d and %d", st.Term, prev, id)
				}
				leaders[st.Term] = id
				mu.Unlock()
			}
		}
	}()

	rounds := [][]raft.NodeID{{1, 2}, {3}, {5}, {2, 4}, {1}}
	next := int64(1)
	for _, isolated := range rounds {
		c.net.Partition(isolated...)
		for range 15 {
			c.write(createCmd(next), 10*time.Second)
			next++
		}
		c.net.Heal()
		time.Sleep(100 * time.Millisecond)
	}

	c.net.SetDropRate(0)
	records := c.waitConverged(c.ids, 10*time.Second)
	close(stop)
	<-watcherDone

	if clash != "" {
		t.Fatal(clash)
	}
	if len(records) != int(next-1) {
		t.Fatalf("expected %d records, got %d", next-1, len(records))
	}
	assertCommittedLogsMatch(t, c)
}

func assertCommittedLogsMatch(t *testing.T, c *cluster) {
	t.Helper()

	ref := c.members[c.ids[0]]
	for _, id := range c.ids[1:] {
		m := c.members[id]
		lo := max(ref.storage.State().FirstIndex, m.storage.State().FirstIndex)
		hi := min(ref.node.ClusterStatus().CommitIndex, m.node.ClusterStatus().CommitIndex)
		if lo > hi {
			continue
		}
		want, err := ref.storage.ReadRange(lo, hi)
		if err != nil {
			continue // compacted concurrently
		}
		got, err := m.storage.ReadRange(lo, hi)
		if err != nil {
			continue
		}
		for i := range min(len(want), len(got)) {
			if want[i].Index != got[i].Index || want[i].Term != got[i].Term || string(want[i].Command) != string(got[i].Command) {
				t.Fatalf("node %d diverges from node %d at index %d", id, c.ids[0], want[i].Index)
			}
		}
	}
}
