package raft

import (
	"slices"
	"time"
)

// PeerProgress is the leader-side replication progress for one voter.
type PeerProgress struct {
	ID         NodeID
	NextIndex  uint64
	MatchIndex uint64
}

// ClusterStatus is a point-in-time view of the node for status APIs.
type ClusterStatus struct {
	NodeID        NodeID
	Role          Role
	Term          uint64
	LeaderHint    NodeID
	Membership    []NodeID
	CommitIndex   uint64
	LastApplied   uint64
	LastAppliedAt time.Time
	LastLogIndex  uint64
	LastLogTerm   uint64
	SnapshotIndex uint64
	SnapshotTerm  uint64
	Degraded      bool
	// Peers is only filled on the leader.
	Peers []PeerProgress
}

// ClusterStatus returns a read-only view of the node state.
func (n *Node) ClusterStatus() ClusterStatus {
	n.mu.Lock()
	defer n.mu.Unlock()

	st := n.storage.State()
	out := ClusterStatus{
		NodeID:        n.id,
		Role:          n.role,
		Term:          n.currentTerm,
		LeaderHint:    n.leaderID,
		Membership:    slices.Clone(n.config.Members),
		CommitIndex:   n.commitIndex,
		LastApplied:   n.lastApplied,
		LastAppliedAt: n.lastAppliedAt,
		LastLogIndex:  st.LastIndex,
		LastLogTerm:   st.LastTerm,
		SnapshotIndex: st.SnapshotIndex,
		SnapshotTerm:  st.SnapshotTerm,
		Degraded:      n.degraded,
	}
	if n.role != Leader {
		return out
	}

	for _, id := range n.peersLocked() {
		out.Peers = append(out.Peers, PeerProgress{
			ID:         id,
			NextIndex:  n.nextIndex[id],
			MatchIndex: n.matchIndex[id],
		})
	}
	return out
}
