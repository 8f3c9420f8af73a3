package raft

import (
	"context"
	"fmt"
)

// AddVoter adds id, reachable at addr, to the voting membership and returns
// the index of the committed config entry. An empty addr falls back to the
// address the transport already knows; when the transport dials by address
// and knows none, AddVoter fails with ErrUnknownPeerAddress.
func (n *Node) AddVoter(ctx context.Context, id NodeID, addr string) (uint64, error) {
	return n.changeMembership(ctx, id, addr, true)
}

// RemoveVoter removes id from the voting membership. Removing the leader
// itself makes it step down once the change commits.
func (n *Node) RemoveVoter(ctx context.Context, id NodeID) (uint64, error) {
	return n.changeMembership(ctx, id, "", false)
}

// changeMembership proposes a single-server change. Only one change may be
// uncommitted at a time and the leader must have committed its no-op first,
// so consecutive configs always share a majority.
func (n *Node) changeMembership(ctx context.Context, id NodeID, addr string, add bool) (uint64, error) {
	if id == 0 {
		return 0, fmt.Errorf("raft: invalid node id 0")
	}

	res, err := n.propose(ctx, func() (*LogEntry, error) {
		if n.pendingConfigIndex > n.commitIndex || n.commitIndex < n.leaderNoopIndex {
			return nil, ErrConfigChangeInProgress
		}
		if add == n.config.Contains(id) {
			return nil, nil
		}
		next := n.config.Without(id)
		if add {
			next = n.withKnownAddrsLocked(n.config.With(id))
			if addr != "" {
				next = next.WithAddr(id, addr)
			}
			if _, ok := next.Addr(id); !ok && n.peers != nil {
				return nil, fmt.Errorf("%w: node %d", ErrUnknownPeerAddress, id)
			}
		}
		if next.Empty() {
			return nil, fmt.Errorf("raft: cannot remove the last voter %d", id)
		}
		n.logger.Info("proposing membership change",
			"node_id", n.id,
			"add", add,
			"target", id,
			"members", next.Members,
		)
		return &LogEntry{Type: EntryConfig, Config: &next}, nil
	})
	if err != nil {
		return 0, err
	}
	return res.Index, nil
}

// adoptCommittedConfigLocked switches to the newest config entry in
// (prevCommit, newCommit]. Caller must hold n.mu.
func (n *Node) adoptCommittedConfigLocked(prevCommit, newCommit uint64) error {
	if newCommit <= prevCommit {
		return nil
	}
	lo := max(prevCommit+1, n.storage.State().FirstIndex)
	entries, err := n.storage.ReadRange(lo, newCommit)
	if err != nil {
		return err
	}

	var latest *LogEntry
	for i := range entries {
		if entries[i].Type == EntryConfig && entries[i].Config != nil {
			latest = &entries[i]
		}
	}
	if latest == nil {
		return nil
	}

	prev := n.config
	n.config = latest.Config.Clone()
	n.syncPeersLocked(prev, n.config)
	if n.pendingConfigIndex <= latest.Index {
		n.pendingConfigIndex = 0
	}
	n.logger.Info("membership changed",
		"node_id", n.id,
		"index", latest.Index,
		"members", n.config.Members,
	)

	if n.role != Leader {
		return nil
	}

	last := n.lastLogIndexLocked()
	for _, id := range n.config.Members {
		if id == n.id || prev.Contains(id) {
			continue
		}
		n.nextIndex[id] = last + 1
		n.matchIndex[id] = 0
	}
	for _, id := range prev.Members {
		if !n.config.Contains(id) {
			delete(n.nextIndex, id)
			delete(n.matchIndex, id)
		}
	}

	if !n.config.Contains(n.id) {
		// The removal of this leader is committed: answer its writer before
		// stepping down fails the rest.
		if w, ok := n.waiters[latest.Index]; ok {
			delete(n.waiters, latest.Index)
			w.ch <- writeOutcome{index: latest.Index}
		}
		n.stepDownLocked(n.currentTerm, 0)
	}
	return nil
}

// withKnownAddrsLocked fills in addresses for members of cfg that the
// transport knows but cfg does not record yet. Caller must hold n.mu.
func (n *Node) withKnownAddrsLocked(cfg ClusterConfig) ClusterConfig {
	if n.peers == nil {
		return cfg
	}
	for _, id := range cfg.Members {
		if _, ok := cfg.Addr(id); ok {
			continue
		}
		if addr, ok := n.peers.PeerAddr(id); ok && addr != "" {
			cfg = cfg.WithAddr(id, addr)
		}
	}
	return cfg
}

// syncPeersLocked pushes the addresses of next into the transport and drops
// voters that prev had but next does not. Caller must hold n.mu.
func (n *Node) syncPeersLocked(prev, next ClusterConfig) {
	if n.peers == nil {
		return
	}
	for id, addr := range next.Addrs {
		if id != n.id && addr != "" {
			n.peers.SetPeer(id, addr)
		}
	}
	for _, id := range prev.Members {
		if id != n.id && !next.Contains(id) {
			n.peers.RemovePeer(id)
		}
	}
}
