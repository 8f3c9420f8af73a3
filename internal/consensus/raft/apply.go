package raft

import (
	"context"
	"errors"

	"github.com/i-melnichenko/studentkv/internal/consensus"
)

const applyBatchSize = 128

type writeOutcome struct {
	index    uint64
	response []byte
	err      error
}

// writeWaiter is a pending ClientWrite parked until its entry is applied.
type writeWaiter struct {
	term uint64
	ch   chan writeOutcome
}

func errLeadershipLost() error { return consensus.ErrLeadershipLost }

// failWaitersLocked resolves every pending writer with err. Caller must hold n.mu.
func (n *Node) failWaitersLocked(err error) {
	for index, w := range n.waiters {
		w.ch <- writeOutcome{index: index, err: err}
		delete(n.waiters, index)
	}
}

// resolveWaitersLocked completes writers whose entries were just applied.
// Caller must hold n.mu.
func (n *Node) resolveWaitersLocked(entries []LogEntry, results [][]byte) {
	if len(n.waiters) == 0 {
		return
	}
	for i, e := range entries {
		w, ok := n.waiters[e.Index]
		if !ok {
			continue
		}
		delete(n.waiters, e.Index)
		if w.term != e.Term {
			// Another leader overwrote the entry before it committed.
			w.ch <- writeOutcome{index: e.Index, err: errLeadershipLost()}
			continue
		}
		w.ch <- writeOutcome{index: e.Index, response: results[i]}
	}
}

func (n *Node) notifyApply() {
	select {
	case n.applyNotifyCh <- struct{}{}:
	default:
	}
}

func (n *Node) runApplyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.applyNotifyCh:
		}

		if !n.applyPendingSnapshot(ctx) {
			return
		}
		if !n.applyCommitted(ctx) {
			return
		}
		n.maybeSnapshot(ctx)
	}
}

// applyPendingSnapshot resets the state machine to a snapshot received from
// the leader. It returns false if the node must stop.
func (n *Node) applyPendingSnapshot(ctx context.Context) bool {
	n.mu.Lock()
	snap := n.pendingSnapshot
	n.pendingSnapshot = nil
	n.mu.Unlock()
	if snap == nil {
		return true
	}

	_, span := n.startSpan(ctx, "raft.node.applySnapshot")
	defer span.End()

	installed, err := n.storage.InstallSnapshot(*snap)
	n.mu.Lock()
	defer n.mu.Unlock()
	if err != nil {
		spanRecordError(span, err)
		n.markDegradedLocked(err)
		return false
	}
	if installed {
		n.logger.Info("state machine restored from snapshot",
			"node_id", n.id,
			"snapshot_index", snap.LastIncludedIndex,
			"snapshot_term", snap.LastIncludedTerm,
		)
		if !snap.Config.Empty() {
			n.appliedConfig = snap.Config.Clone()
		}
	}
	if applied, _ := n.storage.LastApplied(); applied > n.lastApplied {
		n.lastApplied = applied
		n.lastAppliedAt = n.now()
	}
	return true
}

// applyCommitted feeds committed entries to the state machine in index order.
// It returns false if the node must stop.
func (n *Node) applyCommitted(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		n.mu.Lock()
		if n.pendingSnapshot != nil {
			n.mu.Unlock()
			n.notifyApply()
			return true
		}
		if n.lastApplied >= n.commitIndex {
			n.metrics.SetRaftApplyLag(n.id.String(), 0)
			n.mu.Unlock()
			return true
		}
		lo := n.lastApplied + 1
		hi := min(n.commitIndex, lo+applyBatchSize-1)
		entries, err := n.storage.ReadRange(lo, hi)
		if err != nil {
			if errors.Is(err, ErrCompacted) {
				// A snapshot install raced ahead; it is handled on the next pass.
				n.mu.Unlock()
				n.notifyApply()
				return true
			}
			n.markDegradedLocked(err)
			n.mu.Unlock()
			return false
		}
		n.mu.Unlock()

		if len(entries) == 0 {
			return true
		}

		results, err := n.storage.Apply(entries)

		n.mu.Lock()
		if err != nil {
			n.markDegradedLocked(err)
			n.mu.Unlock()
			return false
		}
		for _, e := range entries {
			if e.Type == EntryConfig && e.Config != nil {
				n.appliedConfig = e.Config.Clone()
			}
			n.logger.Debug("applied log entry",
				"node_id", n.id,
				"index", e.Index,
				"term", e.Term,
				"type", e.Type,
			)
		}
		last := entries[len(entries)-1].Index
		if last > n.lastApplied {
			n.lastApplied = last
			n.lastAppliedAt = n.now()
		}
		n.resolveWaitersLocked(entries, results)
		n.metrics.SetRaftApplyLag(n.id.String(), n.commitIndex-n.lastApplied)
		n.mu.Unlock()
	}
}
