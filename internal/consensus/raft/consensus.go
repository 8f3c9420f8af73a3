package raft

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/i-melnichenko/studentkv/internal/consensus"
)

var _ consensus.Consensus = (*Node)(nil)

// ClientWrite appends cmd to the leader log and blocks until it is committed
// and applied, returning the log index and the state machine response.
//
// A non-leader fails immediately with *consensus.NotLeaderError. If ctx ends
// first the error wraps consensus.ErrUnavailable; if leadership is lost the
// error is consensus.ErrLeadershipLost.
func (n *Node) ClientWrite(ctx context.Context, cmd []byte) (consensus.WriteResult, error) {
	ctx, span := n.startSpan(ctx, "raft.node.ClientWrite", attribute.Int("raft.command.bytes", len(cmd)))
	defer span.End()

	res, err := n.propose(ctx, func() (*LogEntry, error) {
		return &LogEntry{Type: EntryCommand, Command: append([]byte(nil), cmd...)}, nil
	})
	if err != nil {
		spanRecordError(span, err)
		return consensus.WriteResult{}, err
	}
	span.SetAttributes(attribute.Int64("raft.index", int64(res.Index)))
	return res, nil
}

// propose appends the entry built by build in the current term and waits for
// it to be applied. build runs under n.mu on the leader; a nil entry means
// there is nothing to replicate and the current commit index is returned.
func (n *Node) propose(ctx context.Context, build func() (*LogEntry, error)) (consensus.WriteResult, error) {
	start := time.Now()
	n.mu.Lock()
	if n.degraded {
		n.mu.Unlock()
		return consensus.WriteResult{}, ErrNodeDegraded
	}
	if n.role != Leader {
		hint := uint64(n.leaderID)
		n.logger.Debug("write rejected: not leader",
			"node_id", n.id,
			"role", n.role,
			"leader_id", n.leaderID,
		)
		n.mu.Unlock()
		n.metrics.ObserveRaftClientWriteDuration(n.id.String(), "not_leader", time.Since(start))
		return consensus.WriteResult{}, &consensus.NotLeaderError{LeaderHint: hint}
	}

	entry, err := build()
	if err != nil || entry == nil {
		index := n.commitIndex
		n.mu.Unlock()
		return consensus.WriteResult{Index: index}, err
	}
	waiter, err := n.appendAsLeaderLocked(ctx, *entry)
	n.mu.Unlock()
	if err != nil {
		return consensus.WriteResult{}, err
	}

	select {
	case out := <-waiter.ch:
		result := "ok"
		if out.err != nil {
			result = "leadership_lost"
		}
		n.metrics.ObserveRaftClientWriteDuration(n.id.String(), result, time.Since(start))
		if out.err != nil {
			return consensus.WriteResult{}, out.err
		}
		return consensus.WriteResult{Index: out.index, Response: out.response}, nil
	case <-ctx.Done():
		n.mu.Lock()
		for index, w := range n.waiters {
			if w == waiter {
				delete(n.waiters, index)
			}
		}
		n.mu.Unlock()
		n.metrics.ObserveRaftClientWriteDuration(n.id.String(), "unavailable", time.Since(start))
		return consensus.WriteResult{}, fmt.Errorf("%w: %w", consensus.ErrUnavailable, ctx.Err())
	}
}

// appendAsLeaderLocked stamps entry with the next index, appends it and
// registers a waiter. Caller must hold n.mu and be leader.
func (n *Node) appendAsLeaderLocked(ctx context.Context, entry LogEntry) (*writeWaiter, error) {
	entry.Term = n.currentTerm
	entry.Index = n.lastLogIndexLocked() + 1
	if err := n.traceAppendLogLocked(ctx, []LogEntry{entry}); err != nil {
		n.markDegradedLocked(err)
		return nil, err
	}

	n.logger.Debug("entry appended to leader log",
		"node_id", n.id,
		"index", entry.Index,
		"term", entry.Term,
		"type", entry.Type,
	)

	waiter := &writeWaiter{term: entry.Term, ch: make(chan writeOutcome, 1)}
	n.waiters[entry.Index] = waiter
	if entry.Type == EntryConfig {
		n.pendingConfigIndex = entry.Index
	}

	if n.advanceCommitIndexLocked(ctx) {
		n.notifyApply()
	}
	n.notifyReplicate()
	return waiter, nil
}

// Initialize bootstraps a pristine node with members. Every initial member
// must be initialized with the same list; nodes added later join through
// AddVoter on the leader instead.
//
// The lowest member campaigns right away, the others wait for their election
// timeout, so a fresh cluster elects without a split vote.
func (n *Node) Initialize(ctx context.Context, members []NodeID) error {
	cfg := NewClusterConfig(members...)

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.degraded {
		return ErrNodeDegraded
	}
	if !n.config.Empty() || n.currentTerm != 0 || n.lastLogIndexLocked() != 0 {
		return ErrAlreadyInitialized
	}
	if !cfg.Contains(n.id) {
		return ErrNotMember
	}

	cfg = n.withKnownAddrsLocked(cfg)
	n.config = cfg
	n.appliedConfig = cfg.Clone()
	if err := n.tracePersistHardStateLocked(ctx, "initialize"); err != nil {
		n.markDegradedLocked(err)
		return err
	}
	n.logger.Info("cluster initialized",
		"node_id", n.id,
		"members", cfg.Members,
	)

	if cfg.Members[0] == n.id {
		select {
		case n.campaignCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// IsLeader reports whether the node currently believes it is the leader.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == Leader
}

// Stop cancels the background loops, fails pending writers and waits for
// the loops to exit.
func (n *Node) Stop() {
	n.mu.Lock()
	cancel := n.cancel
	n.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	n.wg.Wait()

	n.mu.Lock()
	if n.leaderCancel != nil {
		n.leaderCancel()
		n.leaderCancel = nil
	}
	n.failWaitersLocked(consensus.ErrLeadershipLost)
	n.mu.Unlock()
}
