package raft

import (
	"context"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

func (n *Node) runLeader(ctx context.Context) {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return
	}
	leaderCtx, cancel := context.WithCancel(ctx)
	n.leaderCancel = cancel
	term := n.currentTerm
	n.mu.Unlock()
	defer cancel()

	n.logger.Debug("became leader, starting replication loop",
		"node_id", n.id,
		"term", term,
	)

	ticker := n.newTicker(n.heartbeatInterval)
	defer ticker.Stop()

	for {
		n.mu.Lock()
		if n.role != Leader || n.currentTerm != term {
			n.mu.Unlock()
			return
		}
		peers := n.peersLocked()
		n.mu.Unlock()

		for _, peer := range peers {
			// Check whether this peer needs a snapshot first.
			snapReq, ok := n.installSnapshotRequestForPeer(peer)
			if !ok {
				return // stepped down from leader
			}
			if snapReq != nil {
				go n.sendInstallSnapshot(leaderCtx, peer, snapReq)
				continue
			}

			req, ok := n.appendEntriesRequestForPeer(peer)
			if !ok {
				return
			}
			if req == nil {
				continue
			}

			go n.sendAppendEntries(leaderCtx, peer, req)
		}

		select {
		case <-leaderCtx.Done():
			return
		case <-n.replicateNotifyCh:
		case <-ticker.C():
		}
	}
}

func (n *Node) notifyReplicate() {
	select {
	case n.replicateNotifyCh <- struct{}{}:
	default:
	}
}

// appendEntriesRequestForPeer builds the next AppendEntries for peer.
//
// Returns (nil, false) when the node is no longer leader, (nil, true) when a
// request is already in flight for peer or the log changed under it.
func (n *Node) appendEntriesRequestForPeer(peer NodeID) (*AppendEntriesRequest, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role != Leader {
		return nil, false
	}
	if n.replicateInFlight[peer] {
		n.replicatePending[peer] = true
		return nil, true
	}

	nextIndex := max(n.nextIndex[peer], 1)
	prevLogIndex := nextIndex - 1
	prevLogTerm, err := n.storage.Term(prevLogIndex)
	if err != nil {
		// Compacted between the snapshot check and now; the next round sends a snapshot.
		if storageFatal(err) {
			n.markDegradedLocked(err)
			return nil, false
		}
		return nil, true
	}

	last := n.lastLogIndexLocked()
	end := min(last, prevLogIndex+uint64(n.cfg.MaxAppendEntries))
	entries, err := n.storage.ReadRange(nextIndex, end)
	if err != nil {
		if storageFatal(err) {
			n.markDegradedLocked(err)
			return nil, false
		}
		return nil, true
	}

	n.replicateInFlight[peer] = true
	return &AppendEntriesRequest{
		Term:         n.currentTerm,
		LeaderID:     n.id,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	}, true
}

func (n *Node) sendAppendEntries(ctx context.Context, peer NodeID, req *AppendEntriesRequest) {
	ctx, span := n.startSpan(
		ctx,
		"raft.node.sendAppendEntries",
		attribute.Int64("raft.peer_id", int64(peer)),
		attribute.Int64("raft.term", int64(req.Term)),
		attribute.Int64("raft.prev_log_index", int64(req.PrevLogIndex)),
		attribute.Int("raft.entries_count", len(req.Entries)),
		attribute.Bool("raft.is_heartbeat", len(req.Entries) == 0),
		attribute.Int64("raft.leader_commit", int64(req.LeaderCommit)),
	)
	defer span.End()

	defer n.finishPeerRequest(peer)

	peerLabel := peer.String()
	heartbeat := len(req.Entries) == 0
	rpcCtx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
	defer cancel()

	rpcStart := time.Now()
	resp, err := n.transport.AppendEntries(rpcCtx, peer, req)
	n.metrics.ObserveRaftAppendEntriesRPCDuration(n.id.String(), peerLabel, heartbeat, time.Since(rpcStart))
	if err != nil || resp == nil {
		n.metrics.IncRaftAppendEntriesRPCError(n.id.String(), peerLabel, heartbeat)
		if !heartbeat {
			n.logger.Debug("AppendEntries RPC failed",
				"node_id", n.id,
				"peer_id", peer,
				"error", err,
			)
		}
		spanRecordError(span, err)
		return
	}
	span.SetAttributes(
		attribute.Int64("raft.response_term", int64(resp.Term)),
		attribute.Bool("raft.append.success", resp.Success),
		attribute.Int64("raft.conflict_index", int64(resp.ConflictIndex)),
	)

	n.mu.Lock()

	if resp.Term > n.currentTerm {
		n.logger.Debug("stepping down: higher term in AppendEntries response",
			"node_id", n.id,
			"current_term", n.currentTerm,
			"peer_term", resp.Term,
			"peer_id", peer,
		)
		n.stepDownLocked(resp.Term, 0)
		if err := n.tracePersistHardStateLocked(ctx, "leader_step_down_append_entries_response"); err != nil {
			n.markDegradedLocked(err)
		}
		n.mu.Unlock()
		return
	}

	// Ignore responses that arrive after a role change or from an older term.
	if n.role != Leader || req.Term != n.currentTerm {
		n.mu.Unlock()
		return
	}

	if !resp.Success {
		n.metrics.IncRaftAppendEntriesReject(n.id.String(), peerLabel, heartbeat)
		n.backoffNextIndexLocked(peer, req, resp)
		n.mu.Unlock()
		n.notifyReplicate()
		return
	}

	matchIndex := req.PrevLogIndex + uint64(len(req.Entries))
	if resp.MatchIndex > 0 && resp.MatchIndex < matchIndex {
		matchIndex = resp.MatchIndex
	}
	if matchIndex > n.matchIndex[peer] {
		n.matchIndex[peer] = matchIndex
	}
	if next := matchIndex + 1; next > n.nextIndex[peer] {
		n.nextIndex[peer] = next
	}

	if len(req.Entries) > 0 {
		n.logger.Debug("AppendEntries succeeded",
			"node_id", n.id,
			"peer_id", peer,
			"match_index", n.matchIndex[peer],
			"next_index", n.nextIndex[peer],
		)
	}

	notifyApply := n.advanceCommitIndexLocked(ctx)
	moreToSend := n.nextIndex[peer] <= n.lastLogIndexLocked()
	n.mu.Unlock()

	if notifyApply {
		n.notifyApply()
	}
	if moreToSend {
		n.notifyReplicate()
	}
}

// backoffNextIndexLocked moves nextIndex back after a rejected AppendEntries
// using the follower's conflict hints. Caller must hold n.mu.
func (n *Node) backoffNextIndexLocked(peer NodeID, req *AppendEntriesRequest, resp *AppendEntriesResponse) {
	prevNext := n.nextIndex[peer]
	next := prevNext
	switch {
	case resp.ConflictTerm > 0:
		if idx := n.lastIndexOfTermLocked(resp.ConflictTerm); idx > 0 {
			next = idx + 1
		} else {
			next = resp.ConflictIndex
		}
	case resp.ConflictIndex > 0:
		next = resp.ConflictIndex
	default:
		next = req.PrevLogIndex
	}
	// A rejection must make progress, otherwise a hint pointing at the same
	// index loops forever.
	if next >= prevNext && prevNext > 1 {
		next = prevNext - 1
	}
	n.nextIndex[peer] = max(next, 1)

	n.logger.Debug("AppendEntries rejected, backing off nextIndex",
		"node_id", n.id,
		"peer_id", peer,
		"prev_next_index", prevNext,
		"new_next_index", n.nextIndex[peer],
		"conflict_term", resp.ConflictTerm,
		"conflict_index", resp.ConflictIndex,
	)
}

// finishPeerRequest clears the in-flight flag and re-triggers replication if
// work was queued meanwhile.
func (n *Node) finishPeerRequest(peer NodeID) {
	n.mu.Lock()
	n.replicateInFlight[peer] = false
	pending := n.replicatePending[peer]
	n.replicatePending[peer] = false
	n.mu.Unlock()

	if pending {
		n.notifyReplicate()
	}
}

// advanceCommitIndexLocked moves commitIndex to the highest index stored on a
// majority, but only when that entry belongs to the current term.
// Caller must hold n.mu.
func (n *Node) advanceCommitIndexLocked(ctx context.Context) bool {
	if n.role != Leader || n.config.Empty() {
		return false
	}

	last := n.lastLogIndexLocked()
	matches := make([]uint64, 0, len(n.config.Members))
	for _, id := range n.config.Members {
		if id == n.id {
			matches = append(matches, last)
			continue
		}
		matches = append(matches, n.matchIndex[id])
	}
	slices.Sort(matches)
	slices.Reverse(matches)
	candidate := matches[n.config.Quorum()-1]

	if candidate <= n.commitIndex {
		return false
	}
	term, err := n.storage.Term(candidate)
	if err != nil {
		n.markDegradedLocked(err)
		return false
	}
	if term != n.currentTerm {
		return false
	}

	prevCommit := n.commitIndex
	n.commitIndex = candidate
	n.logger.Debug("commit index advanced",
		"node_id", n.id,
		"prev_commit_index", prevCommit,
		"new_commit_index", candidate,
		"term", n.currentTerm,
	)
	n.metrics.SetRaftApplyLag(n.id.String(), n.commitIndex-n.lastApplied)

	if err := n.adoptCommittedConfigLocked(prevCommit, n.commitIndex); err != nil {
		n.markDegradedLocked(err)
		return false
	}
	if err := n.tracePersistHardStateLocked(ctx, "commit_advanced"); err != nil {
		n.markDegradedLocked(err)
		return false
	}
	return true
}
