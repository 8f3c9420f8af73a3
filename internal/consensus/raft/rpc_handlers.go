package raft

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// HandleRequestVote handles a Raft RequestVote RPC from a candidate.
func (n *Node) HandleRequestVote(ctx context.Context, req *VoteRequest) (*VoteResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.degraded {
		return nil, ErrNodeDegraded
	}

	n.logger.Debug("received RequestVote",
		"node_id", n.id,
		"from", req.CandidateID,
		"candidate_term", req.Term,
		"current_term", n.currentTerm,
		"candidate_last_log_index", req.LastLogIndex,
		"candidate_last_log_term", req.LastLogTerm,
	)

	resp := &VoteResponse{Term: n.currentTerm}

	if req.Term < n.currentTerm {
		return resp, nil
	}

	// A follower that still hears from its leader ignores candidates from a
	// higher term, so a node cut off from the leader cannot depose it.
	if req.Term > n.currentTerm && n.hasLiveLeaderLocked() && req.CandidateID != n.leaderID {
		n.logger.Debug("rejected vote: leader still live",
			"node_id", n.id,
			"from", req.CandidateID,
			"leader_id", n.leaderID,
		)
		return resp, nil
	}

	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term, 0)
		if err := n.tracePersistHardStateLocked(ctx, "vote_request_higher_term"); err != nil {
			n.markDegradedLocked(err)
			return nil, err
		}
	}
	resp.Term = n.currentTerm

	lastTerm := n.lastLogTermLocked()
	lastIndex := n.lastLogIndexLocked()
	upToDate := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)

	if (n.votedFor == 0 || n.votedFor == req.CandidateID) && upToDate {
		prevVotedFor := n.votedFor
		n.votedFor = req.CandidateID
		if err := n.tracePersistHardStateLocked(ctx, "vote_granted"); err != nil {
			n.votedFor = prevVotedFor
			n.markDegradedLocked(err)
			return nil, err
		}
		resp.VoteGranted = true
		n.resetElectionTimeout()
		n.logger.Debug("granted vote",
			"node_id", n.id,
			"to", req.CandidateID,
			"term", n.currentTerm,
		)
	} else {
		n.logger.Debug("denied vote",
			"node_id", n.id,
			"to", req.CandidateID,
			"term", n.currentTerm,
			"voted_for", n.votedFor,
			"up_to_date", upToDate,
		)
	}

	return resp, nil
}

// hasLiveLeaderLocked reports whether a leader was heard from within the
// minimum election timeout. Caller must hold n.mu.
func (n *Node) hasLiveLeaderLocked() bool {
	if n.role != Follower || n.leaderID == 0 || n.lastLeaderContact.IsZero() {
		return false
	}
	return n.now().Sub(n.lastLeaderContact) < n.cfg.ElectionTimeoutMin
}

// acceptLeaderLocked handles the term bookkeeping shared by AppendEntries and
// InstallSnapshot once the request term is known to be current.
// Caller must hold n.mu.
func (n *Node) acceptLeaderLocked(ctx context.Context, term uint64, leader NodeID) error {
	advanced := term > n.currentTerm
	n.stepDownLocked(term, leader)
	n.lastLeaderContact = n.now()
	n.resetElectionTimeout()
	if advanced {
		if err := n.tracePersistHardStateLocked(ctx, "leader_higher_term"); err != nil {
			n.markDegradedLocked(err)
			return err
		}
	}
	return nil
}

// HandleAppendEntries handles a Raft AppendEntries RPC from the leader.
func (n *Node) HandleAppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.degraded {
		return nil, ErrNodeDegraded
	}

	resp := &AppendEntriesResponse{Term: n.currentTerm}

	if req.Term < n.currentTerm {
		return resp, nil
	}
	if err := n.acceptLeaderLocked(ctx, req.Term, req.LeaderID); err != nil {
		return nil, err
	}
	resp.Term = n.currentTerm

	st := n.storage.State()

	// Log matching check on the entry preceding the new ones.
	if req.PrevLogIndex > st.LastIndex {
		n.logger.Debug("AppendEntries rejected: missing prev entry",
			"node_id", n.id,
			"leader_id", req.LeaderID,
			"prev_log_index", req.PrevLogIndex,
			"last_log_index", st.LastIndex,
		)
		resp.ConflictIndex = st.LastIndex + 1
		return resp, nil
	}
	if req.PrevLogIndex >= st.SnapshotIndex {
		prevTerm, err := n.storage.Term(req.PrevLogIndex)
		if err != nil {
			n.markDegradedLocked(err)
			return nil, err
		}
		if prevTerm != req.PrevLogTerm {
			n.logger.Debug("AppendEntries rejected: term conflict at prev entry",
				"node_id", n.id,
				"leader_id", req.LeaderID,
				"prev_log_index", req.PrevLogIndex,
				"our_term", prevTerm,
				"leader_term", req.PrevLogTerm,
			)
			if req.PrevLogIndex == st.SnapshotIndex {
				err := fmt.Errorf("%w: index %d has term %d, leader %d sent %d",
					ErrSnapshotMismatch, st.SnapshotIndex, prevTerm, req.LeaderID, req.PrevLogTerm)
				n.markDegradedLocked(err)
				return nil, err
			}
			resp.ConflictTerm = prevTerm
			resp.ConflictIndex = n.firstIndexOfTermLocked(req.PrevLogIndex, prevTerm)
			return resp, nil
		}
	}
	// PrevLogIndex below the snapshot is covered by committed state.

	for i, entry := range req.Entries {
		index := req.PrevLogIndex + uint64(i) + 1
		if index <= st.SnapshotIndex {
			continue
		}
		if index <= n.lastLogIndexLocked() {
			term, err := n.storage.Term(index)
			if err != nil {
				n.markDegradedLocked(err)
				return nil, err
			}
			if term == entry.Term {
				continue
			}
			if index <= n.commitIndex {
				err := fmt.Errorf("raft: leader %d conflicts with committed entry %d", req.LeaderID, index)
				n.markDegradedLocked(err)
				return nil, err
			}
			n.logger.Debug("truncating conflicting log entries",
				"node_id", n.id,
				"from_index", index,
			)
			if err := n.traceTruncateLogLocked(ctx, index); err != nil {
				n.markDegradedLocked(err)
				return nil, err
			}
		}
		if err := n.traceAppendLogLocked(ctx, cloneLogEntries(req.Entries[i:])); err != nil {
			n.markDegradedLocked(err)
			return nil, err
		}
		break
	}

	lastNew := req.PrevLogIndex + uint64(len(req.Entries))
	if len(req.Entries) > 0 {
		n.logger.Debug("appended entries from leader",
			"node_id", n.id,
			"leader_id", req.LeaderID,
			"count", len(req.Entries),
			"last_index", n.lastLogIndexLocked(),
		)
	}

	if newCommit := min(req.LeaderCommit, lastNew); newCommit > n.commitIndex {
		prevCommit := n.commitIndex
		n.commitIndex = newCommit
		n.logger.Debug("commit index updated by leader",
			"node_id", n.id,
			"prev_commit", prevCommit,
			"new_commit", n.commitIndex,
			"leader_commit", req.LeaderCommit,
		)
		if err := n.adoptCommittedConfigLocked(prevCommit, n.commitIndex); err != nil {
			n.markDegradedLocked(err)
			return nil, err
		}
		if err := n.tracePersistHardStateLocked(ctx, "follower_commit"); err != nil {
			n.markDegradedLocked(err)
			return nil, err
		}
		n.notifyApply()
	}

	resp.Success = true
	resp.MatchIndex = lastNew
	return resp, nil
}

// HandleInstallSnapshot installs a snapshot sent by the leader.
func (n *Node) HandleInstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	ctx, span := n.startSpan(ctx, "raft.node.HandleInstallSnapshot",
		attribute.Int64("raft.snapshot.index", int64(req.LastIncludedIndex)),
		attribute.Int64("raft.snapshot.term", int64(req.LastIncludedTerm)),
	)
	defer span.End()

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.degraded {
		return nil, ErrNodeDegraded
	}

	n.logger.Debug("received InstallSnapshot",
		"node_id", n.id,
		"leader_id", req.LeaderID,
		"snapshot_index", req.LastIncludedIndex,
		"snapshot_term", req.LastIncludedTerm,
	)

	resp := &InstallSnapshotResponse{Term: n.currentTerm}
	if req.Term < n.currentTerm {
		return resp, nil
	}
	if err := n.acceptLeaderLocked(ctx, req.Term, req.LeaderID); err != nil {
		spanRecordError(span, err)
		return nil, err
	}
	resp.Term = n.currentTerm

	st := n.storage.State()
	if req.LastIncludedIndex == st.SnapshotIndex && st.SnapshotIndex > 0 && req.LastIncludedTerm != st.SnapshotTerm {
		err := fmt.Errorf("%w: index %d has term %d, leader %d sent %d",
			ErrSnapshotMismatch, st.SnapshotIndex, st.SnapshotTerm, req.LeaderID, req.LastIncludedTerm)
		n.markDegradedLocked(err)
		spanRecordError(span, err)
		return nil, err
	}
	if req.LastIncludedIndex <= st.SnapshotIndex {
		n.logger.Debug("InstallSnapshot ignored: already compacted past it",
			"node_id", n.id,
			"snapshot_index", st.SnapshotIndex,
		)
		return resp, nil
	}

	snap := Snapshot{
		LastIncludedIndex: req.LastIncludedIndex,
		LastIncludedTerm:  req.LastIncludedTerm,
		Config:            req.Config.Clone(),
		Data:              append([]byte(nil), req.Data...),
	}
	if err := n.installSnapshotLocked(ctx, snap); err != nil {
		spanRecordError(span, err)
		return nil, err
	}
	return resp, nil
}
