package raft

import (
	"context"
)

func (n *Node) runFollower(ctx context.Context) {
	timer := n.newTimer(n.electionTimeoutFn())
	defer timer.Stop()

	resetCh := n.electionTimeoutResetSignal()

	for {
		select {
		case <-ctx.Done():
			return
		case <-resetCh:
			resetTimer(timer, n.electionTimeoutFn())
		case <-n.campaignCh:
			n.mu.Lock()
			if n.role == Follower && n.config.Contains(n.id) {
				n.role = Candidate
			}
			role := n.role
			n.mu.Unlock()
			if role != Follower {
				return
			}
		case <-timer.C():
			n.mu.Lock()
			if !n.config.Contains(n.id) {
				// Not a voter: never initialized, or removed from the cluster.
				n.mu.Unlock()
				timer.Reset(n.electionTimeoutFn())
				continue
			}
			n.logger.Debug("election timeout fired, converting to candidate",
				"node_id", n.id,
				"term", n.currentTerm,
			)
			n.role = Candidate
			n.leaderID = 0
			n.mu.Unlock()
			return
		}
	}
}

func (n *Node) runCandidate(ctx context.Context) {
	n.mu.Lock()
	if n.role != Candidate {
		n.mu.Unlock()
		return
	}
	prevTerm := n.currentTerm
	prevVotedFor := n.votedFor
	n.currentTerm++
	term := n.currentTerm
	n.votedFor = n.id
	if err := n.tracePersistHardStateLocked(ctx, "start_election"); err != nil {
		n.currentTerm = prevTerm
		n.votedFor = prevVotedFor
		n.role = Follower
		n.markDegradedLocked(err)
		n.mu.Unlock()
		return
	}
	n.metrics.IncRaftElectionStarted(n.id.String())
	n.metrics.SetRaftTerm(n.id.String(), term)
	lastLogIndex := n.lastLogIndexLocked()
	lastLogTerm := n.lastLogTermLocked()
	peers := n.peersLocked()
	majority := n.config.Quorum()

	n.logger.Debug("starting election",
		"node_id", n.id,
		"term", term,
		"last_log_index", lastLogIndex,
		"last_log_term", lastLogTerm,
		"peers", len(peers),
	)

	votes := 1
	if votes >= majority {
		n.becomeLeaderLocked(ctx)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	timer := n.newTimer(n.electionTimeoutFn())
	defer timer.Stop()

	electionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	voteCh := make(chan *VoteResponse, len(peers))
	req := &VoteRequest{
		Term:         term,
		CandidateID:  n.id,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
	}

	for _, peerID := range peers {
		go func(peer NodeID) {
			rpcCtx, rpcCancel := context.WithTimeout(electionCtx, n.cfg.RPCTimeout)
			defer rpcCancel()

			resp, err := n.transport.RequestVote(rpcCtx, peer, req)
			if err != nil || resp == nil {
				n.logger.Debug("vote request failed",
					"node_id", n.id,
					"term", term,
					"peer_id", peer,
					"error", err,
				)
				return
			}

			select {
			case voteCh <- resp:
			case <-electionCtx.Done():
			}
		}(peerID)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
			n.logger.Debug("election timed out, restarting",
				"node_id", n.id,
				"term", term,
			)
			n.metrics.IncRaftElectionLost(n.id.String(), "timeout")
			return
		case resp := <-voteCh:
			n.mu.Lock()
			if resp.Term > n.currentTerm {
				n.logger.Debug("stepping down: higher term seen during election",
					"node_id", n.id,
					"current_term", n.currentTerm,
					"peer_term", resp.Term,
				)
				n.stepDownLocked(resp.Term, 0)
				if err := n.tracePersistHardStateLocked(ctx, "candidate_step_down_higher_term"); err != nil {
					n.markDegradedLocked(err)
				}
				n.metrics.IncRaftElectionLost(n.id.String(), "higher_term")
				n.mu.Unlock()
				return
			}
			if n.role != Candidate || n.currentTerm != term {
				n.mu.Unlock()
				return
			}

			if resp.VoteGranted {
				votes++
				n.logger.Debug("vote granted",
					"node_id", n.id,
					"term", term,
					"votes", votes,
					"majority", majority,
				)
			}

			if votes >= majority {
				n.becomeLeaderLocked(ctx)
				n.mu.Unlock()
				return
			}
			n.mu.Unlock()
		}
	}
}

// becomeLeaderLocked switches to leader, resets peer progress and appends the
// no-op entry that lets prior-term entries commit. Caller must hold n.mu.
func (n *Node) becomeLeaderLocked(ctx context.Context) {
	n.logger.Info("won election, becoming leader",
		"node_id", n.id,
		"term", n.currentTerm,
	)
	n.role = Leader
	n.leaderID = n.id
	n.metrics.IncRaftElectionWon(n.id.String())
	n.metrics.SetRaftIsLeader(n.id.String(), true)

	noop := LogEntry{
		Term:  n.currentTerm,
		Index: n.lastLogIndexLocked() + 1,
		Type:  EntryNoop,
	}
	clear(n.nextIndex)
	clear(n.matchIndex)
	clear(n.replicateInFlight)
	clear(n.replicatePending)
	for _, peer := range n.peersLocked() {
		n.nextIndex[peer] = noop.Index
		n.matchIndex[peer] = 0
	}
	n.leaderNoopIndex = noop.Index

	if err := n.traceAppendLogLocked(ctx, []LogEntry{noop}); err != nil {
		n.markDegradedLocked(err)
		return
	}

	if n.advanceCommitIndexLocked(ctx) {
		n.notifyApply()
	}
	n.notifyReplicate()
}
