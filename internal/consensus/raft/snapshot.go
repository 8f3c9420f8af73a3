package raft

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// installSnapshotLocked replaces local log state with snap received from the
// leader. The state machine is reset later by the apply loop.
// Caller must hold n.mu.
func (n *Node) installSnapshotLocked(ctx context.Context, snap Snapshot) error {
	// Keep the suffix when the log already holds the snapshot's last entry.
	keepSuffix := false
	if snap.LastIncludedIndex <= n.lastLogIndexLocked() {
		if term, err := n.storage.Term(snap.LastIncludedIndex); err == nil && term == snap.LastIncludedTerm {
			keepSuffix = true
		}
	}

	n.logger.Info("installing snapshot from leader",
		"node_id", n.id,
		"leader_id", n.leaderID,
		"snapshot_index", snap.LastIncludedIndex,
		"snapshot_term", snap.LastIncludedTerm,
		"keep_suffix", keepSuffix,
	)

	if err := n.traceSaveSnapshotLocked(ctx, snap, keepSuffix); err != nil {
		n.markDegradedLocked(err)
		return err
	}
	n.snapshot = cloneSnapshot(&snap)

	if snap.LastIncludedIndex > n.commitIndex {
		n.commitIndex = snap.LastIncludedIndex
		if !snap.Config.Empty() {
			prev := n.config
			n.config = snap.Config.Clone()
			n.syncPeersLocked(prev, n.config)
		}
		if err := n.tracePersistHardStateLocked(ctx, "install_snapshot"); err != nil {
			n.markDegradedLocked(err)
			return err
		}
	}

	if snap.LastIncludedIndex > n.lastApplied {
		n.pendingSnapshot = cloneSnapshot(&snap)
		n.notifyApply()
	}
	return nil
}

// installSnapshotRequestForPeer checks whether peer needs a snapshot instead
// of AppendEntries.
//
// Returns:
//   - (nil, false) when not leader; caller must stop
//   - (nil, true)  when no snapshot is needed or one is already in flight
//   - (req, true)  when the snapshot must be sent
func (n *Node) installSnapshotRequestForPeer(peer NodeID) (*InstallSnapshotRequest, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role != Leader {
		return nil, false
	}
	if n.snapshot == nil || n.nextIndex[peer] > n.snapshot.LastIncludedIndex {
		return nil, true
	}
	if n.replicateInFlight[peer] {
		n.replicatePending[peer] = true
		return nil, true
	}
	n.replicateInFlight[peer] = true

	return &InstallSnapshotRequest{
		Term:              n.currentTerm,
		LeaderID:          n.id,
		LastIncludedIndex: n.snapshot.LastIncludedIndex,
		LastIncludedTerm:  n.snapshot.LastIncludedTerm,
		Config:            n.snapshot.Config.Clone(),
		Data:              append([]byte(nil), n.snapshot.Data...),
	}, true
}

// sendInstallSnapshot delivers a snapshot to a lagging follower and updates
// leader replication progress on success.
func (n *Node) sendInstallSnapshot(ctx context.Context, peer NodeID, req *InstallSnapshotRequest) {
	ctx, span := n.startSpan(ctx, "raft.node.sendInstallSnapshot",
		attribute.Int64("raft.peer_id", int64(peer)),
		attribute.Int64("raft.snapshot.index", int64(req.LastIncludedIndex)),
		attribute.Int("raft.snapshot.bytes", len(req.Data)),
	)
	defer span.End()
	defer n.finishPeerRequest(peer)

	n.logger.Debug("sending InstallSnapshot",
		"node_id", n.id,
		"peer_id", peer,
		"term", req.Term,
		"snapshot_index", req.LastIncludedIndex,
		"snapshot_term", req.LastIncludedTerm,
	)

	peerLabel := peer.String()
	n.metrics.ObserveRaftInstallSnapshotSendBytes(n.id.String(), peerLabel, len(req.Data))

	// Snapshots can be large; allow more than a heartbeat-sized round trip.
	rpcCtx, cancel := context.WithTimeout(ctx, 4*n.cfg.RPCTimeout)
	defer cancel()

	start := time.Now()
	resp, err := n.transport.InstallSnapshot(rpcCtx, peer, req)
	n.metrics.ObserveRaftInstallSnapshotRPCDuration(n.id.String(), peerLabel, time.Since(start))
	if err != nil || resp == nil {
		n.metrics.IncRaftInstallSnapshotSend(n.id.String(), peerLabel, "error")
		n.logger.Debug("InstallSnapshot RPC failed",
			"node_id", n.id,
			"peer_id", peer,
			"snapshot_index", req.LastIncludedIndex,
			"error", err,
		)
		spanRecordError(span, err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if resp.Term > n.currentTerm {
		n.metrics.IncRaftInstallSnapshotSend(n.id.String(), peerLabel, "stale_term")
		n.stepDownLocked(resp.Term, 0)
		if err := n.tracePersistHardStateLocked(ctx, "leader_step_down_install_snapshot_response"); err != nil {
			n.markDegradedLocked(err)
		}
		return
	}
	if n.role != Leader || req.Term != n.currentTerm {
		return
	}

	n.metrics.IncRaftInstallSnapshotSend(n.id.String(), peerLabel, "ok")
	n.logger.Debug("InstallSnapshot succeeded",
		"node_id", n.id,
		"peer_id", peer,
		"snapshot_index", req.LastIncludedIndex,
	)

	if req.LastIncludedIndex > n.matchIndex[peer] {
		n.matchIndex[peer] = req.LastIncludedIndex
	}
	if next := req.LastIncludedIndex + 1; next > n.nextIndex[peer] {
		n.nextIndex[peer] = next
	}
	if n.advanceCommitIndexLocked(ctx) {
		n.notifyApply()
	}

	// Continue with entries after the snapshot.
	n.notifyReplicate()
}

// maybeSnapshot compacts the log once enough entries were applied past the
// previous snapshot. It runs on the apply loop, which owns the state machine.
func (n *Node) maybeSnapshot(ctx context.Context) {
	n.mu.Lock()
	threshold := n.cfg.SnapshotThreshold
	snapIndex := n.storage.State().SnapshotIndex
	due := threshold > 0 && n.lastApplied >= snapIndex+threshold
	cfg := n.appliedConfig.Clone()
	n.mu.Unlock()
	if !due {
		return
	}

	ctx, span := n.startSpan(ctx, "raft.node.snapshot")
	defer span.End()

	snap, err := n.storage.BuildSnapshot(cfg)
	if err != nil {
		spanRecordError(span, err)
		n.mu.Lock()
		n.markDegradedLocked(err)
		n.mu.Unlock()
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if snap.LastIncludedIndex <= n.storage.State().SnapshotIndex {
		return
	}
	if err := n.traceSaveSnapshotLocked(ctx, snap, true); err != nil {
		n.markDegradedLocked(err)
		return
	}
	n.snapshot = &snap
	n.metrics.IncRaftSnapshotCreated(n.id.String(), len(snap.Data))
	n.logger.Info("snapshot taken",
		"node_id", n.id,
		"snapshot_index", snap.LastIncludedIndex,
		"snapshot_term", snap.LastIncludedTerm,
		"bytes", len(snap.Data),
	)
}
