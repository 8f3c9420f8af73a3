package raft

import "time"

// Metrics captures Raft-layer metric sinks used by the node implementation.
type Metrics interface {
	ObserveRaftAppendEntriesRPCDuration(nodeID, peerID string, heartbeat bool, d time.Duration)
	IncRaftAppendEntriesReject(nodeID, peerID string, heartbeat bool)
	IncRaftAppendEntriesRPCError(nodeID, peerID string, heartbeat bool)
	ObserveRaftInstallSnapshotRPCDuration(nodeID, peerID string, d time.Duration)
	ObserveRaftInstallSnapshotSendBytes(nodeID, peerID string, n int)
	IncRaftInstallSnapshotSend(nodeID, peerID, result string)
	IncRaftElectionStarted(nodeID string)
	IncRaftElectionWon(nodeID string)
	IncRaftElectionLost(nodeID, reason string)
	IncRaftStorageError(nodeID, op string)
	IncRaftSnapshotCreated(nodeID string, bytes int)
	SetRaftApplyLag(nodeID string, lag uint64)
	SetRaftIsLeader(nodeID string, isLeader bool)
	SetRaftTerm(nodeID string, term uint64)
	ObserveRaftClientWriteDuration(nodeID, result string, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRaftAppendEntriesRPCDuration(string, string, bool, time.Duration) {}
func (noopMetrics) IncRaftAppendEntriesReject(string, string, bool)                         {}
func (noopMetrics) IncRaftAppendEntriesRPCError(string, string, bool)                       {}
func (noopMetrics) ObserveRaftInstallSnapshotRPCDuration(string, string, time.Duration)     {}
func (noopMetrics) ObserveRaftInstallSnapshotSendBytes(string, string, int)                 {}
func (noopMetrics) IncRaftInstallSnapshotSend(string, string, string)                       {}
func (noopMetrics) IncRaftElectionStarted(string)                                           {}
func (noopMetrics) IncRaftElectionWon(string)                                               {}
func (noopMetrics) IncRaftElectionLost(string, string)                                      {}
func (noopMetrics) IncRaftStorageError(string, string)                                      {}
func (noopMetrics) IncRaftSnapshotCreated(string, int)                                      {}
func (noopMetrics) SetRaftApplyLag(string, uint64)                                          {}
func (noopMetrics) SetRaftIsLeader(string, bool)                                            {}
func (noopMetrics) SetRaftTerm(string, uint64)                                              {}
func (noopMetrics) ObserveRaftClientWriteDuration(string, string, time.Duration)            {}
