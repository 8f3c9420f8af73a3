package raftgrpc

import (
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/i-melnichenko/studentkv/internal/consensus/raft"
)

func recordSpanError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}

func peerAttrs(to raft.NodeID, target string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64("raft.peer_id", int64(to)),
		attribute.String("raft.peer.target", target),
	}
}

func requestVoteAttrs(req *raft.VoteRequest) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64("raft.term", int64(req.Term)),
		attribute.Int64("raft.candidate_id", int64(req.CandidateID)),
		attribute.Int64("raft.last_log_index", int64(req.LastLogIndex)),
		attribute.Int64("raft.last_log_term", int64(req.LastLogTerm)),
	}
}

func appendEntriesAttrs(req *raft.AppendEntriesRequest) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64("raft.term", int64(req.Term)),
		attribute.Int64("raft.leader_id", int64(req.LeaderID)),
		attribute.Int64("raft.prev_log_index", int64(req.PrevLogIndex)),
		attribute.Int64("raft.prev_log_term", int64(req.PrevLogTerm)),
		attribute.Int("raft.entries_count", len(req.Entries)),
		attribute.Bool("raft.is_heartbeat", len(req.Entries) == 0),
		attribute.Int64("raft.leader_commit", int64(req.LeaderCommit)),
	}
}

func installSnapshotAttrs(req *raft.InstallSnapshotRequest) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64("raft.term", int64(req.Term)),
		attribute.Int64("raft.leader_id", int64(req.LeaderID)),
		attribute.Int64("raft.snapshot.index", int64(req.LastIncludedIndex)),
		attribute.Int64("raft.snapshot.term", int64(req.LastIncludedTerm)),
		attribute.Int("raft.snapshot.bytes", len(req.Data)),
	}
}
