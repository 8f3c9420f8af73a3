package raft

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/i-melnichenko/studentkv/internal/consensus/raft"

func (n *Node) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	ctx, span := n.tracer.Start(ctx, name)
	span.SetAttributes(attribute.Int64("raft.node_id", int64(n.id)))
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func spanRecordError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}

func (n *Node) tracePersistHardStateLocked(ctx context.Context, reason string) error {
	_, span := n.startSpan(ctx, "raft.storage.SaveHardState", attribute.String("raft.persist.reason", reason))
	defer span.End()
	err := n.persistHardStateLocked()
	spanRecordError(span, err)
	return err
}

func (n *Node) traceAppendLogLocked(ctx context.Context, entries []LogEntry) error {
	_, span := n.startSpan(ctx, "raft.storage.AppendToLog", attribute.Int("raft.entries_count", len(entries)))
	defer span.End()
	err := n.storage.AppendToLog(entries)
	if err != nil {
		n.metrics.IncRaftStorageError(n.id.String(), "append")
	}
	spanRecordError(span, err)
	return err
}

func (n *Node) traceTruncateLogLocked(ctx context.Context, fromIndex uint64) error {
	_, span := n.startSpan(ctx, "raft.storage.TruncateFrom", attribute.Int64("raft.from_index", int64(fromIndex)))
	defer span.End()
	err := n.storage.TruncateFrom(fromIndex)
	if err != nil {
		n.metrics.IncRaftStorageError(n.id.String(), "truncate")
	}
	spanRecordError(span, err)
	return err
}

func (n *Node) traceSaveSnapshotLocked(ctx context.Context, snap Snapshot, keepSuffix bool) error {
	_, span := n.startSpan(
		ctx,
		"raft.storage.SaveSnapshot",
		attribute.Int64("raft.snapshot.index", int64(snap.LastIncludedIndex)),
		attribute.Int64("raft.snapshot.term", int64(snap.LastIncludedTerm)),
		attribute.Int("raft.snapshot.bytes", len(snap.Data)),
		attribute.Bool("raft.snapshot.keep_suffix", keepSuffix),
	)
	defer span.End()
	var err error
	if keepSuffix {
		err = n.storage.CompactTo(snap)
	} else {
		err = n.storage.ResetTo(snap)
	}
	if err != nil {
		n.metrics.IncRaftStorageError(n.id.String(), "snapshot")
	}
	spanRecordError(span, err)
	return err
}
