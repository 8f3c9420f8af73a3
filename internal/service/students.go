// Package service contains application services exposed via transports.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/i-melnichenko/studentkv/internal/consensus"
	"github.com/i-melnichenko/studentkv/internal/consensus/raft"
	"github.com/i-melnichenko/studentkv/internal/student"
)

const tracerName = "github.com/i-melnichenko/studentkv/internal/service"

// DefaultWriteTimeout bounds writes whose context carries no deadline.
const DefaultWriteTimeout = 5 * time.Second

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
}

// Metrics captures service-level metric sinks used by Students.
type Metrics interface {
	IncStudentWrite(nodeID, op, result string)
	ObserveStudentWriteDuration(nodeID, op string, d time.Duration)
	SetStudentRecords(nodeID string, n int)
}

type noopMetrics struct{}

func (noopMetrics) IncStudentWrite(string, string, string)                    {}
func (noopMetrics) ObserveStudentWriteDuration(string, string, time.Duration) {}
func (noopMetrics) SetStudentRecords(string, int)                             {}

// Node is the consensus engine as seen by the service. *raft.Node satisfies it.
type Node interface {
	consensus.Consensus
	ClusterStatus() raft.ClusterStatus
	AddVoter(ctx context.Context, id raft.NodeID, addr string) (uint64, error)
	RemoveVoter(ctx context.Context, id raft.NodeID) (uint64, error)
}

// Students bridges the student store and the consensus layer. Writes go
// through the replicated log; reads are served from the local store.
type Students struct {
	node    Node
	store   *student.Store
	logger  Logger
	tracer  oteltrace.Tracer
	metrics Metrics
	nodeID  string

	// WriteTimeout applies to writes whose context has no deadline. Zero
	// leaves such writes unbounded.
	WriteTimeout time.Duration
}

// NewStudents creates a service backed by node and store. tracer and metrics
// may be nil.
func NewStudents(node Node, store *student.Store, logger Logger, tracer oteltrace.Tracer, metrics Metrics, nodeID string) *Students {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Students{
		node:         node,
		store:        store,
		logger:       logger,
		tracer:       tracer,
		metrics:      metrics,
		nodeID:       nodeID,
		WriteTimeout: DefaultWriteTimeout,
	}
}

func spanRecordError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}

// Create replicates a new record. Creating an existing id yields a response
// with Success=false.
func (s *Students) Create(ctx context.Context, rec student.Record) (student.Response, uint64, error) {
	return s.write(ctx, student.Command{Op: student.OpCreate, Record: &rec})
}

// Update replaces an existing record.
func (s *Students) Update(ctx context.Context, rec student.Record) (student.Response, uint64, error) {
	return s.write(ctx, student.Command{Op: student.OpUpdate, Record: &rec})
}

// Delete removes the record with id.
func (s *Students) Delete(ctx context.Context, id int64) (student.Response, uint64, error) {
	return s.write(ctx, student.Command{Op: student.OpDelete, ID: id})
}

// Get returns a record from the local replica.
func (s *Students) Get(id int64) (student.Record, bool) {
	return s.store.Get(id)
}

// CurrentRecords returns a copy of the local replica's records.
func (s *Students) CurrentRecords() map[int64]student.Record {
	return s.store.Records()
}

// Status reports the consensus state of this node.
func (s *Students) Status() raft.ClusterStatus {
	return s.node.ClusterStatus()
}

// IsLeader reports whether the underlying consensus node is currently leader.
func (s *Students) IsLeader() bool {
	return s.node.IsLeader()
}

// AddVoter adds id, reachable for Raft traffic at addr, to the cluster
// membership. addr may be empty when every member already knows it.
func (s *Students) AddVoter(ctx context.Context, id uint64, addr string) (uint64, error) {
	ctx, cancel := s.withWriteTimeout(ctx)
	defer cancel()
	s.logger.Info("adding voter", "node_id", s.nodeID, "target", id, "addr", addr)
	return s.node.AddVoter(ctx, raft.NodeID(id), addr)
}

// RemoveVoter removes id from the cluster membership.
func (s *Students) RemoveVoter(ctx context.Context, id uint64) (uint64, error) {
	ctx, cancel := s.withWriteTimeout(ctx)
	defer cancel()
	s.logger.Info("removing voter", "node_id", s.nodeID, "target", id)
	return s.node.RemoveVoter(ctx, raft.NodeID(id))
}

func (s *Students) withWriteTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || s.WriteTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.WriteTimeout)
}

func (s *Students) write(ctx context.Context, cmd student.Command) (student.Response, uint64, error) {
	cmd.RequestID = uuid.NewString()
	op := string(cmd.Op)

	ctx, span := s.tracer.Start(ctx, "student.service."+op, oteltrace.WithAttributes(
		attribute.String("student.op", op),
		attribute.Int64("student.id", cmd.TargetID()),
		attribute.String("student.request_id", cmd.RequestID),
	))
	defer span.End()

	raw, err := student.EncodeCommand(cmd)
	if err != nil {
		spanRecordError(span, err)
		s.metrics.IncStudentWrite(s.nodeID, op, "invalid")
		return student.Response{}, 0, err
	}

	ctx, cancel := s.withWriteTimeout(ctx)
	defer cancel()

	s.logger.Debug("proposing student command",
		"node_id", s.nodeID,
		"op", op,
		"id", cmd.TargetID(),
		"request_id", cmd.RequestID,
	)

	start := time.Now()
	res, err := s.node.ClientWrite(ctx, raw)
	s.metrics.ObserveStudentWriteDuration(s.nodeID, op, time.Since(start))
	if err != nil {
		spanRecordError(span, err)
		s.metrics.IncStudentWrite(s.nodeID, op, writeResult(err))
		return student.Response{}, 0, err
	}
	span.SetAttributes(attribute.Int64("raft.log.index", int64(res.Index)))

	resp, err := student.DecodeResponse(res.Response)
	if err != nil {
		spanRecordError(span, err)
		s.metrics.IncStudentWrite(s.nodeID, op, "decode_error")
		return student.Response{}, res.Index, fmt.Errorf("service: %w", err)
	}

	result := "ok"
	if !resp.Success {
		result = "rejected"
	}
	s.metrics.IncStudentWrite(s.nodeID, op, result)
	s.metrics.SetStudentRecords(s.nodeID, s.store.Len())
	s.logger.Debug("student command applied",
		"node_id", s.nodeID,
		"op", op,
		"index", res.Index,
		"request_id", cmd.RequestID,
		"success", resp.Success,
	)
	return resp, res.Index, nil
}

func writeResult(err error) string {
	var notLeader *consensus.NotLeaderError
	switch {
	case errors.As(err, &notLeader):
		return "not_leader"
	case errors.Is(err, consensus.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, consensus.ErrLeadershipLost):
		return "leadership_lost"
	default:
		return "error"
	}
}
