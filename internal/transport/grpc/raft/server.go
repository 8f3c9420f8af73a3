package raftgrpc

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/i-melnichenko/studentkv/internal/consensus/raft"
)

const tracerName = "github.com/i-melnichenko/studentkv/internal/transport/grpc/raft"

// Server serves the peer protocol by delegating RPCs to a Raft node.
type Server struct {
	handler raft.RPCHandler
	tracer  oteltrace.Tracer
}

// NewServer creates a Raft gRPC server adapter for handler. A nil tracer
// falls back to the global provider.
func NewServer(handler raft.RPCHandler, tracer oteltrace.Tracer) *Server {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Server{handler: handler, tracer: tracer}
}

// Register attaches the service to r.
func (s *Server) Register(r grpc.ServiceRegistrar) {
	r.RegisterService(&serviceDesc, s)
}

// RequestVote handles a Raft RequestVote RPC.
func (s *Server) RequestVote(ctx context.Context, req *raft.VoteRequest) (*raft.VoteResponse, error) {
	ctx, span := s.tracer.Start(ctx, "raftgrpc.server.RequestVote", oteltrace.WithAttributes(requestVoteAttrs(req)...))
	defer span.End()

	resp, err := s.handler.HandleRequestVote(ctx, req)
	if err != nil {
		recordSpanError(span, err)
		return nil, toGRPCStatus(err)
	}
	span.SetAttributes(
		attribute.Int64("raft.response_term", int64(resp.Term)),
		attribute.Bool("raft.vote_granted", resp.VoteGranted),
	)
	return resp, nil
}

// AppendEntries handles a Raft AppendEntries RPC.
func (s *Server) AppendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	ctx, span := s.tracer.Start(ctx, "raftgrpc.server.AppendEntries", oteltrace.WithAttributes(appendEntriesAttrs(req)...))
	defer span.End()

	resp, err := s.handler.HandleAppendEntries(ctx, req)
	if err != nil {
		recordSpanError(span, err)
		return nil, toGRPCStatus(err)
	}
	span.SetAttributes(
		attribute.Int64("raft.response_term", int64(resp.Term)),
		attribute.Bool("raft.append.success", resp.Success),
		attribute.Int64("raft.conflict_term", int64(resp.ConflictTerm)),
		attribute.Int64("raft.conflict_index", int64(resp.ConflictIndex)),
	)
	return resp, nil
}

// InstallSnapshot handles a Raft InstallSnapshot RPC.
func (s *Server) InstallSnapshot(ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	ctx, span := s.tracer.Start(ctx, "raftgrpc.server.InstallSnapshot", oteltrace.WithAttributes(installSnapshotAttrs(req)...))
	defer span.End()

	resp, err := s.handler.HandleInstallSnapshot(ctx, req)
	if err != nil {
		recordSpanError(span, err)
		return nil, toGRPCStatus(err)
	}
	span.SetAttributes(attribute.Int64("raft.response_term", int64(resp.Term)))
	return resp, nil
}

func toGRPCStatus(err error) error {
	if errors.Is(err, raft.ErrNodeDegraded) {
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
