// Package raftgrpc contains the Raft gRPC transport adapters.
package raftgrpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/i-melnichenko/studentkv/internal/consensus/raft"
	"github.com/i-melnichenko/studentkv/internal/transport/grpc/wire"
)

// ServiceName is the fully qualified gRPC service name of the peer protocol.
const ServiceName = "studentkv.raft.v1.RaftService"

var (
	methodRequestVote     = wire.FullMethod(ServiceName, "RequestVote")
	methodAppendEntries   = wire.FullMethod(ServiceName, "AppendEntries")
	methodInstallSnapshot = wire.FullMethod(ServiceName, "InstallSnapshot")
)

// raftServer is the handler type checked by grpc on registration.
type raftServer interface {
	RequestVote(ctx context.Context, req *raft.VoteRequest) (*raft.VoteResponse, error)
	AppendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*raftServer)(nil),
	Methods: []grpc.MethodDesc{
		wire.Method(ServiceName, "RequestVote", func(srv any, ctx context.Context, req *raft.VoteRequest) (*raft.VoteResponse, error) {
			return srv.(raftServer).RequestVote(ctx, req)
		}),
		wire.Method(ServiceName, "AppendEntries", func(srv any, ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
			return srv.(raftServer).AppendEntries(ctx, req)
		}),
		wire.Method(ServiceName, "InstallSnapshot", func(srv any, ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
			return srv.(raftServer).InstallSnapshot(ctx, req)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "studentkv/raft/v1/raft.proto",
}
