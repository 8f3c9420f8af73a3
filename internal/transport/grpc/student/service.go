// Package studentgrpc contains the Student API gRPC client and server adapters.
package studentgrpc

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/i-melnichenko/studentkv/internal/student"
	"github.com/i-melnichenko/studentkv/internal/transport/grpc/wire"
)

// ServiceName is the fully qualified gRPC service name of the Student API.
const ServiceName = "studentkv.student.v1.StudentService"

// RecordRequest carries a full record for Create and Update.
type RecordRequest struct {
	Record student.Record `json:"record"`
}

// IDRequest addresses a record by id for Get and Delete.
type IDRequest struct {
	ID int64 `json:"id"`
}

// WriteResponse is the applied outcome of a write.
type WriteResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    *student.Record `json:"data,omitempty"`
	Index   uint64          `json:"index"`
}

// GetResponse holds a single record.
type GetResponse struct {
	Record student.Record `json:"record"`
}

// ListRequest is empty; List returns every record on the serving replica.
type ListRequest struct{}

// ListResponse holds records sorted by id.
type ListResponse struct {
	Records []student.Record `json:"records"`
}

// StatusRequest is empty.
type StatusRequest struct{}

// PeerStatus is the leader's replication progress for one peer.
type PeerStatus struct {
	NodeID     uint64 `json:"node_id"`
	NextIndex  uint64 `json:"next_index"`
	MatchIndex uint64 `json:"match_index"`
	Lag        uint64 `json:"lag"`
}

// NodeStatus describes one node.
type NodeStatus struct {
	NodeID        uint64       `json:"node_id"`
	Role          string       `json:"role"`
	Term          uint64       `json:"term"`
	LeaderID      uint64       `json:"leader_id"`
	Members       []uint64     `json:"members"`
	QuorumSize    int          `json:"quorum_size"`
	CommitIndex   uint64       `json:"commit_index"`
	LastApplied   uint64       `json:"last_applied"`
	LastAppliedAt time.Time    `json:"last_applied_at,omitzero"`
	LastLogIndex  uint64       `json:"last_log_index"`
	LastLogTerm   uint64       `json:"last_log_term"`
	SnapshotIndex uint64       `json:"snapshot_index"`
	SnapshotTerm  uint64       `json:"snapshot_term"`
	Degraded      bool         `json:"degraded"`
	Records       int          `json:"records"`
	Peers         []PeerStatus `json:"peers,omitempty"`
}

// VoterRequest names the node to add or remove.
type VoterRequest struct {
	NodeID uint64 `json:"node_id"`
	// Addr is the Raft address of a voter being added.
	Addr string `json:"addr,omitempty"`
}

// VoterResponse is the log index of the committed config entry.
type VoterResponse struct {
	Index uint64 `json:"index"`
}

type studentServer interface {
	Create(ctx context.Context, req *RecordRequest) (*WriteResponse, error)
	Update(ctx context.Context, req *RecordRequest) (*WriteResponse, error)
	Delete(ctx context.Context, req *IDRequest) (*WriteResponse, error)
	Get(ctx context.Context, req *IDRequest) (*GetResponse, error)
	List(ctx context.Context, req *ListRequest) (*ListResponse, error)
	Status(ctx context.Context, req *StatusRequest) (*NodeStatus, error)
	AddVoter(ctx context.Context, req *VoterRequest) (*VoterResponse, error)
	RemoveVoter(ctx context.Context, req *VoterRequest) (*VoterResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*studentServer)(nil),
	Methods: []grpc.MethodDesc{
		wire.Method(ServiceName, "Create", func(srv any, ctx context.Context, req *RecordRequest) (*WriteResponse, error) {
			return srv.(studentServer).Create(ctx, req)
		}),
		wire.Method(ServiceName, "Update", func(srv any, ctx context.Context, req *RecordRequest) (*WriteResponse, error) {
			return srv.(studentServer).Update(ctx, req)
		}),
		wire.Method(ServiceName, "Delete", func(srv any, ctx context.Context, req *IDRequest) (*WriteResponse, error) {
			return srv.(studentServer).Delete(ctx, req)
		}),
		wire.Method(ServiceName, "Get", func(srv any, ctx context.Context, req *IDRequest) (*GetResponse, error) {
			return srv.(studentServer).Get(ctx, req)
		}),
		wire.Method(ServiceName, "List", func(srv any, ctx context.Context, req *ListRequest) (*ListResponse, error) {
			return srv.(studentServer).List(ctx, req)
		}),
		wire.Method(ServiceName, "Status", func(srv any, ctx context.Context, req *StatusRequest) (*NodeStatus, error) {
			return srv.(studentServer).Status(ctx, req)
		}),
		wire.Method(ServiceName, "AddVoter", func(srv any, ctx context.Context, req *VoterRequest) (*VoterResponse, error) {
			return srv.(studentServer).AddVoter(ctx, req)
		}),
		wire.Method(ServiceName, "RemoveVoter", func(srv any, ctx context.Context, req *VoterRequest) (*VoterResponse, error) {
			return srv.(studentServer).RemoveVoter(ctx, req)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "studentkv/student/v1/student.proto",
}
