package studentgrpc

import (
	"context"
	"maps"
	"slices"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/i-melnichenko/studentkv/internal/consensus/raft"
	"github.com/i-melnichenko/studentkv/internal/student"
)

// Handler is the subset of *service.Students required by the gRPC server.
// *service.Students satisfies this interface.
type Handler interface {
	Create(ctx context.Context, rec student.Record) (student.Response, uint64, error)
	Update(ctx context.Context, rec student.Record) (student.Response, uint64, error)
	Delete(ctx context.Context, id int64) (student.Response, uint64, error)
	Get(id int64) (student.Record, bool)
	CurrentRecords() map[int64]student.Record
	Status() raft.ClusterStatus
	AddVoter(ctx context.Context, id uint64, addr string) (uint64, error)
	RemoveVoter(ctx context.Context, id uint64) (uint64, error)
}

// Server serves the Student API by delegating to a Students service.
type Server struct {
	handler Handler
}

// NewServer creates a Student gRPC server adapter for the provided handler.
func NewServer(handler Handler) *Server {
	return &Server{handler: handler}
}

// Register attaches the service to r.
func (s *Server) Register(r grpc.ServiceRegistrar) {
	r.RegisterService(&serviceDesc, s)
}

// Create handles a Create RPC.
func (s *Server) Create(ctx context.Context, req *RecordRequest) (*WriteResponse, error) {
	return writeResponse(s.handler.Create(ctx, req.Record))
}

// Update handles an Update RPC.
func (s *Server) Update(ctx context.Context, req *RecordRequest) (*WriteResponse, error) {
	return writeResponse(s.handler.Update(ctx, req.Record))
}

// Delete handles a Delete RPC.
func (s *Server) Delete(ctx context.Context, req *IDRequest) (*WriteResponse, error) {
	return writeResponse(s.handler.Delete(ctx, req.ID))
}

func writeResponse(resp student.Response, index uint64, err error) (*WriteResponse, error) {
	if err != nil {
		return nil, toGRPCStatus(err)
	}
	return &WriteResponse{
		Success: resp.Success,
		Message: resp.Message,
		Data:    resp.Data,
		Index:   index,
	}, nil
}

// Get handles a Get RPC from the local replica.
func (s *Server) Get(_ context.Context, req *IDRequest) (*GetResponse, error) {
	rec, ok := s.handler.Get(req.ID)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "student %d not found", req.ID)
	}
	return &GetResponse{Record: rec}, nil
}

// List handles a List RPC from the local replica.
func (s *Server) List(_ context.Context, _ *ListRequest) (*ListResponse, error) {
	records := s.handler.CurrentRecords()
	out := make([]student.Record, 0, len(records))
	for _, id := range slices.Sorted(maps.Keys(records)) {
		out = append(out, records[id])
	}
	return &ListResponse{Records: out}, nil
}

// Status reports the serving node's consensus state.
func (s *Server) Status(_ context.Context, _ *StatusRequest) (*NodeStatus, error) {
	st := s.handler.Status()
	out := &NodeStatus{
		NodeID:        uint64(st.NodeID),
		Role:          st.Role.String(),
		Term:          st.Term,
		LeaderID:      uint64(st.LeaderHint),
		Members:       make([]uint64, 0, len(st.Membership)),
		QuorumSize:    raft.NewClusterConfig(st.Membership...).Quorum(),
		CommitIndex:   st.CommitIndex,
		LastApplied:   st.LastApplied,
		LastAppliedAt: st.LastAppliedAt,
		LastLogIndex:  st.LastLogIndex,
		LastLogTerm:   st.LastLogTerm,
		SnapshotIndex: st.SnapshotIndex,
		SnapshotTerm:  st.SnapshotTerm,
		Degraded:      st.Degraded,
		Records:       len(s.handler.CurrentRecords()),
	}
	for _, id := range st.Membership {
		out.Members = append(out.Members, uint64(id))
	}
	for _, p := range st.Peers {
		var lag uint64
		if st.LastLogIndex > p.MatchIndex {
			lag = st.LastLogIndex - p.MatchIndex
		}
		out.Peers = append(out.Peers, PeerStatus{
			NodeID:     uint64(p.ID),
			NextIndex:  p.NextIndex,
			MatchIndex: p.MatchIndex,
			Lag:        lag,
		})
	}
	return out, nil
}

// AddVoter handles an AddVoter RPC. It must reach the leader.
func (s *Server) AddVoter(ctx context.Context, req *VoterRequest) (*VoterResponse, error) {
	index, err := s.handler.AddVoter(ctx, req.NodeID, req.Addr)
	if err != nil {
		return nil, toGRPCStatus(err)
	}
	return &VoterResponse{Index: index}, nil
}

// RemoveVoter handles a RemoveVoter RPC. It must reach the leader.
func (s *Server) RemoveVoter(ctx context.Context, req *VoterRequest) (*VoterResponse, error) {
	index, err := s.handler.RemoveVoter(ctx, req.NodeID)
	if err != nil {
		return nil, toGRPCStatus(err)
	}
	return &VoterResponse{Index: index}, nil
}
