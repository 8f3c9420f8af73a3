package studentgrpc

import (
	"errors"
	"fmt"
	"strconv"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/i-melnichenko/studentkv/internal/consensus"
	"github.com/i-melnichenko/studentkv/internal/consensus/raft"
	"github.com/i-melnichenko/studentkv/internal/student"
)

const (
	errorDomain      = "studentkv"
	reasonNotLeader  = "NOT_LEADER"
	metadataLeaderID = "leader_id"
)

// ErrNotFound is returned by clients when the record does not exist.
var ErrNotFound = errors.New("studentgrpc: record not found")

// ErrNoLeader is returned by ClusterClient when no node accepted a write:
// either no leader is elected yet or every node is down.
var ErrNoLeader = errors.New("studentgrpc: no leader found in cluster")

func toGRPCStatus(err error) error {
	var notLeader *consensus.NotLeaderError
	switch {
	case errors.As(err, &notLeader):
		st := status.New(codes.FailedPrecondition, err.Error())
		info := &errdetails.ErrorInfo{
			Reason:   reasonNotLeader,
			Domain:   errorDomain,
			Metadata: map[string]string{metadataLeaderID: strconv.FormatUint(notLeader.LeaderHint, 10)},
		}
		if detailed, derr := st.WithDetails(info); derr == nil {
			st = detailed
		}
		return st.Err()
	case errors.Is(err, consensus.ErrUnavailable),
		errors.Is(err, consensus.ErrLeadershipLost),
		errors.Is(err, raft.ErrNodeDegraded):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, student.ErrInvalidCommand),
		errors.Is(err, raft.ErrUnknownPeerAddress):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, raft.ErrConfigChangeInProgress):
		return status.Error(codes.Aborted, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromGRPCStatus turns server statuses back into the errors callers match on.
func fromGRPCStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.FailedPrecondition:
		for _, d := range st.Details() {
			info, ok := d.(*errdetails.ErrorInfo)
			if !ok || info.GetReason() != reasonNotLeader {
				continue
			}
			hint, _ := strconv.ParseUint(info.GetMetadata()[metadataLeaderID], 10, 64)
			return &consensus.NotLeaderError{LeaderHint: hint}
		}
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", consensus.ErrUnavailable, st.Message())
	case codes.NotFound:
		return ErrNotFound
	}
	return err
}
