package raft

import "context"

//go:generate mockgen -source=$GOFILE -destination=mocks_test.go -package=$GOPACKAGE

// Transport delivers Raft RPCs to peers addressed by NodeID.
//
// Implementations own the NodeID -> address mapping. Any returned error is
// treated as "peer unreachable this round"; the node retries on its next
// heartbeat or election cycle.
type Transport interface {
	RequestVote(
		ctx context.Context,
		to NodeID,
		req *VoteRequest,
	) (*VoteResponse, error)

	AppendEntries(
		ctx context.Context,
		to NodeID,
		req *AppendEntriesRequest,
	) (*AppendEntriesResponse, error)

	InstallSnapshot(
		ctx context.Context,
		to NodeID,
		req *InstallSnapshotRequest,
	) (*InstallSnapshotResponse, error)
}

// PeerDirectory is implemented by transports that dial peers by address.
// The node keeps it in step with the addresses carried by the committed
// membership, so voters added at runtime become reachable on every member.
type PeerDirectory interface {
	PeerAddr(id NodeID) (string, bool)
	SetPeer(id NodeID, addr string)
	RemovePeer(id NodeID)
}

// RPCHandler is the inbound side of the Raft protocol, implemented by Node.
type RPCHandler interface {
	HandleRequestVote(ctx context.Context, req *VoteRequest) (*VoteResponse, error)
	HandleAppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
	HandleInstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
}
