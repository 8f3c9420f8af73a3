package raftgrpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/i-melnichenko/studentkv/internal/consensus/raft"
	"github.com/i-melnichenko/studentkv/internal/transport/grpc/wire"
)

// ErrUnknownPeer is returned for a peer missing from the address book.
var ErrUnknownPeer = errors.New("raftgrpc: unknown peer")

var (
	_ raft.Transport     = (*Transport)(nil)
	_ raft.PeerDirectory = (*Transport)(nil)
)

// Transport implements raft.Transport over gRPC. It owns the NodeID to
// address book and opens one connection per peer on first use.
type Transport struct {
	mu       sync.Mutex
	addrs    map[raft.NodeID]string
	conns    map[raft.NodeID]*grpc.ClientConn
	dialOpts []grpc.DialOption
	tracer   oteltrace.Tracer
}

// NewTransport returns a transport for peers. Without dial options the
// connections are plaintext.
func NewTransport(peers map[raft.NodeID]string, tracer oteltrace.Tracer, opts ...grpc.DialOption) *Transport {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	addrs := make(map[raft.NodeID]string, len(peers))
	for id, addr := range peers {
		addrs[id] = addr
	}
	return &Transport{
		addrs:    addrs,
		conns:    make(map[raft.NodeID]*grpc.ClientConn),
		dialOpts: opts,
		tracer:   tracer,
	}
}

// PeerAddr returns the address known for id.
func (t *Transport) PeerAddr(id raft.NodeID) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	addr, ok := t.addrs[id]
	return addr, ok
}

// SetPeer adds or updates the address of id. A changed address drops the
// existing connection.
func (t *Transport) SetPeer(id raft.NodeID, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.addrs[id] == addr {
		return
	}
	t.addrs[id] = addr
	if conn, ok := t.conns[id]; ok {
		_ = conn.Close()
		delete(t.conns, id)
	}
}

// RemovePeer forgets id and closes its connection.
func (t *Transport) RemovePeer(id raft.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.addrs, id)
	if conn, ok := t.conns[id]; ok {
		_ = conn.Close()
		delete(t.conns, id)
	}
}

// Close closes every open peer connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for id, conn := range t.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close peer %d: %w", id, err))
		}
		delete(t.conns, id)
	}
	return errors.Join(errs...)
}

// conn returns the connection to id, creating it lazily. grpc.NewClient
// does not dial until the first RPC.
func (t *Transport) conn(id raft.NodeID) (*grpc.ClientConn, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	addr, ok := t.addrs[id]
	if !ok {
		return nil, "", fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}
	if conn, ok := t.conns[id]; ok {
		return conn, addr, nil
	}
	conn, err := grpc.NewClient(addr, t.dialOpts...)
	if err != nil {
		return nil, addr, fmt.Errorf("dial peer %d at %s: %w", id, addr, err)
	}
	t.conns[id] = conn
	return conn, addr, nil
}

// RequestVote calls the remote Raft RequestVote RPC.
func (t *Transport) RequestVote(ctx context.Context, to raft.NodeID, req *raft.VoteRequest) (*raft.VoteResponse, error) {
	return invoke[raft.VoteRequest, raft.VoteResponse](ctx, t, to, methodRequestVote, "raftgrpc.client.RequestVote", req, requestVoteAttrs(req))
}

// AppendEntries calls the remote Raft AppendEntries RPC.
func (t *Transport) AppendEntries(ctx context.Context, to raft.NodeID, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	return invoke[raft.AppendEntriesRequest, raft.AppendEntriesResponse](ctx, t, to, methodAppendEntries, "raftgrpc.client.AppendEntries", req, appendEntriesAttrs(req))
}

// InstallSnapshot calls the remote Raft InstallSnapshot RPC.
func (t *Transport) InstallSnapshot(ctx context.Context, to raft.NodeID, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	return invoke[raft.InstallSnapshotRequest, raft.InstallSnapshotResponse](ctx, t, to, methodInstallSnapshot, "raftgrpc.client.InstallSnapshot", req, installSnapshotAttrs(req))
}

func invoke[Req, Resp any](
	ctx context.Context,
	t *Transport,
	to raft.NodeID,
	method, spanName string,
	req *Req,
	attrs []attribute.KeyValue,
) (*Resp, error) {
	conn, target, err := t.conn(to)
	if err != nil {
		return nil, err
	}
	ctx, span := t.tracer.Start(ctx, spanName,
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(append(peerAttrs(to, target), attrs...)...),
	)
	defer span.End()

	resp, err := wire.Invoke[Req, Resp](ctx, conn, method, req)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return resp, nil
}
