// Package inmem is an in-process raft.Transport for tests and local clusters.
//
// A Network routes calls straight to the registered raft.RPCHandler of the
// target node. It can cut links to simulate partitions and drop or delay
// messages at random.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/i-melnichenko/studentkv/internal/consensus/raft"
)

// ErrUnreachable is returned when the target is unknown, disconnected or on
// the other side of a partition.
var ErrUnreachable = errors.New("inmem: node unreachable")

// ErrDropped is returned when a message was dropped at random.
var ErrDropped = errors.New("inmem: message dropped")

// Network is a registry of nodes connected by in-process links.
type Network struct {
	mu           sync.RWMutex
	handlers     map[raft.NodeID]raft.RPCHandler
	group        map[raft.NodeID]int
	nextGroup    int
	disconnected map[raft.NodeID]bool
	dropRate     float64
	delayMin     time.Duration
	delayMax     time.Duration
}

// NewNetwork returns a fully connected, lossless network.
func NewNetwork() *Network {
	return &Network{
		handlers:     make(map[raft.NodeID]raft.RPCHandler),
		group:        make(map[raft.NodeID]int),
		disconnected: make(map[raft.NodeID]bool),
	}
}

// Register attaches the inbound handler of node id.
func (n *Network) Register(id raft.NodeID, h raft.RPCHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
}

// Transport returns the outbound side for node from.
func (n *Network) Transport(from raft.NodeID) *Transport {
	return &Transport{net: n, from: from}
}

// Partition isolates ids into a group that can only talk among itself.
// Nodes outside every partition share the default group.
func (n *Network) Partition(ids ...raft.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextGroup++
	for _, id := range ids {
		n.group[id] = n.nextGroup
	}
}

// Heal removes all partitions and reconnects every node.
func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	clear(n.group)
	clear(n.disconnected)
}

// Disconnect cuts every link of id.
func (n *Network) Disconnect(id raft.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnected[id] = true
}

// Reconnect restores the links of id cut by Disconnect.
func (n *Network) Reconnect(id raft.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.disconnected, id)
}

// SetDropRate drops each message with probability rate.
func (n *Network) SetDropRate(rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = rate
}

// SetDelay delays each message by a random duration in [lo, hi].
func (n *Network) SetDelay(lo, hi time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delayMin, n.delayMax = lo, hi
}

// Connected reports whether from and to can currently exchange messages.
func (n *Network) Connected(from, to raft.NodeID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.connectedLocked(from, to)
}

func (n *Network) connectedLocked(from, to raft.NodeID) bool {
	if n.disconnected[from] || n.disconnected[to] {
		return false
	}
	return n.group[from] == n.group[to]
}

// route returns the handler of to after applying link state, loss and delay.
func (n *Network) route(ctx context.Context, from, to raft.NodeID) (raft.RPCHandler, error) {
	n.mu.RLock()
	h, ok := n.handlers[to]
	connected := n.connectedLocked(from, to)
	dropRate := n.dropRate
	lo, hi := n.delayMin, n.delayMax
	n.mu.RUnlock()

	if !ok || !connected {
		return nil, fmt.Errorf("%w: %d -> %d", ErrUnreachable, from, to)
	}
	//nolint:gosec // loss simulation, not security sensitive.
	if dropRate > 0 && rand.Float64() < dropRate {
		return nil, fmt.Errorf("%w: %d -> %d", ErrDropped, from, to)
	}

	delay := lo
	if hi > lo {
		//nolint:gosec // jitter only.
		delay += rand.N(hi - lo)
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return h, nil
}

// deliver runs call unless the link breaks before the response is returned.
func deliver[Resp any](ctx context.Context, n *Network, from, to raft.NodeID, call func(raft.RPCHandler) (*Resp, error)) (*Resp, error) {
	h, err := n.route(ctx, from, to)
	if err != nil {
		return nil, err
	}
	resp, err := call(h)
	if err != nil {
		return nil, err
	}
	if !n.Connected(from, to) {
		return nil, fmt.Errorf("%w: %d -> %d", ErrUnreachable, to, from)
	}
	return resp, nil
}

// Transport is the outbound side of one node on a Network.
type Transport struct {
	net  *Network
	from raft.NodeID
}

var _ raft.Transport = (*Transport)(nil)

func (t *Transport) RequestVote(ctx context.Context, to raft.NodeID, req *raft.VoteRequest) (*raft.VoteResponse, error) {
	cp := *req
	return deliver(ctx, t.net, t.from, to, func(h raft.RPCHandler) (*raft.VoteResponse, error) {
		return h.HandleRequestVote(ctx, &cp)
	})
}

func (t *Transport) AppendEntries(ctx context.Context, to raft.NodeID, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	cp := *req
	cp.Entries = cloneEntries(req.Entries)
	return deliver(ctx, t.net, t.from, to, func(h raft.RPCHandler) (*raft.AppendEntriesResponse, error) {
		return h.HandleAppendEntries(ctx, &cp)
	})
}

func (t *Transport) InstallSnapshot(ctx context.Context, to raft.NodeID, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	cp := *req
	cp.Config = req.Config.Clone()
	cp.Data = slices.Clone(req.Data)
	return deliver(ctx, t.net, t.from, to, func(h raft.RPCHandler) (*raft.InstallSnapshotResponse, error) {
		return h.HandleInstallSnapshot(ctx, &cp)
	})
}

func cloneEntries(src []raft.LogEntry) []raft.LogEntry {
	if src == nil {
		return nil
	}
	out := make([]raft.LogEntry, len(src))
	for i, e := range src {
		out[i] = e
		out[i].Command = slices.Clone(e.Command)
		if e.Config != nil {
			cfg := e.Config.Clone()
			out[i].Config = &cfg
		}
	}
	return out
}
