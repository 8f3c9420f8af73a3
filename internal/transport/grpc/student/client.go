package studentgrpc

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/i-melnichenko/studentkv/internal/consensus"
	"github.com/i-melnichenko/studentkv/internal/student"
	"github.com/i-melnichenko/studentkv/internal/transport/grpc/wire"
)

// Client talks to a single node.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a Student API server at target. Without options the
// connection is plaintext.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("student client: dial %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func call[Req, Resp any](ctx context.Context, c *Client, method string, req *Req) (*Resp, error) {
	resp, err := wire.Invoke[Req, Resp](ctx, c.conn, wire.FullMethod(ServiceName, method), req)
	if err != nil {
		return nil, fromGRPCStatus(err)
	}
	return resp, nil
}

// Create asks the node to create rec.
func (c *Client) Create(ctx context.Context, rec student.Record) (*WriteResponse, error) {
	return call[RecordRequest, WriteResponse](ctx, c, "Create", &RecordRequest{Record: rec})
}

// Update asks the node to replace rec.
func (c *Client) Update(ctx context.Context, rec student.Record) (*WriteResponse, error) {
	return call[RecordRequest, WriteResponse](ctx, c, "Update", &RecordRequest{Record: rec})
}

// Delete asks the node to delete the record with id.
func (c *Client) Delete(ctx context.Context, id int64) (*WriteResponse, error) {
	return call[IDRequest, WriteResponse](ctx, c, "Delete", &IDRequest{ID: id})
}

// Get reads a record from the node's replica. A missing record is ErrNotFound.
func (c *Client) Get(ctx context.Context, id int64) (student.Record, error) {
	resp, err := call[IDRequest, GetResponse](ctx, c, "Get", &IDRequest{ID: id})
	if err != nil {
		return student.Record{}, err
	}
	return resp.Record, nil
}

// List reads every record from the node's replica.
func (c *Client) List(ctx context.Context) ([]student.Record, error) {
	resp, err := call[ListRequest, ListResponse](ctx, c, "List", &ListRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// Status returns the node's consensus state.
func (c *Client) Status(ctx context.Context) (*NodeStatus, error) {
	return call[StatusRequest, NodeStatus](ctx, c, "Status", &StatusRequest{})
}

// AddVoter asks the node to add id, reachable at addr, to the membership.
func (c *Client) AddVoter(ctx context.Context, id uint64, addr string) (uint64, error) {
	resp, err := call[VoterRequest, VoterResponse](ctx, c, "AddVoter", &VoterRequest{NodeID: id, Addr: addr})
	if err != nil {
		return 0, err
	}
	return resp.Index, nil
}

// RemoveVoter asks the node to remove id from the membership.
func (c *Client) RemoveVoter(ctx context.Context, id uint64) (uint64, error) {
	resp, err := call[VoterRequest, VoterResponse](ctx, c, "RemoveVoter", &VoterRequest{NodeID: id})
	if err != nil {
		return 0, err
	}
	return resp.Index, nil
}

// ClusterClient connects to every node of an id=address book and routes
// requests:
//   - writes and membership changes go to the leader, following NOT_LEADER
//     hints and falling back to the remaining nodes;
//   - reads try nodes in random order and return the first answer.
type ClusterClient struct {
	clients map[uint64]*Client

	mu         sync.RWMutex
	leaderHint uint64 // 0 means unknown
}

// DialCluster connects to all nodes in book. Connections are lazy, so this
// succeeds even if nodes are temporarily unavailable.
func DialCluster(book map[uint64]string, opts ...grpc.DialOption) (*ClusterClient, error) {
	if len(book) == 0 {
		return nil, fmt.Errorf("student cluster client: no addresses provided")
	}
	clients := make(map[uint64]*Client, len(book))
	for id, addr := range book {
		c, err := Dial(addr, opts...)
		if err != nil {
			for _, cc := range clients {
				_ = cc.Close()
			}
			return nil, err
		}
		clients[id] = c
	}
	return &ClusterClient{clients: clients}, nil
}

// Close closes all underlying node client connections.
func (c *ClusterClient) Close() error {
	var errs []error
	for _, client := range c.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nodes returns the ids in the address book in ascending order.
func (c *ClusterClient) Nodes() []uint64 {
	return slices.Sorted(maps.Keys(c.clients))
}

// Node returns the client for a single node, or nil.
func (c *ClusterClient) Node(id uint64) *Client {
	return c.clients[id]
}

// Leader returns the last node known to have accepted a write, or 0.
func (c *ClusterClient) Leader() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leaderHint
}

// Create forwards the write to the leader.
func (c *ClusterClient) Create(ctx context.Context, rec student.Record) (*WriteResponse, error) {
	return writeToLeader(ctx, c, func(client *Client) (*WriteResponse, error) {
		return client.Create(ctx, rec)
	})
}

// Update forwards the write to the leader.
func (c *ClusterClient) Update(ctx context.Context, rec student.Record) (*WriteResponse, error) {
	return writeToLeader(ctx, c, func(client *Client) (*WriteResponse, error) {
		return client.Update(ctx, rec)
	})
}

// Delete forwards the write to the leader.
func (c *ClusterClient) Delete(ctx context.Context, id int64) (*WriteResponse, error) {
	return writeToLeader(ctx, c, func(client *Client) (*WriteResponse, error) {
		return client.Delete(ctx, id)
	})
}

// AddVoter forwards the membership change to the leader.
func (c *ClusterClient) AddVoter(ctx context.Context, id uint64, addr string) (uint64, error) {
	return writeToLeader(ctx, c, func(client *Client) (uint64, error) {
		return client.AddVoter(ctx, id, addr)
	})
}

// RemoveVoter forwards the membership change to the leader.
func (c *ClusterClient) RemoveVoter(ctx context.Context, id uint64) (uint64, error) {
	return writeToLeader(ctx, c, func(client *Client) (uint64, error) {
		return client.RemoveVoter(ctx, id)
	})
}

// Get reads from any reachable node. Followers may lag behind the leader.
func (c *ClusterClient) Get(ctx context.Context, id int64) (student.Record, error) {
	return readAny(ctx, c, func(client *Client) (student.Record, error) {
		return client.Get(ctx, id)
	})
}

// List reads from any reachable node. Followers may lag behind the leader.
func (c *ClusterClient) List(ctx context.Context) ([]student.Record, error) {
	return readAny(ctx, c, func(client *Client) ([]student.Record, error) {
		return client.List(ctx)
	})
}

// Status queries every node concurrently. Unreachable nodes map to their error.
func (c *ClusterClient) Status(ctx context.Context) (map[uint64]*NodeStatus, map[uint64]error) {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		statuses = make(map[uint64]*NodeStatus, len(c.clients))
		errs     = make(map[uint64]error)
	)
	for id, client := range c.clients {
		wg.Go(func() {
			st, err := client.Status(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[id] = err
				return
			}
			statuses[id] = st
		})
	}
	wg.Wait()
	return statuses, errs
}

// writeToLeader tries the hinted leader first, then every other node, until
// one accepts. NOT_LEADER answers redirect to the hinted node.
func writeToLeader[T any](ctx context.Context, c *ClusterClient, fn func(*Client) (T, error)) (T, error) {
	var zero T
	queue := c.writeOrder()
	tried := make(map[uint64]bool, len(queue))
	var lastErr error

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if tried[id] {
			continue
		}
		tried[id] = true

		out, err := fn(c.clients[id])
		if err == nil {
			c.setLeaderHint(id)
			return out, nil
		}
		lastErr = err

		if h, ok := consensus.LeaderHintFromError(err); ok {
			c.clearLeaderHintIf(id)
			if h != 0 && !tried[h] && c.clients[h] != nil {
				queue = append([]uint64{h}, queue...)
			}
			continue
		}
		switch {
		case ctx.Err() != nil:
			return zero, ctx.Err()
		case errors.Is(err, consensus.ErrUnavailable):
			c.clearLeaderHintIf(id)
		default:
			return zero, err
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrNoLeader, lastErr)
}

func readAny[T any](ctx context.Context, c *ClusterClient, fn func(*Client) (T, error)) (T, error) {
	var zero T
	ids := c.Nodes()
	for _, i := range rand.Perm(len(ids)) {
		out, err := fn(c.clients[ids[i]])
		if err == nil || errors.Is(err, ErrNotFound) {
			return out, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
	}
	return zero, fmt.Errorf("%w: all %d nodes unavailable", consensus.ErrUnavailable, len(ids))
}

func (c *ClusterClient) writeOrder() []uint64 {
	ids := c.Nodes()
	order := make([]uint64, 0, len(ids))

	hint := c.Leader()
	if c.clients[hint] != nil {
		order = append(order, hint)
	}
	for _, i := range rand.Perm(len(ids)) {
		if ids[i] != hint {
			order = append(order, ids[i])
		}
	}
	return order
}

func (c *ClusterClient) setLeaderHint(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaderHint = id
}

func (c *ClusterClient) clearLeaderHintIf(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leaderHint == id {
		c.leaderHint = 0
	}
}
