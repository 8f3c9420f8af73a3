// Package raft contains the consensus backbone for the student store.
//
// It implements leader election, log replication, commit/apply flow,
// snapshotting, and a basic single-server membership change protocol. The
// application plugs in through the StateMachine interface and submits
// commands with ClientWrite, which returns once the command is committed and
// applied.
//
// Transport wiring is kept outside this package behind the Transport interface.
package raft

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Logger is the logging interface required by the node. *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Node is a single Raft replica that manages elections, replication, and apply.
type Node struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	id        NodeID
	cfg       Config
	transport Transport
	storage   *Storage
	// peers is the transport's address book, nil when it routes by id alone.
	peers PeerDirectory

	role     Role
	leaderID NodeID
	// lastLeaderContact is when the current leader was last heard from.
	lastLeaderContact time.Time

	currentTerm uint64
	votedFor    NodeID
	degraded    bool

	// snapshot is the latest local snapshot, kept for InstallSnapshot sends.
	snapshot *Snapshot
	// pendingSnapshot is set when the state machine must be reset by the apply loop.
	pendingSnapshot *Snapshot

	commitIndex   uint64
	lastApplied   uint64
	lastAppliedAt time.Time

	// config is the latest committed membership and the source of quorum.
	config ClusterConfig
	// appliedConfig is the membership as of lastApplied; it goes into snapshots.
	appliedConfig ClusterConfig
	// pendingConfigIndex is the index of an appended but uncommitted config
	// entry, zero when none.
	pendingConfigIndex uint64
	// leaderNoopIndex is the index of the no-op appended on taking leadership.
	leaderNoopIndex uint64

	nextIndex         map[NodeID]uint64
	matchIndex        map[NodeID]uint64
	replicateInFlight map[NodeID]bool
	replicatePending  map[NodeID]bool

	// leaderCancel cancels all replication work of the current leadership term.
	leaderCancel context.CancelFunc
	waiters      map[uint64]*writeWaiter

	electionTimeoutResetCh chan struct{}
	campaignCh             chan struct{}
	applyNotifyCh          chan struct{}
	replicateNotifyCh      chan struct{}

	logger  Logger
	tracer  oteltrace.Tracer
	metrics Metrics

	now               func() time.Time
	newTimer          timerFactory
	newTicker         tickerFactory
	electionTimeoutFn electionTimeoutFunc
	heartbeatInterval time.Duration
}

// NewNode creates a Raft node and restores persisted state from storage.
//
// tracer and metrics may be nil, in which case the global tracer and a noop
// metrics sink are used.
func NewNode(
	cfg Config,
	transport Transport,
	storage *Storage,
	logger Logger,
	tracer oteltrace.Tracer,
	metrics Metrics,
) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, ErrNilTransport
	}
	if storage == nil {
		return nil, ErrNilStorage
	}
	if logger == nil {
		return nil, ErrNilLogger
	}
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	n := &Node{
		id:                     cfg.ID,
		cfg:                    cfg,
		transport:              transport,
		storage:                storage,
		role:                   Follower,
		nextIndex:              make(map[NodeID]uint64),
		matchIndex:             make(map[NodeID]uint64),
		replicateInFlight:      make(map[NodeID]bool),
		replicatePending:       make(map[NodeID]bool),
		waiters:                make(map[uint64]*writeWaiter),
		electionTimeoutResetCh: make(chan struct{}, 1),
		campaignCh:             make(chan struct{}, 1),
		applyNotifyCh:          make(chan struct{}, 1),
		replicateNotifyCh:      make(chan struct{}, 1),
		logger:                 logger,
		tracer:                 tracer,
		metrics:                metrics,
		now:                    time.Now,
		newTimer:               defaultTimerFactory,
		newTicker:              defaultTickerFactory,
		electionTimeoutFn:      jitteredTimeout(cfg.ElectionTimeoutMin, cfg.ElectionTimeoutMax),
		heartbeatInterval:      cfg.HeartbeatInterval,
	}

	hs, err := storage.LoadHardState()
	if err != nil {
		return nil, fmt.Errorf("raft: load hard state: %w", err)
	}
	n.currentTerm = hs.CurrentTerm
	n.votedFor = hs.VotedFor
	n.commitIndex = hs.CommitIndex
	n.config = hs.Config.Clone()
	n.appliedConfig = hs.Config.Clone()

	snap, err := storage.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("raft: load snapshot: %w", err)
	}
	if snap != nil {
		n.snapshot = snap
		if snap.LastIncludedIndex > n.commitIndex {
			n.commitIndex = snap.LastIncludedIndex
		}
		if !snap.Config.Empty() {
			n.appliedConfig = snap.Config.Clone()
			if n.config.Empty() {
				n.config = snap.Config.Clone()
			}
		}
	}
	n.lastApplied, _ = storage.LastApplied()
	n.peers, _ = transport.(PeerDirectory)
	n.syncPeersLocked(ClusterConfig{}, n.config)

	// A commit index past the log can only come from a corrupted hard state.
	st := storage.State()
	if n.commitIndex > st.LastIndex {
		return nil, fmt.Errorf("raft: corrupted hard state: commit index %d beyond last log index %d",
			n.commitIndex, st.LastIndex)
	}

	return n, nil
}

// ID returns the local node id.
func (n *Node) ID() NodeID { return n.id }

// Run starts the Raft background loops and returns immediately.
func (n *Node) Run(ctx context.Context) {
	n.mu.Lock()
	if n.degraded {
		n.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.mu.Unlock()

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.run(ctx)
	}()
	go func() {
		defer n.wg.Done()
		n.runApplyLoop(ctx)
	}()

	// Replay entries committed before a restart.
	n.notifyApply()
}

func (n *Node) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n.mu.Lock()
		if n.degraded {
			n.mu.Unlock()
			return
		}
		role := n.role
		n.mu.Unlock()

		switch role {
		case Follower:
			n.runFollower(ctx)
		case Candidate:
			n.runCandidate(ctx)
		case Leader:
			n.runLeader(ctx)
		}
	}
}

func (n *Node) lastLogIndexLocked() uint64 {
	return n.storage.State().LastIndex
}

func (n *Node) lastLogTermLocked() uint64 {
	return n.storage.State().LastTerm
}

// firstIndexOfTermLocked walks back from index while the term stays the same.
// Caller must hold n.mu.
func (n *Node) firstIndexOfTermLocked(index, term uint64) uint64 {
	snapIndex := n.storage.State().SnapshotIndex
	for index-1 > snapIndex {
		t, err := n.storage.Term(index - 1)
		if err != nil || t != term {
			break
		}
		index--
	}
	return index
}

// lastIndexOfTermLocked returns the last index holding term, or 0 if absent.
// Caller must hold n.mu.
func (n *Node) lastIndexOfTermLocked(term uint64) uint64 {
	st := n.storage.State()
	for i := st.LastIndex; i > st.SnapshotIndex; i-- {
		t, err := n.storage.Term(i)
		if err != nil {
			return 0
		}
		if t == term {
			return i
		}
		if t < term {
			return 0
		}
	}
	return 0
}

// peersLocked returns the voters other than the local node.
func (n *Node) peersLocked() []NodeID {
	out := make([]NodeID, 0, len(n.config.Members))
	for _, id := range n.config.Members {
		if id != n.id {
			out = append(out, id)
		}
	}
	return out
}

func (n *Node) electionTimeoutResetSignal() <-chan struct{} {
	return n.electionTimeoutResetCh
}

func (n *Node) resetElectionTimeout() {
	select {
	case n.electionTimeoutResetCh <- struct{}{}:
	default:
	}
}

// markDegradedLocked stops the node after a broken invariant or a storage
// failure. Caller must hold n.mu.
func (n *Node) markDegradedLocked(err error) {
	if err == nil || n.degraded {
		return
	}
	n.degraded = true
	n.logger.Error("raft node degraded",
		"node_id", n.id,
		"term", n.currentTerm,
		"error", err,
	)
	if n.leaderCancel != nil {
		n.leaderCancel()
		n.leaderCancel = nil
	}
	n.failWaitersLocked(ErrNodeDegraded)
	if n.cancel != nil {
		n.cancel()
	}
}

// stepDownLocked moves the node to follower in term, clearing the vote when
// the term advances. Caller must hold n.mu and persist hard state afterwards.
func (n *Node) stepDownLocked(term uint64, leader NodeID) {
	if term > n.currentTerm {
		n.currentTerm = term
		n.votedFor = 0
		n.metrics.SetRaftTerm(n.id.String(), term)
	}
	wasLeader := n.role == Leader
	n.role = Follower
	n.leaderID = leader
	if wasLeader {
		n.logger.Info("stepped down from leader",
			"node_id", n.id,
			"term", n.currentTerm,
		)
		n.metrics.SetRaftIsLeader(n.id.String(), false)
		if n.leaderCancel != nil {
			n.leaderCancel()
			n.leaderCancel = nil
		}
		n.pendingConfigIndex = 0
		n.failWaitersLocked(errLeadershipLost())
	}
}

func (n *Node) persistHardStateLocked() error {
	err := n.storage.SaveHardState(HardState{
		CurrentTerm: n.currentTerm,
		VotedFor:    n.votedFor,
		CommitIndex: n.commitIndex,
		Config:      n.config.Clone(),
	})
	if err != nil {
		n.metrics.IncRaftStorageError(n.id.String(), "hard_state")
	}
	return err
}

// storageFatal reports whether err must take the node down.
func storageFatal(err error) bool {
	return err != nil && !errors.Is(err, ErrCompacted)
}
