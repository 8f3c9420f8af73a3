package raft

import (
	"errors"
	"maps"
	"slices"
	"strconv"
)

// NodeID identifies a cluster member. Zero means "none".
type NodeID uint64

func (id NodeID) String() string { return strconv.FormatUint(uint64(id), 10) }

// Role is the current Raft role of a node.
type Role int

// Node roles in the Raft state machine.
const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// EntryType identifies the kind of Raft log entry payload.
type EntryType uint8

// Supported Raft log entry types.
const (
	EntryCommand EntryType = iota
	EntryNoop
	EntryConfig
)

func (t EntryType) String() string {
	switch t {
	case EntryCommand:
		return "command"
	case EntryNoop:
		return "noop"
	case EntryConfig:
		return "config"
	default:
		return "unknown"
	}
}

// ClusterConfig holds the voting members used for quorum calculation.
//
// Addrs carries the Raft address of members whose address is known, so that
// nodes learn how to reach a voter added after they started.
type ClusterConfig struct {
	Members []NodeID          `json:"members"`
	Addrs   map[NodeID]string `json:"addrs,omitempty"`
}

// NewClusterConfig returns a config with sorted, de-duplicated members.
// Zero ids are dropped.
func NewClusterConfig(members ...NodeID) ClusterConfig {
	out := make([]NodeID, 0, len(members))
	for _, id := range members {
		if id != 0 {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return ClusterConfig{Members: slices.Compact(out)}
}

// Contains reports whether id is a voter.
func (c ClusterConfig) Contains(id NodeID) bool {
	return slices.Contains(c.Members, id)
}

// Quorum is the strict majority size, floor(N/2)+1.
func (c ClusterConfig) Quorum() int {
	return len(c.Members)/2 + 1
}

// Empty reports whether the config has no voters.
func (c ClusterConfig) Empty() bool { return len(c.Members) == 0 }

// With returns a copy of c that includes id.
func (c ClusterConfig) With(id NodeID) ClusterConfig {
	out := NewClusterConfig(append(slices.Clone(c.Members), id)...)
	out.Addrs = maps.Clone(c.Addrs)
	return out
}

// Without returns a copy of c that excludes id and its address.
func (c ClusterConfig) Without(id NodeID) ClusterConfig {
	out := make([]NodeID, 0, len(c.Members))
	for _, m := range c.Members {
		if m != id {
			out = append(out, m)
		}
	}
	addrs := maps.Clone(c.Addrs)
	delete(addrs, id)
	return ClusterConfig{Members: out, Addrs: addrs}
}

// Addr returns the known address of id.
func (c ClusterConfig) Addr(id NodeID) (string, bool) {
	addr, ok := c.Addrs[id]
	return addr, ok && addr != ""
}

// WithAddr returns a copy of c that records addr for id.
func (c ClusterConfig) WithAddr(id NodeID, addr string) ClusterConfig {
	out := c.Clone()
	if out.Addrs == nil {
		out.Addrs = make(map[NodeID]string)
	}
	out.Addrs[id] = addr
	return out
}

// Clone returns a deep copy.
func (c ClusterConfig) Clone() ClusterConfig {
	return ClusterConfig{Members: slices.Clone(c.Members), Addrs: maps.Clone(c.Addrs)}
}

// LogEntry is a single entry in the Raft replicated log.
type LogEntry struct {
	Term    uint64         `json:"term"`
	Index   uint64         `json:"index"`
	Type    EntryType      `json:"type"`
	Command []byte         `json:"command,omitempty"`
	Config  *ClusterConfig `json:"config,omitempty"`
}

// HardState stores persistent Raft metadata required across restarts.
type HardState struct {
	CurrentTerm uint64        `json:"current_term"`
	VotedFor    NodeID        `json:"voted_for"`
	CommitIndex uint64        `json:"commit_index"`
	Config      ClusterConfig `json:"config"`
}

// VoteRequest is sent by candidates during leader election.
type VoteRequest struct {
	Term         uint64 `json:"term"`
	CandidateID  NodeID `json:"candidate_id"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

// VoteResponse is returned by peers in response to RequestVote.
type VoteResponse struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}

// AppendEntriesRequest is sent by the leader for replication and heartbeats.
type AppendEntriesRequest struct {
	Term         uint64     `json:"term"`
	LeaderID     NodeID     `json:"leader_id"`
	PrevLogIndex uint64     `json:"prev_log_index"`
	PrevLogTerm  uint64     `json:"prev_log_term"`
	Entries      []LogEntry `json:"entries,omitempty"`
	LeaderCommit uint64     `json:"leader_commit"`
}

// AppendEntriesResponse is returned by followers for AppendEntries.
//
// On rejection ConflictIndex is the first index the leader should retry from.
// ConflictTerm is the term of the follower's conflicting entry, or zero when
// the follower's log is simply too short.
type AppendEntriesResponse struct {
	Term          uint64 `json:"term"`
	Success       bool   `json:"success"`
	MatchIndex    uint64 `json:"match_index"`
	ConflictIndex uint64 `json:"conflict_index"`
	ConflictTerm  uint64 `json:"conflict_term"`
}

// Snapshot holds the state machine image at a particular log index.
type Snapshot struct {
	LastIncludedIndex uint64        `json:"last_included_index"`
	LastIncludedTerm  uint64        `json:"last_included_term"`
	Config            ClusterConfig `json:"config"`
	Data              []byte        `json:"data"`
}

// InstallSnapshotRequest is sent by the leader to bring a lagging follower
// up to date when the required log entries have already been compacted.
type InstallSnapshotRequest struct {
	Term              uint64        `json:"term"`
	LeaderID          NodeID        `json:"leader_id"`
	LastIncludedIndex uint64        `json:"last_included_index"`
	LastIncludedTerm  uint64        `json:"last_included_term"`
	Config            ClusterConfig `json:"config"`
	Data              []byte        `json:"data"`
}

// InstallSnapshotResponse acknowledges snapshot installation.
type InstallSnapshotResponse struct {
	Term uint64 `json:"term"`
}

// ErrNilStorage is returned when NewNode is called with a nil Storage.
var ErrNilStorage = errors.New("raft: nil storage")

// ErrNilTransport is returned when NewNode is called with a nil Transport.
var ErrNilTransport = errors.New("raft: nil transport")

// ErrNilLogger is returned when NewNode is called with a nil logger.
var ErrNilLogger = errors.New("raft: nil logger")

// ErrNodeDegraded is returned when the node stopped progressing after a fatal error.
var ErrNodeDegraded = errors.New("raft: node degraded")

// ErrAlreadyInitialized is returned by Initialize on a node that already has
// a membership, a log or a non-zero term.
var ErrAlreadyInitialized = errors.New("raft: already initialized")

// ErrNotMember is returned by Initialize when the local node is not part of
// the requested membership.
var ErrNotMember = errors.New("raft: local node not in membership")

// ErrConfigChangeInProgress is returned when a membership change is requested
// while a previous one is still uncommitted.
var ErrConfigChangeInProgress = errors.New("raft: membership change in progress")

// ErrUnknownPeerAddress is returned by AddVoter when the transport dials by
// address and no address is known for the new voter.
var ErrUnknownPeerAddress = errors.New("raft: unknown peer address")

// ErrSnapshotMismatch is the fatal error a follower reports when the leader
// disagrees with the term of its snapshot boundary. The boundary is committed,
// so the disagreement means the log safety invariants were already broken.
var ErrSnapshotMismatch = errors.New("raft: snapshot boundary term mismatch")
