package raft

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the per-node Raft settings.
type Config struct {
	ID NodeID

	// HeartbeatInterval must be strictly shorter than ElectionTimeoutMin.
	HeartbeatInterval  time.Duration
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration

	// RPCTimeout bounds every outbound RPC.
	RPCTimeout time.Duration

	// SnapshotThreshold triggers a snapshot once this many entries were applied
	// past the previous snapshot. Zero disables automatic snapshots.
	SnapshotThreshold uint64

	// MaxAppendEntries caps the entries carried by one AppendEntries request.
	MaxAppendEntries int
}

// DefaultConfig returns settings matching the reference deployment.
func DefaultConfig(id NodeID) Config {
	return Config{
		ID:                 id,
		HeartbeatInterval:  250 * time.Millisecond,
		ElectionTimeoutMin: 500 * time.Millisecond,
		ElectionTimeoutMax: 1000 * time.Millisecond,
		RPCTimeout:         300 * time.Millisecond,
		SnapshotThreshold:  1000,
		MaxAppendEntries:   256,
	}
}

// Validate checks timing relationships and required fields.
func (c Config) Validate() error {
	if c.ID == 0 {
		return errors.New("raft: node id must be non-zero")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("raft: heartbeat interval must be positive")
	}
	if c.ElectionTimeoutMin <= c.HeartbeatInterval {
		return fmt.Errorf("raft: election timeout min %s must exceed heartbeat interval %s",
			c.ElectionTimeoutMin, c.HeartbeatInterval)
	}
	if c.ElectionTimeoutMax <= c.ElectionTimeoutMin {
		return fmt.Errorf("raft: election timeout max %s must exceed min %s",
			c.ElectionTimeoutMax, c.ElectionTimeoutMin)
	}
	if c.RPCTimeout <= 0 {
		return errors.New("raft: rpc timeout must be positive")
	}
	if c.MaxAppendEntries <= 0 {
		return errors.New("raft: max append entries must be positive")
	}
	return nil
}
