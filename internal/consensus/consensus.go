// Package consensus defines the minimal interface between the replicated state
// machine service and a consensus implementation.
package consensus

import (
	"context"
	"errors"
	"fmt"
)

// Consensus is the interface implemented by the active consensus engine (Raft).
type Consensus interface {
	Run(ctx context.Context)
	ClientWrite(ctx context.Context, cmd []byte) (WriteResult, error)
	IsLeader() bool
	Stop()
}

// WriteResult is returned once a command is committed and applied.
type WriteResult struct {
	Index    uint64
	Response []byte
}

// ErrUnavailable is returned when a write could not reach a majority before
// the caller's deadline.
var ErrUnavailable = errors.New("consensus: unavailable")

// ErrLeadershipLost is returned to pending writers when the leader steps down
// before their entry was applied. The entry may still be committed later.
var ErrLeadershipLost = errors.New("consensus: leadership lost")

// NotLeaderError is returned when a write reaches a node that is not the leader.
type NotLeaderError struct {
	// LeaderHint is the last known leader id, zero when unknown.
	LeaderHint uint64
}

func (e *NotLeaderError) Error() string {
	if e.LeaderHint == 0 {
		return "consensus: not leader (leader unknown)"
	}
	return fmt.Sprintf("consensus: not leader (leader %d)", e.LeaderHint)
}

// LeaderHintFromError extracts the leader hint from err if it wraps a NotLeaderError.
func LeaderHintFromError(err error) (uint64, bool) {
	var nle *NotLeaderError
	if errors.As(err, &nle) {
		return nle.LeaderHint, true
	}
	return 0, false
}
