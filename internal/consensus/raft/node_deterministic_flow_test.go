package raft

import (
	"context"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
)

func TestNode_run_DeterministicFollowerTimeoutToLeaderAndReplication(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := NewMockTransport(ctrl)

	appended := make(chan *AppendEntriesRequest, 4)

	transport.EXPECT().
		RequestVote(gomock.Any(), NodeID(2), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ NodeID, req *VoteRequest) (*VoteResponse, error) {
			if req.CandidateID != 1 || req.Term != 1 {
				t.Errorf("unexpected vote request %+v", req)
			}
			return &VoteResponse{Term: req.Term, VoteGranted: true}, nil
		}).
		Times(1)

	transport.EXPECT().
		AppendEntries(gomock.Any(), NodeID(2), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ NodeID, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
			select {
			case appended <- req:
			default:
			}
			return &AppendEntriesResponse{
				Term:       req.Term,
				Success:    true,
				MatchIndex: req.PrevLogIndex + uint64(len(req.Entries)),
			}, nil
		}).
		MinTimes(1)

	n, _ := newTestNode(t, 1, transport)
	n.config = NewClusterConfig(1, 2)

	clock := newFakeClock()
	clock.install(n)
	followerTimer := clock.AddTimer()
	clock.AddTimer() // candidate election timer; never fired here
	clock.AddTicker()
	n.electionTimeoutFn = func() time.Duration { return 111 * time.Millisecond }
	n.heartbeatInterval = 222 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		n.run(ctx)
	}()

	followerTimer.Fire()

	waitForCondition(t, time.Second, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.role == Leader && n.currentTerm == 1
	}, "node did not become leader after deterministic follower timeout and election")

	// The leader replicates its no-op right away, without waiting for a tick.
	select {
	case req := <-appended:
		if req.Term != 1 || req.LeaderID != 1 {
			t.Fatalf("unexpected AppendEntries header %+v", req)
		}
		if len(req.Entries) != 1 || req.Entries[0].Type != EntryNoop || req.Entries[0].Index != 1 {
			t.Fatalf("expected the no-op at index 1, got %+v", req.Entries)
		}
	case <-time.After(time.Second):
		t.Fatal("leader did not replicate its no-op")
	}

	waitForCondition(t, time.Second, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.commitIndex == 1
	}, "no-op was not committed after the follower acknowledged it")

	if got := clock.TimerDurations(); len(got) < 2 || got[0] != 111*time.Millisecond {
		t.Fatalf("expected follower and candidate timers, got %v", got)
	}
	if got := clock.TickerDurations(); len(got) != 1 || got[0] != 222*time.Millisecond {
		t.Fatalf("unexpected heartbeat ticker durations: %v", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("node run loop did not stop after cancellation")
	}
}
