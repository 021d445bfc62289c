package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/swarmsql/swarmsql/pkg/retry"
)

func TestManagerCallSucceeds(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{}, retry.DefaultConfig())
	calls := 0
	err := m.Call(context.Background(), "node-2", func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestManagerCallRetriesThenTrips(t *testing.T) {
	t.Parallel()

	rc := retry.DefaultConfig()
	rc.MaxAttempts = 1
	rc.InitialDelay = time.Millisecond

	m := NewManager(Config{
		Interval: time.Minute,
		Timeout:  time.Minute,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
	}, rc)

	for i := 0; i < 3; i++ {
		_ = m.Call(context.Background(), "node-3", func(context.Context) error {
			return errors.New("peer unreachable")
		})
	}

	if m.PeerState("node-3") != StateOpen {
		t.Errorf("PeerState = %v, want Open after repeated failures", m.PeerState("node-3"))
	}
}

func TestManagerPeerStateDefaultsClosedForUnknownPeer(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{}, retry.DefaultConfig())
	if got := m.PeerState("never-called"); got != StateClosed {
		t.Errorf("PeerState(unknown) = %v, want Closed", got)
	}
}

func TestManagerSnapshotAndReset(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{
		Interval: time.Minute,
		Timeout:  time.Minute,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 1
		},
	}, retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2})

	_ = m.Call(context.Background(), "node-4", func(context.Context) error { return errors.New("down") })

	snap := m.Snapshot()
	stats, ok := snap["node-4"]
	if !ok {
		t.Fatal("expected node-4 in snapshot")
	}
	if stats.State != StateOpen {
		t.Errorf("node-4 state = %v, want Open", stats.State)
	}

	m.Reset("node-4")
	if m.PeerState("node-4") != StateClosed {
		t.Errorf("PeerState after Reset = %v, want Closed", m.PeerState("node-4"))
	}
}
