package retry

import (
	"context"
	"testing"
	"time"

	"github.com/swarmsql/swarmsql/pkg/swarmerr"
)

func TestDoSucceedsWithoutRetry(t *testing.T) {
	t.Parallel()

	calls := 0
	err := New(DefaultConfig()).Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesRetryableErrors(t *testing.T) {
	t.Parallel()

	calls := 0
	cfg := DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond

	err := New(cfg).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return swarmerr.Unavailable("test", "not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoDoesNotRetryNonRetryableErrors(t *testing.T) {
	t.Parallel()

	calls := 0
	err := New(DefaultConfig()).Do(context.Background(), func(context.Context) error {
		calls++
		return swarmerr.InvalidArgument("test", "bad sql")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on InvalidArgument)", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond

	calls := 0
	err := New(cfg).Do(context.Background(), func(context.Context) error {
		calls++
		return swarmerr.TimeoutErr("test", "slow shard")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(DefaultConfig()).Do(ctx, func(context.Context) error {
		t.Fatal("fn should not run with a canceled context")
		return nil
	})
	if !swarmerr.Is(err, swarmerr.KindTimeout) {
		t.Errorf("expected a Timeout error, got %v", err)
	}
}
