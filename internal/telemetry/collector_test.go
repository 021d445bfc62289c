package telemetry

import (
	"testing"
	"time"
)

func TestNewCollectorRegistersAllMetrics(t *testing.T) {
	t.Parallel()

	c := NewCollector(Config{Enabled: false})
	if c.QueueDepth == nil || c.ActiveQueries == nil || c.RPCRequestsTotal == nil {
		t.Fatal("expected every metric field to be initialized even when disabled")
	}
}

func TestObserveRPC(t *testing.T) {
	t.Parallel()

	c := NewCollector(Config{Enabled: false})
	c.ObserveRPC("DoGet", "ok", 12*time.Millisecond)
	c.ObserveRPC("DoGet", "error", 5*time.Millisecond)
	// Recording two distinct outcome labels must not panic.
}

func TestObservePartitionOp(t *testing.T) {
	t.Parallel()

	c := NewCollector(Config{Enabled: false})
	c.ObservePartitionOp("partition_table", "success")
	c.ObservePartitionOp("partition_table", "rollback")
}

func TestShutdownWithoutStartIsNoop(t *testing.T) {
	t.Parallel()

	c := NewCollector(DefaultConfig())
	if err := c.Shutdown(); err != nil {
		t.Errorf("Shutdown() without Start should be a no-op, got %v", err)
	}
}
