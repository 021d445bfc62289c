package admission

import (
	"testing"
	"time"
)

type fixedNodes int

func (f fixedNodes) NodeCount() int { return int(f) }

func newTestController(maxConcurrent, maxQueue int) *Controller {
	return NewController(Config{
		DefaultMaxConcurrent:    maxConcurrent,
		MaxMemoryUtilizationPct: 85.0,
		MaxQueueSize:            maxQueue,
		Timeout:                 300 * time.Second,
	}, fixedNodes(1))
}

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{"batch": Batch, "INTERACTIVE": Interactive, "System": System}
	for in, want := range cases {
		got, ok := ParsePriority(in)
		if !ok || got != want {
			t.Errorf("ParsePriority(%q) = %v, %v; want %v, true", in, got, ok, want)
		}
	}
	if _, ok := ParsePriority("unknown"); ok {
		t.Error("expected ParsePriority to reject unknown priority")
	}
}

func TestSubmitQueryAdmitsWhenUnderLimit(t *testing.T) {
	c := newTestController(5, 100)
	status, _ := c.SubmitQuery("SELECT 1", "user-a", Interactive, 0)
	if status.State != "running" {
		t.Errorf("status = %+v, want running", status)
	}
}

func TestCompleteQueryDecrementsCounters(t *testing.T) {
	c := newTestController(5, 100)
	_, id := c.SubmitQuery("SELECT 1", "user-a", Interactive, 0)
	c.CompleteQuery(id)
	if got := c.ClusterStatus().ActiveQueries; got != 0 {
		t.Errorf("active queries = %d, want 0", got)
	}
}

func TestCancelActiveQuery(t *testing.T) {
	c := newTestController(5, 100)
	_, id := c.SubmitQuery("SELECT 1", "user-a", Interactive, 0)
	status, err := c.CancelQuery(id)
	if err != nil {
		t.Fatalf("CancelQuery() error = %v", err)
	}
	if status.State != "cancelled" {
		t.Errorf("status = %+v", status)
	}
}

func TestCancelNonexistentQueryErrors(t *testing.T) {
	c := newTestController(5, 100)
	if _, err := c.CancelQuery("nonexistent"); err == nil {
		t.Error("expected error")
	}
}

func TestSubmitQueryQueuesWhenAtLimit(t *testing.T) {
	c := newTestController(2, 100)
	s1, _ := c.SubmitQuery("SELECT 1", "user-a", Interactive, 0)
	s2, _ := c.SubmitQuery("SELECT 2", "user-a", Interactive, 0)
	if s1.State != "running" || s2.State != "running" {
		t.Fatalf("expected both running, got %+v %+v", s1, s2)
	}
	s3, _ := c.SubmitQuery("SELECT 3", "user-a", Interactive, 0)
	if s3.State != "queued" || s3.QueuePosition != 1 {
		t.Errorf("s3 = %+v, want queued at position 1", s3)
	}
}

func TestDifferentUsersHaveIndependentLimits(t *testing.T) {
	c := newTestController(1, 100)
	s1, _ := c.SubmitQuery("SELECT 1", "user-a", Interactive, 0)
	s2, _ := c.SubmitQuery("SELECT 2", "user-b", Interactive, 0)
	if s1.State != "running" || s2.State != "running" {
		t.Errorf("expected both admitted independently: %+v %+v", s1, s2)
	}
}

func TestQueueFullRejects(t *testing.T) {
	c := newTestController(1, 2)
	c.SubmitQuery("SELECT 1", "user-a", Interactive, 0)
	c.SubmitQuery("SELECT 2", "user-a", Interactive, 0)
	c.SubmitQuery("SELECT 3", "user-a", Interactive, 0)
	s4, _ := c.SubmitQuery("SELECT 4", "user-a", Interactive, 0)
	if s4.State != "rejected" {
		t.Errorf("s4 = %+v, want rejected", s4)
	}
}

func TestMemoryGateRejectsAboveThreshold(t *testing.T) {
	c := NewController(Config{
		DefaultMaxConcurrent:    10,
		MaxMemoryUtilizationPct: 5.0,
		MaxQueueSize:            100,
		Timeout:                 300 * time.Second,
	}, fixedNodes(1))
	// One node and no active query: 0% utilization, below the 5% gate.
	status, _ := c.SubmitQuery("SELECT 1", "user-a", Interactive, 0)
	if status.State != "running" {
		t.Fatalf("first status = %+v, want running below the memory gate", status)
	}
	// One active query on one node: 10% utilization, above the 5% gate.
	status, _ = c.SubmitQuery("SELECT 2", "user-a", Interactive, 0)
	if status.State != "rejected" {
		t.Errorf("status = %+v, want rejected due to memory gate", status)
	}
}

func TestPriorityOrderingPopsHighestFirst(t *testing.T) {
	c := newTestController(1, 100) // concurrency 1 forces everything after the first into the queue
	c.SubmitQuery("SELECT 1", "user-a", Interactive, 0)

	_, batchID := c.SubmitQuery("SELECT 2", "user-a", Batch, 0)
	_, systemID := c.SubmitQuery("SELECT 3", "user-a", System, 0)
	_, interactiveID := c.SubmitQuery("SELECT 4", "user-a", Interactive, 0)

	status, _ := c.GetQueryStatus(systemID)
	if status.QueuePosition != 1 {
		t.Errorf("system query position = %d, want 1 (highest priority first)", status.QueuePosition)
	}
	interactiveStatus, _ := c.GetQueryStatus(interactiveID)
	batchStatus, _ := c.GetQueryStatus(batchID)
	if interactiveStatus.QueuePosition >= batchStatus.QueuePosition {
		t.Errorf("interactive (%d) should queue ahead of batch (%d)", interactiveStatus.QueuePosition, batchStatus.QueuePosition)
	}
}

func TestFIFOWithinSamePriority(t *testing.T) {
	c := newTestController(1, 100)
	c.SubmitQuery("SELECT 1", "user-a", Interactive, 0)

	_, firstID := c.SubmitQuery("SELECT 2", "user-a", Interactive, 0)
	_, secondID := c.SubmitQuery("SELECT 3", "user-a", Interactive, 0)

	firstStatus, _ := c.GetQueryStatus(firstID)
	secondStatus, _ := c.GetQueryStatus(secondID)
	if firstStatus.QueuePosition >= secondStatus.QueuePosition {
		t.Errorf("expected FIFO: first=%d second=%d", firstStatus.QueuePosition, secondStatus.QueuePosition)
	}
}

func TestCompleteQueryAdmitsNextQueued(t *testing.T) {
	c := newTestController(1, 100)
	_, first := c.SubmitQuery("SELECT 1", "user-a", Interactive, 0)
	_, second := c.SubmitQuery("SELECT 2", "user-a", Interactive, 0)

	secondStatus, _ := c.GetQueryStatus(second)
	if secondStatus.State != "queued" {
		t.Fatalf("expected second query queued, got %+v", secondStatus)
	}

	c.CompleteQuery(first)

	secondStatus, _ = c.GetQueryStatus(second)
	if secondStatus.State != "running" {
		t.Errorf("expected second query promoted to running, got %+v", secondStatus)
	}
}

func TestSetUserQuotaOverridesDefault(t *testing.T) {
	c := newTestController(10, 100)
	c.SetUserQuota("user-a", 1)

	s1, _ := c.SubmitQuery("SELECT 1", "user-a", Interactive, 0)
	if s1.State != "running" {
		t.Fatalf("s1 = %+v", s1)
	}
	s2, _ := c.SubmitQuery("SELECT 2", "user-a", Interactive, 0)
	if s2.State != "queued" {
		t.Errorf("s2 = %+v, want queued after quota override", s2)
	}
}

func TestAllQueryInfoReturnsActiveAndQueued(t *testing.T) {
	c := newTestController(1, 100)
	c.SubmitQuery("SELECT 1", "user-a", Interactive, 0)
	c.SubmitQuery("SELECT 2", "user-a", Interactive, 0)

	infos := c.AllQueryInfo()
	if len(infos) != 2 {
		t.Fatalf("infos = %d, want 2", len(infos))
	}
}

func TestCheckTimeoutsWithZeroTimeout(t *testing.T) {
	c := NewController(Config{
		DefaultMaxConcurrent:    10,
		MaxMemoryUtilizationPct: 85.0,
		MaxQueueSize:            100,
		Timeout:                 0,
	}, fixedNodes(1))
	_, id := c.SubmitQuery("SELECT 1", "user-a", Interactive, 0)
	time.Sleep(time.Millisecond)

	timedOut := c.CheckTimeouts()
	if len(timedOut) != 1 || timedOut[0] != id {
		t.Errorf("timedOut = %v, want [%s]", timedOut, id)
	}
}

func TestSessionPriorityDefaultsToInteractive(t *testing.T) {
	c := newTestController(10, 100)
	if c.SessionPriority() != Interactive {
		t.Errorf("default session priority = %v, want Interactive", c.SessionPriority())
	}
	c.SetSessionPriority(System)
	if c.SessionPriority() != System {
		t.Errorf("session priority = %v, want System", c.SessionPriority())
	}
}

func TestEstimateQueryMemoryEmptyTables(t *testing.T) {
	mem := EstimateQueryMemory(nil)
	if mem < 10*1024*1024 {
		t.Errorf("mem = %d, want >= 10MiB base overhead", mem)
	}
}

func TestEstimateQueryMemoryScalesWithRows(t *testing.T) {
	mem := EstimateQueryMemory(map[string]uint64{"orders": 1000})
	want := uint64(10*1024*1024) + 1000*256
	if mem != want {
		t.Errorf("mem = %d, want %d", mem, want)
	}
}
