// Package admission controls how many queries run concurrently: a
// priority max-heap orders queued work (System > Interactive > Batch,
// FIFO within a priority), per-user concurrency quotas cap how much of
// the cluster one user can occupy, and a coarse memory gate rejects new
// work outright when the cluster looks saturated.
//
// Grounded on ext/db/src/admission.rs from original_source: the
// same ordering relation, the same mem_pct = 10 × active / nodes
// estimator, and the same queue-full/memory-gate rejection messages.
// The Rust OnceLock<Mutex<...>> singleton becomes an explicit
// *Controller value passed around instead of package-global state,
// following this module's avoid-package-globals convention; the UUID
// query IDs use google/uuid, already in the teacher's dependency graph.
package admission

import (
	"container/heap"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/swarmsql/swarmsql/pkg/swarmerr"
)

// Priority is a query's scheduling class. Higher numeric value runs first.
type Priority int

const (
	Batch Priority = iota
	Interactive
	System
)

// ParsePriority maps a case-insensitive name to a Priority.
func ParsePriority(s string) (Priority, bool) {
	switch strings.ToLower(s) {
	case "batch":
		return Batch, true
	case "interactive":
		return Interactive, true
	case "system":
		return System, true
	default:
		return 0, false
	}
}

func (p Priority) String() string {
	switch p {
	case Batch:
		return "batch"
	case System:
		return "system"
	default:
		return "interactive"
	}
}

// Status is the lifecycle state of a submitted query.
type Status struct {
	State         string // "queued", "running", "completed", "rejected", "cancelled"
	QueuePosition int    // valid when State == "queued"
	Reason        string // set when State == "rejected"
}

func (s Status) String() string {
	switch s.State {
	case "queued":
		return fmt.Sprintf("queued(%d)", s.QueuePosition)
	case "rejected":
		return fmt.Sprintf("rejected: %s", s.Reason)
	default:
		return s.State
	}
}

// Config tunes admission behavior; see internal/config.AdmissionConfig
// for the YAML-facing equivalent.
type Config struct {
	DefaultMaxConcurrent    int
	MaxMemoryUtilizationPct float64
	MaxQueueSize            int
	Timeout                 time.Duration
}

// DefaultConfig matches the teacher-grounded Rust defaults.
func DefaultConfig() Config {
	return Config{
		DefaultMaxConcurrent:    10,
		MaxMemoryUtilizationPct: 85.0,
		MaxQueueSize:            100,
		Timeout:                 300 * time.Second,
	}
}

type queuedQuery struct {
	queryID             string
	sql                 string
	userID              string
	priority            Priority
	submittedAt         time.Time
	estimatedMemoryBytes uint64
	heapIndex           int
}

// priorityQueue is a max-heap ordered by (priority desc, submittedAt asc)
// — container/heap's Less defines "pop order", so item A pops before B
// when A has higher priority, or equal priority and an earlier timestamp.
type priorityQueue []*queuedQuery

func (q priorityQueue) Len() int { return len(q) }
func (q priorityQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].submittedAt.Before(q[j].submittedAt)
}
func (q priorityQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].heapIndex = i
	q[j].heapIndex = j
}
func (q *priorityQueue) Push(x interface{}) {
	item := x.(*queuedQuery)
	item.heapIndex = len(*q)
	*q = append(*q, item)
}
func (q *priorityQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.heapIndex = -1
	*q = old[:n-1]
	return item
}

type activeQuery struct {
	userID    string
	startedAt time.Time
}

type userState struct {
	activeCount  int
	maxConcurrent int
}

// NodeCounter reports how many nodes are currently part of the cluster,
// for the memory-utilization estimate. Satisfied by counting
// gossipfabric.Fabric.GetNodeStates results.
type NodeCounter interface {
	NodeCount() int
}

// ClusterStatus summarizes the controller's current load.
type ClusterStatus struct {
	TotalNodes            int
	ActiveQueries         int
	QueuedQueries         int
	MemoryUtilizationPct  float64
}

// QueryInfo describes one tracked query for introspection.
type QueryInfo struct {
	QueryID       string
	UserID        string
	Status        string
	QueuePosition string
	SubmittedAt   time.Time
}

// Controller is a process-wide query admission gate. One Controller
// serves one node; callers share it explicitly rather than reaching for
// a package-level singleton.
type Controller struct {
	mu            sync.Mutex
	queue         priorityQueue
	activeQueries map[string]*activeQuery
	userState     map[string]*userState
	config        Config
	nodes         NodeCounter

	sessionPriority atomic.Int32
}

// NewController creates a Controller with the given config, consulting
// nodes to estimate cluster size for the memory gate.
func NewController(config Config, nodes NodeCounter) *Controller {
	c := &Controller{
		activeQueries: make(map[string]*activeQuery),
		userState:     make(map[string]*userState),
		config:        config,
		nodes:         nodes,
	}
	c.sessionPriority.Store(int32(Interactive))
	return c
}

// SetSessionPriority sets the priority new queries on this session use
// when the caller does not specify one explicitly.
func (c *Controller) SetSessionPriority(p Priority) { c.sessionPriority.Store(int32(p)) }

// SessionPriority returns the session's current default priority.
func (c *Controller) SessionPriority() Priority { return Priority(c.sessionPriority.Load()) }

// SubmitQuery admits, queues, or rejects sql for userID at priority,
// returning the resulting status and a query ID that CompleteQuery or
// CancelQuery later references.
func (c *Controller) SubmitQuery(sql, userID string, priority Priority, estimatedMemoryBytes uint64) (Status, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	queryID := uuid.NewString()
	now := time.Now()

	memPct := c.currentMemoryUtilizationPctLocked()
	if memPct >= c.config.MaxMemoryUtilizationPct {
		return Status{
			State:  "rejected",
			Reason: fmt.Sprintf("memory utilization %.1f%% exceeds threshold %.1f%%", memPct, c.config.MaxMemoryUtilizationPct),
		}, queryID
	}

	user, ok := c.userState[userID]
	if !ok {
		user = &userState{maxConcurrent: c.config.DefaultMaxConcurrent}
		c.userState[userID] = user
	}

	if user.activeCount >= user.maxConcurrent {
		if len(c.queue) >= c.config.MaxQueueSize {
			return Status{
				State:  "rejected",
				Reason: fmt.Sprintf("queue full (%d/%d)", len(c.queue), c.config.MaxQueueSize),
			}, queryID
		}

		heap.Push(&c.queue, &queuedQuery{
			queryID:              queryID,
			sql:                  sql,
			userID:               userID,
			priority:             priority,
			submittedAt:          now,
			estimatedMemoryBytes: estimatedMemoryBytes,
		})
		return Status{State: "queued", QueuePosition: c.queuePositionLocked(queryID)}, queryID
	}

	user.activeCount++
	c.activeQueries[queryID] = &activeQuery{userID: userID, startedAt: now}
	return Status{State: "running"}, queryID
}

// CompleteQuery releases the concurrency slot held by queryID. A no-op
// if queryID is not an active query (already completed or unknown).
func (c *Controller) CompleteQuery(queryID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	active, ok := c.activeQueries[queryID]
	if !ok {
		return
	}
	delete(c.activeQueries, queryID)
	if user, ok := c.userState[active.userID]; ok && user.activeCount > 0 {
		user.activeCount--
	}
	c.admitFromQueueLocked()
}

// CancelQuery removes queryID whether it is active or queued. It errors
// if queryID is unknown.
func (c *Controller) CancelQuery(queryID string) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if active, ok := c.activeQueries[queryID]; ok {
		delete(c.activeQueries, queryID)
		if user, ok := c.userState[active.userID]; ok && user.activeCount > 0 {
			user.activeCount--
		}
		c.admitFromQueueLocked()
		return Status{State: "cancelled"}, nil
	}

	for i, q := range c.queue {
		if q.queryID == queryID {
			heap.Remove(&c.queue, i)
			return Status{State: "cancelled"}, nil
		}
	}

	return Status{}, swarmerr.NotFound("admission", "query %s not found", queryID)
}

// admitFromQueueLocked promotes the next eligible queued query into
// active status when a concurrency slot frees up. Called with mu held.
func (c *Controller) admitFromQueueLocked() {
	if len(c.queue) == 0 {
		return
	}
	memPct := c.currentMemoryUtilizationPctLocked()
	if memPct >= c.config.MaxMemoryUtilizationPct {
		return
	}

	for i, q := range c.queue {
		user, ok := c.userState[q.userID]
		if !ok {
			user = &userState{maxConcurrent: c.config.DefaultMaxConcurrent}
			c.userState[q.userID] = user
		}
		if user.activeCount < user.maxConcurrent {
			heap.Remove(&c.queue, i)
			user.activeCount++
			c.activeQueries[q.queryID] = &activeQuery{userID: q.userID, startedAt: time.Now()}
			return
		}
	}
}

// GetQueryStatus reports queryID's current status, or ok=false if unknown.
func (c *Controller) GetQueryStatus(queryID string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.activeQueries[queryID]; ok {
		return Status{State: "running"}, true
	}
	if pos := c.queuePositionLocked(queryID); pos > 0 {
		return Status{State: "queued", QueuePosition: pos}, true
	}
	return Status{}, false
}

// queuePositionLocked returns queryID's 1-based pop order within the
// queue, or 0 if not present. Must hold mu.
func (c *Controller) queuePositionLocked(queryID string) int {
	ordered := make(priorityQueue, len(c.queue))
	copy(ordered, c.queue)
	sortByPopOrder(ordered)
	for i, q := range ordered {
		if q.queryID == queryID {
			return i + 1
		}
	}
	return 0
}

func sortByPopOrder(q priorityQueue) {
	for i := 1; i < len(q); i++ {
		for j := i; j > 0 && q.Less(j, j-1); j-- {
			q[j], q[j-1] = q[j-1], q[j]
		}
	}
}

// SetUserQuota overrides userID's max concurrent query count.
func (c *Controller) SetUserQuota(userID string, maxConcurrent int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	user, ok := c.userState[userID]
	if !ok {
		user = &userState{}
		c.userState[userID] = user
	}
	user.maxConcurrent = maxConcurrent
}

// ClusterStatus reports the controller's current load.
func (c *Controller) ClusterStatus() ClusterStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ClusterStatus{
		TotalNodes:           c.nodeCountLocked(),
		ActiveQueries:        len(c.activeQueries),
		QueuedQueries:        len(c.queue),
		MemoryUtilizationPct: c.currentMemoryUtilizationPctLocked(),
	}
}

// AllQueryInfo returns every active and queued query, for introspection.
func (c *Controller) AllQueryInfo() []QueryInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	infos := make([]QueryInfo, 0, len(c.activeQueries)+len(c.queue))
	for qid, active := range c.activeQueries {
		infos = append(infos, QueryInfo{
			QueryID:       qid,
			UserID:        active.userID,
			Status:        "running",
			QueuePosition: "-",
			SubmittedAt:   active.startedAt,
		})
	}

	ordered := make(priorityQueue, len(c.queue))
	copy(ordered, c.queue)
	sortByPopOrder(ordered)
	for i, q := range ordered {
		infos = append(infos, QueryInfo{
			QueryID:       q.queryID,
			UserID:        q.userID,
			Status:        "queued",
			QueuePosition: fmt.Sprintf("%d", i+1),
			SubmittedAt:   q.submittedAt,
		})
	}
	return infos
}

// CheckTimeouts returns the IDs of every active query that has run
// longer than the configured timeout.
func (c *Controller) CheckTimeouts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var timedOut []string
	for qid, active := range c.activeQueries {
		if time.Since(active.startedAt) > c.config.Timeout {
			timedOut = append(timedOut, qid)
		}
	}
	return timedOut
}

// currentMemoryUtilizationPctLocked models utilization as roughly 10% of
// one node's capacity per active query, spread across the cluster. Must
// hold mu.
func (c *Controller) currentMemoryUtilizationPctLocked() float64 {
	nodes := float64(c.nodeCountLocked())
	if nodes < 1 {
		nodes = 1
	}
	util := float64(len(c.activeQueries)) * 10.0 / nodes
	if util > 100.0 {
		util = 100.0
	}
	return util
}

func (c *Controller) nodeCountLocked() int {
	if c.nodes == nil {
		return 1
	}
	n := c.nodes.NodeCount()
	if n < 1 {
		return 1
	}
	return n
}

const (
	avgRowSizeBytes   = 256
	shuffleBufferBytes = 10 * 1024 * 1024
)

// EstimateQueryMemory estimates bytes needed for a query touching the
// named tables, given each table's max known approx_rows across the
// catalog entries that resolve it. Mirrors
// ext/db/src/admission.rs::estimate_query_memory.
func EstimateQueryMemory(tableApproxRows map[string]uint64) uint64 {
	if len(tableApproxRows) == 0 {
		return shuffleBufferBytes
	}
	var total uint64
	for _, rows := range tableApproxRows {
		total += rows * avgRowSizeBytes
	}
	return total + shuffleBufferBytes
}
