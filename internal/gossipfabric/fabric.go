// Package gossipfabric defines the read/write contract the rest of the
// engine uses to observe cluster membership and per-node key-value state.
// The real gossip membership protocol is an external collaborator (out of
// scope); this package only states the interface every other component
// programs against, plus (in the memlist subpackage) an in-process
// implementation for tests and the single-process demo binary.
package gossipfabric

import "context"

// NodeState is one node's membership view: identity, reachability, and
// whether it can host table shards.
type NodeState struct {
	NodeID     string
	NodeName   string
	GossipAddr string
	DataNode   bool
	Status     string // "alive", "suspect", or "dead"
}

// NodeKeyValues is one node's full published key-value set, joined with
// its membership identity for convenience.
type NodeKeyValues struct {
	NodeID     string
	NodeName   string
	GossipAddr string
	KeyValues  map[string]string
}

// StartConfig parameters the initial join to a cluster.
type StartConfig struct {
	Host      string
	Port      int
	ClusterID string
	NodeName  string
	DataNode  bool
	Seeds     []string
}

// Fabric is the narrow membership/key-value contract the catalog,
// partitioning engine, and coordinator consume. Every read operation must
// tolerate transient unavailability — callers retry or degrade, they never
// assume a fabric read blocks forever.
type Fabric interface {
	// Start joins the cluster described by cfg. Calling Start twice on an
	// already-started Fabric is an error.
	Start(ctx context.Context, cfg StartConfig) error

	// GetNodeStates returns the locally known membership view of every
	// node, including this one.
	GetNodeStates(ctx context.Context) ([]NodeState, error)

	// GetNodeKeyValues returns every node's full key-value set, joined
	// with its membership identity.
	GetNodeKeyValues(ctx context.Context) ([]NodeKeyValues, error)

	// GetSelfConfig returns this node's own key-values.
	GetSelfConfig(ctx context.Context) (map[string]string, error)

	// SetKey publishes (key, value) for this node. Propagation to peers
	// is eventually consistent, bounded by the configured refresh
	// interval.
	SetKey(ctx context.Context, key, value string) error

	// DeleteKey removes a previously published key for this node.
	DeleteKey(ctx context.Context, key string) error
}
