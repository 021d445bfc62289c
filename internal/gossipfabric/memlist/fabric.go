package memlist

import (
	"context"
	"strconv"
	"sync"

	"github.com/swarmsql/swarmsql/internal/gossipfabric"
	"github.com/swarmsql/swarmsql/pkg/swarmerr"
)

// Fabric is one simulated node's view onto a shared Hub. It implements
// gossipfabric.Fabric.
type Fabric struct {
	hub *Hub

	mu       sync.RWMutex
	started  bool
	nodeID   string
	nodeName string
}

// New creates a Fabric bound to hub, identified by nodeID once Start is
// called. Multiple Fabric values sharing one Hub simulate a cluster.
func New(hub *Hub, nodeID string) *Fabric {
	return &Fabric{hub: hub, nodeID: nodeID}
}

var _ gossipfabric.Fabric = (*Fabric)(nil)

// Start joins the cluster and publishes this node's node_id, node_name
// and data_node keys. Calling Start twice returns an error.
func (f *Fabric) Start(_ context.Context, cfg gossipfabric.StartConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.started {
		return swarmerr.InvalidArgument("gossipfabric", "fabric for node %s already started", f.nodeID)
	}

	f.nodeName = cfg.NodeName
	gossipAddr := cfg.Host + ":" + strconv.Itoa(cfg.Port)
	f.hub.join(f.nodeID, cfg.NodeName, gossipAddr, cfg.DataNode)
	f.hub.setKey(f.nodeID, "node_id", f.nodeID)
	f.hub.setKey(f.nodeID, "node_name", cfg.NodeName)
	f.hub.setKey(f.nodeID, "data_node", strconv.FormatBool(cfg.DataNode))
	f.started = true
	return nil
}

// GetNodeStates returns the membership view of every known node.
func (f *Fabric) GetNodeStates(context.Context) ([]gossipfabric.NodeState, error) {
	members := f.hub.snapshot()
	out := make([]gossipfabric.NodeState, 0, len(members))
	for _, m := range members {
		out = append(out, gossipfabric.NodeState{
			NodeID:     m.nodeID,
			NodeName:   m.nodeName,
			GossipAddr: m.gossipAddr,
			DataNode:   m.dataNode,
			Status:     string(m.status),
		})
	}
	return out, nil
}

// GetNodeKeyValues returns every node's key-value set.
func (f *Fabric) GetNodeKeyValues(context.Context) ([]gossipfabric.NodeKeyValues, error) {
	members := f.hub.snapshot()
	out := make([]gossipfabric.NodeKeyValues, 0, len(members))
	for _, m := range members {
		out = append(out, gossipfabric.NodeKeyValues{
			NodeID:     m.nodeID,
			NodeName:   m.nodeName,
			GossipAddr: m.gossipAddr,
			KeyValues:  m.keyValues,
		})
	}
	return out, nil
}

// GetSelfConfig returns this node's own key-values.
func (f *Fabric) GetSelfConfig(context.Context) (map[string]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.started {
		return nil, swarmerr.Unavailable("gossipfabric", "fabric for node %s not started", f.nodeID)
	}
	return f.hub.selfKeyValues(f.nodeID), nil
}

// SetKey publishes (key, value) for this node.
func (f *Fabric) SetKey(_ context.Context, key, value string) error {
	f.mu.RLock()
	started := f.started
	f.mu.RUnlock()
	if !started {
		return swarmerr.Unavailable("gossipfabric", "fabric for node %s not started", f.nodeID)
	}
	f.hub.setKey(f.nodeID, key, value)
	return nil
}

// DeleteKey removes a previously published key for this node.
func (f *Fabric) DeleteKey(_ context.Context, key string) error {
	f.mu.RLock()
	started := f.started
	f.mu.RUnlock()
	if !started {
		return swarmerr.Unavailable("gossipfabric", "fabric for node %s not started", f.nodeID)
	}
	f.hub.deleteKey(f.nodeID, key)
	return nil
}
