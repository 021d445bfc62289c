// Package catalog maps table names to the nodes that hold them by
// scanning gossip key-value state, classifying each table's routing
// shape, and detecting schema incompatibilities across shards. Entries
// are derived views over gossip — the catalog never owns them long-term;
// callers must re-read before acting, matching spec.md's "Catalog
// entries are derived views" ownership rule.
//
// Grounded on the teacher's internal/distributed/cluster.go (NodeInfo,
// ClusterStats) generalized to catalog entries, and on
// ext/swarm/src/catalog.rs from original_source for exact tie-break
// semantics.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/swarmsql/swarmsql/internal/gossipfabric"
	"github.com/swarmsql/swarmsql/pkg/swarmerr"
)

// CatalogEntry is one (table, node) pair. Identity is (TableName, NodeID).
type CatalogEntry struct {
	NodeName       string
	NodeID         string
	TableName      string
	ApproxRows     uint64
	SchemaHash     uint64
	FlightEndpoint string // empty means not reachable
}

// ShardInfo is one reachable shard of a Sharded table.
type ShardInfo struct {
	NodeName       string
	FlightEndpoint string
}

// ClassificationKind tags the routing shape of a table. Go has no sum
// types; callers switch on Kind and read the field that kind defines,
// mirroring the tagged-enum guidance in spec.md §9 Design Notes.
type ClassificationKind int

const (
	Local ClassificationKind = iota
	RemoteUnique
	Sharded
)

// TableClassification is the routing decision the coordinator uses for
// one table: Local (serve it here), RemoteUnique (forward to one peer),
// or Sharded (fan out to every shard).
type TableClassification struct {
	Kind           ClassificationKind
	NodeName       string      // set when Kind == RemoteUnique
	FlightEndpoint string      // set when Kind == RemoteUnique
	Shards         []ShardInfo // set when Kind == Sharded
}

type catalogValue struct {
	Rows       uint64 `json:"rows"`
	SchemaHash uint64 `json:"schema_hash"`
}

type flightServiceValue struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Status string `json:"status"`
}

// TableSource is the narrow view onto the local engine the catalog needs
// to advertise tables: enumerate local table names and probe each one's
// row count and schema. Satisfied by internal/enginebridge.Engine.
type TableSource interface {
	ListLocalTables(ctx context.Context) ([]string, error)
	TableRowCount(ctx context.Context, table string) (uint64, error)
	TableSchemaFields(ctx context.Context, table string) ([]SchemaField, error)
}

// SchemaField is one column's name and textual data type, in the order
// schema hashing must walk them.
type SchemaField struct {
	Name     string
	DataType string
}

// Catalog derives table routing information from a gossipfabric.Fabric.
type Catalog struct {
	fabric gossipfabric.Fabric
	source TableSource

	refreshInterval time.Duration
	mu              sync.Mutex
	refreshStop     chan struct{}
	refreshDone     chan struct{}
}

// New creates a Catalog backed by fabric for membership/key-value reads
// and source for local table introspection when advertising.
func New(fabric gossipfabric.Fabric, source TableSource, refreshInterval time.Duration) *Catalog {
	if refreshInterval <= 0 {
		refreshInterval = 30 * time.Second
	}
	return &Catalog{fabric: fabric, source: source, refreshInterval: refreshInterval}
}

// SchemaHash computes the FNV-1a hash of field names and textual data
// types, in field order. Deterministic across processes and platforms —
// no ecosystem hash improves on a fixed, seedless 64-bit hash for this,
// so this stays on hash/fnv (stdlib).
func SchemaHash(fields []SchemaField) uint64 {
	h := fnv.New64a()
	for _, f := range fields {
		_, _ = h.Write([]byte(f.Name))
		_, _ = h.Write([]byte(f.DataType))
	}
	return h.Sum64()
}

func parseFlightEndpoint(jsonValue string) string {
	var svc flightServiceValue
	if err := json.Unmarshal([]byte(jsonValue), &svc); err != nil {
		return ""
	}
	if svc.Status != "running" {
		return ""
	}
	return fmt.Sprintf("http://%s:%d", svc.Host, svc.Port)
}

func parseCatalogValue(jsonValue string) (catalogValue, bool) {
	var v catalogValue
	if err := json.Unmarshal([]byte(jsonValue), &v); err != nil {
		return catalogValue{}, false
	}
	return v, true
}

// allEntries scans every node's key-values and produces one CatalogEntry
// per (table, node) pair found, logging and skipping malformed values.
func allEntries(nodes []gossipfabric.NodeKeyValues) []CatalogEntry {
	var entries []CatalogEntry
	for _, node := range nodes {
		flightEndpoint := parseFlightEndpoint(node.KeyValues["service:flight"])

		for key, value := range node.KeyValues {
			tableName := strings.TrimPrefix(key, "catalog:")
			if tableName == key || tableName == "" {
				continue
			}
			cv, ok := parseCatalogValue(value)
			if !ok {
				log.Printf("catalog: failed to parse catalog value for table %q on node %q: %s", tableName, node.NodeName, value)
				continue
			}
			entries = append(entries, CatalogEntry{
				NodeName:       node.NodeName,
				NodeID:         node.NodeID,
				TableName:      tableName,
				ApproxRows:     cv.Rows,
				SchemaHash:     cv.SchemaHash,
				FlightEndpoint: flightEndpoint,
			})
		}
	}
	return entries
}

// ResolveTable scans gossip for catalog:<name>, joined with each holder's
// service:flight endpoint.
func (c *Catalog) ResolveTable(ctx context.Context, name string) ([]CatalogEntry, error) {
	nodes, err := c.fabric.GetNodeKeyValues(ctx)
	if err != nil {
		return nil, swarmerr.Unavailable("catalog", "gossip read failed").WithCause(err)
	}

	var out []CatalogEntry
	for _, e := range allEntries(nodes) {
		if e.TableName == name {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetAllTables returns one entry per (table, node) pair known to gossip.
func (c *Catalog) GetAllTables(ctx context.Context) ([]CatalogEntry, error) {
	nodes, err := c.fabric.GetNodeKeyValues(ctx)
	if err != nil {
		return nil, swarmerr.Unavailable("catalog", "gossip read failed").WithCause(err)
	}
	return allEntries(nodes), nil
}

// ListTables returns sorted, deduplicated table names across the cluster.
func (c *Catalog) ListTables(ctx context.Context) ([]string, error) {
	entries, err := c.GetAllTables(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var names []string
	for _, e := range entries {
		if _, ok := seen[e.TableName]; !ok {
			seen[e.TableName] = struct{}{}
			names = append(names, e.TableName)
		}
	}
	sort.Strings(names)
	return names, nil
}

// selfNodeID reads this node's own node_id key, or "" if unavailable.
func (c *Catalog) selfNodeID(ctx context.Context) string {
	cfg, err := c.fabric.GetSelfConfig(ctx)
	if err != nil {
		return ""
	}
	return cfg["node_id"]
}

// ClassifyTables groups every known table by routing shape relative to
// this node, following the exact tie-break rules from
// ext/swarm/src/catalog.rs: a lone entry belonging to this node (or any
// remote entry with no reachable Flight endpoint) is Local; a lone remote
// entry with a Flight endpoint is RemoteUnique; two or more reachable
// shards is Sharded, degrading to RemoteUnique (one shard) or Local (zero
// shards) when fewer than two are actually reachable.
func (c *Catalog) ClassifyTables(ctx context.Context) (map[string]TableClassification, error) {
	entries, err := c.GetAllTables(ctx)
	if err != nil {
		return nil, err
	}
	selfID := c.selfNodeID(ctx)

	byTable := make(map[string][]CatalogEntry)
	for _, e := range entries {
		byTable[e.TableName] = append(byTable[e.TableName], e)
	}

	result := make(map[string]TableClassification, len(byTable))
	for table, tableEntries := range byTable {
		result[table] = classifyOne(tableEntries, selfID)
	}
	return result, nil
}

func classifyOne(entries []CatalogEntry, selfID string) TableClassification {
	if len(entries) == 1 {
		e := entries[0]
		isLocal := selfID == "" || e.NodeID == selfID
		if isLocal {
			return TableClassification{Kind: Local}
		}
		if e.FlightEndpoint != "" {
			return TableClassification{Kind: RemoteUnique, NodeName: e.NodeName, FlightEndpoint: e.FlightEndpoint}
		}
		return TableClassification{Kind: Local}
	}

	var shards []ShardInfo
	for _, e := range entries {
		if e.FlightEndpoint != "" {
			shards = append(shards, ShardInfo{NodeName: e.NodeName, FlightEndpoint: e.FlightEndpoint})
		}
	}

	switch {
	case len(shards) > 1:
		return TableClassification{Kind: Sharded, Shards: shards}
	case len(shards) == 1:
		shard := shards[0]
		isLocal := false
		if selfID != "" {
			for _, e := range entries {
				if e.NodeID == selfID && e.FlightEndpoint != "" {
					isLocal = true
					break
				}
			}
		}
		if isLocal {
			return TableClassification{Kind: Local}
		}
		return TableClassification{Kind: RemoteUnique, NodeName: shard.NodeName, FlightEndpoint: shard.FlightEndpoint}
	default:
		return TableClassification{Kind: Local}
	}
}

// AdvertiseLocalTables enumerates local tables via TableSource, computes
// row count and schema hash for each, and publishes catalog:<name> keys.
// Idempotent: republishing the same table overwrites its key.
func (c *Catalog) AdvertiseLocalTables(ctx context.Context) (int, error) {
	tables, err := c.source.ListLocalTables(ctx)
	if err != nil {
		return 0, swarmerr.Internal("catalog", "list local tables").WithCause(err)
	}

	count := 0
	for _, table := range tables {
		rows, err := c.source.TableRowCount(ctx, table)
		if err != nil {
			log.Printf("catalog: failed to count rows for table %q: %v", table, err)
			continue
		}
		fields, err := c.source.TableSchemaFields(ctx, table)
		if err != nil {
			log.Printf("catalog: failed to read schema for table %q: %v", table, err)
			continue
		}

		value, _ := json.Marshal(catalogValue{Rows: rows, SchemaHash: SchemaHash(fields)})
		if err := c.fabric.SetKey(ctx, "catalog:"+table, string(value)); err != nil {
			log.Printf("catalog: failed to advertise table %q: %v", table, err)
			continue
		}
		count++
	}
	return count, nil
}

// RemoveCatalogKeys deletes every catalog:* key this node has published.
func (c *Catalog) RemoveCatalogKeys(ctx context.Context) (int, error) {
	self, err := c.fabric.GetSelfConfig(ctx)
	if err != nil {
		return 0, swarmerr.Unavailable("catalog", "read self config").WithCause(err)
	}

	count := 0
	for key := range self {
		if strings.HasPrefix(key, "catalog:") {
			if err := c.fabric.DeleteKey(ctx, key); err != nil {
				log.Printf("catalog: failed to delete key %q: %v", key, err)
				continue
			}
			count++
		}
	}
	return count, nil
}

// StartCatalogRefresh spawns a background goroutine that calls
// AdvertiseLocalTables on every tick of the configured refresh interval.
// A second call while already running is a no-op.
func (c *Catalog) StartCatalogRefresh(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refreshStop != nil {
		return
	}

	c.refreshStop = make(chan struct{})
	c.refreshDone = make(chan struct{})
	stop := c.refreshStop
	done := c.refreshDone

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if _, err := c.AdvertiseLocalTables(ctx); err != nil {
					log.Printf("catalog: refresh failed: %v", err)
				}
			}
		}
	}()
}

// StopCatalogRefresh signals the background refresh goroutine to stop and
// waits for it to exit. A no-op if refresh was never started.
func (c *Catalog) StopCatalogRefresh() {
	c.mu.Lock()
	stop, done := c.refreshStop, c.refreshDone
	c.refreshStop, c.refreshDone = nil, nil
	c.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// ValidateJoinKeyTypes verifies that all holders of each named table agree
// on schema_hash. It fails on the first mismatch found, naming the
// divergent nodes.
func (c *Catalog) ValidateJoinKeyTypes(ctx context.Context, tableNames []string) error {
	entries, err := c.GetAllTables(ctx)
	if err != nil {
		return err
	}

	byTable := make(map[string][]CatalogEntry)
	for _, e := range entries {
		byTable[e.TableName] = append(byTable[e.TableName], e)
	}

	for _, table := range tableNames {
		tableEntries := byTable[table]
		if len(tableEntries) == 0 {
			continue
		}

		expected := tableEntries[0].SchemaHash
		var mismatched []string
		for _, e := range tableEntries[1:] {
			if e.SchemaHash != expected {
				mismatched = append(mismatched, e.NodeName)
			}
		}
		if len(mismatched) > 0 {
			return swarmerr.SchemaMismatch("catalog",
				"schema mismatch for table %q: node %q has schema_hash 0x%x but node(s) %s have different hashes",
				table, tableEntries[0].NodeName, expected, strings.Join(mismatched, ", ")).
				WithContext("table", table).
				WithContext("divergent_nodes", strings.Join(mismatched, ","))
		}
	}
	return nil
}

// ResolveTableWithFallback resolves via gossip; if gossip has no entry but
// the local engine has the table, it returns a synthetic local entry with
// a zero schema hash.
func (c *Catalog) ResolveTableWithFallback(ctx context.Context, name string) ([]CatalogEntry, error) {
	entries, err := c.ResolveTable(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		return entries, nil
	}

	rows, err := c.source.TableRowCount(ctx, name)
	if err != nil {
		return nil, swarmerr.NotFound("catalog", "table %q not found in distributed catalog or local database", name)
	}

	return []CatalogEntry{{
		NodeName:   "local",
		NodeID:     c.selfNodeID(ctx),
		TableName:  name,
		ApproxRows: rows,
		SchemaHash: 0,
	}}, nil
}

// EstimateQueryMemory returns Σ approx_rows × 256 + 10 MiB across the
// named tables, using whichever gossip entry resolves first per table
// (missing tables contribute 0 rows). Used by internal/admission as an
// advisory estimate only — the memory gate itself uses active-query
// count, per spec.md §4.5.
func (c *Catalog) EstimateQueryMemory(ctx context.Context, tableNames []string) (uint64, error) {
	const perRowBytes = 256
	const baseOverheadBytes = 10 * 1024 * 1024

	total := uint64(baseOverheadBytes)
	for _, name := range tableNames {
		entries, err := c.ResolveTable(ctx, name)
		if err != nil {
			return 0, err
		}
		if len(entries) > 0 {
			total += entries[0].ApproxRows * perRowBytes
		}
	}
	return total, nil
}
