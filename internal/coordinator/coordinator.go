// Package coordinator fans a decomposed query out to every node that
// holds a piece of its tables, merges the shard results locally, and
// reports cluster-wide status for introspection.
//
// Grounded on spec.md §4.8 for the fan-out/merge algorithm and on the
// teacher's internal/distributed/coordinator.go for the Go concurrency
// shape (ActiveOperation-style bookkeeping, best-effort multi-node
// fan-out) — generalized here to SQL decomposition and schema merge
// instead of ObjectFS's Get/Put/Delete/List/Batch operation types, which
// have no equivalent in this domain and were not carried over (see
// DESIGN.md). Fan-out itself uses golang.org/x/sync/errgroup, matching
// the malbeclabs-doublezero and zhagnlu-milvus manifests in the example
// pool, bridged through internal/resilience so one bad shard endpoint
// degrades instead of wedging the whole query.
package coordinator

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"golang.org/x/sync/errgroup"

	"github.com/swarmsql/swarmsql/internal/admission"
	"github.com/swarmsql/swarmsql/internal/catalog"
	"github.com/swarmsql/swarmsql/internal/decompose"
	"github.com/swarmsql/swarmsql/internal/enginebridge"
	"github.com/swarmsql/swarmsql/internal/gossipfabric"
	"github.com/swarmsql/swarmsql/internal/partition"
	"github.com/swarmsql/swarmsql/internal/resilience"
	"github.com/swarmsql/swarmsql/pkg/swarmerr"
)

// RPCClient is the narrow peer-read surface the coordinator needs: run a
// query against one peer and get a single Arrow record back.
// internal/flightsvc.Client satisfies this.
type RPCClient interface {
	DoGetQuery(ctx context.Context, endpoint, query string) (arrow.Record, error)
}

// Coordinator runs execute_distributed_query (spec.md §4.8) and reports
// ClusterStatus (spec.md §9 supplemented feature).
type Coordinator struct {
	engine     enginebridge.Engine
	catalog    *catalog.Catalog
	fabric     gossipfabric.Fabric
	rpc        RPCClient
	resilience *resilience.Manager
	admission  *admission.Controller
}

// New builds a Coordinator. admission may be nil if this node doesn't
// run the admission controller (ClusterStatus then reports zero
// in-flight queries).
func New(engine enginebridge.Engine, cat *catalog.Catalog, fabric gossipfabric.Fabric, rpc RPCClient, resilience *resilience.Manager, admission *admission.Controller) *Coordinator {
	return &Coordinator{engine: engine, catalog: cat, fabric: fabric, rpc: rpc, resilience: resilience, admission: admission}
}

// Result is {schema, batches} returned to the caller of
// execute_distributed_query.
type Result struct {
	Schema  *arrow.Schema
	Batches []arrow.Record
}

// Release releases every batch in the result. Callers must call this
// once done with the result.
func (r Result) Release() {
	for _, b := range r.Batches {
		b.Release()
	}
}

// ExecuteDistributedQuery implements spec.md §4.8's five steps: decompose,
// classify referenced tables, forward-or-fan-out, verify schema
// compatibility, and merge locally.
func (co *Coordinator) ExecuteDistributedQuery(ctx context.Context, sql string, partialAllowed bool) (Result, error) {
	decomposed := decompose.Decompose(sql)

	tables := referencedTables(sql)
	classifications, err := co.catalog.ClassifyTables(ctx)
	if err != nil {
		return Result{}, swarmerr.Unavailable("coordinator", "classify tables for query").WithCause(err)
	}

	for _, table := range tables {
		class, ok := classifications[table]
		if !ok || class.Kind == catalog.Local {
			continue
		}
		if class.Kind == catalog.RemoteUnique {
			rec, err := co.forward(ctx, class.FlightEndpoint, sql)
			if err != nil {
				return Result{}, err
			}
			return Result{Schema: rec.Schema(), Batches: []arrow.Record{rec}}, nil
		}
	}

	var shards []catalog.ShardInfo
	for _, table := range tables {
		class, ok := classifications[table]
		if !ok || class.Kind != catalog.Sharded {
			continue
		}
		shards = append(shards, class.Shards...)
	}

	if len(shards) == 0 {
		return co.runLocal(ctx, sql)
	}

	batches, err := co.fanOut(ctx, shards, decomposed.NodeSQL)
	if err != nil {
		return Result{}, err
	}

	if err := verifyCompatible(batches); err != nil {
		if !partialAllowed {
			releaseRecords(batches)
			return Result{}, err
		}
		batches = dropIncompatible(batches)
	}
	if len(batches) == 0 {
		return Result{}, swarmerr.Internal("coordinator", "no compatible shard responses for query")
	}
	defer releaseRecords(batches)

	return co.mergeLocally(ctx, batches, decomposed.MergeSQL)
}

func (co *Coordinator) forward(ctx context.Context, endpoint, sql string) (arrow.Record, error) {
	var rec arrow.Record
	err := co.resilience.Call(ctx, endpoint, func(ctx context.Context) error {
		var callErr error
		rec, callErr = co.rpc.DoGetQuery(ctx, endpoint, sql)
		return callErr
	})
	if err != nil {
		return nil, swarmerr.Unavailable("coordinator", "forward query to %s", endpoint).WithCause(err)
	}
	return rec, nil
}

// fanOut issues nodeSQL to every shard endpoint concurrently, bounded by
// an errgroup (all-or-fail per spec.md §5's "Coordinator fan-out awaits
// all per-shard responses").
func (co *Coordinator) fanOut(ctx context.Context, shards []catalog.ShardInfo, nodeSQL string) ([]arrow.Record, error) {
	results := make([]arrow.Record, len(shards))
	g, gctx := errgroup.WithContext(ctx)

	for i, shard := range shards {
		i, shard := i, shard
		g.Go(func() error {
			var rec arrow.Record
			err := co.resilience.Call(gctx, shard.FlightEndpoint, func(ctx context.Context) error {
				var callErr error
				rec, callErr = co.rpc.DoGetQuery(ctx, shard.FlightEndpoint, nodeSQL)
				return callErr
			})
			if err != nil {
				return swarmerr.Unavailable("coordinator", "fan-out to shard %s", shard.NodeName).WithCause(err)
			}
			results[i] = rec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		releaseRecords(results)
		return nil, err
	}
	return results, nil
}

// verifyCompatible checks that every non-nil batch shares the first
// batch's schema, per spec.md §4.8 step 4.
func verifyCompatible(batches []arrow.Record) error {
	var first *arrow.Schema
	for _, b := range batches {
		if b == nil {
			continue
		}
		if first == nil {
			first = b.Schema()
			continue
		}
		if !first.Equal(b.Schema()) {
			return swarmerr.SchemaMismatch("coordinator", "shard schemas differ for distributed query")
		}
	}
	return nil
}

// dropIncompatible keeps only the batches matching the majority schema,
// releasing the rest, used when partialAllowed tolerates a schema
// mismatch rather than failing the whole query.
func dropIncompatible(batches []arrow.Record) []arrow.Record {
	counts := make(map[string]int)
	for _, b := range batches {
		if b != nil {
			counts[b.Schema().String()]++
		}
	}
	var winner string
	best := -1
	for key, count := range counts {
		if count > best {
			best = count
			winner = key
		}
	}
	var kept []arrow.Record
	for _, b := range batches {
		if b != nil && b.Schema().String() == winner {
			kept = append(kept, b)
		} else if b != nil {
			b.Release()
		}
	}
	return kept
}

// mergeLocally loads batches into a scratch "_merged" table via the
// engine's Appender, then runs mergeSQL against it, matching spec.md
// §4.8 step 5's "virtual view over the concatenated batches".
func (co *Coordinator) mergeLocally(ctx context.Context, batches []arrow.Record, mergeSQL string) (Result, error) {
	conn, err := co.engine.OpenInMemoryConnection(ctx)
	if err != nil {
		return Result{}, swarmerr.Unavailable("coordinator", "open merge connection").WithCause(err)
	}
	defer conn.Close()

	createSQL := partition.GenerateCreateTableSQL("_merged", batches[0].Schema())
	if err := conn.ExecuteBatch(ctx, createSQL); err != nil {
		return Result{}, swarmerr.Internal("coordinator", "create merge scratch table").WithCause(err)
	}

	appender, err := conn.Appender(ctx, "_merged")
	if err != nil {
		return Result{}, swarmerr.Internal("coordinator", "open merge appender").WithCause(err)
	}
	for _, b := range batches {
		if err := appender.AppendRecord(b); err != nil {
			appender.Close()
			return Result{}, swarmerr.Internal("coordinator", "append shard batch to merge table").WithCause(err)
		}
	}
	if err := appender.Close(); err != nil {
		return Result{}, swarmerr.Internal("coordinator", "close merge appender").WithCause(err)
	}

	rec, err := conn.QueryArrow(ctx, mergeSQL)
	if err != nil {
		return Result{}, swarmerr.Internal("coordinator", "run merge query").WithCause(err)
	}
	return Result{Schema: rec.Schema(), Batches: []arrow.Record{rec}}, nil
}

func (co *Coordinator) runLocal(ctx context.Context, sql string) (Result, error) {
	conn, err := co.engine.OpenInMemoryConnection(ctx)
	if err != nil {
		return Result{}, swarmerr.Unavailable("coordinator", "open local connection").WithCause(err)
	}
	defer conn.Close()

	rec, err := conn.QueryArrow(ctx, sql)
	if err != nil {
		return Result{}, swarmerr.Internal("coordinator", "run local query").WithCause(err)
	}
	return Result{Schema: rec.Schema(), Batches: []arrow.Record{rec}}, nil
}

func releaseRecords(recs []arrow.Record) {
	for _, r := range recs {
		if r != nil {
			r.Release()
		}
	}
}

// ClusterStatus reports the node list, table classifications, and
// in-flight query counts — spec.md §9's supplemented cluster-status
// operation, mirroring the host extension's `_cluster_status` table
// function without the SQL glue itself.
type ClusterStatus struct {
	Nodes           []gossipfabric.NodeState
	Classifications map[string]catalog.TableClassification
	ActiveQueries   int
	QueuedQueries   int
}

func (co *Coordinator) ClusterStatus(ctx context.Context) (ClusterStatus, error) {
	nodes, err := co.fabric.GetNodeStates(ctx)
	if err != nil {
		return ClusterStatus{}, swarmerr.Unavailable("coordinator", "read cluster membership").WithCause(err)
	}
	classifications, err := co.catalog.ClassifyTables(ctx)
	if err != nil {
		return ClusterStatus{}, swarmerr.Unavailable("coordinator", "classify tables for cluster status").WithCause(err)
	}

	status := ClusterStatus{Nodes: nodes, Classifications: classifications}
	if co.admission != nil {
		admStatus := co.admission.ClusterStatus()
		status.ActiveQueries = admStatus.ActiveQueries
		status.QueuedQueries = admStatus.QueuedQueries
	}
	return status, nil
}
