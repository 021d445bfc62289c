package partition

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/swarmsql/swarmsql/internal/enginebridge"
	"github.com/swarmsql/swarmsql/internal/gossipfabric"
	"github.com/swarmsql/swarmsql/internal/shuffle"
	"github.com/swarmsql/swarmsql/pkg/swarmerr"
)

// RPCClient is the narrow peer-RPC surface the orchestrator needs: send
// DDL/DML, read a whole table back, and nudge a peer's catalog to
// refresh early. internal/flightsvc.Client satisfies this; keeping the
// interface here (rather than importing flightsvc's concrete type)
// keeps the orchestrator testable against a fake.
type RPCClient interface {
	DoActionQuery(ctx context.Context, endpoint, query string) error
	DoGetQuery(ctx context.Context, endpoint, query string) (arrow.Record, error)
	RefreshCatalog(ctx context.Context, endpoint string) error
}

// Orchestrator runs the end-to-end partition_table / create_table /
// repartition_table operations of spec.md §4.6: local table read,
// target discovery, assignment, DDL fan-out with rollback, batch
// distribution via the shuffle writer, and gossip publication.
type Orchestrator struct {
	engine enginebridge.Engine
	fabric gossipfabric.Fabric
	rpc    RPCClient
	writer *shuffle.Writer
}

// NewOrchestrator builds an Orchestrator. writer must wrap an
// ExchangeSender backed by the same rpc client (internal/flightsvc.Client
// satisfies both roles), since partitioning and shuffling share one
// peer-connection pool in practice.
func NewOrchestrator(engine enginebridge.Engine, fabric gossipfabric.Fabric, rpc RPCClient, writer *shuffle.Writer) *Orchestrator {
	return &Orchestrator{engine: engine, fabric: fabric, rpc: rpc, writer: writer}
}

// PartitionTable implements partition_table(name, config): steps 1-9 of
// spec.md §4.6. selfEndpoint is this node's own Flight endpoint (used to
// decide whether to keep or drop the local copy in step 8); it may be
// empty if this node never advertises a Flight service.
func (o *Orchestrator) PartitionTable(ctx context.Context, name string, cfg Config, selfEndpoint string) error {
	conn, err := o.engine.OpenInMemoryConnection(ctx)
	if err != nil {
		return swarmerr.Unavailable("partition", "open engine connection").WithCause(err)
	}
	defer conn.Close()

	rec, err := conn.QueryArrow(ctx, fmt.Sprintf("SELECT * FROM %s", name))
	if err != nil {
		return swarmerr.NotFound("partition", "read local table %q", name).WithCause(err)
	}
	defer rec.Release()

	return o.distribute(ctx, conn, name, cfg, []arrow.Record{rec}, rec.Schema(), selfEndpoint)
}

// CreateTable implements create_table(create_sql, config): run createSQL
// locally, then partition_table(name, config). On partition failure, the
// just-created local table is dropped to restore the pre-call state.
func (o *Orchestrator) CreateTable(ctx context.Context, createSQL, name string, cfg Config, selfEndpoint string) error {
	conn, err := o.engine.OpenInMemoryConnection(ctx)
	if err != nil {
		return swarmerr.Unavailable("partition", "open engine connection").WithCause(err)
	}
	if err := conn.ExecuteBatch(ctx, createSQL); err != nil {
		conn.Close()
		return swarmerr.InvalidArgument("partition", "execute CREATE for %q", name).WithCause(err)
	}
	conn.Close()

	if err := o.PartitionTable(ctx, name, cfg, selfEndpoint); err != nil {
		if dropErr := o.dropLocal(ctx, name); dropErr != nil {
			return swarmerr.Internal("partition", "partition failed for %q and local rollback also failed", name).WithCause(err)
		}
		return err
	}
	return nil
}

// RepartitionTable implements repartition_table(name, config): spec.md
// §4.6 steps 1-5. existing is the table's current shard list, resolved
// by the caller from the catalog (internal/catalog.ResolveTable), since
// the orchestrator has no catalog dependency of its own.
func (o *Orchestrator) RepartitionTable(ctx context.Context, name string, existing []ShardEndpoint, cfg Config, selfEndpoint string) error {
	if len(existing) == 0 {
		return swarmerr.InvalidArgument("partition", "table %q has no known shards to repartition", name)
	}

	var batches []arrow.Record
	var schema *arrow.Schema
	for _, shard := range existing {
		rec, err := o.rpc.DoGetQuery(ctx, shard.FlightEndpoint, fmt.Sprintf("SELECT * FROM %s", name))
		if err != nil {
			releaseAll(batches)
			return swarmerr.Unavailable("partition", "read shard %s of %q", shard.NodeName, name).WithCause(err)
		}
		batches = append(batches, rec)
		schema = rec.Schema()
	}
	defer releaseAll(batches)

	for _, shard := range existing {
		if err := o.rpc.DoActionQuery(ctx, shard.FlightEndpoint, fmt.Sprintf("DROP TABLE IF EXISTS %s", name)); err != nil {
			return swarmerr.Unavailable("partition", "drop old shard %s of %q during repartition; cluster may now be split-brain for this table", shard.NodeName, name).WithCause(err)
		}
	}

	if err := RemoveMetadata(ctx, o.fabric, name); err != nil {
		return err
	}

	conn, err := o.engine.OpenInMemoryConnection(ctx)
	if err != nil {
		return swarmerr.Unavailable("partition", "open engine connection").WithCause(err)
	}
	defer conn.Close()

	return o.distribute(ctx, conn, name, cfg, batches, schema, selfEndpoint)
}

// ShardEndpoint is the minimal view of a catalog shard the orchestrator
// needs to read it back during repartitioning.
type ShardEndpoint struct {
	NodeName       string
	FlightEndpoint string
}

// distribute runs spec.md §4.6 steps 3-9 given batches already read into
// memory: discover targets, assign partitions, fan out CREATE with
// rollback, stream batches with rollback, drop the local copy unless
// this node is itself a target, and publish + eagerly refresh gossip.
func (o *Orchestrator) distribute(ctx context.Context, conn enginebridge.Conn, name string, cfg Config, batches []arrow.Record, schema *arrow.Schema, selfEndpoint string) error {
	available, err := DiscoverTargetNodes(ctx, o.fabric)
	if err != nil {
		return err
	}
	if len(available) == 0 {
		return swarmerr.Unavailable("partition", "no data nodes with a running Flight service are available for %q", name)
	}

	numPartitions := cfg.NumPartitions
	if cfg.Strategy == Range {
		numPartitions = len(cfg.Ranges)
	}
	assignments, err := AssignPartitions(numPartitions, available, cfg.Nodes)
	if err != nil {
		return err
	}

	var partitioned map[int][]arrow.Record
	switch cfg.Strategy {
	case Hash:
		partitioned, err = HashPartitionBatches(batches, cfg.Column, numPartitions)
	case Range:
		partitioned, err = RangePartitionBatches(batches, cfg.Column, cfg.Ranges)
	default:
		err = swarmerr.InvalidArgument("partition", "unknown partition strategy %q", cfg.Strategy)
	}
	if err != nil {
		return err
	}
	defer func() {
		for _, recs := range partitioned {
			releaseAll(recs)
		}
	}()

	createSQL := GenerateCreateTableSQL(name, schema)

	createdEndpoints := distinctEndpoints(assignments)
	var createdSoFar []string
	for _, endpoint := range createdEndpoints {
		if err := o.rpc.DoActionQuery(ctx, endpoint, createSQL); err != nil {
			o.rollback(ctx, name, createdSoFar)
			return swarmerr.Unavailable("partition", "create shard table %q at %s", name, endpoint).WithCause(err)
		}
		createdSoFar = append(createdSoFar, endpoint)
	}

	plan := shuffle.ExchangePlan{
		ShuffleID:     "partition:" + name,
		JoinKeys:      []string{cfg.Column},
		NumPartitions: numPartitions,
		TargetTable:   name,
	}
	for _, a := range assignments {
		plan.PartitionTargets = append(plan.PartitionTargets, shuffle.PartitionTarget{
			PartitionID:    a.PartitionID,
			FlightEndpoint: a.FlightEndpoint,
			NodeName:       a.NodeName,
		})
	}
	if err := o.writer.Send(ctx, plan, partitioned); err != nil {
		o.rollback(ctx, name, createdSoFar)
		return swarmerr.Unavailable("partition", "distribute partitions of %q", name).WithCause(err)
	}

	isTarget := false
	for _, endpoint := range createdEndpoints {
		if endpoint == selfEndpoint {
			isTarget = true
			break
		}
	}
	if !isTarget {
		if err := conn.ExecuteBatch(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", name)); err != nil {
			return swarmerr.Internal("partition", "drop local copy of %q after successful distribution", name).WithCause(err)
		}
	}

	md := Metadata{
		Strategy:    Strategy{Kind: cfg.Strategy, Column: cfg.Column, NumPartitions: numPartitions, Ranges: cfg.Ranges},
		Assignments: assignments,
		CreateSQL:   createSQL,
	}
	if err := PublishMetadata(ctx, o.fabric, name, md); err != nil {
		return err
	}

	for _, endpoint := range createdEndpoints {
		_ = o.rpc.RefreshCatalog(ctx, endpoint)
	}
	return nil
}

// rollback issues DROP TABLE IF EXISTS on every endpoint a CREATE
// already succeeded on, per spec.md §4.6 step 6/7's rollback rule.
// Best-effort: a drop failure during rollback is not itself retried,
// since the operation has already failed and the caller surfaces that.
func (o *Orchestrator) rollback(ctx context.Context, name string, endpoints []string) {
	for _, endpoint := range endpoints {
		_ = o.rpc.DoActionQuery(ctx, endpoint, fmt.Sprintf("DROP TABLE IF EXISTS %s", name))
	}
}

func (o *Orchestrator) dropLocal(ctx context.Context, name string) error {
	conn, err := o.engine.OpenInMemoryConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.ExecuteBatch(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", name))
}

func distinctEndpoints(assignments []Assignment) []string {
	seen := make(map[string]bool, len(assignments))
	var out []string
	for _, a := range assignments {
		if !seen[a.FlightEndpoint] {
			seen[a.FlightEndpoint] = true
			out = append(out, a.FlightEndpoint)
		}
	}
	return out
}

func releaseAll(recs []arrow.Record) {
	for _, r := range recs {
		r.Release()
	}
}
