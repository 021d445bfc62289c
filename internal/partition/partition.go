// Package partition distributes a table's rows across cluster nodes by
// hash or range strategy, generates the CREATE TABLE DDL each shard
// needs, and publishes the resulting layout to gossip so the catalog and
// coordinator can route queries to the right shard.
//
// Grounded on ext/db/src/partition.rs from original_source: the
// Strategy/RangeBound/Assignment/Metadata shapes, the round-robin and
// explicit node assignment rules, the Arrow-type-to-SQL-type table, and
// the half-open [lower, upper) range semantics all mirror that file.
// Gossip publish/lookup follows internal/catalog's own key-prefix
// convention (here "partition:<table>") and JSON-encoded values.
package partition

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/swarmsql/swarmsql/internal/gossipfabric"
	"github.com/swarmsql/swarmsql/internal/shuffle"
	"github.com/swarmsql/swarmsql/pkg/swarmerr"
)

// StrategyKind is the partitioning scheme a table uses.
type StrategyKind string

const (
	Hash  StrategyKind = "hash"
	Range StrategyKind = "range"
)

// RangeBound is one half-open [Lower, Upper) bucket boundary. A nil
// Lower means "no lower bound" (first bucket); a nil Upper means "no
// upper bound" (last bucket, also the catch-all for unmatched rows).
type RangeBound struct {
	Lower *float64 `json:"lower,omitempty"`
	Upper *float64 `json:"upper,omitempty"`
}

// Strategy describes how a table's rows map to partitions.
type Strategy struct {
	Kind          StrategyKind `json:"kind"`
	Column        string       `json:"column"`
	NumPartitions int          `json:"num_partitions,omitempty"`
	Ranges        []RangeBound `json:"ranges,omitempty"`
}

// Assignment binds one partition ID to the node that hosts it.
type Assignment struct {
	PartitionID    int    `json:"partition_id"`
	NodeName       string `json:"node_name"`
	FlightEndpoint string `json:"flight_endpoint"`
}

// Metadata is the full partitioning layout published to gossip for a
// table, readable by any node wanting to route queries to its shards.
type Metadata struct {
	Strategy    Strategy     `json:"strategy"`
	Assignments []Assignment `json:"assignments"`
	CreateSQL   string       `json:"create_sql"`
}

// Config is the user-facing request to partition or repartition a table.
type Config struct {
	Strategy      StrategyKind
	Column        string
	NumPartitions int
	Ranges        []RangeBound
	Nodes         []string // explicit target node names; empty means "all available"
}

// TargetNode is a cluster node eligible to host a partition.
type TargetNode struct {
	NodeName       string
	FlightEndpoint string
}

type flightServiceValue struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Status string `json:"status"`
}

// DiscoverTargetNodes scans gossip for nodes advertising both
// data_node=true and a running service:flight endpoint.
func DiscoverTargetNodes(ctx context.Context, fabric gossipfabric.Fabric) ([]TargetNode, error) {
	nodes, err := fabric.GetNodeKeyValues(ctx)
	if err != nil {
		return nil, swarmerr.Unavailable("partition", "gossip read failed").WithCause(err)
	}

	var targets []TargetNode
	for _, node := range nodes {
		if node.KeyValues["data_node"] != "true" {
			continue
		}
		raw, ok := node.KeyValues["service:flight"]
		if !ok {
			continue
		}
		var svc flightServiceValue
		if err := json.Unmarshal([]byte(raw), &svc); err != nil || svc.Status != "running" {
			continue
		}
		targets = append(targets, TargetNode{
			NodeName:       node.NodeName,
			FlightEndpoint: fmt.Sprintf("http://%s:%d", svc.Host, svc.Port),
		})
	}
	return targets, nil
}

// AssignPartitions maps partition IDs 0..numPartitions onto available,
// round-robin unless explicitNodes narrows the candidate set — in which
// case every named node must be present in available, in order.
func AssignPartitions(numPartitions int, available []TargetNode, explicitNodes []string) ([]Assignment, error) {
	if len(available) == 0 {
		return nil, swarmerr.Unavailable("partition", "no target nodes available for partitioning")
	}

	targets := available
	if len(explicitNodes) > 0 {
		targets = make([]TargetNode, 0, len(explicitNodes))
		for _, name := range explicitNodes {
			found := false
			for _, n := range available {
				if n.NodeName == name {
					targets = append(targets, n)
					found = true
					break
				}
			}
			if !found {
				return nil, swarmerr.InvalidArgument("partition", "node %q not found among available data nodes", name)
			}
		}
	}
	if len(targets) == 0 {
		return nil, swarmerr.Unavailable("partition", "no target nodes matched for partitioning")
	}

	assignments := make([]Assignment, numPartitions)
	for id := 0; id < numPartitions; id++ {
		node := targets[id%len(targets)]
		assignments[id] = Assignment{PartitionID: id, NodeName: node.NodeName, FlightEndpoint: node.FlightEndpoint}
	}
	return assignments, nil
}

// GenerateCreateTableSQL builds a CREATE OR REPLACE TABLE statement for
// schema, mapping each Arrow field to its closest SQL column type.
func GenerateCreateTableSQL(tableName string, schema *arrow.Schema) string {
	cols := make([]string, 0, len(schema.Fields()))
	for _, f := range schema.Fields() {
		cols = append(cols, fmt.Sprintf("%q %s", f.Name, arrowTypeToSQL(f.Type)))
	}
	return fmt.Sprintf("CREATE OR REPLACE TABLE %q (%s)", tableName, strings.Join(cols, ", "))
}

func arrowTypeToSQL(dt arrow.DataType) string {
	switch dt.ID() {
	case arrow.BOOL:
		return "BOOLEAN"
	case arrow.INT8:
		return "TINYINT"
	case arrow.INT16:
		return "SMALLINT"
	case arrow.INT32:
		return "INTEGER"
	case arrow.INT64:
		return "BIGINT"
	case arrow.UINT8:
		return "UTINYINT"
	case arrow.UINT16:
		return "USMALLINT"
	case arrow.UINT32:
		return "UINTEGER"
	case arrow.UINT64:
		return "UBIGINT"
	case arrow.FLOAT16, arrow.FLOAT32:
		return "FLOAT"
	case arrow.FLOAT64:
		return "DOUBLE"
	case arrow.STRING, arrow.LARGE_STRING:
		return "VARCHAR"
	case arrow.BINARY, arrow.LARGE_BINARY:
		return "BLOB"
	case arrow.DATE32, arrow.DATE64:
		return "DATE"
	case arrow.TIME32, arrow.TIME64:
		return "TIME"
	case arrow.TIMESTAMP:
		return "TIMESTAMP"
	case arrow.DECIMAL128, arrow.DECIMAL256:
		return "DECIMAL"
	case arrow.INTERVAL_MONTHS, arrow.INTERVAL_DAY_TIME, arrow.INTERVAL_MONTH_DAY_NANO:
		return "INTERVAL"
	default:
		return "VARCHAR"
	}
}

// HashPartitionBatches splits every batch by hash of the partitioning
// column into numPartitions buckets, delegating the actual row slicing
// to the shuffle partitioner so both code paths agree on hash semantics.
func HashPartitionBatches(batches []arrow.Record, column string, numPartitions int) (map[int][]arrow.Record, error) {
	p := shuffle.NewPartitioner(shuffle.Descriptor{
		ShuffleID:     "partition:" + column,
		NumPartitions: numPartitions,
		JoinKeyCols:   []string{column},
	})

	out := make(map[int][]arrow.Record)
	for _, batch := range batches {
		parts, err := p.Partition(batch)
		if err != nil {
			return nil, err
		}
		for id, rec := range parts {
			out[id] = append(out[id], rec)
		}
	}
	return out, nil
}

// RangePartitionBatches splits every batch by the half-open ranges
// defined in ranges, on the values of column. A row matching no range
// (outside the configured bounds) falls into the last bucket.
func RangePartitionBatches(batches []arrow.Record, column string, ranges []RangeBound) (map[int][]arrow.Record, error) {
	if len(ranges) == 0 {
		return nil, swarmerr.InvalidArgument("partition", "at least one range is required")
	}
	numPartitions := len(ranges)
	out := make(map[int][]arrow.Record)

	for _, batch := range batches {
		if batch.NumRows() == 0 {
			continue
		}
		schema := batch.Schema()
		idx := schema.FieldIndices(column)
		if len(idx) == 0 {
			return nil, swarmerr.InvalidArgument("partition", "column %q not found in schema", column)
		}
		col := batch.Column(idx[0])

		buckets := make([][]int64, numPartitions)
		for row := 0; row < int(batch.NumRows()); row++ {
			part := bucketFor(col, row, ranges)
			buckets[part] = append(buckets[part], int64(row))
		}

		pool := memory.NewGoAllocator()
		for part, rows := range buckets {
			if len(rows) == 0 {
				continue
			}
			out[part] = append(out[part], takeRows(pool, batch, rows))
		}
	}
	return out, nil
}

func bucketFor(col arrow.Array, row int, ranges []RangeBound) int {
	v, hasNumeric := numericValue(col, row)
	s := stringValue(col, row)

	for i, r := range ranges {
		if !aboveLower(r.Lower, v, hasNumeric, s) {
			continue
		}
		if !belowUpper(r.Upper, v, hasNumeric, s) {
			continue
		}
		return i
	}
	return len(ranges) - 1
}

func aboveLower(bound *float64, v float64, hasNumeric bool, s string) bool {
	if bound == nil {
		return true
	}
	if hasNumeric {
		return v >= *bound
	}
	return s >= strconv.FormatFloat(*bound, 'g', -1, 64)
}

func belowUpper(bound *float64, v float64, hasNumeric bool, s string) bool {
	if bound == nil {
		return true
	}
	if hasNumeric {
		return v < *bound
	}
	return s < strconv.FormatFloat(*bound, 'g', -1, 64)
}

func numericValue(col arrow.Array, row int) (float64, bool) {
	if col.IsNull(row) {
		return 0, false
	}
	switch c := col.(type) {
	case *array.Int64:
		return float64(c.Value(row)), true
	case *array.Int32:
		return float64(c.Value(row)), true
	case *array.Float64:
		return c.Value(row), true
	case *array.Float32:
		return float64(c.Value(row)), true
	default:
		f, err := strconv.ParseFloat(col.ValueStr(row), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
}

func stringValue(col arrow.Array, row int) string {
	if col.IsNull(row) {
		return ""
	}
	return col.ValueStr(row)
}

func takeRows(pool memory.Allocator, batch arrow.Record, rows []int64) arrow.Record {
	cols := make([]arrow.Array, batch.NumCols())
	for i := 0; i < int(batch.NumCols()); i++ {
		cols[i] = takeColumn(pool, batch.Column(i), rows)
	}
	rec := array.NewRecord(batch.Schema(), cols, int64(len(rows)))
	for _, c := range cols {
		c.Release()
	}
	return rec
}

// takeColumn mirrors internal/shuffle's builder-based row selection;
// kept local rather than exported from shuffle so the two packages stay
// independently testable and neither grows an unrelated public surface.
func takeColumn(pool memory.Allocator, src arrow.Array, rows []int64) arrow.Array {
	switch s := src.(type) {
	case *array.Int32:
		b := array.NewInt32Builder(pool)
		defer b.Release()
		for _, r := range rows {
			appendOrNull(b, s, r, func() { b.Append(s.Value(int(r))) })
		}
		return b.NewArray()
	case *array.Int64:
		b := array.NewInt64Builder(pool)
		defer b.Release()
		for _, r := range rows {
			appendOrNull(b, s, r, func() { b.Append(s.Value(int(r))) })
		}
		return b.NewArray()
	case *array.Float32:
		b := array.NewFloat32Builder(pool)
		defer b.Release()
		for _, r := range rows {
			appendOrNull(b, s, r, func() { b.Append(s.Value(int(r))) })
		}
		return b.NewArray()
	case *array.Float64:
		b := array.NewFloat64Builder(pool)
		defer b.Release()
		for _, r := range rows {
			appendOrNull(b, s, r, func() { b.Append(s.Value(int(r))) })
		}
		return b.NewArray()
	case *array.String:
		b := array.NewStringBuilder(pool)
		defer b.Release()
		for _, r := range rows {
			appendOrNull(b, s, r, func() { b.Append(s.Value(int(r))) })
		}
		return b.NewArray()
	case *array.Boolean:
		b := array.NewBooleanBuilder(pool)
		defer b.Release()
		for _, r := range rows {
			appendOrNull(b, s, r, func() { b.Append(s.Value(int(r))) })
		}
		return b.NewArray()
	case *array.Date32:
		b := array.NewDate32Builder(pool)
		defer b.Release()
		for _, r := range rows {
			appendOrNull(b, s, r, func() { b.Append(s.Value(int(r))) })
		}
		return b.NewArray()
	case *array.Date64:
		b := array.NewDate64Builder(pool)
		defer b.Release()
		for _, r := range rows {
			appendOrNull(b, s, r, func() { b.Append(s.Value(int(r))) })
		}
		return b.NewArray()
	case *array.Timestamp:
		b := array.NewTimestampBuilder(pool, s.DataType().(*arrow.TimestampType))
		defer b.Release()
		for _, r := range rows {
			appendOrNull(b, s, r, func() { b.Append(s.Value(int(r))) })
		}
		return b.NewArray()
	case *array.Decimal128:
		b := array.NewDecimal128Builder(pool, s.DataType().(*arrow.Decimal128Type))
		defer b.Release()
		for _, r := range rows {
			appendOrNull(b, s, r, func() { b.Append(s.Value(int(r))) })
		}
		return b.NewArray()
	default:
		b := array.NewStringBuilder(pool)
		defer b.Release()
		for _, r := range rows {
			if src.IsNull(int(r)) {
				b.AppendNull()
			} else {
				b.Append(src.ValueStr(int(r)))
			}
		}
		return b.NewArray()
	}
}

type nullAppender interface {
	AppendNull()
}

func appendOrNull(b nullAppender, src arrow.Array, row int64, appendValue func()) {
	if src.IsNull(int(row)) {
		b.AppendNull()
		return
	}
	appendValue()
}

// PublishMetadata advertises md for tableName under "partition:<table>".
func PublishMetadata(ctx context.Context, fabric gossipfabric.Fabric, tableName string, md Metadata) error {
	value, err := json.Marshal(md)
	if err != nil {
		return swarmerr.Internal("partition", "failed to serialize partition metadata").WithCause(err)
	}
	if err := fabric.SetKey(ctx, "partition:"+tableName, string(value)); err != nil {
		return swarmerr.Unavailable("partition", "failed to publish partition metadata").WithCause(err)
	}
	return nil
}

// GetMetadata returns tableName's partitioning layout if any node has
// published one, searching every node's key-values for the first match.
func GetMetadata(ctx context.Context, fabric gossipfabric.Fabric, tableName string) (Metadata, bool, error) {
	nodes, err := fabric.GetNodeKeyValues(ctx)
	if err != nil {
		return Metadata{}, false, swarmerr.Unavailable("partition", "gossip read failed").WithCause(err)
	}
	key := "partition:" + tableName
	for _, node := range nodes {
		raw, ok := node.KeyValues[key]
		if !ok {
			continue
		}
		var md Metadata
		if err := json.Unmarshal([]byte(raw), &md); err != nil {
			return Metadata{}, false, swarmerr.Internal("partition", "failed to parse partition metadata for %q", tableName).WithCause(err)
		}
		return md, true, nil
	}
	return Metadata{}, false, nil
}

// RemoveMetadata deletes this node's published partition:<table> key.
func RemoveMetadata(ctx context.Context, fabric gossipfabric.Fabric, tableName string) error {
	if err := fabric.DeleteKey(ctx, "partition:"+tableName); err != nil {
		return swarmerr.Unavailable("partition", "failed to remove partition metadata").WithCause(err)
	}
	return nil
}

// AllMetadata returns every (table, metadata) pair currently visible in
// gossip, deduplicated by table name (first occurrence wins).
func AllMetadata(ctx context.Context, fabric gossipfabric.Fabric) (map[string]Metadata, error) {
	nodes, err := fabric.GetNodeKeyValues(ctx)
	if err != nil {
		return nil, swarmerr.Unavailable("partition", "gossip read failed").WithCause(err)
	}

	result := make(map[string]Metadata)
	for _, node := range nodes {
		for k, v := range node.KeyValues {
			tableName := strings.TrimPrefix(k, "partition:")
			if tableName == k || tableName == "" {
				continue
			}
			if _, seen := result[tableName]; seen {
				continue
			}
			var md Metadata
			if err := json.Unmarshal([]byte(v), &md); err == nil {
				result[tableName] = md
			}
		}
	}
	return result, nil
}
