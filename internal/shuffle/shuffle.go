// Package shuffle repartitions columnar batches by join-key hash so a
// distributed join or GROUP BY can colocate matching keys on the same
// node before it runs locally. A Partitioner hashes each row's join-key
// columns and slices the batch into per-partition RecordBatches; a
// Registry buffers those slices until the owning node calls TakePartition
// to collect everything addressed to it.
//
// Grounded on spec.md §4.4 (no original_source/ file exists for this
// component — the Rust swarm crate shuffles entirely inside DataFusion's
// own exchange operator). The mutex-guarded registry with timeout-bound
// takes follows the same blocking/timeout discipline as
// internal/admission's queue. Hashing uses xxhash, already present in
// the teacher's dependency graph as an indirect transitive pull normally
// wired in through a zstd-backed encoder; the partitioner here promotes
// it to direct use.
package shuffle

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cespare/xxhash/v2"

	"github.com/swarmsql/swarmsql/pkg/swarmerr"
)

// Descriptor identifies one shuffle: a join/aggregation operation split
// across num_partitions buckets.
type Descriptor struct {
	ShuffleID     string
	NumPartitions int
	JoinKeyCols   []string
}

// Partitioner hash-partitions record batches by the values in JoinKeyCols.
type Partitioner struct {
	desc Descriptor
}

// NewPartitioner creates a Partitioner for desc.
func NewPartitioner(desc Descriptor) *Partitioner {
	return &Partitioner{desc: desc}
}

// Partition splits batch into desc.NumPartitions RecordBatches, one per
// partition index, by hashing the join-key column values for each row.
// Partitions with no matching rows are omitted from the result map.
func (p *Partitioner) Partition(batch arrow.Record) (map[int]arrow.Record, error) {
	if p.desc.NumPartitions <= 0 {
		return nil, swarmerr.InvalidArgument("shuffle", "shuffle %s has non-positive partition count", p.desc.ShuffleID)
	}

	cols := make([]arrow.Array, 0, len(p.desc.JoinKeyCols))
	schema := batch.Schema()
	for _, name := range p.desc.JoinKeyCols {
		idx := schema.FieldIndices(name)
		if len(idx) == 0 {
			return nil, swarmerr.InvalidArgument("shuffle", "join key column %q not present in batch schema", name)
		}
		cols = append(cols, batch.Column(idx[0]))
	}

	numRows := int(batch.NumRows())
	buckets := make([][]int64, p.desc.NumPartitions)
	for row := 0; row < numRows; row++ {
		h := hashRow(cols, row)
		part := int(h % uint64(p.desc.NumPartitions))
		buckets[part] = append(buckets[part], int64(row))
	}

	out := make(map[int]arrow.Record, p.desc.NumPartitions)
	for part, rows := range buckets {
		if len(rows) == 0 {
			continue
		}
		out[part] = takeRows(batch, rows)
	}
	return out, nil
}

// hashRow combines the xxhash digest of every join-key column's value at
// row into a single partition hash. Each column's textual form is
// length-prefixed implicitly by hashing it as its own Sum64 pass before
// folding it in, so "ab","c" and "a","bc" never collide.
func hashRow(cols []arrow.Array, row int) uint64 {
	var acc uint64 = 0xcbf29ce484222325
	for _, col := range cols {
		v := cellString(col, row)
		acc ^= xxhash.Sum64String(v)
		acc *= 0x100000001b3
	}
	return acc
}

func cellString(col arrow.Array, row int) string {
	if col.IsNull(row) {
		return "\x00NULL"
	}
	switch c := col.(type) {
	case *array.String:
		return c.Value(row)
	case *array.Int64:
		return strconv.FormatInt(c.Value(row), 10)
	case *array.Int32:
		return strconv.FormatInt(int64(c.Value(row)), 10)
	default:
		return col.ValueStr(row)
	}
}

// takeRows builds a new record containing exactly the given row indices
// from batch, preserving column order and schema.
func takeRows(batch arrow.Record, rows []int64) arrow.Record {
	pool := memory.NewGoAllocator()
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

// takeColumn builds a new array holding only the given row indices of
// src, dispatching to the matching typed builder. Types outside this
// switch fall back to appending nulls, which keeps row counts aligned
// across every column of the output batch even for a schema this
// package's partitioner was not taught about.
func takeColumn(pool memory.Allocator, src arrow.Array, rows []int64) arrow.Array {
	switch s := src.(type) {
	case *array.Int8:
		b := array.NewInt8Builder(pool)
		defer b.Release()
		for _, r := range rows {
			appendOrNull(b, s, r, func() { b.Append(s.Value(int(r))) })
		}
		return b.NewArray()
	case *array.Int16:
		b := array.NewInt16Builder(pool)
		defer b.Release()
		for _, r := range rows {
			appendOrNull(b, s, r, func() { b.Append(s.Value(int(r))) })
		}
		return b.NewArray()
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
	case *array.Uint8:
		b := array.NewUint8Builder(pool)
		defer b.Release()
		for _, r := range rows {
			appendOrNull(b, s, r, func() { b.Append(s.Value(int(r))) })
		}
		return b.NewArray()
	case *array.Uint16:
		b := array.NewUint16Builder(pool)
		defer b.Release()
		for _, r := range rows {
			appendOrNull(b, s, r, func() { b.Append(s.Value(int(r))) })
		}
		return b.NewArray()
	case *array.Uint32:
		b := array.NewUint32Builder(pool)
		defer b.Release()
		for _, r := range rows {
			appendOrNull(b, s, r, func() { b.Append(s.Value(int(r))) })
		}
		return b.NewArray()
	case *array.Uint64:
		b := array.NewUint64Builder(pool)
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
	case *array.Boolean:
		b := array.NewBooleanBuilder(pool)
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

// Registry buffers partitions awaiting pickup by the node that owns
// them. One Registry instance serves every concurrent shuffle on a node.
type Registry struct {
	mu          sync.Mutex
	shuffles    map[string]map[int][]arrow.Record
	takeTimeout time.Duration
}

// NewRegistry creates a Registry whose TakePartition calls block at most
// takeTimeout waiting for data (spec.md default: 30s).
func NewRegistry(takeTimeout time.Duration) *Registry {
	if takeTimeout <= 0 {
		takeTimeout = 30 * time.Second
	}
	return &Registry{shuffles: make(map[string]map[int][]arrow.Record), takeTimeout: takeTimeout}
}

// SubmitPartition appends batch to shuffleID's partitionID bucket. No
// retry is attempted on the sender's behalf — the coordinator owns retry
// policy for the exchange stream.
func (r *Registry) SubmitPartition(shuffleID string, partitionID int, batch arrow.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	parts, ok := r.shuffles[shuffleID]
	if !ok {
		parts = make(map[int][]arrow.Record)
		r.shuffles[shuffleID] = parts
	}
	parts[partitionID] = append(parts[partitionID], batch)
}

// TakePartition waits up to the registry's configured timeout for at
// least one batch to arrive for (shuffleID, partitionID), then returns
// and clears everything currently buffered for it.
func (r *Registry) TakePartition(ctx context.Context, shuffleID string, partitionID int) ([]arrow.Record, error) {
	deadline := time.Now().Add(r.takeTimeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if batches, ok := r.takeIfPresent(shuffleID, partitionID); ok {
			return batches, nil
		}
		if time.Now().After(deadline) {
			return nil, swarmerr.TimeoutErr("shuffle", "timed out waiting for partition %d of shuffle %s", partitionID, shuffleID)
		}
		select {
		case <-ctx.Done():
			return nil, swarmerr.TimeoutErr("shuffle", "context canceled waiting for partition %d of shuffle %s", partitionID, shuffleID)
		case <-ticker.C:
		}
	}
}

func (r *Registry) takeIfPresent(shuffleID string, partitionID int) ([]arrow.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	parts, ok := r.shuffles[shuffleID]
	if !ok {
		return nil, false
	}
	batches, ok := parts[partitionID]
	if !ok || len(batches) == 0 {
		return nil, false
	}
	delete(parts, partitionID)
	return batches, true
}

// DropShuffle discards every buffered partition for shuffleID, releasing
// memory held by a canceled or completed query.
func (r *Registry) DropShuffle(shuffleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.shuffles, shuffleID)
}
