package shuffle

import (
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

func buildBatch(t *testing.T, keys []int64, values []string) arrow.Record {
	t.Helper()
	pool := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String},
	}, nil)

	idBuilder := array.NewInt64Builder(pool)
	defer idBuilder.Release()
	idBuilder.AppendValues(keys, nil)

	nameBuilder := array.NewStringBuilder(pool)
	defer nameBuilder.Release()
	nameBuilder.AppendValues(values, nil)

	idArr := idBuilder.NewInt64Array()
	nameArr := nameBuilder.NewStringArray()
	defer idArr.Release()
	defer nameArr.Release()

	return array.NewRecord(schema, []arrow.Array{idArr, nameArr}, int64(len(keys)))
}

func TestPartitionSplitsRowsByHash(t *testing.T) {
	batch := buildBatch(t, []int64{1, 2, 3, 4, 5, 6}, []string{"a", "b", "c", "d", "e", "f"})
	defer batch.Release()

	p := NewPartitioner(Descriptor{ShuffleID: "s1", NumPartitions: 4, JoinKeyCols: []string{"id"}})
	parts, err := p.Partition(batch)
	if err != nil {
		t.Fatalf("Partition() error = %v", err)
	}

	var total int64
	for idx, rec := range parts {
		if idx < 0 || idx >= 4 {
			t.Errorf("unexpected partition index %d", idx)
		}
		total += rec.NumRows()
		rec.Release()
	}
	if total != 6 {
		t.Errorf("total rows across partitions = %d, want 6", total)
	}
}

func TestPartitionSameKeySamePartition(t *testing.T) {
	batch := buildBatch(t, []int64{7, 7, 7}, []string{"x", "y", "z"})
	defer batch.Release()

	p := NewPartitioner(Descriptor{ShuffleID: "s2", NumPartitions: 8, JoinKeyCols: []string{"id"}})
	parts, err := p.Partition(batch)
	if err != nil {
		t.Fatalf("Partition() error = %v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("expected all identical keys in one partition, got %d partitions", len(parts))
	}
	for _, rec := range parts {
		if rec.NumRows() != 3 {
			t.Errorf("rows = %d, want 3", rec.NumRows())
		}
		rec.Release()
	}
}

func TestPartitionUnknownJoinKeyColumnErrors(t *testing.T) {
	batch := buildBatch(t, []int64{1}, []string{"a"})
	defer batch.Release()

	p := NewPartitioner(Descriptor{ShuffleID: "s3", NumPartitions: 2, JoinKeyCols: []string{"missing"}})
	if _, err := p.Partition(batch); err == nil {
		t.Error("expected error for unknown join key column")
	}
}

func TestRegistrySubmitAndTake(t *testing.T) {
	batch := buildBatch(t, []int64{1}, []string{"a"})
	defer batch.Release()

	r := NewRegistry(time.Second)
	r.SubmitPartition("shuffle-1", 0, batch)

	got, err := r.TakePartition(context.Background(), "shuffle-1", 0)
	if err != nil {
		t.Fatalf("TakePartition() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("batches = %d, want 1", len(got))
	}

	if _, err := r.TakePartition(context.Background(), "shuffle-1", 0); err == nil {
		t.Error("expected timeout on second take with nothing buffered")
	}
}

func TestRegistryTakeTimesOutWhenEmpty(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	_, err := r.TakePartition(context.Background(), "nonexistent", 0)
	if err == nil {
		t.Error("expected timeout error")
	}
}

func TestRegistryTakeRespectsContextCancellation(t *testing.T) {
	r := NewRegistry(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.TakePartition(ctx, "shuffle-x", 0); err == nil {
		t.Error("expected cancellation error")
	}
}

func TestDropShuffleClearsBuffers(t *testing.T) {
	batch := buildBatch(t, []int64{1}, []string{"a"})
	defer batch.Release()

	r := NewRegistry(time.Second)
	r.SubmitPartition("shuffle-2", 0, batch)
	r.DropShuffle("shuffle-2")

	if _, err := r.TakePartition(context.Background(), "shuffle-2", 0); err == nil {
		t.Error("expected timeout after drop")
	}
}
