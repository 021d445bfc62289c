package shuffle

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
)

type fakeSender struct {
	calls []sentCall
	err   error
}

type sentCall struct {
	endpoint    string
	shuffleID   string
	partitionID int
	targetTable string
	numBatches  int
}

func (f *fakeSender) SendExchange(_ context.Context, endpoint, shuffleID string, partitionID int, targetTable string, _ []string, batches []arrow.Record) error {
	f.calls = append(f.calls, sentCall{endpoint, shuffleID, partitionID, targetTable, len(batches)})
	return f.err
}

func TestWriterSendsEveryTarget(t *testing.T) {
	sender := &fakeSender{}
	w := NewWriter(sender)

	batch := buildBatch(t, []int64{1, 2}, []string{"a", "b"})
	defer batch.Release()

	plan := ExchangePlan{
		ShuffleID:     "shuffle-1",
		NumPartitions: 2,
		PartitionTargets: []PartitionTarget{
			{PartitionID: 0, FlightEndpoint: "http://node-a:9443"},
			{PartitionID: 1, FlightEndpoint: "http://node-b:9443"},
		},
	}
	partitions := map[int][]arrow.Record{0: {batch}}

	if err := w.Send(context.Background(), plan, partitions); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(sender.calls) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(sender.calls))
	}
	if sender.calls[0].numBatches != 1 || sender.calls[1].numBatches != 0 {
		t.Errorf("unexpected batch counts: %+v", sender.calls)
	}
}

func TestWriterPropagatesSendError(t *testing.T) {
	sender := &fakeSender{err: errBoom}
	w := NewWriter(sender)

	plan := ExchangePlan{
		ShuffleID:        "shuffle-2",
		PartitionTargets: []PartitionTarget{{PartitionID: 0, FlightEndpoint: "http://node-a:9443"}},
	}
	if err := w.Send(context.Background(), plan, nil); err == nil {
		t.Fatal("expected error from failing sender")
	}
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const errBoom = sentinelErr("boom")
