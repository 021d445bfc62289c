package shuffle

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
)

// PartitionTarget binds one partition id to the peer endpoint that should
// receive it, mirroring spec.md §3's ShuffleDescriptor.partition_targets.
type PartitionTarget struct {
	PartitionID   int
	FlightEndpoint string
	NodeName      string
}

// ExchangePlan is the sender-side view of a shuffle stage: where each
// partition goes, and (for partition_table/repartition_table) the local
// table the receiver should append batches into directly instead of
// buffering them in its shuffle registry.
type ExchangePlan struct {
	ShuffleID        string
	JoinKeys         []string
	NumPartitions    int
	PartitionTargets []PartitionTarget
	TargetTable      string
}

// ExchangeSender opens a columnar RPC exchange stream to one peer and
// streams a partition's batches over it, tagged with (shuffleID,
// partitionID). Implemented by internal/flightsvc.Client against a real
// Arrow Flight DoExchange stream.
type ExchangeSender interface {
	SendExchange(ctx context.Context, endpoint, shuffleID string, partitionID int, targetTable string, joinKeys []string, batches []arrow.Record) error
}

// Writer is the shuffle sender (spec.md §4.4): for each partition target
// in a plan, it opens an exchange stream and pushes that partition's
// batches. No retry is attempted here — a send failure is surfaced to
// the caller, which decides whether to fail the whole query.
type Writer struct {
	sender ExchangeSender
}

// NewWriter creates a Writer that sends through sender.
func NewWriter(sender ExchangeSender) *Writer {
	return &Writer{sender: sender}
}

// Send streams partitions (partition id -> batches) to every matching
// target in plan.PartitionTargets. A target whose partition id has no
// entry in partitions is sent an empty stream (end-of-stream only), so a
// receiver expecting every assigned partition id still sees it close
// cleanly instead of timing out its take_partition call forever.
func (w *Writer) Send(ctx context.Context, plan ExchangePlan, partitions map[int][]arrow.Record) error {
	for _, target := range plan.PartitionTargets {
		batches := partitions[target.PartitionID]
		if err := w.sender.SendExchange(ctx, target.FlightEndpoint, plan.ShuffleID, target.PartitionID, plan.TargetTable, plan.JoinKeys, batches); err != nil {
			return err
		}
	}
	return nil
}
