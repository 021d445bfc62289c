package partition

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/swarmsql/swarmsql/internal/enginebridge"
	"github.com/swarmsql/swarmsql/internal/enginebridge/memengine"
	"github.com/swarmsql/swarmsql/internal/gossipfabric/memlist"
	"github.com/swarmsql/swarmsql/internal/shuffle"
)

type fakeEngine struct {
	eng *memengine.Engine
}

func (f *fakeEngine) OpenInMemoryConnection(ctx context.Context) (enginebridge.Conn, error) {
	return f.eng.OpenInMemoryConnection(ctx)
}

type fakeRPC struct {
	creates  []string
	drops    []string
	refresh  []string
	failOn   string // endpoint that fails DoActionQuery for CREATE TABLE statements
	getData  map[string]arrow.Record
}

func (f *fakeRPC) DoActionQuery(_ context.Context, endpoint, query string) error {
	if endpoint == f.failOn {
		return fmt.Errorf("simulated failure at %s", endpoint)
	}
	if len(query) >= 6 && query[:6] == "CREATE" {
		f.creates = append(f.creates, endpoint)
	} else if len(query) >= 4 && query[:4] == "DROP" {
		f.drops = append(f.drops, endpoint)
	}
	return nil
}

func (f *fakeRPC) DoGetQuery(_ context.Context, endpoint, _ string) (arrow.Record, error) {
	rec, ok := f.getData[endpoint]
	if !ok {
		return nil, fmt.Errorf("no data registered for %s", endpoint)
	}
	rec.Retain()
	return rec, nil
}

func (f *fakeRPC) RefreshCatalog(_ context.Context, endpoint string) error {
	f.refresh = append(f.refresh, endpoint)
	return nil
}

type fakeExchangeSender struct {
	sent   int
	failOn string
}

func (f *fakeExchangeSender) SendExchange(_ context.Context, endpoint, _ string, _ int, _ string, _ []string, _ []arrow.Record) error {
	if endpoint == f.failOn {
		return fmt.Errorf("simulated exchange failure at %s", endpoint)
	}
	f.sent++
	return nil
}

func publishFlightService(t *testing.T, fab *memlist.Fabric, ctx context.Context) {
	t.Helper()
	svc, _ := json.Marshal(map[string]interface{}{"host": "node-a", "port": 8815, "status": "running"})
	if err := fab.SetKey(ctx, "service:flight", string(svc)); err != nil {
		t.Fatalf("SetKey() error = %v", err)
	}
}

func TestOrchestratorPartitionTableHappyPath(t *testing.T) {
	fab, ctx := newTestHub(t)
	publishFlightService(t, fab, ctx)

	eng := memengine.New()
	conn, err := eng.OpenInMemoryConnection(ctx)
	if err != nil {
		t.Fatalf("OpenInMemoryConnection() error = %v", err)
	}
	if err := conn.ExecuteBatch(ctx, `CREATE OR REPLACE TABLE "orders" ("id" BIGINT, "price" DOUBLE)`); err != nil {
		t.Fatalf("ExecuteBatch(CREATE) error = %v", err)
	}
	appender, err := conn.Appender(ctx, "orders")
	if err != nil {
		t.Fatalf("Appender() error = %v", err)
	}
	batch := buildIntBatch(t, []int64{1, 2, 3, 4})
	defer batch.Release()
	if err := appender.AppendRecord(batch); err != nil {
		t.Fatalf("AppendRecord() error = %v", err)
	}
	appender.Close()
	conn.Close()

	rpc := &fakeRPC{}
	writer := shuffle.NewWriter(&fakeExchangeSender{})
	orch := NewOrchestrator(&fakeEngine{eng: eng}, fab, rpc, writer)

	cfg := Config{Strategy: Hash, Column: "id", NumPartitions: 2}
	if err := orch.PartitionTable(ctx, "orders", cfg, ""); err != nil {
		t.Fatalf("PartitionTable() error = %v", err)
	}

	if len(rpc.creates) == 0 {
		t.Error("expected at least one CREATE to be issued")
	}

	md, found, err := GetMetadata(ctx, fab, "orders")
	if err != nil {
		t.Fatalf("GetMetadata() error = %v", err)
	}
	if !found {
		t.Fatal("expected partition metadata to be published")
	}
	if len(md.Assignments) != 2 {
		t.Errorf("len(Assignments) = %d, want 2", len(md.Assignments))
	}
	if len(rpc.refresh) == 0 {
		t.Error("expected eager catalog refresh to be triggered")
	}
}

func TestOrchestratorPartitionTableRollsBackOnCreateFailure(t *testing.T) {
	fab, ctx := newTestHub(t)
	publishFlightService(t, fab, ctx)

	eng := memengine.New()
	conn, _ := eng.OpenInMemoryConnection(ctx)
	conn.ExecuteBatch(ctx, `CREATE OR REPLACE TABLE "orders" ("id" BIGINT)`)
	appender, _ := conn.Appender(ctx, "orders")
	batch := buildIntBatch(t, []int64{1, 2})
	defer batch.Release()
	appender.AppendRecord(batch)
	appender.Close()
	conn.Close()

	rpc := &fakeRPC{failOn: "http://node-a:8815"}
	writer := shuffle.NewWriter(&fakeExchangeSender{})
	orch := NewOrchestrator(&fakeEngine{eng: eng}, fab, rpc, writer)

	cfg := Config{Strategy: Hash, Column: "id", NumPartitions: 1}
	if err := orch.PartitionTable(ctx, "orders", cfg, ""); err == nil {
		t.Fatal("expected error from failing CREATE")
	}

	if _, found, _ := GetMetadata(ctx, fab, "orders"); found {
		t.Error("expected no metadata published after rollback")
	}
}

func TestOrchestratorCreateTableDropsLocalOnPartitionFailure(t *testing.T) {
	fab, ctx := newTestHub(t)
	// No Flight service published, so DiscoverTargetNodes returns none.

	eng := memengine.New()
	rpc := &fakeRPC{}
	writer := shuffle.NewWriter(&fakeExchangeSender{})
	orch := NewOrchestrator(&fakeEngine{eng: eng}, fab, rpc, writer)

	cfg := Config{Strategy: Hash, Column: "id", NumPartitions: 1}
	err := orch.CreateTable(ctx, `CREATE OR REPLACE TABLE "orders" ("id" BIGINT)`, "orders", cfg, "")
	if err == nil {
		t.Fatal("expected error when no target nodes are available")
	}

	conn, _ := eng.OpenInMemoryConnection(ctx)
	defer conn.Close()
	if _, err := conn.QueryArrow(ctx, "SELECT * FROM orders"); err == nil {
		t.Error("expected local table to have been rolled back")
	}
}
