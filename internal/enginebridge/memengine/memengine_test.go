package memengine

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

func buildRecord(t *testing.T, region []string, amount []float64) arrow.Record {
	t.Helper()
	pool := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "region", Type: arrow.BinaryTypes.String},
		{Name: "amount", Type: arrow.PrimitiveTypes.Float64},
	}, nil)

	rb := array.NewStringBuilder(pool)
	defer rb.Release()
	rb.AppendValues(region, nil)
	ra := array.NewFloat64Builder(pool)
	defer ra.Release()
	ra.AppendValues(amount, nil)

	regionArr := rb.NewStringArray()
	amountArr := ra.NewFloat64Array()
	defer regionArr.Release()
	defer amountArr.Release()

	return array.NewRecord(schema, []arrow.Array{regionArr, amountArr}, int64(len(region)))
}

func TestAppendAndSelectStar(t *testing.T) {
	eng := New()
	ctx := context.Background()
	conn, _ := eng.OpenInMemoryConnection(ctx)

	rec := buildRecord(t, []string{"east", "west"}, []float64{10, 20})
	defer rec.Release()

	app, err := conn.Appender(ctx, "_merged")
	if err != nil {
		t.Fatalf("Appender() error = %v", err)
	}
	if err := app.AppendRecord(rec); err != nil {
		t.Fatalf("AppendRecord() error = %v", err)
	}

	out, err := conn.QueryArrow(ctx, "SELECT * FROM _merged")
	if err != nil {
		t.Fatalf("QueryArrow() error = %v", err)
	}
	defer out.Release()
	if out.NumRows() != 2 {
		t.Errorf("rows = %d, want 2", out.NumRows())
	}
}

func TestGroupByAggregate(t *testing.T) {
	eng := New()
	ctx := context.Background()
	conn, _ := eng.OpenInMemoryConnection(ctx)

	rec := buildRecord(t, []string{"east", "east", "west"}, []float64{10, 5, 20})
	defer rec.Release()

	app, _ := conn.Appender(ctx, "_merged")
	if err := app.AppendRecord(rec); err != nil {
		t.Fatalf("AppendRecord() error = %v", err)
	}

	out, err := conn.QueryArrow(ctx, "SELECT region, SUM(amount) AS total FROM _merged GROUP BY region ORDER BY total DESC")
	if err != nil {
		t.Fatalf("QueryArrow() error = %v", err)
	}
	defer out.Release()
	if out.NumRows() != 2 {
		t.Fatalf("rows = %d, want 2", out.NumRows())
	}

	totalCol := out.Column(1).(*array.Float64)
	if totalCol.Value(0) != 20 || totalCol.Value(1) != 15 {
		t.Errorf("totals = [%v, %v], want [20, 15] (west=20 first, desc order)", totalCol.Value(0), totalCol.Value(1))
	}
}

func TestAvgMergeExpressionWithNullif(t *testing.T) {
	eng := New()
	ctx := context.Background()
	conn, _ := eng.OpenInMemoryConnection(ctx)

	pool := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "sum_amount", Type: arrow.PrimitiveTypes.Float64},
		{Name: "count_amount", Type: arrow.PrimitiveTypes.Float64},
	}, nil)
	sb := array.NewFloat64Builder(pool)
	sb.AppendValues([]float64{30}, nil)
	cb := array.NewFloat64Builder(pool)
	cb.AppendValues([]float64{3}, nil)
	sumArr := sb.NewFloat64Array()
	cntArr := cb.NewFloat64Array()
	rec := array.NewRecord(schema, []arrow.Array{sumArr, cntArr}, 1)
	sb.Release()
	cb.Release()
	sumArr.Release()
	cntArr.Release()
	defer rec.Release()

	app, _ := conn.Appender(ctx, "_merged")
	if err := app.AppendRecord(rec); err != nil {
		t.Fatalf("AppendRecord() error = %v", err)
	}

	out, err := conn.QueryArrow(ctx, "SELECT SUM(sum_amount) / NULLIF(SUM(count_amount), 0) AS avg_amount FROM _merged")
	if err != nil {
		t.Fatalf("QueryArrow() error = %v", err)
	}
	defer out.Release()

	col := out.Column(0).(*array.Float64)
	if col.Value(0) != 10 {
		t.Errorf("avg = %v, want 10", col.Value(0))
	}
}

func TestWhereClauseFiltersRows(t *testing.T) {
	eng := New()
	ctx := context.Background()
	conn, _ := eng.OpenInMemoryConnection(ctx)

	rec := buildRecord(t, []string{"east", "west", "east"}, []float64{10, 20, 30})
	defer rec.Release()
	app, _ := conn.Appender(ctx, "orders")
	if err := app.AppendRecord(rec); err != nil {
		t.Fatalf("AppendRecord() error = %v", err)
	}

	out, err := conn.QueryArrow(ctx, `SELECT region, amount FROM orders WHERE region = 'east'`)
	if err != nil {
		t.Fatalf("QueryArrow() error = %v", err)
	}
	defer out.Release()
	if out.NumRows() != 2 {
		t.Errorf("rows = %d, want 2", out.NumRows())
	}
}

func TestLimitAndOffset(t *testing.T) {
	eng := New()
	ctx := context.Background()
	conn, _ := eng.OpenInMemoryConnection(ctx)

	rec := buildRecord(t, []string{"a", "b", "c", "d"}, []float64{1, 2, 3, 4})
	defer rec.Release()
	app, _ := conn.Appender(ctx, "t")
	if err := app.AppendRecord(rec); err != nil {
		t.Fatalf("AppendRecord() error = %v", err)
	}

	out, err := conn.QueryArrow(ctx, "SELECT region FROM t ORDER BY region LIMIT 2 OFFSET 1")
	if err != nil {
		t.Fatalf("QueryArrow() error = %v", err)
	}
	defer out.Release()
	if out.NumRows() != 2 {
		t.Errorf("rows = %d, want 2", out.NumRows())
	}
	col := out.Column(0).(*array.String)
	if col.Value(0) != "b" || col.Value(1) != "c" {
		t.Errorf("values = [%s, %s], want [b, c]", col.Value(0), col.Value(1))
	}
}

func TestDDLCreateAndDropTable(t *testing.T) {
	eng := New()
	ctx := context.Background()
	conn, _ := eng.OpenInMemoryConnection(ctx)

	if err := conn.ExecuteBatch(ctx, `CREATE OR REPLACE TABLE "orders" ("id" BIGINT, "region" VARCHAR)`); err != nil {
		t.Fatalf("ExecuteBatch(create) error = %v", err)
	}
	if _, ok := eng.tables["orders"]; !ok {
		t.Fatal("expected orders table to exist")
	}

	if err := conn.ExecuteBatch(ctx, `DROP TABLE IF EXISTS "orders"`); err != nil {
		t.Fatalf("ExecuteBatch(drop) error = %v", err)
	}
	if _, ok := eng.tables["orders"]; ok {
		t.Error("expected orders table to be dropped")
	}
}
