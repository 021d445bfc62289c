package decompose

import (
	"strings"
	"testing"
)

func upper(s string) string { return strings.ToUpper(s) }

func TestSimpleSelectNoAggregates(t *testing.T) {
	r := Decompose("SELECT id, name FROM users")
	if r.HasAggregations {
		t.Error("expected no aggregations")
	}
	if r.NodeSQL != "SELECT id, name FROM users" {
		t.Errorf("node_sql = %q", r.NodeSQL)
	}
	if r.MergeSQL != "SELECT * FROM _merged" {
		t.Errorf("merge_sql = %q", r.MergeSQL)
	}
}

func TestSelectWithOrderByAndLimit(t *testing.T) {
	r := Decompose("SELECT id, name FROM users ORDER BY name LIMIT 10")
	if r.HasAggregations {
		t.Error("expected no aggregations")
	}
	if strings.Contains(upper(r.NodeSQL), "ORDER BY") || strings.Contains(upper(r.NodeSQL), "LIMIT") {
		t.Errorf("node_sql should not carry ORDER BY/LIMIT: %q", r.NodeSQL)
	}
	if !strings.Contains(upper(r.MergeSQL), "ORDER BY") || !strings.Contains(upper(r.MergeSQL), "LIMIT") {
		t.Errorf("merge_sql should carry ORDER BY/LIMIT: %q", r.MergeSQL)
	}
}

func TestCountStar(t *testing.T) {
	r := Decompose("SELECT COUNT(*) FROM orders")
	if !r.HasAggregations {
		t.Fatal("expected aggregations")
	}
	if !strings.Contains(upper(r.NodeSQL), "COUNT(*)") || !strings.Contains(upper(r.NodeSQL), " AS ") {
		t.Errorf("node_sql = %q", r.NodeSQL)
	}
	if !strings.Contains(upper(r.MergeSQL), "SUM(") {
		t.Errorf("merge_sql = %q", r.MergeSQL)
	}
}

func TestCountColumn(t *testing.T) {
	r := Decompose("SELECT COUNT(id) FROM orders")
	if !r.HasAggregations {
		t.Fatal("expected aggregations")
	}
	if !strings.Contains(upper(r.NodeSQL), "COUNT(ID)") {
		t.Errorf("node_sql = %q", r.NodeSQL)
	}
	if !strings.Contains(upper(r.MergeSQL), "SUM(") {
		t.Errorf("merge_sql = %q", r.MergeSQL)
	}
}

func TestSum(t *testing.T) {
	r := Decompose("SELECT SUM(price) FROM orders")
	if !r.HasAggregations {
		t.Fatal("expected aggregations")
	}
	if !strings.Contains(upper(r.NodeSQL), "SUM(PRICE)") {
		t.Errorf("node_sql = %q", r.NodeSQL)
	}
	if !strings.Contains(upper(r.MergeSQL), "SUM(") {
		t.Errorf("merge_sql = %q", r.MergeSQL)
	}
}

func TestMinMax(t *testing.T) {
	r := Decompose("SELECT MIN(price), MAX(price) FROM orders")
	if !r.HasAggregations {
		t.Fatal("expected aggregations")
	}
	nu := upper(r.NodeSQL)
	if !strings.Contains(nu, "MIN(PRICE)") || !strings.Contains(nu, "MAX(PRICE)") {
		t.Errorf("node_sql = %q", r.NodeSQL)
	}
	mu := upper(r.MergeSQL)
	if !strings.Contains(mu, "MIN(") || !strings.Contains(mu, "MAX(") {
		t.Errorf("merge_sql = %q", r.MergeSQL)
	}
}

func TestAvgDecomposition(t *testing.T) {
	r := Decompose("SELECT AVG(price) FROM orders")
	if !r.HasAggregations {
		t.Fatal("expected aggregations")
	}
	nu := upper(r.NodeSQL)
	if !strings.Contains(nu, "SUM(PRICE)") || !strings.Contains(nu, "COUNT(PRICE)") {
		t.Errorf("node_sql = %q", r.NodeSQL)
	}
	if strings.Contains(nu, "AVG") {
		t.Errorf("node_sql should not contain AVG: %q", r.NodeSQL)
	}
	if !strings.Contains(r.MergeSQL, "/") {
		t.Errorf("merge_sql should divide: %q", r.MergeSQL)
	}
}

func TestAggregateWithGroupBy(t *testing.T) {
	r := Decompose("SELECT region, SUM(price) FROM orders GROUP BY region")
	if !r.HasAggregations {
		t.Fatal("expected aggregations")
	}
	if !strings.Contains(upper(r.NodeSQL), "GROUP BY") || !strings.Contains(upper(r.MergeSQL), "GROUP BY") {
		t.Errorf("expected GROUP BY in both: node=%q merge=%q", r.NodeSQL, r.MergeSQL)
	}
	if !strings.Contains(upper(r.NodeSQL), "REGION") || !strings.Contains(upper(r.MergeSQL), "REGION") {
		t.Errorf("expected region in both: node=%q merge=%q", r.NodeSQL, r.MergeSQL)
	}
}

func TestAggregateWithOrderBy(t *testing.T) {
	r := Decompose("SELECT region, COUNT(*) FROM orders GROUP BY region ORDER BY region")
	if !r.HasAggregations {
		t.Fatal("expected aggregations")
	}
	if strings.Contains(upper(r.NodeSQL), "ORDER BY") {
		t.Errorf("node_sql should not carry ORDER BY: %q", r.NodeSQL)
	}
	if !strings.Contains(upper(r.MergeSQL), "ORDER BY") {
		t.Errorf("merge_sql should carry ORDER BY: %q", r.MergeSQL)
	}
}

func TestFullExampleFromSpec(t *testing.T) {
	r := Decompose("SELECT region, AVG(price), COUNT(*) FROM orders GROUP BY region ORDER BY region")
	if !r.HasAggregations {
		t.Fatal("expected aggregations")
	}
	nu := upper(r.NodeSQL)
	for _, want := range []string{"REGION", "SUM(PRICE)", "COUNT(PRICE)", "COUNT(*)", "GROUP BY"} {
		if !strings.Contains(nu, want) {
			t.Errorf("node_sql missing %q: %q", want, r.NodeSQL)
		}
	}
	if strings.Contains(nu, "ORDER BY") {
		t.Errorf("node_sql should not carry ORDER BY: %q", r.NodeSQL)
	}
	mu := upper(r.MergeSQL)
	for _, want := range []string{"REGION", "/", "SUM(", "GROUP BY", "ORDER BY", "_MERGED"} {
		if !strings.Contains(mu, want) {
			t.Errorf("merge_sql missing %q: %q", want, r.MergeSQL)
		}
	}
}

func TestUserAliasPreserved(t *testing.T) {
	r := Decompose("SELECT SUM(price) AS total FROM orders")
	if !r.HasAggregations {
		t.Fatal("expected aggregations")
	}
	if !strings.Contains(upper(r.MergeSQL), "AS TOTAL") {
		t.Errorf("merge_sql = %q", r.MergeSQL)
	}
}

func TestAvgUserAliasPreserved(t *testing.T) {
	r := Decompose("SELECT AVG(price) AS avg_price FROM orders")
	if !r.HasAggregations {
		t.Fatal("expected aggregations")
	}
	if !strings.Contains(upper(r.MergeSQL), "AS AVG_PRICE") {
		t.Errorf("merge_sql = %q", r.MergeSQL)
	}
}

func TestNonSelectFallsBack(t *testing.T) {
	sql := "INSERT INTO t VALUES (1, 2)"
	r := Decompose(sql)
	if r.HasAggregations {
		t.Error("expected no aggregations")
	}
	if r.NodeSQL != sql {
		t.Errorf("node_sql = %q, want unchanged original", r.NodeSQL)
	}
}

func TestInvalidSQLFallsBackGracefully(t *testing.T) {
	sql := "NOT VALID SQL AT ALL %%%"
	r := Decompose(sql)
	if r.HasAggregations {
		t.Error("expected no aggregations")
	}
	if r.NodeSQL != sql {
		t.Errorf("node_sql = %q, want unchanged original", r.NodeSQL)
	}
}

func TestMultipleAggregatesSameType(t *testing.T) {
	r := Decompose("SELECT SUM(a), SUM(b) FROM t")
	if !r.HasAggregations {
		t.Fatal("expected aggregations")
	}
	nu := upper(r.NodeSQL)
	if !strings.Contains(nu, "SUM(A)") || !strings.Contains(nu, "SUM(B)") {
		t.Errorf("node_sql = %q", r.NodeSQL)
	}
}

func TestWhereClausePreservedInNode(t *testing.T) {
	r := Decompose("SELECT COUNT(*) FROM orders WHERE status = 'active'")
	if !r.HasAggregations {
		t.Fatal("expected aggregations")
	}
	if !strings.Contains(upper(r.NodeSQL), "WHERE") {
		t.Errorf("node_sql = %q", r.NodeSQL)
	}
	if strings.Contains(upper(r.MergeSQL), "WHERE") {
		t.Errorf("merge_sql should not carry WHERE: %q", r.MergeSQL)
	}
}

func TestLimitAndOffset(t *testing.T) {
	r := Decompose("SELECT id FROM t ORDER BY id LIMIT 10 OFFSET 5")
	if r.HasAggregations {
		t.Error("expected no aggregations")
	}
	nu := upper(r.NodeSQL)
	if strings.Contains(nu, "LIMIT") || strings.Contains(nu, "OFFSET") {
		t.Errorf("node_sql should not carry LIMIT/OFFSET: %q", r.NodeSQL)
	}
	mu := upper(r.MergeSQL)
	if !strings.Contains(mu, "LIMIT") || !strings.Contains(mu, "OFFSET") {
		t.Errorf("merge_sql should carry LIMIT/OFFSET: %q", r.MergeSQL)
	}
}

func TestMergeReferencesMergedTable(t *testing.T) {
	r := Decompose("SELECT SUM(x) FROM t")
	if !strings.Contains(r.MergeSQL, "_merged") {
		t.Errorf("merge_sql = %q", r.MergeSQL)
	}
}

func TestNodePreservesFromClause(t *testing.T) {
	r := Decompose("SELECT SUM(price) FROM orders")
	if !strings.Contains(upper(r.NodeSQL), "FROM ORDERS") {
		t.Errorf("node_sql = %q", r.NodeSQL)
	}
}

func TestAvgUsesNullifToAvoidDivisionByZero(t *testing.T) {
	r := Decompose("SELECT AVG(price) FROM orders")
	if !strings.Contains(upper(r.MergeSQL), "NULLIF") {
		t.Errorf("merge_sql should use NULLIF: %q", r.MergeSQL)
	}
}

func TestMixedAggregateAndNonAggregate(t *testing.T) {
	r := Decompose("SELECT region, COUNT(*), MIN(price), MAX(price) FROM orders GROUP BY region")
	if !r.HasAggregations {
		t.Fatal("expected aggregations")
	}
	nu := upper(r.NodeSQL)
	for _, want := range []string{"REGION", "COUNT(*)", "MIN(PRICE)", "MAX(PRICE)", "GROUP BY"} {
		if !strings.Contains(nu, want) {
			t.Errorf("node_sql missing %q: %q", want, r.NodeSQL)
		}
	}
	mu := upper(r.MergeSQL)
	for _, want := range []string{"REGION", "SUM(", "MIN(", "MAX(", "GROUP BY"} {
		if !strings.Contains(mu, want) {
			t.Errorf("merge_sql missing %q: %q", want, r.MergeSQL)
		}
	}
}

func TestUnionFallsBack(t *testing.T) {
	sql := "SELECT id FROM a UNION SELECT id FROM b"
	r := Decompose(sql)
	if r.HasAggregations {
		t.Error("expected no aggregations")
	}
	if r.NodeSQL != sql {
		t.Errorf("node_sql = %q, want unchanged original", r.NodeSQL)
	}
}

func TestSubqueryInAggregateFallsBack(t *testing.T) {
	sql := "SELECT SUM((SELECT price FROM prices)) FROM orders"
	r := Decompose(sql)
	if r.HasAggregations {
		t.Error("expected fallback, not aggregation rewrite")
	}
	if r.NodeSQL != sql {
		t.Errorf("node_sql = %q, want unchanged original", r.NodeSQL)
	}
}

func TestMultipleStatementsFallsBack(t *testing.T) {
	sql := "SELECT 1; SELECT 2"
	r := Decompose(sql)
	if r.HasAggregations {
		t.Error("expected no aggregations")
	}
	if r.NodeSQL != sql {
		t.Errorf("node_sql = %q, want unchanged original", r.NodeSQL)
	}
}

func TestHavingMovesToMergeRewritten(t *testing.T) {
	r := Decompose("SELECT region, SUM(price) FROM orders GROUP BY region HAVING SUM(price) > 100")
	if !r.HasAggregations {
		t.Fatal("expected aggregations")
	}
	if strings.Contains(upper(r.NodeSQL), "HAVING") {
		t.Errorf("node_sql should not carry HAVING, it must be re-evaluated after re-aggregation: %q", r.NodeSQL)
	}
	if !strings.Contains(upper(r.MergeSQL), "HAVING") {
		t.Errorf("merge_sql should carry HAVING: %q", r.MergeSQL)
	}
	// The merge-side HAVING must reference the node partial column
	// (the re-aggregated total), never the raw pre-aggregation column.
	if strings.Contains(r.MergeSQL, "HAVING SUM(price)") {
		t.Errorf("merge_sql HAVING should be rewritten onto the node partial alias, not re-run SUM(price): %q", r.MergeSQL)
	}
}

func TestHavingAggregateNotInSelectListIsMinted(t *testing.T) {
	r := Decompose("SELECT region FROM orders GROUP BY region HAVING SUM(price) > 100")
	if !r.HasAggregations {
		t.Fatal("expected aggregations once HAVING references one, even with no aggregate in the SELECT list")
	}
	if !strings.Contains(upper(r.NodeSQL), "SUM(PRICE)") {
		t.Errorf("node_sql should compute the partial SUM(price) referenced only by HAVING: %q", r.NodeSQL)
	}
	if !strings.Contains(upper(r.MergeSQL), "HAVING") || !strings.Contains(r.MergeSQL, "SUM(_sum_price") {
		t.Errorf("merge_sql HAVING should recombine the minted partial: %q", r.MergeSQL)
	}
}
