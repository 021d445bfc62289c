// Package memengine is an in-memory enginebridge.Engine used by tests
// that exercise the query coordinator without an embedded SQL engine on
// disk. It understands a small, hand-rolled dialect for single-table
// SELECTs (optional WHERE, GROUP BY, ORDER BY, LIMIT, OFFSET;
// SUM/COUNT/MIN/MAX/AVG and the NULLIF-guarded division decompose emits
// for AVG merges) plus the two DDL statements internal/partition emits
// (CREATE OR REPLACE TABLE and DROP TABLE IF EXISTS). HAVING is not
// supported, so a decompose merge_sql that carries a HAVING clause is
// not evaluated correctly here. It is not a general SQL engine — following
// internal/decompose's own precedent, no SQL parsing library in the
// example corpus covers this dialect either, so this is a second
// hand-rolled recursive-descent evaluator rather than a borrowed one.
package memengine

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/swarmsql/swarmsql/internal/enginebridge"
	"github.com/swarmsql/swarmsql/pkg/swarmerr"
)

type row map[string]interface{}

type table struct {
	columns []string
	rows    []row
}

// Engine is an in-process, single-node store of named tables. It
// satisfies enginebridge.Engine.
type Engine struct {
	tables map[string]*table
}

// New creates an empty in-memory engine.
func New() *Engine {
	return &Engine{tables: make(map[string]*table)}
}

var _ enginebridge.Engine = (*Engine)(nil)

// OpenInMemoryConnection returns a connection sharing this Engine's
// table store; the in-memory fake has no connection-scoped state.
func (e *Engine) OpenInMemoryConnection(context.Context) (enginebridge.Conn, error) {
	return &conn{engine: e}, nil
}

type conn struct {
	engine *Engine
}

var (
	reCreateTable = regexp.MustCompile(`(?is)^\s*CREATE\s+OR\s+REPLACE\s+TABLE\s+"([^"]+)"\s*\((.*)\)\s*;?\s*$`)
	reDropTable   = regexp.MustCompile(`(?is)^\s*DROP\s+TABLE\s+IF\s+EXISTS\s+"?([^"\s;]+)"?\s*;?\s*$`)
	reColumnDef   = regexp.MustCompile(`(?is)^\s*"([^"]+)"\s+\S+\s*$`)
)

// ExecuteBatch runs CREATE OR REPLACE TABLE / DROP TABLE IF EXISTS DDL
// against the in-memory store. Any other statement is rejected — this
// fake is a query-path test double, not a DML engine.
func (c *conn) ExecuteBatch(_ context.Context, sql string) error {
	if m := reCreateTable.FindStringSubmatch(sql); m != nil {
		name := m[1]
		cols := splitTopLevelComma(m[2])
		colNames := make([]string, 0, len(cols))
		for _, col := range cols {
			if cm := reColumnDef.FindStringSubmatch(col); cm != nil {
				colNames = append(colNames, cm[1])
			}
		}
		c.engine.tables[name] = &table{columns: colNames}
		return nil
	}
	if m := reDropTable.FindStringSubmatch(sql); m != nil {
		delete(c.engine.tables, m[1])
		return nil
	}
	return swarmerr.InvalidArgument("memengine", "unsupported DDL statement: %s", sql)
}

// Appender appends Arrow records into table, creating it (adopting the
// record's schema) if it doesn't already exist.
func (c *conn) Appender(_ context.Context, name string) (enginebridge.Appender, error) {
	t, ok := c.engine.tables[name]
	if !ok {
		t = &table{}
		c.engine.tables[name] = t
	}
	return &appender{table: t}, nil
}

func (c *conn) Close() error { return nil }

type appender struct {
	table *table
}

func (a *appender) AppendRecord(rec arrow.Record) error {
	schema := rec.Schema()
	if len(a.table.columns) == 0 {
		for _, f := range schema.Fields() {
			a.table.columns = append(a.table.columns, f.Name)
		}
	}
	for r := 0; r < int(rec.NumRows()); r++ {
		rw := make(row, len(a.table.columns))
		for i, name := range a.table.columns {
			idx := schema.FieldIndices(name)
			if len(idx) == 0 {
				continue
			}
			rw[name] = cellValue(rec.Column(idx[0]), r)
		}
		a.table.rows = append(a.table.rows, rw)
	}
	return nil
}

func (a *appender) Close() error { return nil }

func cellValue(col arrow.Array, r int) interface{} {
	if col.IsNull(r) {
		return nil
	}
	switch c := col.(type) {
	case *array.Int64:
		return float64(c.Value(r))
	case *array.Int32:
		return float64(c.Value(r))
	case *array.Float64:
		return c.Value(r)
	case *array.Float32:
		return float64(c.Value(r))
	case *array.String:
		return c.Value(r)
	case *array.Boolean:
		return c.Value(r)
	default:
		return c.ValueStr(r)
	}
}

func splitTopLevelComma(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, ch := range s {
		switch ch {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// QueryArrow parses and evaluates a SELECT statement from this
// package's dialect, returning the result as a single Arrow record.
func (c *conn) QueryArrow(_ context.Context, sql string) (arrow.Record, error) {
	stmt, err := parseSelect(sql)
	if err != nil {
		return nil, err
	}

	t, ok := c.engine.tables[stmt.from]
	if !ok {
		return nil, swarmerr.NotFound("memengine", "table %q not found", stmt.from)
	}
	expandStar(stmt, t)

	rows := t.rows
	if stmt.where != nil {
		filtered := make([]row, 0, len(rows))
		for _, r := range rows {
			ok, err := stmt.where.evalBool(r)
			if err != nil {
				return nil, err
			}
			if ok {
				filtered = append(filtered, r)
			}
		}
		rows = filtered
	}

	var outRows []row
	if stmt.hasAggregate() || len(stmt.groupBy) > 0 {
		groups, groupKeys, err := groupRows(rows, stmt.groupBy)
		if err != nil {
			return nil, err
		}
		for _, key := range groupKeys {
			outRow, err := evalProjection(stmt.projection, groups[key])
			if err != nil {
				return nil, err
			}
			outRows = append(outRows, outRow)
		}
	} else {
		for _, r := range rows {
			outRow, err := evalProjection(stmt.projection, []row{r})
			if err != nil {
				return nil, err
			}
			outRows = append(outRows, outRow)
		}
	}

	if len(stmt.orderBy) > 0 {
		sort.SliceStable(outRows, func(i, j int) bool {
			for _, ob := range stmt.orderBy {
				vi, vj := outRows[i][ob.column], outRows[j][ob.column]
				cmp := compareValues(vi, vj)
				if cmp == 0 {
					continue
				}
				if ob.desc {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
	}

	if stmt.offset > 0 {
		if stmt.offset >= len(outRows) {
			outRows = nil
		} else {
			outRows = outRows[stmt.offset:]
		}
	}
	if stmt.limit >= 0 && stmt.limit < len(outRows) {
		outRows = outRows[:stmt.limit]
	}

	return rowsToRecord(stmt, outRows)
}

func rowsToRecord(stmt *selectStmt, rows []row) (arrow.Record, error) {
	pool := memory.NewGoAllocator()
	fields := make([]arrow.Field, len(stmt.projection))
	cols := make([]arrow.Array, len(stmt.projection))

	for i, item := range stmt.projection {
		kind := columnKind(rows, item.alias)
		switch kind {
		case kindString:
			b := array.NewStringBuilder(pool)
			for _, r := range rows {
				appendInterface(b, r[item.alias])
			}
			cols[i] = b.NewArray()
			fields[i] = arrow.Field{Name: item.alias, Type: arrow.BinaryTypes.String}
			b.Release()
		case kindBool:
			b := array.NewBooleanBuilder(pool)
			for _, r := range rows {
				appendInterface(b, r[item.alias])
			}
			cols[i] = b.NewArray()
			fields[i] = arrow.Field{Name: item.alias, Type: arrow.FixedWidthTypes.Boolean}
			b.Release()
		default:
			b := array.NewFloat64Builder(pool)
			for _, r := range rows {
				appendInterface(b, r[item.alias])
			}
			cols[i] = b.NewArray()
			fields[i] = arrow.Field{Name: item.alias, Type: arrow.PrimitiveTypes.Float64}
			b.Release()
		}
	}

	schema := arrow.NewSchema(fields, nil)
	rec := array.NewRecord(schema, cols, int64(len(rows)))
	for _, c := range cols {
		c.Release()
	}
	return rec, nil
}

type cellKind int

const (
	kindFloat cellKind = iota
	kindString
	kindBool
)

func columnKind(rows []row, col string) cellKind {
	for _, r := range rows {
		switch r[col].(type) {
		case string:
			return kindString
		case bool:
			return kindBool
		case float64:
			return kindFloat
		}
	}
	return kindFloat
}

type valueAppender interface {
	AppendNull()
}

func appendInterface(b valueAppender, v interface{}) {
	if v == nil {
		b.AppendNull()
		return
	}
	switch bb := b.(type) {
	case *array.StringBuilder:
		bb.Append(fmt.Sprintf("%v", v))
	case *array.BooleanBuilder:
		if vv, ok := v.(bool); ok {
			bb.Append(vv)
		} else {
			bb.AppendNull()
		}
	case *array.Float64Builder:
		if vv, ok := v.(float64); ok {
			bb.Append(vv)
		} else {
			bb.AppendNull()
		}
	}
}

func compareValues(a, b interface{}) int {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as := fmt.Sprintf("%v", a)
	bs := fmt.Sprintf("%v", b)
	return strings.Compare(as, bs)
}

func groupRows(rows []row, groupBy []string) (map[string][]row, []string, error) {
	if len(groupBy) == 0 {
		return map[string][]row{"": rows}, []string{""}, nil
	}
	groups := make(map[string][]row)
	var order []string
	for _, r := range rows {
		parts := make([]string, len(groupBy))
		for i, col := range groupBy {
			parts[i] = fmt.Sprintf("%v", r[col])
		}
		key := strings.Join(parts, "\x1f")
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}
	return groups, order, nil
}

func quoteStrip(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return s[1 : len(s)-1]
	}
	return s
}

// expandStar rewrites a bare "SELECT *" projection into one colRef per
// column of t, in table column order — the projection parser has no
// schema access at parse time, so expansion happens once the target
// table is known.
func expandStar(stmt *selectStmt, t *table) {
	if len(stmt.projection) != 1 || stmt.projection[0].alias != "*" {
		return
	}
	if _, ok := stmt.projection[0].expr.(star); !ok {
		return
	}
	expanded := make([]projItem, 0, len(t.columns))
	for _, col := range t.columns {
		expanded = append(expanded, projItem{expr: colRef{name: col}, alias: col})
	}
	stmt.projection = expanded
}

func evalProjection(items []projItem, group []row) (row, error) {
	out := make(row, len(items))
	for _, item := range items {
		v, err := item.expr.eval(group)
		if err != nil {
			return nil, err
		}
		out[item.alias] = v
	}
	return out, nil
}
