package memengine

import (
	"context"
	"sort"

	"github.com/swarmsql/swarmsql/internal/catalog"
	"github.com/swarmsql/swarmsql/pkg/swarmerr"
)

// ListLocalTables returns every table name currently held by this engine,
// sorted for deterministic advertise order. Satisfies
// internal/catalog.TableSource.
func (e *Engine) ListLocalTables(context.Context) ([]string, error) {
	names := make([]string, 0, len(e.tables))
	for name := range e.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// TableRowCount returns the number of rows currently stored in name.
func (e *Engine) TableRowCount(_ context.Context, name string) (uint64, error) {
	t, ok := e.tables[name]
	if !ok {
		return 0, swarmerr.NotFound("memengine", "table %q not found", name)
	}
	return uint64(len(t.rows)), nil
}

// TableSchemaFields returns name/type pairs for every column of table, in
// column order, for catalog schema hashing. The in-memory engine has no
// declared column types (DDL discards them), so the type is inferred from
// the first non-null value seen in that column, falling back to VARCHAR
// for an empty or all-null column.
func (e *Engine) TableSchemaFields(_ context.Context, name string) ([]catalog.SchemaField, error) {
	t, ok := e.tables[name]
	if !ok {
		return nil, swarmerr.NotFound("memengine", "table %q not found", name)
	}
	fields := make([]catalog.SchemaField, 0, len(t.columns))
	for _, col := range t.columns {
		fields = append(fields, catalog.SchemaField{Name: col, DataType: inferColumnType(t.rows, col)})
	}
	return fields, nil
}

func inferColumnType(rows []row, col string) string {
	for _, r := range rows {
		switch r[col].(type) {
		case string:
			return "VARCHAR"
		case bool:
			return "BOOLEAN"
		case float64:
			return "DOUBLE"
		}
	}
	return "VARCHAR"
}
