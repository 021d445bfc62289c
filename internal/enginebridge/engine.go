// Package enginebridge narrows the embedded SQL engine down to the
// surface the query layer actually needs: open a connection, execute
// DDL/DML, run a query and get Arrow back, and append Arrow batches into
// a table. Every other package in this module programs against Engine,
// never against a concrete driver, so the in-memory fake in
// internal/enginebridge/memengine satisfies tests without a real
// database.
//
// Grounded on the teacher's internal/batch/processor.go: WorkerPool
// reuses its semaphore-bounded fan-out (Submit/flush/processBatch) to
// run concurrent query tasks instead of storage batch operations.
package enginebridge

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
)

// Appender streams Arrow record batches into a table one record at a
// time, for loading shard results into a scratch merge table.
type Appender interface {
	AppendRecord(rec arrow.Record) error
	Close() error
}

// Conn is one engine connection: DDL/DML execution, Arrow-returning
// queries, and bulk load via Appender.
type Conn interface {
	ExecuteBatch(ctx context.Context, sql string) error
	QueryArrow(ctx context.Context, sql string) (arrow.Record, error)
	Appender(ctx context.Context, table string) (Appender, error)
	Close() error
}

// Engine opens connections. A single process may hold one in-memory
// engine per node; the coordinator opens a fresh Conn per query. Whether
// a table created on that Conn (like the coordinator's "_merged" table)
// outlives it depends on the engine: memengine's connections share one
// table store, so "_merged" stays in the engine until the next merge
// recreates it with CREATE OR REPLACE TABLE.
type Engine interface {
	OpenInMemoryConnection(ctx context.Context) (Conn, error)
}
