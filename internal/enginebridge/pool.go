package enginebridge

import (
	"context"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/swarmsql/swarmsql/pkg/swarmerr"
)

// WorkerPool bounds how many queries run against Engine at once. Its
// fan-out mirrors the teacher's batch Processor: a semaphore channel
// caps concurrency, a WaitGroup joins the fan-out, each worker opens its
// own connection so no statement state is shared across goroutines.
type WorkerPool struct {
	engine      Engine
	concurrency int
}

// NewWorkerPool creates a pool that runs up to concurrency queries
// against engine simultaneously. concurrency <= 0 defaults to 4.
func NewWorkerPool(engine Engine, concurrency int) *WorkerPool {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &WorkerPool{engine: engine, concurrency: concurrency}
}

// RunAll executes every query in sqls concurrently (bounded by the
// pool's configured concurrency) and returns one record per input,
// preserving input order. The first error encountered is returned once
// every task has finished; other in-flight tasks are not canceled early
// since each already holds its own connection and cannot be interrupted
// mid-statement through this interface.
func (p *WorkerPool) RunAll(ctx context.Context, sqls []string) ([]arrow.Record, error) {
	results := make([]arrow.Record, len(sqls))
	errs := make([]error, len(sqls))

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, p.concurrency)

	for i, sql := range sqls {
		wg.Add(1)
		go func(i int, sql string) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			results[i], errs[i] = p.runOne(ctx, sql)
		}(i, sql)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (p *WorkerPool) runOne(ctx context.Context, sql string) (arrow.Record, error) {
	conn, err := p.engine.OpenInMemoryConnection(ctx)
	if err != nil {
		return nil, swarmerr.Unavailable("enginebridge", "failed to open engine connection").WithCause(err)
	}
	defer conn.Close()

	rec, err := conn.QueryArrow(ctx, sql)
	if err != nil {
		return nil, swarmerr.Internal("enginebridge", "query failed: %s", sql).WithCause(err)
	}
	return rec, nil
}
