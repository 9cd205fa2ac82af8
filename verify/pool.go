package verify

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/verityfs/verity/log"
)

// ErrPoolShutdown is returned when work is submitted to a stopped pool.
var ErrPoolShutdown = errors.New("verification pool shut down")

// WorkItem is one file's batch of freshly read segments awaiting
// verification.
type WorkItem struct {
	Verifier  *Verifier
	Segments  []Segment
	Readahead bool

	ctx        context.Context
	resultChan chan error
}

// Pool runs verification work on a bounded set of workers so that hash
// chain checks, which may block on tree I/O, stay off latency-sensitive
// completion paths. Verification blocks reads from completing, so the pool
// should be sized to the available processors rather than left unbounded.
//
// The pool is an explicitly owned object: construct it at startup, Shutdown
// at teardown.
type Pool struct {
	workers     []*worker
	workerCount int

	workQueue chan *WorkItem

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewPool creates and starts a pool. workerCount <= 0 selects
// runtime.NumCPU().
func NewPool(workerCount int) *Pool {
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workers:     make([]*worker, workerCount),
		workerCount: workerCount,
		workQueue:   make(chan *WorkItem, workerCount*4),
		ctx:         ctx,
		cancel:      cancel,
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p)
		p.workers[i] = w

		p.wg.Add(1)
		go func(w *worker) {
			defer p.wg.Done()
			w.run(ctx)
		}(w)
	}

	log.Debug(log.PoolModule, "verification pool started", "workers", workerCount)
	return p
}

// Submit enqueues a verification work item. The returned channel receives
// the item's result (nil on success) and is closed if the pool shuts down
// before the item runs. Submit must not be called after Shutdown.
func (p *Pool) Submit(v *Verifier, segments []Segment, readahead bool) <-chan error {
	resultChan := make(chan error, 1)
	item := &WorkItem{
		Verifier:   v,
		Segments:   segments,
		Readahead:  readahead,
		ctx:        p.ctx,
		resultChan: resultChan,
	}
	p.submitted.Add(1)

	select {
	case p.workQueue <- item:
	case <-p.ctx.Done():
		close(resultChan)
	}
	return resultChan
}

// SubmitWait enqueues a work item and waits for its result.
func (p *Pool) SubmitWait(v *Verifier, segments []Segment, readahead bool) error {
	select {
	case err, ok := <-p.Submit(v, segments, readahead):
		if !ok {
			return ErrPoolShutdown
		}
		return err
	case <-p.ctx.Done():
		return ErrPoolShutdown
	}
}

// Shutdown stops the workers and waits for them to exit. Queued items that
// never ran have their result channels closed.
func (p *Pool) Shutdown() {
	p.cancel()
	close(p.workQueue)
	p.wg.Wait()

	for item := range p.workQueue {
		close(item.resultChan)
	}
}

// PoolStats reports pool counters.
type PoolStats struct {
	WorkerCount   int
	QueueDepth    int
	Submitted     int64
	Completed     int64
	Failed        int64
	ActiveWorkers int
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	active := 0
	for _, w := range p.workers {
		if w.isBusy() {
			active++
		}
	}
	return PoolStats{
		WorkerCount:   p.workerCount,
		QueueDepth:    len(p.workQueue),
		Submitted:     p.submitted.Load(),
		Completed:     p.completed.Load(),
		Failed:        p.failed.Load(),
		ActiveWorkers: active,
	}
}

// worker processes verification work items one at a time.
type worker struct {
	id   int
	pool *Pool

	busy atomic.Int32

	processedCount atomic.Int64
	errorCount     atomic.Int64
	totalTime      atomic.Int64 // nanoseconds
}

func newWorker(id int, pool *Pool) *worker {
	return &worker{id: id, pool: pool}
}

func (w *worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-w.pool.workQueue:
			if !ok {
				return
			}
			w.process(item)
		}
	}
}

func (w *worker) process(item *WorkItem) {
	start := time.Now()
	w.busy.Store(1)
	defer func() {
		w.busy.Store(0)
		w.totalTime.Add(int64(time.Since(start)))
		w.processedCount.Add(1)
	}()

	_, span := tracer.Start(item.ctx, "verity.work",
		trace.WithAttributes(attribute.Int("segments", len(item.Segments))))
	err := item.Verifier.VerifyIO(item.Segments, item.Readahead)
	span.End()

	if err != nil {
		w.errorCount.Add(1)
		w.pool.failed.Add(1)
	} else {
		w.pool.completed.Add(1)
	}

	select {
	case item.resultChan <- err:
	case <-item.ctx.Done():
	}
}

func (w *worker) isBusy() bool {
	return w.busy.Load() == 1
}
