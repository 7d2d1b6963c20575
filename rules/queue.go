package rules

import (
	"context"
	"log/slog"
	"sync"
)

// task is one unit of background work
type task struct {
	name   string
	ruleID string
	run    func(ctx context.Context) error
}

// taskQueue runs fire-and-forget work (dependency refresh, precompilation)
// on a fixed set of workers over a bounded buffer. A full buffer drops the
// task rather than blocking the caller.
type taskQueue struct {
	tasks   chan task
	logger  *slog.Logger
	stats   *statsCollector
	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup

	mu      sync.Mutex
	pending int
	idle    chan struct{}
	stopped bool
}

func newTaskQueue(workers, size int, logger *slog.Logger, stats *statsCollector) *taskQueue {
	if workers <= 0 {
		workers = 1
	}
	if size <= 0 {
		size = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	q := &taskQueue{
		tasks:  make(chan task, size),
		logger: logger,
		stats:  stats,
		ctx:    ctx,
		cancel: cancel,
		idle:   idle,
	}

	for range workers {
		q.workers.Add(1)
		go q.work()
	}
	return q
}

// enqueue schedules t and reports whether it was accepted
func (q *taskQueue) enqueue(t task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return false
	}

	select {
	case q.tasks <- t:
	default:
		q.logger.Warn("background queue full, dropping task", "task", t.name, "rule_id", t.ruleID)
		q.stats.update(func(s *Stats) { s.BackgroundDropped++ })
		return false
	}

	if q.pending == 0 {
		q.idle = make(chan struct{})
	}
	q.pending++
	return true
}

func (q *taskQueue) work() {
	defer q.workers.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case t := <-q.tasks:
			q.run(t)
		}
	}
}

func (q *taskQueue) run(t task) {
	defer q.done()
	if err := t.run(q.ctx); err != nil {
		q.logger.Warn("background task failed", "task", t.name, "rule_id", t.ruleID, "error", err)
		q.stats.update(func(s *Stats) { s.BackgroundFailures++ })
	}
}

func (q *taskQueue) done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending--
	if q.pending == 0 {
		close(q.idle)
	}
}

// waitIdle blocks until every accepted task has finished or ctx is done
func (q *taskQueue) waitIdle(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop cancels running tasks, waits for the workers and discards queued work
func (q *taskQueue) stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()

	q.cancel()
	q.workers.Wait()

	for {
		select {
		case <-q.tasks:
			q.done()
		default:
			return
		}
	}
}
