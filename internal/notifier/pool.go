package notifier

import (
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// task is one delivery attempt executed by a pool worker.
type task func()

// workerPool bounds the parallelism of target deliveries. Fixed worker
// count, buffered task queue; a full queue drops the task and bumps a
// counter rather than spawning unbounded goroutines.
type workerPool struct {
	workers int
	tasks   chan task
	wg      sync.WaitGroup
	dropped int64
	logger  zerolog.Logger
}

func newWorkerPool(workers, queueSize int, logger zerolog.Logger) *workerPool {
	return &workerPool{
		workers: workers,
		tasks:   make(chan task, queueSize),
		logger:  logger,
	}
}

func (wp *workerPool) Start() {
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *workerPool) worker() {
	defer wp.wg.Done()
	for t := range wp.tasks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					wp.logger.Error().
						Interface("panic_value", r).
						Str("stack_trace", string(debug.Stack())).
						Msg("Notifier worker panic recovered")
				}
			}()
			t()
		}()
	}
}

// Submit enqueues a task; a saturated queue drops it.
func (wp *workerPool) Submit(t task) bool {
	select {
	case wp.tasks <- t:
		return true
	default:
		atomic.AddInt64(&wp.dropped, 1)
		return false
	}
}

// Stop closes the queue and waits for workers to drain it. Submitting
// after Stop panics, so the notifier gates submissions on its own
// stopped flag first.
func (wp *workerPool) Stop() {
	close(wp.tasks)
	wp.wg.Wait()
}

func (wp *workerPool) Dropped() int64 { return atomic.LoadInt64(&wp.dropped) }
