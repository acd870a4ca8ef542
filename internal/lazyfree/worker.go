// Package lazyfree runs deferred destruction off the request path. Victims
// unlinked from a dictionary are handed to a single worker goroutine through
// an ownership-transferring channel: once enqueued, only the worker touches
// the entry or table again, so no locking is needed on the structures
// themselves. The eviction loop polls PendingJobs to decide whether waiting
// for the worker can still free memory.
package lazyfree

import (
	"context"
	"sync"
	"sync/atomic"

	"memkeys/internal/dict"
	"memkeys/internal/logging"
)

// JobClass partitions pending-job counters so callers can wait on the class
// they care about.
type JobClass int

const (
	// JobFreeEntry destroys a single unlinked entry.
	JobFreeEntry JobClass = iota
	// JobFreeTables destroys whole detached dictionaries (async flush).
	JobFreeTables

	jobClassCount
)

func (c JobClass) String() string {
	switch c {
	case JobFreeEntry:
		return "free-entry"
	case JobFreeTables:
		return "free-tables"
	default:
		return "unknown"
	}
}

type job struct {
	class JobClass
	run   func()
}

// Worker is the background deletion collaborator. Create it with NewWorker
// and stop it with Stop, which drains the queue.
type Worker struct {
	jobs     chan job
	pending  [jobClassCount]atomic.Int64
	freed    atomic.Uint64
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewWorker creates and starts a deletion worker with the given queue depth.
func NewWorker(queueSize int) *Worker {
	if queueSize <= 0 {
		queueSize = 1024
	}
	w := &Worker{
		jobs: make(chan job, queueSize),
		done: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case j := <-w.jobs:
			w.process(j)
		case <-w.done:
			for {
				select {
				case j := <-w.jobs:
					w.process(j)
				default:
					return
				}
			}
		}
	}
}

func (w *Worker) process(j job) {
	j.run()
	w.pending[j.class].Add(-1)
	w.freed.Add(1)
}

func (w *Worker) enqueue(class JobClass, run func()) {
	w.pending[class].Add(1)
	select {
	case <-w.done:
		// Worker already shut down; free inline so nothing leaks.
		run()
		w.pending[class].Add(-1)
		return
	default:
	}
	select {
	case w.jobs <- job{class: class, run: run}:
	case <-w.done:
		run()
		w.pending[class].Add(-1)
	}
}

// FreeEntry transfers ownership of an entry unlinked from d and destroys it
// on the worker goroutine. The entry's destructors (and therefore any memory
// accounting they perform) run there.
func (w *Worker) FreeEntry(d *dict.Dict, e *dict.Entry) {
	if e == nil {
		return
	}
	w.enqueue(JobFreeEntry, func() {
		d.FreeUnlinkedEntry(e)
	})
}

// FreeTables transfers ownership of detached dictionaries (a database's data
// and expiration tables after an async flush) and empties them on the worker
// goroutine.
func (w *Worker) FreeTables(tables ...*dict.Dict) {
	w.enqueue(JobFreeTables, func() {
		for _, d := range tables {
			if d != nil {
				d.Empty(nil)
			}
		}
	})
}

// PendingJobs returns the number of enqueued-but-unprocessed jobs of a class.
func (w *Worker) PendingJobs(class JobClass) int64 {
	return w.pending[class].Load()
}

// TotalPending returns pending jobs across all classes.
func (w *Worker) TotalPending() int64 {
	var total int64
	for i := range w.pending {
		total += w.pending[i].Load()
	}
	return total
}

// FreedJobs returns the number of jobs completed since start.
func (w *Worker) FreedJobs() uint64 { return w.freed.Load() }

// Stop drains the queue and stops the worker. Safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		logging.Debug(context.Background(), logging.ComponentLazyFree, "stop",
			"draining background deletion queue", map[string]interface{}{
				"pending": w.TotalPending(),
			})
		close(w.done)
		w.wg.Wait()
	})
}
