// Package parallel provides the worker pool that runs compute workgroups
// on host threads.
package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// WorkerPool is a fixed set of goroutines that execute batches of tasks.
//
// Each worker owns a queue and steals from its neighbours once that queue is
// empty, so a batch whose tasks differ in cost still finishes evenly.
//
// WorkerPool is safe for concurrent use. Several batches may be in flight at
// once; each ExecuteAll call waits only for its own tasks.
type WorkerPool struct {
	workers    int
	workQueues []chan func()
	done       chan struct{}
	wg         sync.WaitGroup
	running    atomic.Bool
}

// NewWorkerPool starts a pool with the given number of workers.
// If workers is 0 or negative, GOMAXPROCS is used.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	queueSize := max(workers*4, 8)

	p := &WorkerPool{
		workers:    workers,
		workQueues: make([]chan func(), workers),
		done:       make(chan struct{}),
	}
	for i := range workers {
		p.workQueues[i] = make(chan func(), queueSize)
	}
	p.running.Store(true)

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}
	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	own := p.workQueues[id]

	for {
		select {
		case <-p.done:
			p.drain(own)
			return
		case task := <-own:
			task()
		default:
			if stolen := p.steal(id); stolen != nil {
				stolen()
				continue
			}
			select {
			case <-p.done:
				p.drain(own)
				return
			case task := <-own:
				task()
			}
		}
	}
}

// drain runs whatever is left in a queue at shutdown.
func (p *WorkerPool) drain(queue chan func()) {
	for {
		select {
		case task := <-queue:
			task()
		default:
			return
		}
	}
}

// steal takes one task from another worker's queue, or returns nil.
func (p *WorkerPool) steal(self int) func() {
	for i := range p.workers {
		if i == self {
			continue
		}
		select {
		case task := <-p.workQueues[i]:
			return task
		default:
		}
	}
	return nil
}

// ExecuteAll runs every task and returns when all of them have finished.
// Tasks are dealt round-robin to the worker queues. On a closed pool the
// tasks run on the calling goroutine, so a batch is never dropped.
func (p *WorkerPool) ExecuteAll(tasks []func()) {
	if len(tasks) == 0 {
		return
	}
	if !p.running.Load() {
		for _, task := range tasks {
			task()
		}
		return
	}

	var pending sync.WaitGroup
	pending.Add(len(tasks))
	for i, task := range tasks {
		wrapped := func() {
			defer pending.Done()
			task()
		}
		select {
		case p.workQueues[i%p.workers] <- wrapped:
		case <-p.done:
			wrapped()
		}
	}
	pending.Wait()
}

// Submit queues a single task on the least loaded worker. On a closed pool
// the task runs on the calling goroutine.
func (p *WorkerPool) Submit(task func()) {
	if task == nil {
		return
	}
	if !p.running.Load() {
		task()
		return
	}

	target := 0
	for i := 1; i < p.workers; i++ {
		if len(p.workQueues[i]) < len(p.workQueues[target]) {
			target = i
		}
	}
	select {
	case p.workQueues[target] <- task:
	case <-p.done:
		task()
	}
}

// Close stops the workers after the queued tasks have run.
// Close is safe to call multiple times.
func (p *WorkerPool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// Workers returns the number of workers in the pool.
func (p *WorkerPool) Workers() int { return p.workers }

// IsRunning reports whether the pool still dispatches to its workers.
func (p *WorkerPool) IsRunning() bool { return p.running.Load() }

// QueuedWork returns the approximate number of queued tasks.
func (p *WorkerPool) QueuedWork() int {
	total := 0
	for _, q := range p.workQueues {
		total += len(q)
	}
	return total
}
