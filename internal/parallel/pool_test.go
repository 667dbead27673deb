package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_Create(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	if pool.Workers() != 4 {
		t.Errorf("Workers() = %d, want 4", pool.Workers())
	}
	if !pool.IsRunning() {
		t.Error("pool should be running after creation")
	}
}

func TestWorkerPool_DefaultWorkers(t *testing.T) {
	for _, n := range []int{0, -3} {
		pool := NewWorkerPool(n)
		if got, want := pool.Workers(), runtime.GOMAXPROCS(0); got != want {
			t.Errorf("NewWorkerPool(%d).Workers() = %d, want %d", n, got, want)
		}
		pool.Close()
	}
}

func TestWorkerPool_ExecuteAll(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	var counter atomic.Int64
	tasks := make([]func(), 1000)
	for i := range tasks {
		tasks[i] = func() { counter.Add(1) }
	}
	pool.ExecuteAll(tasks)

	if counter.Load() != 1000 {
		t.Errorf("counter = %d, want 1000", counter.Load())
	}
}

func TestWorkerPool_ExecuteAllDisjointWrites(t *testing.T) {
	pool := NewWorkerPool(3)
	defer pool.Close()

	out := make([]int, 257)
	tasks := make([]func(), len(out))
	for i := range tasks {
		tasks[i] = func() { out[i] = i * i }
	}
	pool.ExecuteAll(tasks)

	for i, v := range out {
		if v != i*i {
			t.Fatalf("out[%d] = %d, want %d", i, v, i*i)
		}
	}
}

func TestWorkerPool_ExecuteAllEmpty(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Close()
	pool.ExecuteAll(nil)
	pool.ExecuteAll([]func(){})
}

func TestWorkerPool_ExecuteAllAfterClose(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Close()

	var ran atomic.Int32
	pool.ExecuteAll([]func(){
		func() { ran.Add(1) },
		func() { ran.Add(1) },
	})
	if ran.Load() != 2 {
		t.Errorf("closed pool ran %d tasks, want 2", ran.Load())
	}
}

func TestWorkerPool_ConcurrentBatches(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	var total atomic.Int64
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tasks := make([]func(), 50)
			for i := range tasks {
				tasks[i] = func() { total.Add(1) }
			}
			pool.ExecuteAll(tasks)
		}()
	}
	wg.Wait()

	if total.Load() != 400 {
		t.Errorf("total = %d, want 400", total.Load())
	}
}

func TestWorkerPool_WorkStealing(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	// Every slow task lands on worker 0; the others must steal the fast ones.
	tasks := make([]func(), 16)
	for i := range tasks {
		if i%4 == 0 {
			tasks[i] = func() { time.Sleep(5 * time.Millisecond) }
		} else {
			tasks[i] = func() {}
		}
	}

	start := time.Now()
	pool.ExecuteAll(tasks)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("ExecuteAll took %v", elapsed)
	}
}

func TestWorkerPool_Submit(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Close()

	done := make(chan struct{})
	pool.Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("submitted task did not run")
	}

	pool.Submit(nil)
}

func TestWorkerPool_CloseIdempotent(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Close()
	pool.Close()

	if pool.IsRunning() {
		t.Error("pool should not be running after Close")
	}
	if pool.QueuedWork() != 0 {
		t.Errorf("QueuedWork() = %d, want 0", pool.QueuedWork())
	}
}

func TestWorkerPool_NoGoroutineLeak(t *testing.T) {
	before := runtime.NumGoroutine()
	for range 5 {
		pool := NewWorkerPool(8)
		pool.ExecuteAll([]func(){func() {}})
		pool.Close()
	}
	time.Sleep(50 * time.Millisecond)

	if after := runtime.NumGoroutine(); after > before+2 {
		t.Errorf("goroutines: before %d, after %d", before, after)
	}
}

func BenchmarkWorkerPool_ExecuteAll(b *testing.B) {
	pool := NewWorkerPool(0)
	defer pool.Close()

	tasks := make([]func(), 256)
	for i := range tasks {
		tasks[i] = func() {}
	}
	b.ResetTimer()
	for b.Loop() {
		pool.ExecuteAll(tasks)
	}
}
