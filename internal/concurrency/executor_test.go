// File: internal/concurrency/executor_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/momentics/hioload-xgq/api"
)

func TestExecutorRunsConcurrentSubmissions(t *testing.T) {
	ex := NewExecutor(4)
	defer ex.Close()

	const producers, perProducer = 8, 200
	var counter atomic.Int64
	var done sync.WaitGroup
	done.Add(producers * perProducer)
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for {
					err := ex.Submit(func() { counter.Add(1); done.Done() })
					if err == nil {
						break
					}
					if !errors.Is(err, api.ErrBusy) {
						t.Error(err)
						return
					}
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}
	wg.Wait()

	finished := make(chan struct{})
	go func() { done.Wait(); close(finished) }()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d tasks ran", counter.Load())
	}
	if got := counter.Load(); got != producers*perProducer {
		t.Fatalf("ran %d tasks, want %d", got, producers*perProducer)
	}
}

func TestExecutorBusyWhenFull(t *testing.T) {
	ex := NewExecutor(1, WithQueueDepth(2))
	block := make(chan struct{})
	started := make(chan struct{})
	if err := ex.Submit(func() { close(started); <-block }); err != nil {
		t.Fatal(err)
	}
	<-started
	for i := 0; i < 2; i++ {
		if err := ex.Submit(func() {}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if err := ex.Submit(func() {}); !errors.Is(err, api.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	close(block)
	ex.Close()
	if st := ex.Stats(); st["completed_tasks"] != 3 || st["rejected_tasks"] != 1 {
		t.Fatalf("unexpected stats %v", st)
	}
}

func TestExecutorSurvivesPanicAndClose(t *testing.T) {
	ex := NewExecutor(2, WithCPUs(OnlineCPUs()...))
	ran := make(chan struct{})
	_ = ex.Submit(func() { panic("boom") })
	_ = ex.Submit(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task after panic did not run")
	}
	ex.Close()
	ex.Close()
	if err := ex.Submit(func() {}); !errors.Is(err, ErrExecutorClosed) {
		t.Fatalf("expected ErrExecutorClosed, got %v", err)
	}
	if ex.Stats()["panics"] != 1 {
		t.Fatalf("panic not counted: %v", ex.Stats())
	}
}
