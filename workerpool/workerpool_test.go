package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubmitRunsOnWorker(t *testing.T) {
	p := New(context.Background(), 2)
	defer p.Stop()

	var n int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			atomic.AddInt64(&n, 1)
		})
	}
	wg.Wait()
	assert.Equal(t, int64(20), atomic.LoadInt64(&n))
}

func TestStopStopsAcceptingNewWork(t *testing.T) {
	p := New(context.Background(), 1)
	p.Stop()

	done := make(chan struct{})
	go func() {
		p.Submit(func() {})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit after Stop should return once the pool context is cancelled")
	}
}

func TestParentCancellationStopsPool(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(ctx, 1)
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("workers should exit once parent context is cancelled")
	}
}
