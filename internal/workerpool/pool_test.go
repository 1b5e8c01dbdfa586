package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := New("test", 2, 10, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	var count int64
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		p.Submit(func() {
			defer wg.Done()
			atomic.AddInt64(&count, 1)
		})
	}
	wg.Wait()

	assert.Equal(t, int64(5), atomic.LoadInt64(&count))
	assert.Equal(t, int64(0), p.DroppedTasks())
}

func TestPoolSubmitDropsWhenQueueFull(t *testing.T) {
	p := New("test", 1, 1, zerolog.Nop())
	// No Start call: nothing drains the queue, so the first Submit
	// fills it and the second finds it full.
	block := make(chan struct{})
	p.Submit(func() { <-block })
	p.Submit(func() {})

	assert.Equal(t, int64(1), p.DroppedTasks())
	close(block)
}

func TestPoolSubmitAfterStopDropsTask(t *testing.T) {
	p := New("test", 1, 4, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	p.Stop(context.Background())
	cancel()

	p.Submit(func() {})
	assert.Equal(t, int64(1), p.DroppedTasks())
}

func TestPoolRecoversPanickingTask(t *testing.T) {
	p := New("test", 1, 4, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	var ran int64
	p.Submit(func() { panic("boom") })
	p.Submit(func() { atomic.AddInt64(&ran, 1) })

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&ran) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPoolStopIsIdempotent(t *testing.T) {
	p := New("test", 1, 4, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	p.Stop(context.Background())
	p.Stop(context.Background())
}

func TestPoolQueueDepthAndCapacity(t *testing.T) {
	p := New("test", 1, 8, zerolog.Nop())
	assert.Equal(t, 8, p.QueueCapacity())
	assert.Equal(t, 0, p.QueueDepth())

	block := make(chan struct{})
	p.Submit(func() { <-block })
	p.Submit(func() {})
	assert.Equal(t, 1, p.QueueDepth())
	close(block)
}
