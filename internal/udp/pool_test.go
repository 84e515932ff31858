package udp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesSubmittedItems(t *testing.T) {
	p := NewWorkerPool(4, 100)
	p.Start()

	var mu sync.Mutex
	got := make(map[int64]bool)
	for i := int64(1); i <= 20; i++ {
		ok := p.Submit(WorkItem{
			ServerID: i,
			Process: func(item WorkItem) error {
				mu.Lock()
				got[item.ServerID] = true
				mu.Unlock()
				return nil
			},
		})
		require.True(t, ok)
	}
	p.Stop()

	assert.Len(t, got, 20)
	m := p.Metrics()
	assert.Equal(t, int64(20), m.Received)
	assert.Equal(t, int64(20), m.Processed)
	assert.Equal(t, int64(0), m.Dropped)
}

func TestPoolTailDropsWhenFull(t *testing.T) {
	p := NewWorkerPool(1, 4)
	// Not started: nothing consumes, so the queue fills at capacity.

	blocked := func(item WorkItem) error { return nil }
	accepted := 0
	for i := 0; i < 50; i++ {
		if p.Submit(WorkItem{Process: blocked}) {
			accepted++
		}
	}

	assert.Equal(t, 4, accepted)
	m := p.Metrics()
	assert.Equal(t, int64(46), m.Dropped)
	assert.Equal(t, int64(4), m.Received)
	assert.Equal(t, 4, m.QueueHighWater)

	p.Start()
	p.Stop() // drains the four queued items
	assert.Equal(t, int64(4), p.Metrics().Processed)
}

func TestPoolDrainsOnStop(t *testing.T) {
	p := NewWorkerPool(2, 100)
	p.Start()

	var mu sync.Mutex
	processed := 0
	for i := 0; i < 30; i++ {
		p.Submit(WorkItem{Process: func(WorkItem) error {
			time.Sleep(time.Millisecond)
			mu.Lock()
			processed++
			mu.Unlock()
			return nil
		}})
	}
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 30, processed)
}

func TestPoolCountsErrors(t *testing.T) {
	p := NewWorkerPool(1, 10)
	p.Start()
	p.Submit(WorkItem{Process: func(WorkItem) error { return assert.AnError }})
	p.Stop()

	m := p.Metrics()
	assert.Equal(t, int64(1), m.Errors)
	assert.Equal(t, int64(1), m.Processed)
}

func TestPoolSubmitAfterStop(t *testing.T) {
	p := NewWorkerPool(1, 10)
	p.Start()
	p.Stop()

	assert.False(t, p.Submit(WorkItem{Process: func(WorkItem) error { return nil }}))
	assert.Equal(t, int64(1), p.Metrics().Dropped)
}
