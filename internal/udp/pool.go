package udp

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const avgWindow = 1000

// WorkItem is one raw datagram queued for asynchronous processing.
type WorkItem struct {
	ServerID   int64
	Payload    []byte
	SourceIP   string
	SourcePort int
	ReceivedAt time.Time
	Process    func(item WorkItem) error
}

// PoolMetrics is a snapshot of the worker-pool counters.
type PoolMetrics struct {
	Received        int64   `json:"received"`
	Processed       int64   `json:"processed"`
	Dropped         int64   `json:"dropped"`
	Errors          int64   `json:"errors"`
	AvgProcessingMs float64 `json:"avg_processing_ms"`
	QueueHighWater  int     `json:"queue_high_water"`
	QueueLen        int     `json:"queue_len"`
}

// WorkerPool consumes a bounded queue of datagrams with a fixed set of
// workers. Submission never blocks: when the queue is full the item is
// tail-dropped and the counter incremented.
type WorkerPool struct {
	queue   chan WorkItem
	workers int

	received  atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64
	errors    atomic.Int64
	highWater atomic.Int64

	sampleMu    sync.Mutex
	samples     [avgWindow]float64
	sampleIdx   int
	sampleCount int

	stopMu  sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewWorkerPool(workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 16
	}
	if queueSize <= 0 {
		queueSize = 10000
	}
	return &WorkerPool{
		queue:   make(chan WorkItem, queueSize),
		workers: workers,
	}
}

func (p *WorkerPool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	logrus.WithFields(logrus.Fields{
		"workers":    p.workers,
		"queue_size": cap(p.queue),
	}).Info("UDP worker pool started")
}

// Submit enqueues one item. It returns false when the pool is full or
// stopped; the item is dropped, never blocked on.
func (p *WorkerPool) Submit(item WorkItem) bool {
	p.stopMu.RLock()
	defer p.stopMu.RUnlock()
	if p.stopped {
		p.dropped.Add(1)
		return false
	}

	select {
	case p.queue <- item:
		p.received.Add(1)
		depth := int64(len(p.queue))
		for {
			hw := p.highWater.Load()
			if depth <= hw || p.highWater.CompareAndSwap(hw, depth) {
				break
			}
		}
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Stop drains the queue and joins the workers.
func (p *WorkerPool) Stop() {
	p.stopMu.Lock()
	if p.stopped {
		p.stopMu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.stopMu.Unlock()

	p.wg.Wait()
	logrus.WithField("processed", p.processed.Load()).Info("UDP worker pool stopped")
}

func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Received:        p.received.Load(),
		Processed:       p.processed.Load(),
		Dropped:         p.dropped.Load(),
		Errors:          p.errors.Load(),
		AvgProcessingMs: p.avgMs(),
		QueueHighWater:  int(p.highWater.Load()),
		QueueLen:        len(p.queue),
	}
}

func (p *WorkerPool) run() {
	defer p.wg.Done()
	for item := range p.queue {
		start := time.Now()
		if err := item.Process(item); err != nil {
			p.errors.Add(1)
			logrus.WithError(err).WithFields(logrus.Fields{
				"server_id": item.ServerID,
				"source":    item.SourceIP,
			}).Warn("Datagram processing failed")
		}
		p.processed.Add(1)
		p.addSample(float64(time.Since(start).Microseconds()) / 1000.0)
	}
}

// addSample records one processing duration in the rolling window.
func (p *WorkerPool) addSample(ms float64) {
	p.sampleMu.Lock()
	p.samples[p.sampleIdx] = ms
	p.sampleIdx = (p.sampleIdx + 1) % avgWindow
	if p.sampleCount < avgWindow {
		p.sampleCount++
	}
	p.sampleMu.Unlock()
}

func (p *WorkerPool) avgMs() float64 {
	p.sampleMu.Lock()
	defer p.sampleMu.Unlock()
	if p.sampleCount == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < p.sampleCount; i++ {
		sum += p.samples[i]
	}
	return sum / float64(p.sampleCount)
}
