package chart

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const sweepEvery = 100

// CompleteFunc receives the fully reassembled chart for one order.
type CompleteFunc func(orderID int64, c *Chart)

type fragmentSet struct {
	fragments map[uint8][]byte
	expected  uint8
	updatedAt time.Time
}

// Assembler buffers multi-packet chart fragments keyed by order id until
// all declared blocks have arrived, then parses and hands off the result.
// It is safe for concurrent use, but the dispatch path keeps one
// endpoint's chart packets on a single serial worker so ordering inside a
// capture is preserved.
type Assembler struct {
	complete CompleteFunc
	timeout  time.Duration

	mu      sync.Mutex
	pending map[int64]*fragmentSet
	seen    int
}

func NewAssembler(timeout time.Duration, complete CompleteFunc) *Assembler {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Assembler{
		complete: complete,
		timeout:  timeout,
		pending:  make(map[int64]*fragmentSet),
	}
}

// Add ingests one chart fragment packet (header included). It returns an
// error for malformed packets; incomplete sets are held until the janitor
// reclaims them.
func (a *Assembler) Add(data []byte) error {
	hdr, err := ParseHeader(data)
	if err != nil {
		return err
	}
	if hdr.BlocksCount == 0 {
		return fmt.Errorf("chart: zero block count for order %d", hdr.OrderID)
	}
	if hdr.BlockNum >= hdr.BlocksCount {
		return fmt.Errorf("chart: block %d out of range (count %d)", hdr.BlockNum, hdr.BlocksCount)
	}

	body := data[HeaderSize:]
	if isGzip(body) {
		inflated, err := gunzip(body)
		if err != nil {
			return fmt.Errorf("chart: fragment decompression failed: %w", err)
		}
		body = inflated
	}

	a.mu.Lock()
	set, ok := a.pending[hdr.OrderID]
	if !ok {
		set = &fragmentSet{
			fragments: make(map[uint8][]byte),
			expected:  hdr.BlocksCount,
		}
		a.pending[hdr.OrderID] = set
	}
	if _, dup := set.fragments[hdr.BlockNum]; dup {
		a.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"order_id": hdr.OrderID,
			"block":    hdr.BlockNum,
		}).Debug("Duplicate chart fragment ignored")
		return nil
	}
	buf := make([]byte, len(body))
	copy(buf, body)
	set.fragments[hdr.BlockNum] = buf
	set.updatedAt = time.Now()

	a.seen++
	if a.seen%sweepEvery == 0 {
		a.sweep()
	}

	if len(set.fragments) < int(set.expected) {
		a.mu.Unlock()
		return nil
	}
	delete(a.pending, hdr.OrderID)
	a.mu.Unlock()

	assembled := concatBlocks(set.fragments)
	parsed, err := ParseBody(assembled)
	if err != nil {
		return fmt.Errorf("chart: order %d: %w", hdr.OrderID, err)
	}
	if a.complete != nil {
		a.complete(hdr.OrderID, parsed)
	}
	return nil
}

// PendingCount reports how many incomplete captures are buffered.
func (a *Assembler) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *Assembler) sweep() {
	cutoff := time.Now().Add(-a.timeout)
	for oid, set := range a.pending {
		if set.updatedAt.Before(cutoff) {
			logrus.WithFields(logrus.Fields{
				"order_id": oid,
				"have":     len(set.fragments),
				"expected": set.expected,
			}).Warn("Discarding stale incomplete chart")
			delete(a.pending, oid)
		}
	}
}

func concatBlocks(fragments map[uint8][]byte) []byte {
	nums := make([]int, 0, len(fragments))
	for n := range fragments {
		nums = append(nums, int(n))
	}
	sort.Ints(nums)
	var out []byte
	for _, n := range nums {
		out = append(out, fragments[uint8(n)]...)
	}
	return out
}
