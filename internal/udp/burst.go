package udp

import (
	"bytes"
	"compress/gzip"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var gzipMagic = []byte{0x1f, 0x8b}

// IsGzip reports whether the datagram starts a gzip stream.
func IsGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == gzipMagic[0] && data[1] == gzipMagic[1]
}

// BurstBuffer reassembles multi-packet gzip JSON bursts for one endpoint.
// A datagram that fails to inflate with a truncation error is held; later
// packets append until the stream inflates cleanly or the burst goes idle
// (no protocol ack exists, the idle window is the only end signal).
type BurstBuffer struct {
	serverID int64
	idle     time.Duration
	complete func(inflated []byte)

	mu    sync.Mutex
	buf   []byte
	timer *time.Timer
}

func NewBurstBuffer(serverID int64, idle time.Duration, complete func(inflated []byte)) *BurstBuffer {
	if idle <= 0 {
		idle = 2 * time.Second
	}
	return &BurstBuffer{serverID: serverID, idle: idle, complete: complete}
}

// Add appends one datagram and attempts to inflate the accumulated
// stream. A fresh gzip header while a burst is pending finalizes the old
// burst first.
func (b *BurstBuffer) Add(data []byte) {
	b.mu.Lock()
	if len(b.buf) > 0 && IsGzip(data) {
		b.finalizeLocked()
	}
	b.buf = append(b.buf, data...)
	b.tryInflateLocked()
	b.mu.Unlock()
}

// Pending reports whether an incomplete burst is buffered. The listener
// uses it to decide whether a non-gzip datagram is a continuation
// fragment.
func (b *BurstBuffer) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf) > 0
}

// Flush force-finalizes a pending burst, dropping it if it still does
// not inflate.
func (b *BurstBuffer) Flush() {
	b.mu.Lock()
	b.finalizeLocked()
	b.mu.Unlock()
}

func (b *BurstBuffer) tryInflateLocked() {
	inflated, err := inflate(b.buf)
	if err == nil {
		b.resetLocked()
		b.complete(inflated)
		return
	}
	if isTruncated(err) {
		// More fragments coming; arm the idle flush.
		if b.timer != nil {
			b.timer.Stop()
		}
		b.timer = time.AfterFunc(b.idle, b.Flush)
		return
	}
	logrus.WithError(err).WithFields(logrus.Fields{
		"server_id": b.serverID,
		"bytes":     len(b.buf),
	}).Debug("Dropping undecodable gzip burst")
	b.resetLocked()
}

func (b *BurstBuffer) finalizeLocked() {
	if len(b.buf) == 0 {
		return
	}
	inflated, err := inflate(b.buf)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"server_id": b.serverID,
			"bytes":     len(b.buf),
		}).Debug("Dropping incomplete gzip burst")
		b.resetLocked()
		return
	}
	b.resetLocked()
	b.complete(inflated)
}

func (b *BurstBuffer) resetLocked() {
	b.buf = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func inflate(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if err := r.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func isTruncated(err error) bool {
	return err == io.ErrUnexpectedEOF || err == io.EOF
}
