package udp

import (
	"bytes"
	"compress/gzip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipBytes(t *testing.T, payload string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestBurstSinglePacket(t *testing.T) {
	var got []byte
	b := NewBurstBuffer(1, time.Second, func(inflated []byte) { got = inflated })

	b.Add(gzipBytes(t, `{"cmd":"strats","N":3}`))

	assert.Equal(t, `{"cmd":"strats","N":3}`, string(got))
	assert.False(t, b.Pending())
}

func TestBurstTwoFragments(t *testing.T) {
	payload := `{"cmd":"strats","bot":"b1","N":3,"data":"##Begin_Strategy ... ##End_Strategy"}`
	compressed := gzipBytes(t, payload)
	split := len(compressed) / 2

	var got []byte
	b := NewBurstBuffer(1, time.Second, func(inflated []byte) { got = inflated })

	b.Add(compressed[:split])
	assert.True(t, b.Pending())
	assert.Nil(t, got)

	b.Add(compressed[split:])
	assert.Equal(t, payload, string(got))
	assert.False(t, b.Pending())
}

func TestBurstIdleFlushDropsIncomplete(t *testing.T) {
	compressed := gzipBytes(t, "never finished")

	calls := 0
	b := NewBurstBuffer(1, 30*time.Millisecond, func([]byte) { calls++ })

	b.Add(compressed[:len(compressed)/2])
	assert.True(t, b.Pending())

	assert.Eventually(t, func() bool { return !b.Pending() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, calls)
}

func TestBurstNewHeaderFinalizesPrevious(t *testing.T) {
	first := gzipBytes(t, "first")
	second := gzipBytes(t, "second")

	var got []string
	b := NewBurstBuffer(1, time.Hour, func(inflated []byte) { got = append(got, string(inflated)) })

	// An incomplete burst followed by a fresh complete one: the broken
	// prefix is dropped, the new burst goes through.
	b.Add(first[:len(first)/2])
	b.Add(second)

	assert.Equal(t, []string{"second"}, got)
}

func TestBurstGarbageDropped(t *testing.T) {
	calls := 0
	b := NewBurstBuffer(1, time.Second, func([]byte) { calls++ })

	data := append([]byte{0x1f, 0x8b}, []byte("definitely not gzip")...)
	b.Add(data)

	assert.Equal(t, 0, calls)
	assert.False(t, b.Pending())
}

func TestIsGzip(t *testing.T) {
	assert.True(t, IsGzip([]byte{0x1f, 0x8b, 0x08}))
	assert.False(t, IsGzip([]byte{0x00, 0x01}))
	assert.False(t, IsGzip([]byte{0x1f}))
}
