package binreader

import (
	"encoding/binary"
	"io"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadPrimitives(t *testing.T) {
	buf := make([]byte, 0, 32)
	buf = append(buf, 0x2A)                                   // u8
	buf = binary.LittleEndian.AppendUint16(buf, 1000)         // u16
	buf = binary.LittleEndian.AppendUint32(buf, 0xFFFFFFFE)   // i32 = -2
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(3.5)) // f64

	r := New(buf)

	u8, err := r.ReadU8()
	require.NoError(t, err)
	assert.Equal(t, uint8(0x2A), u8)

	u16, err := r.ReadU16()
	require.NoError(t, err)
	assert.Equal(t, uint16(1000), u16)

	i32, err := r.ReadI32()
	require.NoError(t, err)
	assert.Equal(t, int32(-2), i32)

	f64, err := r.ReadF64()
	require.NoError(t, err)
	assert.Equal(t, 3.5, f64)

	assert.Equal(t, 0, r.Remaining())
}

func TestReadPastEnd(t *testing.T) {
	r := New([]byte{0x01, 0x02})
	_, err := r.ReadU8()
	require.NoError(t, err)
	_, err = r.ReadU16()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	// Offset must not advance on a failed read.
	v, err := r.ReadU8()
	require.NoError(t, err)
	assert.Equal(t, uint8(0x02), v)
}

func TestReadString(t *testing.T) {
	buf := binary.LittleEndian.AppendUint16(nil, 5)
	buf = append(buf, []byte("DOGE!")...)
	r := New(buf)
	s, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "DOGE!", s)
}

func TestReadStringTruncated(t *testing.T) {
	buf := binary.LittleEndian.AppendUint16(nil, 10)
	buf = append(buf, []byte("abc")...)
	r := New(buf)
	_, err := r.ReadString()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadShortString(t *testing.T) {
	buf := make([]byte, 41)
	buf[0] = 6
	copy(buf[1:], "ORD-17 garbage that must be ignored")
	r := New(buf)
	s, err := r.ReadShortString(41)
	require.NoError(t, err)
	assert.Equal(t, "ORD-17", s)
	assert.Equal(t, 0, r.Remaining())
}

func TestReadShortStringClampedLength(t *testing.T) {
	buf := make([]byte, 41)
	buf[0] = 200 // longer than the payload width
	for i := 1; i < 41; i++ {
		buf[i] = 'x'
	}
	r := New(buf)
	s, err := r.ReadShortString(41)
	require.NoError(t, err)
	assert.Len(t, s, 40)
}

func TestDelphiTimeRoundTrip(t *testing.T) {
	ts := time.Date(2023, time.November, 14, 22, 13, 20, 0, time.UTC)
	days := ToDelphiTime(ts)
	back := FromDelphiTime(days)
	assert.WithinDuration(t, ts, back, time.Millisecond)
}

func TestDelphiTimeZero(t *testing.T) {
	assert.True(t, FromDelphiTime(0).IsZero())
	assert.Equal(t, 0.0, ToDelphiTime(time.Time{}))
}

func TestDelphiEpochOffset(t *testing.T) {
	// Day 2 of the Delphi calendar is 1900-01-01.
	got := FromDelphiTime(2)
	assert.Equal(t, time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestReadDateTime(t *testing.T) {
	ts := time.Date(2024, time.March, 10, 2, 0, 0, 0, time.UTC)
	buf := binary.LittleEndian.AppendUint64(nil, math.Float64bits(ToDelphiTime(ts)))
	r := New(buf)
	got, err := r.ReadDateTime()
	require.NoError(t, err)
	assert.WithinDuration(t, ts, got, time.Millisecond)
}
