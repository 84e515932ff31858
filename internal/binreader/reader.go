// Package binreader decodes the little-endian Delphi-style records MoonBot
// uses for binary chart captures. All reads are bounds-checked against a
// contiguous buffer; reading past the end returns io.ErrUnexpectedEOF.
package binreader

import (
	"encoding/binary"
	"io"
	"math"
	"time"
	"unicode/utf8"
)

// delphiEpoch is day zero of a Delphi TDateTime (1899-12-30 UTC).
var delphiEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

// Reader walks a byte buffer of little-endian records.
type Reader struct {
	buf []byte
	off int
}

func New(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining reports how many bytes are left unread.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) ReadU8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadU16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) ReadI32() (int32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func (r *Reader) ReadF64() (float64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadU8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// ReadDateTime reads a Delphi TDateTime: fractional days since 1899-12-30,
// converted to UTC.
func (r *Reader) ReadDateTime() (time.Time, error) {
	days, err := r.ReadF64()
	if err != nil {
		return time.Time{}, err
	}
	return FromDelphiTime(days), nil
}

// ReadString reads a u16 length prefix followed by that many UTF-8 bytes.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadU16()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return sanitize(b), nil
}

// ReadShortString reads a fixed-width Pascal short string: one length byte
// and width-1 payload bytes, trailing bytes ignored.
func (r *Reader) ReadShortString(width int) (string, error) {
	b, err := r.take(width)
	if err != nil {
		return "", err
	}
	n := int(b[0])
	if n > width-1 {
		n = width - 1
	}
	return sanitize(b[1 : 1+n]), nil
}

// FromDelphiTime converts fractional days since the Delphi epoch to UTC.
func FromDelphiTime(days float64) time.Time {
	if days == 0 {
		return time.Time{}
	}
	ns := days * 24 * float64(time.Hour)
	return delphiEpoch.Add(time.Duration(ns))
}

// ToDelphiTime converts a UTC time to fractional Delphi days.
func ToDelphiTime(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.Sub(delphiEpoch)) / float64(24*time.Hour)
}

func sanitize(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	// Bot-side strings are occasionally raw ANSI; degrade byte-wise.
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}
