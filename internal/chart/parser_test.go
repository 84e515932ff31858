package chart

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/irfndi/botfleet-go/internal/binreader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bodyBuilder struct {
	buf bytes.Buffer
}

func (b *bodyBuilder) u8(v uint8)    { b.buf.WriteByte(v) }
func (b *bodyBuilder) u16(v uint16)  { _ = binary.Write(&b.buf, binary.LittleEndian, v) }
func (b *bodyBuilder) i32(v int32)   { _ = binary.Write(&b.buf, binary.LittleEndian, v) }
func (b *bodyBuilder) f64(v float64) { _ = binary.Write(&b.buf, binary.LittleEndian, v) }

func (b *bodyBuilder) str(s string) {
	b.u16(uint16(len(s)))
	b.buf.WriteString(s)
}

func (b *bodyBuilder) shortStr(s string) {
	raw := make([]byte, 41)
	raw[0] = byte(len(s))
	copy(raw[1:], s)
	b.buf.Write(raw)
}

func (b *bodyBuilder) dt(t time.Time) {
	b.f64(binreader.ToDelphiTime(t))
}

// testBody builds a version-1 body with one entry per array.
func testBody(t *testing.T) ([]byte, time.Time) {
	t.Helper()
	start := time.Date(2023, time.November, 14, 22, 0, 0, 0, time.UTC)

	b := &bodyBuilder{}
	b.u16(1)
	b.str("DOGEUSDT")
	b.str("USDT")
	b.str("pump-hub")
	b.str("DOGE/USDT")
	b.dt(start)
	b.dt(start.Add(10 * time.Minute))

	// history prices: price then time
	b.i32(2)
	b.f64(0.100)
	b.dt(start.Add(time.Second))
	b.f64(0.101)
	b.dt(start.Add(2 * time.Second))

	// orders
	b.i32(1)
	b.shortStr("ORD-777")
	b.f64(0.1005)
	b.dt(start)
	b.dt(start.Add(time.Second))
	b.dt(start.Add(5 * time.Minute))

	// trades: time then price, negative marks a sell
	b.i32(2)
	b.dt(start.Add(3 * time.Second))
	b.f64(0.102)
	b.dt(start.Add(4 * time.Second))
	b.f64(-0.103)

	// statistics
	b.i32(1)
	for i := 0; i < 13; i++ {
		b.f64(float64(i))
	}
	b.u8(1)
	b.f64(42.5)

	// closest-price line: price then time
	b.i32(1)
	b.f64(0.099)
	b.dt(start.Add(6 * time.Second))

	// candles
	b.i32(1)
	b.dt(start.Add(time.Minute))
	b.i32(17)
	b.f64(0.098)
	b.f64(0.104)
	b.f64(1000)
	b.f64(900)

	return b.buf.Bytes(), start
}

func fragmentPacket(orderID int32, blockNum, blocksCount uint8, body []byte) []byte {
	pkt := []byte{0x00, 0x01}
	pkt = binary.LittleEndian.AppendUint32(pkt, uint32(orderID))
	pkt = append(pkt, blockNum, blocksCount)
	return append(pkt, body...)
}

func TestParseHeader(t *testing.T) {
	pkt := fragmentPacket(42, 1, 3, nil)
	hdr, err := ParseHeader(pkt)
	require.NoError(t, err)
	assert.Equal(t, int64(42), hdr.OrderID)
	assert.Equal(t, uint8(1), hdr.BlockNum)
	assert.Equal(t, uint8(3), hdr.BlocksCount)
}

func TestParseHeaderUnknownKind(t *testing.T) {
	pkt := fragmentPacket(42, 0, 1, nil)
	pkt[1] = 0x07
	_, err := ParseHeader(pkt)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestParseHeaderShort(t *testing.T) {
	_, err := ParseHeader([]byte{0x00, 0x01, 0x2A})
	assert.ErrorIs(t, err, ErrShortHeader)
}

func TestIsChartPacket(t *testing.T) {
	assert.True(t, IsChartPacket(fragmentPacket(1, 0, 1, nil)))
	assert.False(t, IsChartPacket([]byte{0x1F, 0x8B, 0, 0, 0, 0, 0, 0}))
	assert.False(t, IsChartPacket([]byte(`{"cmd":"acc"}`)))
	assert.False(t, IsChartPacket([]byte{0x00}))
}

func TestParseBody(t *testing.T) {
	body, start := testBody(t)
	c, err := ParseBody(body)
	require.NoError(t, err)

	assert.Equal(t, uint16(1), c.Version)
	assert.Equal(t, "DOGEUSDT", c.MarketName)
	assert.Equal(t, "USDT", c.MarketCurrency)
	assert.Equal(t, "pump-hub", c.PumpChannel)
	assert.Equal(t, "DOGE/USDT", c.BNMarketName)
	assert.WithinDuration(t, start, c.StartTime, time.Millisecond)
	assert.WithinDuration(t, start.Add(10*time.Minute), c.EndTime, time.Millisecond)

	require.Len(t, c.HistoryPrices, 2)
	assert.Equal(t, 0.100, c.HistoryPrices[0].Price)

	require.Len(t, c.Orders, 1)
	assert.Equal(t, "ORD-777", c.Orders[0].ID)
	assert.WithinDuration(t, start.Add(5*time.Minute), c.Orders[0].CloseTime, time.Millisecond)

	require.Len(t, c.Trades, 2)
	assert.False(t, c.Trades[0].IsSell)
	assert.True(t, c.Trades[1].IsSell)
	assert.Equal(t, 0.103, c.Trades[1].Price)

	require.NotNil(t, c.Stats)
	assert.True(t, c.Stats.IsMoonshot)
	assert.Equal(t, 42.5, c.Stats.SessionProfit)
	assert.Equal(t, 12.0, c.Stats.SessionLosses)

	require.Len(t, c.ClosestLine, 1)
	require.Len(t, c.Candles, 1)
	assert.Equal(t, int32(17), c.Candles[0].TradeCount)
	assert.Equal(t, 900.0, c.Candles[0].SellVolume)
}

func TestParseBodyGzip(t *testing.T) {
	body, _ := testBody(t)
	var zbuf bytes.Buffer
	zw := gzip.NewWriter(&zbuf)
	_, err := zw.Write(body)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	c, err := ParseBody(zbuf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "DOGEUSDT", c.MarketName)
}

func TestParseBodyTruncated(t *testing.T) {
	body, _ := testBody(t)
	_, err := ParseBody(body[:len(body)/2])
	assert.Error(t, err)
}

func TestParseBodyHugeCountRejected(t *testing.T) {
	b := &bodyBuilder{}
	b.u16(1)
	b.str("X")
	b.str("X")
	b.str("")
	b.str("")
	b.f64(0)
	b.f64(0)
	b.i32(math.MaxInt32)
	_, err := ParseBody(b.buf.Bytes())
	assert.Error(t, err)
}
