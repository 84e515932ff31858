// Package chart decodes MoonBot binary chart captures: an 8-byte fragment
// header followed by an optionally gzip-compressed Delphi record body.
package chart

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/irfndi/botfleet-go/internal/binreader"
)

const (
	// HeaderSize is the fixed fragment header length.
	HeaderSize = 8

	headerFlag = 0x00
	kindChart  = 0x01

	orderIDWidth = 41
)

var (
	ErrShortHeader = errors.New("chart: packet shorter than header")
	ErrUnknownKind = errors.New("chart: unknown packet kind")
)

// Header is the 8-byte fragment header prefixed to every chart packet.
type Header struct {
	OrderID     int64
	BlockNum    uint8
	BlocksCount uint8
}

// IsChartPacket reports whether data starts with a chart fragment header.
// The gzip magic check keeps compressed JSON bursts from being mistaken
// for charts.
func IsChartPacket(data []byte) bool {
	if len(data) < HeaderSize {
		return false
	}
	if data[0] != headerFlag || data[1] != kindChart {
		return false
	}
	return !isGzip(data)
}

// ParseHeader decodes the fragment header.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	if data[0] != headerFlag {
		return Header{}, fmt.Errorf("chart: bad header flag 0x%02x", data[0])
	}
	if data[1] != kindChart {
		return Header{}, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, data[1])
	}
	r := binreader.New(data[2:HeaderSize])
	oid, err := r.ReadI32()
	if err != nil {
		return Header{}, err
	}
	blockNum, _ := r.ReadU8()
	blocksCount, _ := r.ReadU8()
	return Header{OrderID: int64(oid), BlockNum: blockNum, BlocksCount: blocksCount}, nil
}

// PricePoint is one (price, time) sample.
type PricePoint struct {
	Price float64   `json:"price"`
	Time  time.Time `json:"time"`
}

// ChartOrder is one order marker embedded in the capture.
type ChartOrder struct {
	ID         string    `json:"id"`
	MeanPrice  float64   `json:"mean_price"`
	CreateTime time.Time `json:"create_time"`
	OpenTime   time.Time `json:"open_time"`
	CloseTime  time.Time `json:"close_time"`
}

// Trade is one executed trade; a negative wire price marks a sell.
type Trade struct {
	Time   time.Time `json:"time"`
	Price  float64   `json:"price"`
	IsSell bool      `json:"is_sell"`
}

// Statistics is the fixed-order moonshot/session block.
type Statistics struct {
	TotalBuys     float64 `json:"total_buys"`
	TotalSells    float64 `json:"total_sells"`
	BuyVolume     float64 `json:"buy_volume"`
	SellVolume    float64 `json:"sell_volume"`
	MaxPrice      float64 `json:"max_price"`
	MinPrice      float64 `json:"min_price"`
	AvgPrice      float64 `json:"avg_price"`
	PumpVolume    float64 `json:"pump_volume"`
	DumpVolume    float64 `json:"dump_volume"`
	DeltaPercent  float64 `json:"delta_percent"`
	SessionOrders float64 `json:"session_orders"`
	SessionWins   float64 `json:"session_wins"`
	SessionLosses float64 `json:"session_losses"`
	IsMoonshot    bool    `json:"is_moonshot"`
	SessionProfit float64 `json:"session_profit"`
}

// Candle is one aggregated bucket of the capture.
type Candle struct {
	Time       time.Time `json:"time"`
	TradeCount int32     `json:"trade_count"`
	MinPrice   float64   `json:"min_price"`
	MaxPrice   float64   `json:"max_price"`
	BuyVolume  float64   `json:"buy_volume"`
	SellVolume float64   `json:"sell_volume"`
}

// Chart is a fully parsed capture body.
type Chart struct {
	Version        uint16       `json:"version"`
	MarketName     string       `json:"market_name"`
	MarketCurrency string       `json:"market_currency"`
	PumpChannel    string       `json:"pump_channel"`
	BNMarketName   string       `json:"bn_market_name"`
	StartTime      time.Time    `json:"start_time"`
	EndTime        time.Time    `json:"end_time"`
	HistoryPrices  []PricePoint `json:"history_prices"`
	Orders         []ChartOrder `json:"orders"`
	Trades         []Trade      `json:"trades"`
	Stats          *Statistics  `json:"stats,omitempty"`
	ClosestLine    []PricePoint `json:"closest_line"`
	Candles        []Candle     `json:"candles"`
}

// ParseBody decodes a complete (reassembled, header-stripped) chart body.
// A gzip-compressed body is inflated first.
func ParseBody(data []byte) (*Chart, error) {
	if isGzip(data) {
		inflated, err := gunzip(data)
		if err != nil {
			return nil, fmt.Errorf("chart: body decompression failed: %w", err)
		}
		data = inflated
	}

	r := binreader.New(data)
	c := &Chart{}

	var err error
	if c.Version, err = r.ReadU16(); err != nil {
		return nil, fmt.Errorf("chart: version: %w", err)
	}
	if c.MarketName, err = r.ReadString(); err != nil {
		return nil, fmt.Errorf("chart: market name: %w", err)
	}
	if c.MarketCurrency, err = r.ReadString(); err != nil {
		return nil, fmt.Errorf("chart: market currency: %w", err)
	}
	if c.PumpChannel, err = r.ReadString(); err != nil {
		return nil, fmt.Errorf("chart: pump channel: %w", err)
	}
	if c.BNMarketName, err = r.ReadString(); err != nil {
		return nil, fmt.Errorf("chart: bn market name: %w", err)
	}
	if c.StartTime, err = r.ReadDateTime(); err != nil {
		return nil, fmt.Errorf("chart: start time: %w", err)
	}
	if c.EndTime, err = r.ReadDateTime(); err != nil {
		return nil, fmt.Errorf("chart: end time: %w", err)
	}

	if c.HistoryPrices, err = readPriceTimePairs(r); err != nil {
		return nil, fmt.Errorf("chart: history prices: %w", err)
	}
	if c.Orders, err = readOrders(r); err != nil {
		return nil, fmt.Errorf("chart: orders: %w", err)
	}
	if c.Trades, err = readTrades(r); err != nil {
		return nil, fmt.Errorf("chart: trades: %w", err)
	}
	if c.Stats, err = readStats(r); err != nil {
		return nil, fmt.Errorf("chart: stats: %w", err)
	}
	if c.ClosestLine, err = readPriceTimePairs(r); err != nil {
		return nil, fmt.Errorf("chart: closest line: %w", err)
	}
	if c.Candles, err = readCandles(r); err != nil {
		return nil, fmt.Errorf("chart: candles: %w", err)
	}

	return c, nil
}

func readCount(r *binreader.Reader) (int, error) {
	n, err := r.ReadI32()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative count %d", n)
	}
	// A count cannot describe more records than the buffer holds.
	if int(n) > r.Remaining() {
		return 0, fmt.Errorf("count %d exceeds remaining %d bytes", n, r.Remaining())
	}
	return int(n), nil
}

// History and closest-line samples put the price before the timestamp.
func readPriceTimePairs(r *binreader.Reader) ([]PricePoint, error) {
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	points := make([]PricePoint, 0, n)
	for i := 0; i < n; i++ {
		p := PricePoint{}
		if p.Price, err = r.ReadF64(); err != nil {
			return nil, err
		}
		if p.Time, err = r.ReadDateTime(); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}

func readOrders(r *binreader.Reader) ([]ChartOrder, error) {
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	orders := make([]ChartOrder, 0, n)
	for i := 0; i < n; i++ {
		o := ChartOrder{}
		if o.ID, err = r.ReadShortString(orderIDWidth); err != nil {
			return nil, err
		}
		if o.MeanPrice, err = r.ReadF64(); err != nil {
			return nil, err
		}
		if o.CreateTime, err = r.ReadDateTime(); err != nil {
			return nil, err
		}
		if o.OpenTime, err = r.ReadDateTime(); err != nil {
			return nil, err
		}
		if o.CloseTime, err = r.ReadDateTime(); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// Trade samples put the timestamp before the price.
func readTrades(r *binreader.Reader) ([]Trade, error) {
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	trades := make([]Trade, 0, n)
	for i := 0; i < n; i++ {
		t := Trade{}
		if t.Time, err = r.ReadDateTime(); err != nil {
			return nil, err
		}
		if t.Price, err = r.ReadF64(); err != nil {
			return nil, err
		}
		if t.Price < 0 {
			t.Price = -t.Price
			t.IsSell = true
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func readStats(r *binreader.Reader) (*Statistics, error) {
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	var last *Statistics
	for i := 0; i < n; i++ {
		s := &Statistics{}
		fields := []*float64{
			&s.TotalBuys, &s.TotalSells, &s.BuyVolume, &s.SellVolume,
			&s.MaxPrice, &s.MinPrice, &s.AvgPrice, &s.PumpVolume,
			&s.DumpVolume, &s.DeltaPercent, &s.SessionOrders,
			&s.SessionWins, &s.SessionLosses,
		}
		for _, f := range fields {
			if *f, err = r.ReadF64(); err != nil {
				return nil, err
			}
		}
		if s.IsMoonshot, err = r.ReadBool(); err != nil {
			return nil, err
		}
		if s.SessionProfit, err = r.ReadF64(); err != nil {
			return nil, err
		}
		last = s
	}
	return last, nil
}

func readCandles(r *binreader.Reader) ([]Candle, error) {
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	candles := make([]Candle, 0, n)
	for i := 0; i < n; i++ {
		c := Candle{}
		if c.Time, err = r.ReadDateTime(); err != nil {
			return nil, err
		}
		if c.TradeCount, err = r.ReadI32(); err != nil {
			return nil, err
		}
		if c.MinPrice, err = r.ReadF64(); err != nil {
			return nil, err
		}
		if c.MaxPrice, err = r.ReadF64(); err != nil {
			return nil, err
		}
		if c.BuyVolume, err = r.ReadF64(); err != nil {
			return nil, err
		}
		if c.SellVolume, err = r.ReadF64(); err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1F && data[1] == 0x8B
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
