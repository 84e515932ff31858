package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseErrorLineFull(t *testing.T) {
	now := time.Date(2024, time.December, 1, 10, 0, 0, 0, time.UTC)
	row := ParseErrorLine("28.11 14:03:22.512: BTCUSDT order rejected [1013] MIN_NOTIONAL", now)

	require.NotNil(t, row.ErrorTime)
	assert.Equal(t, time.Date(2024, time.November, 28, 14, 3, 22, 512000000, time.UTC), *row.ErrorTime)
	assert.Equal(t, "BTCUSDT", row.Symbol)
	require.NotNil(t, row.ErrorCode)
	assert.Equal(t, 1013, *row.ErrorCode)
	assert.Equal(t, "28.11 14:03:22.512: BTCUSDT order rejected [1013] MIN_NOTIONAL", row.ErrorText)
}

func TestParseErrorLineYearRollover(t *testing.T) {
	// A late-December line arriving in early January belongs to the
	// previous year.
	now := time.Date(2025, time.January, 2, 0, 30, 0, 0, time.UTC)
	row := ParseErrorLine("31.12 23:59:58.000: timeout", now)

	require.NotNil(t, row.ErrorTime)
	assert.Equal(t, 2024, row.ErrorTime.Year())
}

func TestParseErrorLinePartsOptional(t *testing.T) {
	now := time.Now().UTC()

	row := ParseErrorLine("ETHUSDT insufficient balance", now)
	assert.Nil(t, row.ErrorTime)
	assert.Nil(t, row.ErrorCode)
	assert.Equal(t, "ETHUSDT", row.Symbol)

	row = ParseErrorLine("connection reset by peer", now)
	assert.Empty(t, row.Symbol)
	assert.Nil(t, row.ErrorCode)
}

func TestParseErrorLineSymbolOnlyBeforeCode(t *testing.T) {
	// Uppercase noise after the [code] must not become the symbol.
	row := ParseErrorLine("order rejected [500] BTCUSDT", time.Now().UTC())
	assert.Empty(t, row.Symbol)
	require.NotNil(t, row.ErrorCode)
	assert.Equal(t, 500, *row.ErrorCode)
}

func TestParseErrorLineInvalidDate(t *testing.T) {
	row := ParseErrorLine("99.99 11:11:11.111: whatever", time.Now().UTC())
	assert.Nil(t, row.ErrorTime)
}
