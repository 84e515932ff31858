package strategy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTaggedPattern(t *testing.T) {
	assert.Equal(t, "ScalpX", Normalize("(strategy <ScalpX>)"))
	assert.Equal(t, "ScalpX", Normalize("sold by (strategy <ScalpX>) at 0.12"))
}

func TestNormalizeBracketPattern(t *testing.T) {
	assert.Equal(t, "NightPump", Normalize("<NightPump>"))
}

func TestNormalizeFieldOrder(t *testing.T) {
	// SellReason wins over ChannelName and Comment.
	assert.Equal(t, "First", Normalize("<First>", "<Second>", "<Third>"))
	// Empty SellReason falls through.
	assert.Equal(t, "Second", Normalize("", "<Second>", "<Third>"))
}

func TestNormalizeRejectsCPUNoise(t *testing.T) {
	assert.Equal(t, "", Normalize("CPU: 93% <ScalpX>"))
	assert.Equal(t, "Next", Normalize("CPU: 93% <ScalpX>", "<Next>"))
}

func TestNormalizeRejectsCloseReasons(t *testing.T) {
	for _, reason := range []string{"Stop Loss", "Manual Sell", "Auto Price Down", "Trailing Stop"} {
		assert.Equal(t, "", Normalize("<"+reason+">"), reason)
	}
}

func TestNormalizeRejectsTypeWords(t *testing.T) {
	for _, word := range []string{"SpreadDetection", "Palki", "Arbitrage", "Grid Trading", "DCA", "Market Maker"} {
		assert.Equal(t, "", Normalize("<"+word+">"), word)
	}
}

func TestNormalizeStripsVariantSuffix(t *testing.T) {
	assert.Equal(t, "Palki", Normalize("<Palki(e)>"))
	assert.Equal(t, "ScalpX", Normalize("<ScalpX(b)>"))
}

func TestNormalizeLengthRules(t *testing.T) {
	assert.Equal(t, "", Normalize("<ab>"))
	assert.Equal(t, "", Normalize("<12345>"))

	long := strings.Repeat("S", 60)
	got := Normalize("<" + long + ">")
	assert.Equal(t, strings.Repeat("S", 50)+"…", got)
}

func TestNormalizeNoCandidates(t *testing.T) {
	assert.Equal(t, "", Normalize("plain text", "", "also plain"))
}
