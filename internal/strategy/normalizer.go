// Package strategy extracts a usable strategy label from the free-text
// fields MoonBot attaches to order statements.
package strategy

import (
	"regexp"
	"strings"
)

const maxLen = 50

var (
	taggedRe  = regexp.MustCompile(`\(strategy <([^<>]+)>\)`)
	bracketRe = regexp.MustCompile(`<([^<>]+)>`)
	digitsRe  = regexp.MustCompile(`^\d+$`)
	suffixRe  = regexp.MustCompile(`^(.+)\([A-Za-z]\)$`)
)

// closeReasons are sell annotations the bot writes into the same fields;
// they are never strategy names.
var closeReasons = map[string]struct{}{
	"auto price down": {},
	"manual sell":     {},
	"stop loss":       {},
	"trailing stop":   {},
	"take profit":     {},
	"panic sell":      {},
	"auto sell":       {},
	"timeout":         {},
	"price down":      {},
	"sell all":        {},
}

// typeWords are generic strategy families, not names of a configured
// strategy.
var typeWords = map[string]struct{}{
	"spreaddetection": {},
	"palki":           {},
	"arbitrage":       {},
	"grid trading":    {},
	"dca":             {},
	"market maker":    {},
}

// Normalize picks the strategy label out of the candidate fields, in
// order. It returns "" when no candidate yields a valid label.
func Normalize(fields ...string) string {
	for _, field := range fields {
		if name := fromField(field); name != "" {
			return name
		}
	}
	return ""
}

func fromField(field string) string {
	field = strings.TrimSpace(field)
	if field == "" {
		return ""
	}
	// CPU load lines leak into the comment field; pure system noise.
	if strings.HasPrefix(field, "CPU:") {
		return ""
	}

	candidate := ""
	if m := taggedRe.FindStringSubmatch(field); m != nil {
		candidate = m[1]
	} else if m := bracketRe.FindStringSubmatch(field); m != nil {
		candidate = m[1]
	}
	if candidate == "" {
		return ""
	}
	return clean(candidate)
}

func clean(candidate string) string {
	candidate = strings.TrimSpace(candidate)
	lower := strings.ToLower(candidate)
	if _, bad := closeReasons[lower]; bad {
		return ""
	}
	if _, bad := typeWords[lower]; bad {
		return ""
	}
	// Palki(e) and friends carry a one-letter variant suffix.
	if m := suffixRe.FindStringSubmatch(candidate); m != nil {
		candidate = strings.TrimSpace(m[1])
	}
	if len(candidate) < 3 {
		return ""
	}
	if digitsRe.MatchString(candidate) {
		return ""
	}
	if len(candidate) > maxLen {
		candidate = candidate[:maxLen] + "…"
	}
	return candidate
}
