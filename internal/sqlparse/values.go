package sqlparse

import (
	"strconv"
	"strings"
	"time"
)

// Unquote strips single quotes and unescapes \' and \\ sequences. Bare
// tokens come back trimmed but otherwise untouched.
func Unquote(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) < 2 || raw[0] != '\'' || raw[len(raw)-1] != '\'' {
		return raw
	}
	inner := raw[1 : len(raw)-1]
	if !strings.ContainsRune(inner, '\\') {
		return inner
	}
	var b strings.Builder
	b.Grow(len(inner))
	for i := 0; i < len(inner); i++ {
		if inner[i] == '\\' && i+1 < len(inner) {
			i++
			b.WriteByte(inner[i])
			continue
		}
		b.WriteByte(inner[i])
	}
	return b.String()
}

// Float parses a numeric value leniently; malformed input yields nil.
func Float(raw string) *float64 {
	s := strings.TrimSpace(Unquote(raw))
	if s == "" || strings.EqualFold(s, "null") {
		return nil
	}
	s = strings.ReplaceAll(s, ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// Int parses an integer value leniently; malformed input yields nil.
func Int(raw string) *int64 {
	s := strings.TrimSpace(Unquote(raw))
	if s == "" || strings.EqualFold(s, "null") {
		return nil
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return &v
	}
	// Bots occasionally serialize integers with a trailing fraction.
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		v := int64(f)
		return &v
	}
	return nil
}

// UnixTime interprets a value as unix seconds; 0 and malformed input
// yield nil.
func UnixTime(raw string) *time.Time {
	v := Int(raw)
	if v == nil || *v <= 0 {
		return nil
	}
	t := time.Unix(*v, 0).UTC()
	return &t
}
