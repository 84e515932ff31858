package udp

import "strings"

// NormalizeIP canonicalizes a source or configured host before routing or
// comparison: loopback spellings collapse to 127.0.0.1 and IPv4-mapped
// IPv6 addresses lose their prefix.
func NormalizeIP(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	h = strings.TrimPrefix(h, "::ffff:")
	switch h {
	case "localhost", "::1", "0.0.0.0":
		return "127.0.0.1"
	}
	return h
}
