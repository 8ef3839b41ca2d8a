// Package util holds the small stateless helpers shared across the
// agent: wire timestamps, header redaction, payload clamping, and IP
// anonymisation.
package util

import (
	"net"
	"strings"
	"time"
)

// CurrentTimestamp returns seconds since the Unix epoch as a float, the
// format used uniformly for every timestamp on the wire.
func CurrentTimestamp() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

const redacted = "[REDACTED]"

// RedactMetadata returns a shallow copy of meta with any key matching
// sensitive (case-insensitive) replaced by the literal "[REDACTED]".
// The input is never mutated.
func RedactMetadata(meta map[string]any, sensitive map[string]struct{}) map[string]any {
	if meta == nil {
		return nil
	}
	lower := make(map[string]struct{}, len(sensitive))
	for k := range sensitive {
		lower[strings.ToLower(k)] = struct{}{}
	}

	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if _, sensitive := lower[strings.ToLower(k)]; sensitive {
			out[k] = redacted
		} else {
			out[k] = v
		}
	}
	return out
}

// ClampPayload truncates s to maxBytes, appending an ellipsis marker
// when truncation occurs. maxBytes <= 0 disables clamping.
func ClampPayload(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "...[TRUNCATED]"
}

// IPAnonymizeMode selects how much of an address AnonymizeIP masks.
type IPAnonymizeMode int

const (
	// IPAnonymizeNone leaves the address untouched.
	IPAnonymizeNone IPAnonymizeMode = iota
	// IPAnonymizeLastOctet masks the last IPv4 octet / last 80 bits of an
	// IPv6 address.
	IPAnonymizeLastOctet
)

// AnonymizeIP masks the last IPv4 octet or the last 80 bits of an IPv6
// address when mode requires it. Unparsable input is returned unchanged.
func AnonymizeIP(ip string, mode IPAnonymizeMode) string {
	if mode == IPAnonymizeNone {
		return ip
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip
	}

	if v4 := parsed.To4(); v4 != nil {
		v4[3] = 0
		return v4.String()
	}

	v6 := parsed.To16()
	if v6 == nil {
		return ip
	}
	// Last 80 bits = last 10 bytes of the 16-byte address.
	for i := 6; i < 16; i++ {
		v6[i] = 0
	}
	return v6.String()
}
