package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"runtime"
)

// RedactPasteContent keeps just enough of a paste to correlate log lines.
func RedactPasteContent(content string) string {
	if len(content) == 0 {
		return ""
	}
	if len(content) <= 20 {
		return "[REDACTED]"
	}
	return content[:10] + "...[REDACTED]..." + content[len(content)-10:]
}

// RedactIP zeroes the host part of an address: the last octet for IPv4,
// everything past the /32 for IPv6. Unparseable input is hashed.
func RedactIP(ip string) string {
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		hash := sha256.Sum256([]byte(ip))
		return "hash:" + hex.EncodeToString(hash[:8])
	}
	if ipv4 := parsed.To4(); ipv4 != nil {
		ipv4[3] = 0
		return ipv4.String()
	}
	ipv6 := parsed.To16()
	for i := 4; i < 16; i++ {
		ipv6[i] = 0
	}
	return ipv6.String()
}

// Wipe zeroes key material once it is no longer needed.
func Wipe(bufs ...[]byte) {
	for _, b := range bufs {
		for i := range b {
			b[i] = 0
		}
		runtime.KeepAlive(b)
	}
}
