package lim

import (
	"net"
	"net/http"
	"snipbin/svc/util"
	"strconv"
	"strings"
)

const maxIPsToParse = 100

// GetRealIP returns the client address. Forwarding headers are honoured only
// when the direct peer is a trusted proxy; X-Forwarded-For is walked right to
// left and the first untrusted hop wins.
func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip, ok := walkForwardedFor(xff, trustedProxies); ok {
			return ip
		}
	}
	if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" && net.ParseIP(xr) != nil {
		return xr
	}
	return remoteIP
}

func walkForwardedFor(xff string, trustedProxies []string) (string, bool) {
	parsed := 0
	remaining := xff
	for len(remaining) > 0 && parsed < maxIPsToParse {
		var ipStr string
		if i := strings.LastIndexByte(remaining, ','); i == -1 {
			ipStr = strings.TrimSpace(remaining)
			remaining = ""
		} else {
			ipStr = strings.TrimSpace(remaining[i+1:])
			remaining = remaining[:i]
		}
		if ipStr == "" {
			continue
		}
		parsed++
		if net.ParseIP(ipStr) == nil {
			util.Warn().Str("ip", util.RedactIP(ipStr)).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(ipStr, trustedProxies) {
			return ipStr, true
		}
	}
	if parsed >= maxIPsToParse {
		util.Warn().Int("parsed", parsed).Msg("XFF header excessive, truncated parsing")
	}
	return "", false
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	parsedIP := net.ParseIP(ip)
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") && parsedIP != nil {
			if _, subnet, err := net.ParseCIDR(proxy); err == nil && subnet.Contains(parsedIP) {
				return true
			}
		}
	}
	return false
}

func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}

// Key builds a limiter key. An empty scope means the caller's identity
// ("anon" or "user-<id>") is used, so signed-in users get their own budget.
func Key(scope string, callerID *int64, ip string) string {
	if scope == "" {
		scope = "anon"
		if callerID != nil {
			scope = "user-" + strconv.FormatInt(*callerID, 10)
		}
	}
	return scope + "|" + ip
}
