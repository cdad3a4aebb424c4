package lim

import (
	"net/http/httptest"
	"testing"
)

func TestGetRealIP(t *testing.T) {
	trusted := []string{"10.0.0.0/8", "192.168.1.1"}
	tests := []struct {
		name    string
		remote  string
		xff     string
		xrealip string
		proxies []string
		want    string
	}{
		{"no proxies ignores headers", "1.2.3.4:5000", "9.9.9.9", "", nil, "1.2.3.4"},
		{"untrusted peer ignores headers", "1.2.3.4:5000", "9.9.9.9", "8.8.8.8", trusted, "1.2.3.4"},
		{"trusted peer uses xff", "10.1.2.3:5000", "9.9.9.9", "", trusted, "9.9.9.9"},
		{"rightmost untrusted hop", "10.1.2.3:5000", "6.6.6.6, 9.9.9.9, 10.2.2.2", "", trusted, "9.9.9.9"},
		{"skips garbage", "192.168.1.1:80", "9.9.9.9, nope", "", trusted, "9.9.9.9"},
		{"falls back to x-real-ip", "10.1.2.3:5000", "", "7.7.7.7", trusted, "7.7.7.7"},
		{"all hops trusted", "10.1.2.3:5000", "10.3.3.3", "", trusted, "10.1.2.3"},
		{"no port", "1.2.3.4", "", "", nil, "1.2.3.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xrealip != "" {
				r.Header.Set("X-Real-IP", tt.xrealip)
			}
			if got := GetRealIP(r, tt.proxies); got != tt.want {
				t.Fatalf("GetRealIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKey(t *testing.T) {
	id := int64(42)
	if got := Key("", nil, "1.2.3.4"); got != "anon|1.2.3.4" {
		t.Fatalf("anon key = %q", got)
	}
	if got := Key("", &id, "1.2.3.4"); got != "user-42|1.2.3.4" {
		t.Fatalf("user key = %q", got)
	}
	if got := Key("login", &id, "1.2.3.4"); got != "login|1.2.3.4" {
		t.Fatalf("scoped key = %q", got)
	}
}
