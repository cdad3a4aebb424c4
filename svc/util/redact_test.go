package util

import (
	"context"
	"strings"
	"testing"
)

func TestRedactIP(t *testing.T) {
	tests := map[string]string{
		"192.168.1.77":       "192.168.1.0",
		"192.168.1.77:5555":  "192.168.1.0",
		"2001:db8:aaaa::1":   "2001:db8::",
		"[2001:db8::1]:8080": "2001:db8::",
	}
	for in, want := range tests {
		if got := RedactIP(in); got != want {
			t.Errorf("RedactIP(%q) = %q, want %q", in, got, want)
		}
	}
	if got := RedactIP("garbage"); !strings.HasPrefix(got, "hash:") {
		t.Errorf("RedactIP(garbage) = %q", got)
	}
}

func TestRedactPasteContent(t *testing.T) {
	if RedactPasteContent("") != "" {
		t.Error("empty content should stay empty")
	}
	if RedactPasteContent("short") != "[REDACTED]" {
		t.Error("short content should be fully redacted")
	}
	long := strings.Repeat("x", 10) + "secret-middle" + strings.Repeat("y", 10)
	if strings.Contains(RedactPasteContent(long), "secret-middle") {
		t.Error("middle of long content leaked")
	}
}

func TestCallerIDContext(t *testing.T) {
	ctx := context.Background()
	if GetCallerID(ctx) != nil {
		t.Error("anonymous context should have no caller")
	}
	ctx = SetCallerID(ctx, 42)
	if id := GetCallerID(ctx); id == nil || *id != 42 {
		t.Errorf("GetCallerID = %v", id)
	}
	if GetRequestID(ctx) != "" {
		t.Error("unexpected request id")
	}
}

func TestWipe(t *testing.T) {
	a, b := []byte("pepper"), []byte("key")
	Wipe(a, b, nil)
	for _, buf := range [][]byte{a, b} {
		for _, c := range buf {
			if c != 0 {
				t.Fatalf("buffer not wiped: %v", buf)
			}
		}
	}
}
