package dur

import (
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"1h30m", 5400 * time.Second},
		{"24h", 24 * time.Hour},
		{"45m", 45 * time.Minute},
		{"1.5h", 90 * time.Minute},
		{"2s", 2 * time.Second},
		{"250ms", 250 * time.Millisecond},
		{"10us", 10 * time.Microsecond},
		{"10µs", 10 * time.Microsecond},
		{"1ns", time.Nanosecond},
		{"1m1m", 2 * time.Minute},
		{" 1h 2m ", time.Hour + 2*time.Minute},
		{"3h!!", 3 * time.Hour},
		{"1d2h", 2 * time.Hour},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if err != nil {
			t.Errorf("Parse(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseOrderIndependent(t *testing.T) {
	a, err := Parse("2h30m")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Parse("30m2h")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("2h30m = %v but 30m2h = %v", a, b)
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "0s", "0h0m", "abc", "never", "h", "99999999999999h"} {
		if _, err := Parse(in); !errors.Is(err, ErrInvalidDuration) {
			t.Errorf("Parse(%q) err = %v, want ErrInvalidDuration", in, err)
		}
	}
}

func TestMustParsePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustParse(\"\") did not panic")
		}
	}()
	MustParse("")
}
