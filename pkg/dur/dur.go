// Package dur parses compact duration strings such as "2h30m" or "1.5h".
//
// Unlike time.ParseDuration the parser is lenient: tokens may appear in any
// order, may repeat, and anything that is not a <number><unit> token is
// skipped. Callers handle the literal "never" themselves.
package dur

import (
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

var ErrInvalidDuration = errors.New("invalid duration")

// µs has to precede s, ms has to precede m: leftmost-first alternation.
var tokenPattern = regexp.MustCompile(`(\d+\.?\d*)(ns|us|µs|ms|s|m|h)`)

var unitNanos = map[string]float64{
	"ns": float64(time.Nanosecond),
	"us": float64(time.Microsecond),
	"µs": float64(time.Microsecond),
	"ms": float64(time.Millisecond),
	"s":  float64(time.Second),
	"m":  float64(time.Minute),
	"h":  float64(time.Hour),
}

// Parse sums every token in s. It fails when no token is present, when the
// total rounds to zero, or when the total does not fit in a time.Duration.
func Parse(s string) (time.Duration, error) {
	var total float64
	for _, m := range tokenPattern.FindAllStringSubmatch(s, -1) {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, errors.Wrapf(ErrInvalidDuration, "%q", s)
		}
		total += v * unitNanos[m[2]]
	}
	total = math.Round(total)
	if total == 0 || total >= math.MaxInt64 || math.IsInf(total, 0) {
		return 0, errors.Wrapf(ErrInvalidDuration, "%q", s)
	}
	return time.Duration(total), nil
}

// MustParse is for compile-time constants and tests.
func MustParse(s string) time.Duration {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}
