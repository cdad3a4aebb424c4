package util

import (
	"context"
	"math/rand/v2"

	"github.com/pkg/errors"
)

const (
	TitleLen         = 4
	MaxTitleAttempts = 50
	titleAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

var ErrTitleSpaceExhausted = errors.New("no free title after max attempts")

// NewTitle draws TitleLen letters uniformly from titleAlphabet. Titles are
// public handles, not secrets, so math/rand is sufficient.
func NewTitle() string {
	b := make([]byte, TitleLen)
	for i := range b {
		b[i] = titleAlphabet[rand.IntN(len(titleAlphabet))]
	}
	return string(b)
}

// IsTitle reports whether s has the shape NewTitle produces.
func IsTitle(s string) bool {
	if len(s) != TitleLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && (c < 'a' || c > 'z') {
			return false
		}
	}
	return true
}

// GenTitle draws candidates until exists reports one as free, spending at
// most attempts tries. The check is advisory: callers must still treat a
// unique-constraint failure on insert as a collision.
func GenTitle(ctx context.Context, attempts int, exists func(context.Context, string) (bool, error)) (string, int, error) {
	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return "", i - 1, err
		}
		title := NewTitle()
		taken, err := exists(ctx, title)
		if err != nil {
			return "", i, errors.Wrap(err, "title exists check")
		}
		if !taken {
			return title, i, nil
		}
	}
	return "", attempts, ErrTitleSpaceExhausted
}
