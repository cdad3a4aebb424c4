package cache

import (
	"context"
	"snipbin/pkg/domain"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// LRU is an in-process paste cache keyed by title. Entries carry their own
// deadline so an expired paste is never served.
type LRU struct {
	c   *lru.Cache[string, item]
	now func() time.Time
}

type item struct {
	paste *domain.Paste
	exp   time.Time
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, item](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c, now: time.Now}, nil
}

func (l *LRU) Get(ctx context.Context, title string) *domain.Paste {
	if ctx.Err() != nil {
		return nil
	}
	it, ok := l.c.Get(title)
	if !ok {
		return nil
	}
	now := l.now()
	if !now.Before(it.exp) || it.paste.Expired(now) {
		l.c.Remove(title)
		return nil
	}
	return it.paste
}

// Set caches p for at most ttl and never past its own expiration.
func (l *LRU) Set(p *domain.Paste, ttl time.Duration) {
	ttl = TTL(p, ttl, l.now())
	if ttl <= 0 {
		return
	}
	l.c.Add(p.Title, item{
		paste: p,
		exp:   l.now().Add(ttl),
	})
}

func (l *LRU) Delete(titles ...string) {
	for _, t := range titles {
		l.c.Remove(t)
	}
}

func (l *LRU) Len() int {
	return l.c.Len()
}

// TTL is the cache lifetime for p: the smaller of max and the time left
// before p expires. Zero or less means do not cache.
func TTL(p *domain.Paste, max time.Duration, now time.Time) time.Duration {
	if p.Expiration == nil {
		return max
	}
	if left := p.Expiration.Sub(now); left < max {
		return left
	}
	return max
}
