package lim

import (
	"snipbin/svc/util"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxReadLimiters = 10000
	readLimiterTTL  = 30 * time.Minute
)

// ReadLimiter is a per-IP token bucket for read endpoints. It fails closed
// once it tracks maxReadLimiters addresses.
type ReadLimiter struct {
	rps         rate.Limit
	burst       int
	mu          sync.Mutex
	entries     map[string]*limiterEntry
	evictionSem chan struct{}
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func NewReadLimiter(rps float64, burst int) *ReadLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ReadLimiter{
		rps:         rate.Limit(rps),
		burst:       burst,
		entries:     make(map[string]*limiterEntry),
		evictionSem: make(chan struct{}, 1),
	}
}

func (l *ReadLimiter) Allow(ip string, now time.Time) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if threshold := (maxReadLimiters * 9) / 10; len(l.entries) >= threshold {
		toEvict := len(l.entries) / 10
		select {
		case l.evictionSem <- struct{}{}:
			go func() {
				defer func() { <-l.evictionSem }()
				l.evictOldest(toEvict)
			}()
		default:
		}
	}
	entry, ok := l.entries[ip]
	if !ok {
		if len(l.entries) >= maxReadLimiters {
			util.Warn().Int("limiters", len(l.entries)).Msg("read limiter at capacity, rejecting request")
			return Result{Allowed: false, Limit: l.burst, Reset: now.Add(time.Second)}
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.entries[ip] = entry
	}
	entry.lastAccess = now
	if !entry.limiter.AllowN(now, 1) {
		return Result{Allowed: false, Limit: l.burst, Reset: now.Add(time.Second)}
	}
	return Result{
		Allowed:   true,
		Limit:     l.burst,
		Remaining: int(entry.limiter.TokensAt(now)),
		Reset:     now.Add(time.Second),
	}
}

// Sweep drops buckets idle for longer than readLimiterTTL.
func (l *ReadLimiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for ip, e := range l.entries {
		if now.Sub(e.lastAccess) > readLimiterTTL {
			delete(l.entries, ip)
			removed++
		}
	}
	return removed
}

func (l *ReadLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *ReadLimiter) evictOldest(count int) {
	type kv struct {
		key        string
		lastAccess time.Time
	}
	l.mu.Lock()
	entries := make([]kv, 0, len(l.entries))
	for k, v := range l.entries {
		entries = append(entries, kv{k, v.lastAccess})
	}
	l.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for i := 0; i < count && i < len(entries); i++ {
		if _, ok := l.entries[entries[i].key]; ok {
			delete(l.entries, entries[i].key)
			evicted++
		}
	}
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Msg("async limiter eviction completed")
	}
}
