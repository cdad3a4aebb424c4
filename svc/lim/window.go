package lim

import (
	"hash/maphash"
	"sync"
	"time"
)

const shardCount = 64

// Window is an exact sliding-window log limiter: a key is admitted while it
// has fewer than limit admissions inside the trailing window.
//
// Keys are spread over shards so unrelated keys rarely contend. A shard lock
// is held only for the trim-and-append of one key.
type Window struct {
	limit    int
	window   time.Duration
	disabled bool
	seed     maphash.Seed
	shards   [shardCount]shard
}

type shard struct {
	mu   sync.Mutex
	keys map[string]*clientWindow
}

// clientWindow holds admission times oldest first.
type clientWindow struct {
	stamps []time.Time
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

func NewWindow(limit int, window time.Duration, disabled bool) *Window {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	w := &Window{
		limit:    limit,
		window:   window,
		disabled: disabled,
		seed:     maphash.MakeSeed(),
	}
	for i := range w.shards {
		w.shards[i].keys = make(map[string]*clientWindow)
	}
	return w
}

func (w *Window) Limit() int { return w.limit }

func (w *Window) Period() time.Duration { return w.window }

func (w *Window) Disabled() bool { return w.disabled }

func (w *Window) shardFor(key string) *shard {
	return &w.shards[maphash.String(w.seed, key)%shardCount]
}

// Allow records and admits the call when key is under its limit at now.
func (w *Window) Allow(key string, now time.Time) bool {
	return w.Check(key, now).Allowed
}

// Check is Allow with the numbers needed for rate limit headers. A denied
// call leaves the key's window untouched.
func (w *Window) Check(key string, now time.Time) Result {
	if w.disabled {
		return Result{Allowed: true, Limit: w.limit, Remaining: w.limit, Reset: now}
	}
	s := w.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cw, ok := s.keys[key]
	if !ok {
		cw = &clientWindow{stamps: make([]time.Time, 0, w.limit)}
		s.keys[key] = cw
	}
	cw.trim(now, w.window)
	if len(cw.stamps) >= w.limit {
		return Result{
			Allowed:   false,
			Limit:     w.limit,
			Remaining: 0,
			Reset:     cw.stamps[0].Add(w.window),
		}
	}
	cw.stamps = append(cw.stamps, now)
	return Result{
		Allowed:   true,
		Limit:     w.limit,
		Remaining: w.limit - len(cw.stamps),
		Reset:     cw.stamps[0].Add(w.window),
	}
}

// trim drops the prefix of stamps that fell out of the window.
func (cw *clientWindow) trim(now time.Time, window time.Duration) {
	drop := 0
	for drop < len(cw.stamps) && now.Sub(cw.stamps[drop]) > window {
		drop++
	}
	if drop == 0 {
		return
	}
	n := copy(cw.stamps, cw.stamps[drop:])
	cw.stamps = cw.stamps[:n]
}

// Sweep forgets keys with no admissions left inside the window and returns
// how many were removed.
func (w *Window) Sweep(now time.Time) int {
	removed := 0
	for i := range w.shards {
		s := &w.shards[i]
		s.mu.Lock()
		for key, cw := range s.keys {
			cw.trim(now, w.window)
			if len(cw.stamps) == 0 {
				delete(s.keys, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len is the number of tracked keys.
func (w *Window) Len() int {
	n := 0
	for i := range w.shards {
		s := &w.shards[i]
		s.mu.Lock()
		n += len(s.keys)
		s.mu.Unlock()
	}
	return n
}
