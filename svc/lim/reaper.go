package lim

import (
	"snipbin/metrics"
	"snipbin/svc/util"
	"sync"
	"sync/atomic"
	"time"
)

// Sweeper is a limiter that can forget idle keys.
type Sweeper interface {
	Sweep(now time.Time) int
	Len() int
}

// Reaper periodically sweeps a set of named limiters.
type Reaper struct {
	interval time.Duration
	sweepers map[string]Sweeper
	now      func() time.Time
	quit     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

func NewReaper(interval time.Duration, sweepers map[string]Sweeper) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reaper{
		interval: interval,
		sweepers: sweepers,
		now:      time.Now,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (r *Reaper) Start() {
	if r.started.CompareAndSwap(false, true) {
		go r.loop()
	}
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
		if r.started.Load() {
			<-r.done
		}
	})
}

func (r *Reaper) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.SweepOnce()
		case <-r.quit:
			return
		}
	}
}

// SweepOnce runs one sweep over every limiter.
func (r *Reaper) SweepOnce() {
	now := r.now()
	for name, s := range r.sweepers {
		removed := s.Sweep(now)
		remaining := s.Len()
		metrics.LimiterKeys.WithLabelValues(name).Set(float64(remaining))
		if removed > 0 {
			util.Debug().Str("limiter", name).Int("evicted", removed).Int("remaining", remaining).Msg("limiter sweep")
		}
	}
	metrics.SweepCycles.Inc()
}
