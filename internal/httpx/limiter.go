package httpx

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// LimiterConfig controls per-host pacing.
type LimiterConfig struct {
	BaseInterval       time.Duration
	MaxInterval        time.Duration
	BackoffFactor      float64
	BackoffFloor       time.Duration
	DecayAfter         int
	DecayFactor        float64
	PerHostConcurrency int
}

func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		BaseInterval:       0,
		MaxInterval:        30 * time.Second,
		BackoffFactor:      2,
		BackoffFloor:       time.Second,
		DecayAfter:         5,
		DecayFactor:        0.75,
		PerHostConcurrency: 2,
	}
}

func (c LimiterConfig) withDefaults() LimiterConfig {
	def := DefaultLimiterConfig()
	if c.MaxInterval <= 0 {
		c.MaxInterval = def.MaxInterval
	}
	if c.BaseInterval < 0 {
		c.BaseInterval = 0
	}
	if c.BaseInterval > c.MaxInterval {
		c.MaxInterval = c.BaseInterval
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = def.BackoffFactor
	}
	if c.BackoffFloor <= 0 {
		c.BackoffFloor = def.BackoffFloor
	}
	if c.DecayAfter <= 0 {
		c.DecayAfter = def.DecayAfter
	}
	if c.DecayFactor <= 0 || c.DecayFactor >= 1 {
		c.DecayFactor = def.DecayFactor
	}
	if c.PerHostConcurrency <= 0 {
		c.PerHostConcurrency = def.PerHostConcurrency
	}
	return c
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRateLimited
	outcomeFailure
)

// hostLimiter owns one hostState per host key.
type hostLimiter struct {
	cfg LimiterConfig

	mu    sync.Mutex
	hosts map[string]*hostState

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error

	onInterval func(host string, interval time.Duration)
}

type hostState struct {
	key string
	sem *semaphore.Weighted

	mu            sync.Mutex
	next          time.Time
	interval      time.Duration
	inFlight      int
	successStreak int
}

// permit is held for the duration of one request.
type permit struct {
	l     *hostLimiter
	st    *hostState
	start time.Time
	once  sync.Once
}

func newHostLimiter(cfg LimiterConfig) *hostLimiter {
	return &hostLimiter{
		cfg:   cfg.withDefaults(),
		hosts: make(map[string]*hostState),
		now:   time.Now,
		wait:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *hostLimiter) state(host string) *hostState {
	l.mu.Lock()
	defer l.mu.Unlock()

	if st, ok := l.hosts[host]; ok {
		return st
	}
	st := &hostState{
		key:      host,
		sem:      semaphore.NewWeighted(int64(l.cfg.PerHostConcurrency)),
		interval: l.cfg.BaseInterval,
	}
	l.hosts[host] = st
	return st
}

// acquire blocks until a request to host may start. The start slot is
// reserved under the host mutex so concurrent callers queue one interval apart.
func (l *hostLimiter) acquire(ctx context.Context, host string) (*permit, error) {
	st := l.state(host)
	if err := st.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	st.mu.Lock()
	now := l.now()
	start := st.next
	if start.Before(now) {
		start = now
	}
	st.next = start.Add(st.interval)
	st.inFlight++
	st.mu.Unlock()

	if d := start.Sub(now); d > 0 {
		if err := l.wait(ctx, d); err != nil {
			st.mu.Lock()
			st.inFlight--
			st.mu.Unlock()
			st.sem.Release(1)
			return nil, err
		}
	}
	return &permit{l: l, st: st, start: start}, nil
}

// release records the request outcome and adapts the host interval.
func (p *permit) release(o outcome) {
	p.once.Do(func() {
		p.l.settle(p.st, o)
		p.st.sem.Release(1)
	})
}

func (l *hostLimiter) settle(st *hostState, o outcome) {
	st.mu.Lock()
	st.inFlight--

	before := st.interval
	switch o {
	case outcomeRateLimited:
		st.successStreak = 0
		next := time.Duration(float64(st.interval) * l.cfg.BackoffFactor)
		if next < l.cfg.BackoffFloor {
			next = l.cfg.BackoffFloor
		}
		if next > l.cfg.MaxInterval {
			next = l.cfg.MaxInterval
		}
		st.interval = next
		if pushed := l.now().Add(next); pushed.After(st.next) {
			st.next = pushed
		}
	case outcomeSuccess:
		st.successStreak++
		if st.successStreak >= l.cfg.DecayAfter && st.interval > l.cfg.BaseInterval {
			next := time.Duration(float64(st.interval) * l.cfg.DecayFactor)
			// Below the backoff floor the host is considered recovered.
			if next < l.cfg.BaseInterval || next < l.cfg.BackoffFloor {
				next = l.cfg.BaseInterval
			}
			st.interval = next
			st.successStreak = 0
		}
	default:
		st.successStreak = 0
	}
	after := st.interval
	st.mu.Unlock()

	if after != before && l.onInterval != nil {
		l.onInterval(st.key, after)
	}
}

func (l *hostLimiter) interval(host string) time.Duration {
	st := l.state(host)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.interval
}
