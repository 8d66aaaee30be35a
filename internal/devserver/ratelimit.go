package devserver

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// phoneLimiter tracks a token bucket per phone number.
type phoneLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	every     time.Duration
	burst     int
	ttl       time.Duration
	lastSweep time.Time
	nowFunc   func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newPhoneLimiter allows burst sends per phone, refilling one every interval.
func newPhoneLimiter(every time.Duration, burst int) *phoneLimiter {
	return &phoneLimiter{
		limiters: make(map[string]*limiterEntry),
		every:    every,
		burst:    burst,
		ttl:      every * time.Duration(burst) * 2,
		nowFunc:  time.Now,
	}
}

// Allow consumes one token for phone.
func (p *phoneLimiter) Allow(phone string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowFunc()
	p.sweep(now)

	e, ok := p.limiters[phone]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Every(p.every), p.burst)}
		p.limiters[phone] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// sweep evicts phones idle for longer than the TTL, at most once per TTL.
func (p *phoneLimiter) sweep(now time.Time) {
	if now.Sub(p.lastSweep) < p.ttl {
		return
	}
	p.lastSweep = now
	for phone, e := range p.limiters {
		if now.Sub(e.lastSeen) > p.ttl {
			delete(p.limiters, phone)
		}
	}
}

func (p *phoneLimiter) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.limiters)
}
