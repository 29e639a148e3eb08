// Package ratelimit throttles announces per source address with token
// buckets.
package ratelimit

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one bucket per address. A nil Limiter allows everything.
type Limiter struct {
	mu      sync.Mutex
	buckets map[netip.Addr]*entry
	rps     rate.Limit
	burst   int
}

// New returns a limiter refilling rps tokens per second up to burst, or nil
// when rps is not positive.
func New(rps float64, burst int) *Limiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[netip.Addr]*entry),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

// Allow consumes one token for addr. When the bucket is empty it returns
// false and the wait until the next token.
func (l *Limiter) Allow(addr netip.Addr) (allowed bool, retryAfter time.Duration) {
	if l == nil {
		return true, 0
	}
	now := time.Now()
	addr = addr.Unmap()

	l.mu.Lock()
	e, ok := l.buckets[addr]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[addr] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	r := e.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Prune drops buckets idle since before deadline and returns how many.
func (l *Limiter) Prune(deadline time.Time) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for addr, e := range l.buckets {
		if e.lastSeen.Before(deadline) {
			delete(l.buckets, addr)
			n++
		}
	}
	return n
}

func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
