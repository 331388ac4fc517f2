// Package limit throttles new miner connections per source IP so that a
// misbehaving rig stuck in a reconnect loop cannot starve the others.
package limit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateSpec is a connections-per-second budget and a burst size.
type RateSpec struct {
	RPS   float64
	Burst int
}

// Enabled reports whether s limits anything.
func (s RateSpec) Enabled() bool { return s.RPS > 0 && s.Burst > 0 }

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// AcceptLimiter keeps one token bucket per client IP.  A nil
// *AcceptLimiter allows everything.
type AcceptLimiter struct {
	spec RateSpec
	idle time.Duration

	mu   sync.Mutex
	pool map[string]*entry

	// time source
	now func() time.Time
}

// New returns a limiter applying spec to each IP.  Buckets unused for
// longer than idle are dropped by [AcceptLimiter.Sweep].
func New(spec RateSpec, idle time.Duration) *AcceptLimiter {
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &AcceptLimiter{
		spec: spec,
		idle: idle,
		pool: make(map[string]*entry),
		now:  time.Now,
	}
}

// Allow consumes one token from ip's bucket.
func (l *AcceptLimiter) Allow(ip string) bool {
	if l == nil || !l.spec.Enabled() {
		return true
	}
	now := l.now()

	l.mu.Lock()
	e, ok := l.pool[ip]
	if !ok {
		e = &entry{lim: rate.NewLimiter(rate.Limit(l.spec.RPS), l.spec.Burst)}
		l.pool[ip] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	return e.lim.AllowN(now, 1)
}

// Sweep drops buckets idle for longer than the configured window and
// returns how many were removed.
func (l *AcceptLimiter) Sweep() int {
	if l == nil {
		return 0
	}
	cutoff := l.now().Add(-l.idle)

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for ip, e := range l.pool {
		if e.lastSeen.Before(cutoff) {
			delete(l.pool, ip)
			n++
		}
	}
	return n
}

// Len returns the number of tracked IPs.
func (l *AcceptLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pool)
}
