// Package metrics provides lightweight, lock-free counters for the
// relay.  Nothing is exported over the network; the supervisor logs a
// [Snapshot] at every mode switch and at shutdown.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime counters for one proxy process.
type Collector struct {
	sessionsActive  atomic.Int64
	sessionsTotal   atomic.Int64
	bytesUpstream   atomic.Int64 // client → pool
	bytesDownstream atomic.Int64 // pool → client
	rewrites        atomic.Int64
	aliasMisses     atomic.Int64
	dialFailures    atomic.Int64
	refused         atomic.Int64
	forcedCloses    atomic.Int64
	modeSwitches    atomic.Int64
	errorsTotal     atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastSwitch   time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Sessions ─────────────────────────────────────────────────────────

// SessionOpened records a client that reached the relaying state.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(1)
	c.sessionsTotal.Add(1)
}

// SessionClosed decrements the active session gauge.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(-1)
}

// ActiveSessions returns the number of sessions currently relaying.
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsActive.Load()
}

// TotalSessions returns the lifetime session count.
func (c *Collector) TotalSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsTotal.Load()
}

// Refused records a client closed without relaying (disabled or
// unknown mode, rate limit, open circuit).
func (c *Collector) Refused() {
	if c == nil {
		return
	}
	c.refused.Add(1)
}

// ForcedClose records a session abandoned after the drain window.
func (c *Collector) ForcedClose() {
	if c == nil {
		return
	}
	c.forcedCloses.Add(1)
}

// Refusals returns the number of refused clients.
func (c *Collector) Refusals() int64 {
	if c == nil {
		return 0
	}
	return c.refused.Load()
}

// ForcedCloses returns the number of sessions abandoned by a drain.
func (c *Collector) ForcedCloses() int64 {
	if c == nil {
		return 0
	}
	return c.forcedCloses.Load()
}

// ── Traffic ──────────────────────────────────────────────────────────

// BytesUpstream records n bytes forwarded from a miner to its pool.
func (c *Collector) BytesUpstream(n int64) {
	if c == nil {
		return
	}
	c.bytesUpstream.Add(n)
}

// BytesDownstream records n bytes forwarded from a pool to its miner.
func (c *Collector) BytesDownstream(n int64) {
	if c == nil {
		return
	}
	c.bytesDownstream.Add(n)
}

// Rewrite records a mining.authorize whose alias was substituted.
func (c *Collector) Rewrite() {
	if c == nil {
		return
	}
	c.rewrites.Add(1)
}

// AliasMiss records a mining.authorize whose alias had no wallet.
func (c *Collector) AliasMiss() {
	if c == nil {
		return
	}
	c.aliasMisses.Add(1)
}

// Rewrites returns the number of substituted authorize messages.
func (c *Collector) Rewrites() int64 {
	if c == nil {
		return 0
	}
	return c.rewrites.Load()
}

// AliasMisses returns the number of unknown aliases seen.
func (c *Collector) AliasMisses() int64 {
	if c == nil {
		return 0
	}
	return c.aliasMisses.Load()
}

// ── Failures ─────────────────────────────────────────────────────────

// DialFailure records an upstream connection that could not be opened.
func (c *Collector) DialFailure(msg string) {
	if c == nil {
		return
	}
	c.dialFailures.Add(1)
	c.RecordError(msg)
}

// DialFailures returns the number of failed upstream dials.
func (c *Collector) DialFailures() int64 {
	if c == nil {
		return 0
	}
	return c.dialFailures.Load()
}

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Modes ────────────────────────────────────────────────────────────

// ModeSwitch records a completed mode transition.
func (c *Collector) ModeSwitch() {
	if c == nil {
		return
	}
	c.modeSwitches.Add(1)
	c.mu.Lock()
	c.lastSwitch = time.Now()
	c.mu.Unlock()
}

// ModeSwitches returns the number of mode transitions handled.
func (c *Collector) ModeSwitches() int64 {
	if c == nil {
		return 0
	}
	return c.modeSwitches.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all counters.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	SessionsActive   int64  `json:"sessions_active"`
	SessionsTotal    int64  `json:"sessions_total"`
	Refused          int64  `json:"refused"`
	ForcedCloses     int64  `json:"forced_closes"`
	BytesUpstream    int64  `json:"bytes_upstream"`
	BytesDownstream  int64  `json:"bytes_downstream"`
	Rewrites         int64  `json:"authorize_rewrites"`
	AliasMisses      int64  `json:"alias_misses"`
	DialFailures     int64  `json:"dial_failures"`
	ModeSwitches     int64  `json:"mode_switches"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastSwitch       string `json:"last_switch,omitempty"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:          time.Since(c.startTime).Truncate(time.Second).String(),
		SessionsActive:  c.sessionsActive.Load(),
		SessionsTotal:   c.sessionsTotal.Load(),
		Refused:         c.refused.Load(),
		ForcedCloses:    c.forcedCloses.Load(),
		BytesUpstream:   c.bytesUpstream.Load(),
		BytesDownstream: c.bytesDownstream.Load(),
		Rewrites:        c.rewrites.Load(),
		AliasMisses:     c.aliasMisses.Load(),
		DialFailures:    c.dialFailures.Load(),
		ModeSwitches:    c.modeSwitches.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
	}
	if !c.lastSwitch.IsZero() {
		s.LastSwitch = c.lastSwitch.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as a single-line JSON string, suitable for
// a log line.
func (c *Collector) JSON() string {
	data, _ := json.Marshal(c.Snapshot())
	return string(data)
}
