package core

import (
	"context"
	"sync"
	"time"

	"stratumrelay/internal/limit"
	"stratumrelay/internal/metrics"
	"stratumrelay/internal/mode"
	"stratumrelay/internal/relay"
	"stratumrelay/internal/retry"
	"stratumrelay/internal/routing"
	"stratumrelay/internal/session"
	"stratumrelay/util"
)

// Supervisor follows the mode and keeps at most one listener open for
// it.  On every mode change all sessions are drained before the next
// listener opens, so no miner is ever connected to two pools.
type Supervisor struct {
	Table        *routing.Table
	Watcher      *mode.Watcher
	Relay        *relay.Relay
	Registry     *session.Registry
	ListenAddr   string
	PollInterval time.Duration
	DrainTimeout time.Duration
	Limiter      *limit.AcceptLimiter // nil accepts everything
	Bind         *retry.Backoff       // nil uses retry.BindBackoff
	Logger       *util.Logger
	Metrics      *metrics.Collector

	mu      sync.Mutex
	ln      *listener
	pending string // enabled mode whose listener failed to open
}

// Run polls the mode immediately and then every PollInterval until ctx
// is cancelled.  It returns nil after the shutdown drain.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.shutdown()

	tick := time.NewTicker(s.PollInterval)
	defer tick.Stop()

	for {
		name, changed := s.Watcher.Poll()
		switch {
		case changed:
			s.switchMode(ctx, name)
		case s.pendingMode() == name && name != "":
			s.Logger.Verbose("retrying listener for mode %q", name)
			s.openListener(ctx, name)
		}
		s.Limiter.Sweep()

		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

// Addr returns the bound listener address, or "" when not accepting.
func (s *Supervisor) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.ln.Addr().String()
}

// switchMode tears down the current listener generation and opens the
// next one if name resolves to an enabled mode.
func (s *Supervisor) switchMode(ctx context.Context, name string) {
	prev := s.listeningMode()
	if prev != "" {
		s.Logger.Info("mode change: %q → %q", prev, name)
	} else {
		s.Logger.Info("mode: %q", name)
	}

	s.stopListener()
	s.drain()
	s.Metrics.ModeSwitch()
	s.resetBreaker(name)

	s.openListener(ctx, name)
	s.Logger.Verbose("metrics: %s", s.Metrics.JSON())
}

func (s *Supervisor) openListener(ctx context.Context, name string) {
	s.setPending("")

	mc, err := s.Table.Resolve(name)
	if err != nil {
		s.Logger.Warn("mode %q: %v; not accepting connections", name, err)
		return
	}
	if !mc.Enabled() {
		s.Logger.Info("mode %q has no pool; not accepting connections", name)
		return
	}

	l, err := s.listen(ctx, mc)
	if err != nil {
		if ctx.Err() == nil {
			s.Logger.Error("cannot listen for mode %q: %v", name, err)
			s.setPending(name)
		}
		return
	}

	s.mu.Lock()
	s.ln = l
	s.mu.Unlock()
	s.Logger.Info("listening on %s for %s", l.ln.Addr(), mc)
}

// stopListener closes the current listener and waits for its accept
// loop to exit, so no session is registered after it returns.
func (s *Supervisor) stopListener() {
	s.mu.Lock()
	l := s.ln
	s.ln = nil
	s.mu.Unlock()

	if l != nil {
		l.close()
		s.Logger.Verbose("listener for %s closed", l.mc.Name)
	}
}

// drain cancels every live session and waits up to DrainTimeout.
func (s *Supervisor) drain() {
	if s.Registry.Len() == 0 {
		return
	}
	res := s.Registry.Drain(s.DrainTimeout)
	for i := 0; i < res.Abandoned; i++ {
		s.Metrics.ForcedClose()
	}
	if res.Abandoned > 0 {
		s.Logger.Warn("drained %d session(s), %d force-closed after %v",
			res.Cancelled, res.Abandoned, s.DrainTimeout)
	} else {
		s.Logger.Info("drained %d session(s)", res.Cancelled)
	}
}

// resetBreaker gives the pool of a newly selected mode a fresh start;
// failures recorded before the switch belong to an earlier attempt.
func (s *Supervisor) resetBreaker(name string) {
	if s.Relay == nil {
		return
	}
	cb := s.Relay.Breakers[name]
	if cb.CurrentState() == retry.StateClosed && cb.Failures() == 0 {
		return
	}
	s.Logger.Info("mode %q: clearing pool circuit (%s, %d failures)", name, cb.CurrentState(), cb.Failures())
	cb.Reset()
}

func (s *Supervisor) shutdown() {
	if since := s.Watcher.Since(); !since.IsZero() {
		s.Logger.Info("shutting down (mode %q active for %v)",
			s.Watcher.Current(), time.Since(since).Truncate(time.Second))
	} else {
		s.Logger.Info("shutting down")
	}
	s.stopListener()
	s.drain()
	if s.Relay != nil && s.Relay.Dialers != nil {
		if err := s.Relay.Dialers.Close(); err != nil {
			s.Logger.Debug("closing dialers: %v", err)
		}
	}
	s.Logger.Info("final metrics: %s", s.Metrics.JSON())
}

func (s *Supervisor) listeningMode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.pending
	}
	return s.ln.mc.Name
}

func (s *Supervisor) pendingMode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Supervisor) setPending(name string) {
	s.mu.Lock()
	s.pending = name
	s.mu.Unlock()
}
