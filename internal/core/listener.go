package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	rerr "stratumrelay/internal/errors"
	"stratumrelay/internal/retry"
	"stratumrelay/internal/routing"
	"stratumrelay/internal/session"
	"stratumrelay/util"
)

// listener is one generation of the proxy socket, bound to the mode
// that was active when it opened.
type listener struct {
	mc     *routing.ModeConfig
	ln     net.Listener
	ctx    context.Context // parent of every session it accepts
	cancel context.CancelFunc
	done   chan struct{}
}

// close stops accepting, cancels the generation's sessions and waits
// for the accept loop to exit.
func (l *listener) close() {
	l.cancel()
	l.ln.Close()
	<-l.done
}

// listen binds ListenAddr, retrying while the previous generation's
// socket is still being released, and starts the accept loop.
func (s *Supervisor) listen(ctx context.Context, mc *routing.ModeConfig) (*listener, error) {
	b := s.Bind
	if b == nil {
		b = retry.BindBackoff()
	}

	var ln net.Listener
	err := b.Do(ctx, func(attempt int) error {
		l, err := net.Listen("tcp", s.ListenAddr)
		if err != nil {
			if !rerr.IsRetryable(err) {
				return retry.Permanent(err)
			}
			s.Logger.Verbose("bind %s (attempt %d): %v", s.ListenAddr, attempt, err)
			return err
		}
		ln = l
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.ListenAddr, err)
	}

	lctx, cancel := context.WithCancel(ctx)
	l := &listener{mc: mc, ln: ln, ctx: lctx, cancel: cancel, done: make(chan struct{})}
	go s.acceptLoop(l)
	return l, nil
}

// acceptLoop runs one session per accepted connection until the
// listener is closed.
func (s *Supervisor) acceptLoop(l *listener) {
	defer close(l.done)

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			// Typically EMFILE; back off briefly instead of spinning.
			s.Logger.Warn("accept: %v", err)
			select {
			case <-l.ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		ip := util.PeerIP(conn.RemoteAddr())
		if !s.Limiter.Allow(ip) {
			s.Metrics.Refused()
			s.Logger.Warn("%s: %v", ip, rerr.ErrRateLimited)
			conn.Close()
			continue
		}

		sess := session.New(l.ctx, conn, l.mc.Name)
		s.Registry.Add(sess)
		s.Logger.Verbose("session %d: accepted %s in mode %s", sess.ID, sess.Peer, l.mc.Name)

		go func() {
			defer s.Registry.Remove(sess)
			s.Relay.Serve(sess, l.mc) //nolint:errcheck // logged by the relay
		}()
	}
}
