// Package relay pumps traffic between one miner and the pool selected
// by the mode the miner connected under.  The miner's mining.authorize
// is rewritten on the way up; everything else passes through
// byte-for-byte.
package relay

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	rerr "stratumrelay/internal/errors"
	"stratumrelay/internal/metrics"
	"stratumrelay/internal/retry"
	"stratumrelay/internal/routing"
	"stratumrelay/internal/session"
	"stratumrelay/internal/stratum"
	"stratumrelay/internal/transport"
	"stratumrelay/util"
)

// DefaultMaxLineSize bounds a single miner message.
const DefaultMaxLineSize = 64 * 1024

// Relay serves sessions.  One Relay is shared by every session; it
// holds no per-session state.
type Relay struct {
	Dialers     *transport.Set
	Breakers    map[string]*retry.CircuitBreaker // by mode; nil entries never trip
	DialTimeout time.Duration
	MaxLineSize int
	Logger      *util.Logger
	Metrics     *metrics.Collector
}

// Serve relays sess to mc's pool until either side closes or the
// session is cancelled.  It always leaves the session closed.  The
// returned error is informational only: benign terminations (peer
// close, reset, cancellation) return nil, and nothing a session does
// affects any other session.
func (r *Relay) Serve(sess *session.Session, mc *routing.ModeConfig) error {
	defer sess.Finish()

	if !mc.Enabled() {
		r.Metrics.Refused()
		if mc == nil {
			r.Logger.Warn("session %d: %s from %s: %v", sess.ID, sess.Mode, sess.Peer, rerr.ErrUnknownMode)
		} else {
			r.Logger.Warn("session %d: %s from %s: %v", sess.ID, sess.Mode, sess.Peer, rerr.ErrModeDisabled)
		}
		return nil
	}

	up, err := r.dial(sess, mc)
	if err != nil {
		if rerr.Is(err, rerr.ErrCircuitOpen) {
			r.Metrics.Refused()
			r.Logger.Warn("session %d: %s: %v", sess.ID, mc.Name, err)
		} else if sess.Context().Err() == nil {
			r.Metrics.DialFailure(err.Error())
			r.Logger.Error("session %d: cannot reach pool for %s: %v", sess.ID, mc.Name, err)
		}
		return err
	}
	if !sess.AttachUpstream(up) {
		return nil
	}

	r.Metrics.SessionOpened()
	defer r.Metrics.SessionClosed()
	r.Logger.Info("session %d: %s ⇄ %s (%s)", sess.ID, sess.Peer, mc.Address(), mc.Name)

	err = r.pump(sess, mc, up)
	elapsed := time.Since(sess.Accepted).Truncate(time.Millisecond)
	if rerr.IsBenign(err) {
		r.Logger.Verbose("session %d: closed after %v (%v)", sess.ID, elapsed, describe(err))
		return nil
	}
	r.Metrics.RecordError(err.Error())
	r.Logger.Error("session %d: closed after %v: %v", sess.ID, elapsed, err)
	return err
}

func (r *Relay) dial(sess *session.Session, mc *routing.ModeConfig) (net.Conn, error) {
	ctx := sess.Context()
	if r.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.DialTimeout)
		defer cancel()
	}

	d := r.Dialers.For(mc.Name)
	if d == nil {
		return nil, fmt.Errorf("no dialer for mode %q", mc.Name)
	}

	var up net.Conn
	err := r.Breakers[mc.Name].Execute(func() error {
		c, err := d.Dial(ctx, "tcp", mc.Address())
		if err != nil {
			if sess.Context().Err() != nil {
				// Abandoned by a drain or shutdown, not refused by the pool.
				return fmt.Errorf("%w: dial %s: %v", rerr.ErrSessionCancelled, mc.Address(), err)
			}
			return rerr.Wrap("dial", mc.Address(), err)
		}
		up = c
		return nil
	})
	return up, err
}

// pump runs both directions until the first one ends, then closes both
// sockets so the other unblocks.
func (r *Relay) pump(sess *session.Session, mc *routing.ModeConfig, up net.Conn) error {
	g, ctx := errgroup.WithContext(sess.Context())

	// Closing both sockets is the only way to unblock a pending Read,
	// so cancellation from either side is turned into CloseConns.
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			sess.CloseConns()
		case <-stop:
		}
	}()
	defer close(stop)

	g.Go(func() error {
		err := r.clientToPool(ctx, sess, mc, up)
		sess.CloseConns()
		return err
	})
	g.Go(func() error {
		err := r.poolToClient(ctx, sess, up)
		sess.CloseConns()
		return err
	})

	err := g.Wait()
	if sess.Context().Err() != nil {
		// Whatever the pumps saw was caused by our own socket close.
		return rerr.ErrSessionCancelled
	}
	return err
}

// clientToPool forwards miner lines, rewriting mining.authorize.  Each
// write completes before the next line is read.
func (r *Relay) clientToPool(ctx context.Context, sess *session.Session, mc *routing.ModeConfig, up net.Conn) error {
	br := util.GetReader(sess.Client())
	defer util.PutReader(br)

	max := r.MaxLineSize
	if max <= 0 {
		max = DefaultMaxLineSize
	}
	lr := &lineReader{br: br, max: max}

	for {
		line, readErr := lr.next()
		if len(line) > 0 {
			res := stratum.Rewrite(line, mc.Wallet)
			r.observe(sess, res)

			if ctx.Err() != nil {
				return rerr.ErrSessionCancelled
			}
			n, err := up.Write(res.Out)
			r.Metrics.BytesUpstream(int64(n))
			if err != nil {
				return fmt.Errorf("write to pool: %w", err)
			}
		}
		if readErr != nil {
			if rerr.Is(readErr, rerr.ErrLineTooLong) {
				return fmt.Errorf("from miner %s: %w", sess.Peer, readErr)
			}
			return readErr
		}
	}
}

// poolToClient copies pool traffic to the miner verbatim.
func (r *Relay) poolToClient(ctx context.Context, sess *session.Session, up net.Conn) error {
	buf := util.GetBuf()
	defer util.PutBuf(buf)

	client := sess.Client()
	for {
		n, err := up.Read(*buf)
		if n > 0 {
			if ctx.Err() != nil {
				return rerr.ErrSessionCancelled
			}
			w, werr := client.Write((*buf)[:n])
			r.Metrics.BytesDownstream(int64(w))
			if werr != nil {
				return fmt.Errorf("write to miner: %w", werr)
			}
		}
		if err != nil {
			return err
		}
	}
}

// observe logs what Rewrite saw on one line.
func (r *Relay) observe(sess *session.Session, res stratum.Result) {
	switch {
	case res.Opaque:
		r.Logger.Verbose("session %d: non-JSON line from miner forwarded as-is (%d bytes)", sess.ID, len(res.Out))
	case res.Event == nil:
	case res.Event.Found:
		r.Metrics.Rewrite()
		r.Logger.Info("session %d: authorize %s → %s", sess.ID, res.Event.RawUser,
			stratum.JoinUser(res.Event.Wallet, res.Event.Worker))
	default:
		r.Metrics.AliasMiss()
		r.Logger.Warn("session %d: authorize %s: alias %q not configured for %s, forwarded as-is",
			sess.ID, res.Event.RawUser, res.Event.Alias, sess.Mode)
	}
}

func describe(err error) string {
	if err == nil {
		return "EOF"
	}
	return err.Error()
}
