// Package session represents one miner connection from accept to
// close, and the registry the supervisor uses to cancel all of them
// when the mode changes.
//
// A Session is owned by the goroutine relaying it.  Other goroutines
// may only call [Session.Cancel], [Session.ForceClose], [Session.Done]
// and the read-only accessors.
package session

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// State is a session's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateRelaying
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var nextID atomic.Uint64

// Session binds an accepted client connection to the upstream
// connection opened for it and to its cancellation signal.
type Session struct {
	ID       uint64
	Mode     string
	Peer     net.Addr
	Accepted time.Time

	client net.Conn
	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32
	done   chan struct{}

	mu       sync.Mutex
	upstream net.Conn
	closed   bool
}

// New creates a session for an accepted client.  The session's context
// derives from parent; cancelling either ends the session.
func New(parent context.Context, client net.Conn, mode string) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:       nextID.Add(1),
		Mode:     mode,
		Peer:     client.RemoteAddr(),
		Accepted: time.Now(),
		client:   client,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Context is cancelled when the session must stop.
func (s *Session) Context() context.Context { return s.ctx }

// Client returns the miner connection.
func (s *Session) Client() net.Conn { return s.client }

// Upstream returns the pool connection, or nil before it is attached.
func (s *Session) Upstream() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstream
}

// AttachUpstream records the pool connection and moves the session to
// relaying.  It returns false, and closes up, if the session was
// already closed by a concurrent cancellation; the caller must then
// stop.
func (s *Session) AttachUpstream(up net.Conn) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		up.Close()
		return false
	}
	s.upstream = up
	s.mu.Unlock()
	s.advance(StateRelaying)
	return true
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// advance moves the state forward to st.  States only ever increase,
// so a late transition from a racing goroutine cannot undo a later one.
func (s *Session) advance(st State) {
	for {
		cur := s.state.Load()
		if State(cur) >= st || s.state.CompareAndSwap(cur, int32(st)) {
			return
		}
	}
}

// Cancel signals the session to stop.  It does not wait.
func (s *Session) Cancel() { s.cancel() }

// CloseConns closes both connections.  It is idempotent and safe to
// call from any goroutine; closing unblocks pending reads and writes.
func (s *Session) CloseConns() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	up := s.upstream
	s.mu.Unlock()

	s.advance(StateClosing)
	s.client.Close()
	if up != nil {
		up.Close()
	}
}

// ForceClose cancels the session and closes its sockets without
// waiting for the relay goroutine.  Used for sessions that outlive the
// drain window.
func (s *Session) ForceClose() {
	s.cancel()
	s.CloseConns()
}

// Finish releases every resource and marks the session closed.  The
// owning goroutine must call it exactly once, normally deferred.
func (s *Session) Finish() {
	s.CloseConns()
	s.cancel()
	s.advance(StateClosed)
	close(s.done)
}

// Done is closed once the session has reached [StateClosed].
func (s *Session) Done() <-chan struct{} { return s.done }
