// Package transport opens the upstream side of a relayed session.  A
// mode's pool is reached either directly over TCP or through an SSH
// gateway; the relay does not care which.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound connections to pools.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases long-lived resources such as an SSH session.
	// Stateless dialers return nil.
	Close() error
}

// Set maps mode names to the dialer serving that mode, falling back to
// Default for modes without a dedicated one.
type Set struct {
	Default Dialer
	ByMode  map[string]Dialer
}

// For returns the dialer for mode.
func (s *Set) For(mode string) Dialer {
	if d, ok := s.ByMode[mode]; ok {
		return d
	}
	return s.Default
}

// Close closes every dialer in the set, returning the first error.
func (s *Set) Close() error {
	var first error
	closeOne := func(d Dialer) {
		if d == nil {
			return
		}
		if err := d.Close(); err != nil && first == nil {
			first = err
		}
	}
	closeOne(s.Default)
	for _, d := range s.ByMode {
		closeOne(d)
	}
	return first
}
