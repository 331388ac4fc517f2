// Package core is the orchestration layer.  It owns the proxy's single
// listening socket, follows the operator-selected mode, and wires the
// lower layers together from a Config.
//
// Architecture layers (bottom → top):
//
//	routing, mode, stratum  →  session  →  relay  →  core  →  cmd (CLI)
//
// The Supervisor is the only long-lived loop.  Sessions never report
// back to it; a failing session affects nobody but itself.
package core

import "context"

// Runner is a long-running component that returns when ctx is
// cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

var _ Runner = (*Supervisor)(nil)
