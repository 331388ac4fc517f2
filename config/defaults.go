package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags and environment variable loading.

const (
	// DefaultListen is the fixed proxy port miners point at.
	DefaultListen = "0.0.0.0:3310"

	// DefaultRoutesPath is the routing table (JSON or TOML).
	DefaultRoutesPath = "config/config.json"

	// DefaultModeFile holds the operator-selected mode.
	DefaultModeFile = "data/current_mode.txt"

	// DefaultPollInterval is how often the mode file is read.
	DefaultPollInterval = 5 * time.Second

	// DefaultDrainTimeout bounds how long a mode switch waits for
	// sessions to wind down before force-closing them.
	DefaultDrainTimeout = 5 * time.Second

	// DefaultDialTimeout bounds one upstream connection attempt.
	DefaultDialTimeout = 10 * time.Second

	// DefaultMaxLineSize bounds a single miner message.
	DefaultMaxLineSize = 64 * 1024

	// DefaultBreakerFailures is how many consecutive dial failures open
	// a mode's circuit.
	DefaultBreakerFailures = 5

	// DefaultBreakerReset is how long an open circuit refuses dials.
	DefaultBreakerReset = 30 * time.Second

	// DefaultAcceptRate and DefaultAcceptBurst bound new connections
	// per miner IP.  A rig farm behind one NAT address reconnects all
	// at once after a switch, hence the generous burst.
	DefaultAcceptRate  = 5.0
	DefaultAcceptBurst = 50

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultConnTimeout is the SSH gateway connection timeout.
	DefaultConnTimeout = 30 * time.Second

	// DefaultKeepAliveInterval is the SSH keepalive interval.
	DefaultKeepAliveInterval = 30 * time.Second

	// DefaultProbeTimeout is the per-pool timeout for `check`.
	DefaultProbeTimeout = 3 * time.Second

	// DefaultMaxConcurrentProbes limits simultaneous probe dials.
	DefaultMaxConcurrentProbes = 16

	// Log rotation.
	DefaultLogMaxSizeMB  = 10
	DefaultLogMaxBackups = 5
	DefaultLogMaxAgeDays = 30
)
