// Package config defines the runtime configuration for stratumrelay.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	rerr "stratumrelay/internal/errors"
)

// Config holds every tuneable for one relay process.
type Config struct {
	// ── Files ────────────────────────────────────────────────────────
	RoutesPath  string // routing table
	ModeFile    string
	HistoryFile string // "" → last_mode_change.json beside ModeFile

	// ── Listener ─────────────────────────────────────────────────────
	Listen       string
	PollInterval time.Duration
	DrainTimeout time.Duration
	AcceptRate   float64 // new connections per second per IP; 0 disables
	AcceptBurst  int

	// ── Upstream ─────────────────────────────────────────────────────
	DialTimeout     time.Duration
	MaxLineSize     int
	BreakerFailures int // 0 disables the circuit breaker
	BreakerReset    time.Duration

	// ── SSH tunnel ───────────────────────────────────────────────────
	SSHKeyPath     string
	SSHPassword    bool // true → prompt interactively at startup
	UseSSHAgent    bool
	StrictHostKey  bool
	KnownHostsPath string
	SSHKeepAlive   time.Duration

	// ── Output ───────────────────────────────────────────────────────
	Verbose       int
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
}

// Default returns a Config populated from defaults.go.
func Default() *Config {
	return &Config{
		RoutesPath:      DefaultRoutesPath,
		ModeFile:        DefaultModeFile,
		Listen:          DefaultListen,
		PollInterval:    DefaultPollInterval,
		DrainTimeout:    DefaultDrainTimeout,
		AcceptRate:      DefaultAcceptRate,
		AcceptBurst:     DefaultAcceptBurst,
		DialTimeout:     DefaultDialTimeout,
		MaxLineSize:     DefaultMaxLineSize,
		BreakerFailures: DefaultBreakerFailures,
		BreakerReset:    DefaultBreakerReset,
		SSHKeepAlive:    DefaultKeepAliveInterval,
		Verbose:         1,
		LogMaxSizeMB:    DefaultLogMaxSizeMB,
		LogMaxBackups:   DefaultLogMaxBackups,
	}
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.RoutesPath == "" {
		return &rerr.ConfigError{Field: "config", Message: "routing file path is required",
			Hint: "pass --config or set STRATUMRELAY_CONFIG"}
	}
	if c.ModeFile == "" {
		return &rerr.ConfigError{Field: "mode-file", Message: "mode file path is required",
			Hint: "pass --mode-file or set STRATUMRELAY_MODE_FILE"}
	}
	if err := validateListen(c.Listen); err != nil {
		return err
	}
	if c.PollInterval <= 0 {
		return &rerr.ConfigError{Field: "poll-interval", Value: c.PollInterval, Message: "must be positive"}
	}
	if c.DrainTimeout <= 0 {
		return &rerr.ConfigError{Field: "drain-timeout", Value: c.DrainTimeout, Message: "must be positive",
			Hint: "sessions that ignore cancellation are force-closed after this long"}
	}
	if c.DialTimeout <= 0 {
		return &rerr.ConfigError{Field: "dial-timeout", Value: c.DialTimeout, Message: "must be positive"}
	}
	if c.MaxLineSize < 512 {
		return &rerr.ConfigError{Field: "max-line", Value: c.MaxLineSize, Message: "must be at least 512 bytes",
			Hint: "mining.notify lines are typically 1-4 KiB"}
	}
	if c.AcceptRate < 0 || (c.AcceptRate > 0 && c.AcceptBurst < 1) {
		return &rerr.ConfigError{Field: "accept-burst", Value: c.AcceptBurst,
			Message: "a positive accept rate needs a burst of at least 1"}
	}
	if c.BreakerFailures < 0 {
		return &rerr.ConfigError{Field: "breaker-failures", Value: c.BreakerFailures, Message: "must not be negative"}
	}
	if c.BreakerFailures > 0 && c.BreakerReset <= 0 {
		return &rerr.ConfigError{Field: "breaker-reset", Value: c.BreakerReset, Message: "must be positive"}
	}
	return nil
}

func validateListen(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return &rerr.ConfigError{Field: "listen", Value: addr, Message: err.Error(),
			Hint: fmt.Sprintf("use host:port, e.g. %s", DefaultListen)}
	}
	if host != "" && net.ParseIP(host) == nil && host != "localhost" {
		return &rerr.ConfigError{Field: "listen", Value: addr, Message: "listen host must be an IP address"}
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return &rerr.ConfigError{Field: "listen", Value: addr, Message: "port out of range 1-65535"}
	}
	return nil
}
