package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix is prepended to every supported variable name.
const EnvPrefix = "STRATUMRELAY_"

// ── Environment variable mapping ─────────────────────────────────────
//
// Boolean values accept "1", "true", "yes" (case-insensitive).
// Durations accept Go syntax ("750ms", "5s") or a bare number of
// seconds.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty,
// well-formed values override the existing value.  This should be
// called BEFORE CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	// Files
	envString("CONFIG", &cfg.RoutesPath)
	envString("MODE_FILE", &cfg.ModeFile)
	envString("HISTORY_FILE", &cfg.HistoryFile)

	// Listener
	envString("LISTEN", &cfg.Listen)
	envDuration("POLL_INTERVAL", &cfg.PollInterval)
	envDuration("DRAIN_TIMEOUT", &cfg.DrainTimeout)
	if v, ok := envFloat("ACCEPT_RATE"); ok {
		cfg.AcceptRate = v
	}
	if v := envInt("ACCEPT_BURST"); v > 0 {
		cfg.AcceptBurst = v
	}

	// Upstream
	envDuration("DIAL_TIMEOUT", &cfg.DialTimeout)
	if v := envInt("MAX_LINE"); v > 0 {
		cfg.MaxLineSize = v
	}
	if v, ok := lookup("BREAKER_FAILURES"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.BreakerFailures = n
		}
	}
	envDuration("BREAKER_RESET", &cfg.BreakerReset)

	// SSH tunnel
	envString("SSH_KEY", &cfg.SSHKeyPath)
	if envBool("SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	envString("KNOWN_HOSTS", &cfg.KnownHostsPath)
	envDuration("SSH_KEEPALIVE", &cfg.SSHKeepAlive)

	// Output
	if v, ok := lookup("VERBOSE"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Verbose = n
		}
	}
	envString("LOG_FILE", &cfg.LogFile)
	if v := envInt("LOG_MAX_SIZE"); v > 0 {
		cfg.LogMaxSizeMB = v
	}
	if v := envInt("LOG_MAX_BACKUPS"); v > 0 {
		cfg.LogMaxBackups = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	return v, v != ""
}

func envString(key string, dst *string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func envInt(key string) int {
	v, ok := lookup(key)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envFloat(key string) (float64, bool) {
	v, ok := lookup(key)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, false
	}
	return f, true
}

func envBool(key string) bool {
	v, _ := lookup(key)
	v = strings.ToLower(v)
	return v == "1" || v == "true" || v == "yes"
}

func envDuration(key string, dst *time.Duration) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		*dst = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*dst = secondsDuration(n)
	}
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
