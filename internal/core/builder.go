package core

import (
	"fmt"

	"stratumrelay/config"
	"stratumrelay/internal/limit"
	"stratumrelay/internal/metrics"
	"stratumrelay/internal/mode"
	"stratumrelay/internal/relay"
	"stratumrelay/internal/retry"
	"stratumrelay/internal/routing"
	"stratumrelay/internal/session"
	"stratumrelay/internal/transport"
	"stratumrelay/tunnel"
	"stratumrelay/util"
)

// Build wires a Supervisor from the configuration and a loaded routing
// table.  SSH credentials are resolved here, so any passphrase prompt
// happens before the first mode is applied.
func Build(cfg *config.Config, table *routing.Table, logger *util.Logger) (*Supervisor, error) {
	dialers, err := BuildDialers(cfg, table, logger)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	return &Supervisor{
		Table:   table,
		Watcher: mode.NewWatcher(NewModeSource(cfg), logger),
		Relay: &relay.Relay{
			Dialers:     dialers,
			Breakers:    buildBreakers(cfg, table, logger),
			DialTimeout: cfg.DialTimeout,
			MaxLineSize: cfg.MaxLineSize,
			Logger:      logger,
			Metrics:     m,
		},
		Registry:     session.NewRegistry(),
		ListenAddr:   cfg.Listen,
		PollInterval: cfg.PollInterval,
		DrainTimeout: cfg.DrainTimeout,
		Limiter:      buildLimiter(cfg),
		Logger:       logger,
		Metrics:      m,
	}, nil
}

// NewModeSource returns the mode file store described by cfg.
func NewModeSource(cfg *config.Config) *mode.FileSource {
	src := mode.NewFileSource(cfg.ModeFile)
	if cfg.HistoryFile != "" {
		src.History = &mode.History{Path: cfg.HistoryFile}
	}
	return src
}

// BuildDialers creates a direct TCP dialer plus one SSH dialer per
// distinct gateway named by the routing table.  Modes sharing a gateway
// share its SSH connection.
func BuildDialers(cfg *config.Config, table *routing.Table, logger *util.Logger) (*transport.Set, error) {
	set := &transport.Set{
		Default: &transport.TCPDialer{Timeout: cfg.DialTimeout},
		ByMode:  make(map[string]transport.Dialer),
	}
	byGateway := make(map[string]transport.Dialer)

	for _, name := range table.Names() {
		mc, _ := table.Resolve(name)
		if !mc.Enabled() || mc.Tunnel == "" {
			continue
		}
		if d, ok := byGateway[mc.Tunnel]; ok {
			set.ByMode[name] = d
			continue
		}

		user, host, port, err := tunnel.ParseSpec(mc.Tunnel)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("mode %q: %w", name, err)
		}
		d, err := transport.NewSSHDialer(&tunnel.SSHConfig{
			User:          user,
			Host:          host,
			Port:          port,
			KeyPath:       cfg.SSHKeyPath,
			PromptPass:    cfg.SSHPassword,
			UseAgent:      cfg.UseSSHAgent,
			StrictHostKey: cfg.StrictHostKey,
			KnownHosts:    cfg.KnownHostsPath,
			ConnTimeout:   config.DefaultConnTimeout,
			KeepAlive:     cfg.SSHKeepAlive,
		}, logger)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("mode %q: %w", name, err)
		}
		byGateway[mc.Tunnel] = d
		set.ByMode[name] = d
		logger.Verbose("mode %s: pool reached through %s", name, mc.Tunnel)
	}
	return set, nil
}

// buildBreakers returns one circuit breaker per enabled mode, or nil
// when the breaker is disabled.
func buildBreakers(cfg *config.Config, table *routing.Table, logger *util.Logger) map[string]*retry.CircuitBreaker {
	if cfg.BreakerFailures <= 0 {
		return nil
	}
	out := make(map[string]*retry.CircuitBreaker)
	for _, name := range table.Names() {
		mc, _ := table.Resolve(name)
		if !mc.Enabled() {
			continue
		}
		name := name
		out[name] = retry.NewCircuitBreaker(&retry.CircuitBreakerConfig{
			MaxFailures:  cfg.BreakerFailures,
			ResetTimeout: cfg.BreakerReset,
			OnStateChange: func(from, to retry.State) {
				logger.Warn("pool for %s: circuit %s → %s", name, from, to)
			},
		})
	}
	return out
}

func buildLimiter(cfg *config.Config) *limit.AcceptLimiter {
	spec := limit.RateSpec{RPS: cfg.AcceptRate, Burst: cfg.AcceptBurst}
	if !spec.Enabled() {
		return nil
	}
	return limit.New(spec, 0)
}
