// Package cmd wires up the CLI flags and dispatches to the relay core.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	"stratumrelay/config"
	"stratumrelay/internal/core"
	"stratumrelay/internal/routing"
	"stratumrelay/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X stratumrelay/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// stdout receives command output; tests replace it.
var stdout io.Writer = os.Stdout //nolint:gochecknoglobals

// Execute parses args and runs the requested command (default: run).
func Execute(ctx context.Context, args []string) error {
	cfg := config.Default()
	config.LoadFromEnv(cfg)

	fs := flag.NewFlagSet("stratumrelay", flag.ContinueOnError)

	// ── files ────────────────────────────────────────────────────
	fs.StringVarP(&cfg.RoutesPath, "config", "c", cfg.RoutesPath, "Routing table (.json or .toml)")
	fs.StringVarP(&cfg.ModeFile, "mode-file", "m", cfg.ModeFile, "File holding the current mode")
	fs.StringVar(&cfg.HistoryFile, "history-file", cfg.HistoryFile, "Mode change record (default: beside the mode file)")

	// ── listener ─────────────────────────────────────────────────
	fs.StringVarP(&cfg.Listen, "listen", "l", cfg.Listen, "Proxy listen address")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "How often the mode file is read")
	fs.DurationVar(&cfg.DrainTimeout, "drain-timeout", cfg.DrainTimeout, "Grace period for sessions on a mode change")
	fs.Float64Var(&cfg.AcceptRate, "accept-rate", cfg.AcceptRate, "New connections per second per IP (0 = unlimited)")
	fs.IntVar(&cfg.AcceptBurst, "accept-burst", cfg.AcceptBurst, "Connection burst allowed per IP")

	// ── upstream ─────────────────────────────────────────────────
	fs.DurationVarP(&cfg.DialTimeout, "dial-timeout", "w", cfg.DialTimeout, "Pool connection timeout")
	fs.IntVar(&cfg.MaxLineSize, "max-line", cfg.MaxLineSize, "Maximum miner message size in bytes")
	fs.IntVar(&cfg.BreakerFailures, "breaker-failures", cfg.BreakerFailures, "Dial failures that pause a pool (0 = never)")
	fs.DurationVar(&cfg.BreakerReset, "breaker-reset", cfg.BreakerReset, "How long a paused pool is skipped")

	// ── SSH tunnel ───────────────────────────────────────────────
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")
	fs.DurationVar(&cfg.SSHKeepAlive, "ssh-keepalive", cfg.SSHKeepAlive, "SSH keepalive interval (0 = off)")

	// ── output ───────────────────────────────────────────────────
	baseVerbose, extraVerbose := cfg.Verbose, 0
	fs.CountVarP(&extraVerbose, "verbose", "v", "Increase verbosity (repeatable)")
	var quiet bool
	fs.BoolVarP(&quiet, "quiet", "q", false, "Only log errors")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Also log to this file, rotated by size")
	fs.IntVar(&cfg.LogMaxSizeMB, "log-max-size", cfg.LogMaxSizeMB, "Rotate the log file after this many MB")
	fs.IntVar(&cfg.LogMaxBackups, "log-max-backups", cfg.LogMaxBackups, "Rotated log files to keep")

	var showVersion, showHelp, dryRun bool
	fs.BoolVar(&dryRun, "dry-run", false, "Validate configuration and exit")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "stratumrelay %s\n", version)
		return nil
	}
	cfg.Verbose = baseVerbose + extraVerbose
	if quiet {
		cfg.Verbose = 0
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}

	command, rest := "run", fs.Args()
	if len(rest) > 0 {
		command, rest = rest[0], rest[1:]
	}

	switch command {
	case "run":
		if len(rest) > 0 {
			return fmt.Errorf("run takes no arguments, got %q", rest)
		}
		return runProxy(ctx, cfg, dryRun)
	case "mode":
		return runMode(cfg, rest)
	case "modes":
		return runModes(cfg)
	case "check":
		return runCheck(ctx, cfg)
	default:
		return fmt.Errorf("unknown command %q (use --help for usage)", command)
	}
}

// ── commands ─────────────────────────────────────────────────────────

func newLogger(cfg *config.Config) *util.Logger {
	if cfg.LogFile == "" {
		return util.NewLogger(cfg.Verbose)
	}
	return util.NewFileLogger(cfg.Verbose, util.FileOptions{
		Path:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: config.DefaultLogMaxAgeDays,
		Compress:   true,
	})
}

func runProxy(ctx context.Context, cfg *config.Config, dryRun bool) error {
	table, err := routing.Load(cfg.RoutesPath)
	if err != nil {
		return err
	}
	if dryRun {
		fmt.Fprintf(stdout, "%s: %d mode(s) OK\n", cfg.RoutesPath, table.Len())
		return nil
	}

	logger := newLogger(cfg)
	defer logger.Close()

	sup, err := core.Build(cfg, table, logger)
	if err != nil {
		return err
	}

	logger.Info("stratumrelay %s: %d mode(s) from %s, mode file %s",
		version, table.Len(), cfg.RoutesPath, cfg.ModeFile)
	for _, name := range table.Names() {
		mc, _ := table.Resolve(name)
		logger.Verbose("  %s", mc)
	}
	return sup.Run(ctx)
}

func runMode(cfg *config.Config, args []string) error {
	src := core.NewModeSource(cfg)

	if len(args) == 0 || args[0] == "get" {
		current, err := src.Read()
		if err != nil {
			return err
		}
		line := current
		if c, ok, err := src.History.Last(); err == nil && ok && c.Mode == current {
			line += fmt.Sprintf(" (since %s)", c.Timestamp.Local().Format(time.RFC3339))
		}
		fmt.Fprintln(stdout, line)
		return nil
	}

	if args[0] != "set" || len(args) != 2 {
		return fmt.Errorf("usage: stratumrelay mode [get | set <name>]")
	}
	name := strings.TrimSpace(args[1])

	table, err := routing.Load(cfg.RoutesPath)
	if err != nil {
		return err
	}
	if _, err := table.Resolve(name); err != nil {
		return fmt.Errorf("%q: %w (known: %s)", name, err, strings.Join(table.Names(), ", "))
	}
	if err := src.Write(name); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "mode set to %s; the relay switches within %v\n", name, cfg.PollInterval)
	return nil
}

func runModes(cfg *config.Config) error {
	table, err := routing.Load(cfg.RoutesPath)
	if err != nil {
		return err
	}
	current, _ := core.NewModeSource(cfg).Read()

	for _, name := range table.Names() {
		mc, _ := table.Resolve(name)
		marker := " "
		if name == current {
			marker = "*"
		}
		fmt.Fprintf(stdout, "%s %s\n", marker, mc)
	}
	return nil
}

func runCheck(ctx context.Context, cfg *config.Config) error {
	table, err := routing.Load(cfg.RoutesPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	defer logger.Close()

	dialers, err := core.BuildDialers(cfg, table, logger)
	if err != nil {
		return err
	}
	defer dialers.Close()

	results := core.ProbeUpstreams(ctx, table, dialers, cfg.DialTimeout)

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	failed := 0
	for _, r := range results {
		status := fmt.Sprintf("ok (%v)", r.Latency.Truncate(time.Millisecond))
		if !r.OK() {
			failed++
			status = "FAIL: " + r.Err.Error()
		}
		via := "direct"
		if r.Via != "" {
			via = "via " + r.Via
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Mode, r.Address, via, status)
	}
	tw.Flush()

	if failed > 0 {
		return fmt.Errorf("%d of %d pool(s) unreachable", failed, len(results))
	}
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `stratumrelay – mode-switched stratum proxy v%s

Relays miners to the pool of the currently selected mode, rewriting
mining.authorize aliases to wallets.

Usage:
  stratumrelay [options] [run]          Run the proxy
  stratumrelay [options] mode [get]     Show the current mode
  stratumrelay [options] mode set NAME  Select a mode
  stratumrelay [options] modes          List configured modes
  stratumrelay [options] check          Probe every pool

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Every option can also be set as STRATUMRELAY_<NAME>, e.g.
STRATUMRELAY_MODE_FILE=/var/lib/stratumrelay/mode.

Examples:
  stratumrelay -c routes.toml -m /run/relay/mode -v
  stratumrelay -c routes.toml mode set btc
  stratumrelay -c routes.toml check
`)
}
