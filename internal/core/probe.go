package core

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"stratumrelay/config"
	"stratumrelay/internal/routing"
	"stratumrelay/internal/transport"
)

// ProbeResult records whether one mode's pool accepted a connection.
type ProbeResult struct {
	Mode    string
	Address string
	Via     string // tunnel spec, "" for direct
	Latency time.Duration
	Err     error
}

// OK reports whether the pool was reachable.
func (r ProbeResult) OK() bool { return r.Err == nil }

// ProbeUpstreams dials every enabled mode's pool concurrently and
// returns results in mode-name order.  Disabled modes are skipped.
func ProbeUpstreams(ctx context.Context, table *routing.Table, dialers *transport.Set, timeout time.Duration) []ProbeResult {
	if timeout <= 0 {
		timeout = config.DefaultProbeTimeout
	}

	var modes []*routing.ModeConfig
	for _, name := range table.Names() {
		mc, err := table.Resolve(name)
		if err == nil && mc.Enabled() {
			modes = append(modes, mc)
		}
	}

	results := make([]ProbeResult, len(modes))
	var g errgroup.Group
	g.SetLimit(config.DefaultMaxConcurrentProbes)

	for i, mc := range modes {
		i, mc := i, mc
		g.Go(func() error {
			res := ProbeResult{Mode: mc.Name, Address: mc.Address(), Via: mc.Tunnel}
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			conn, err := dialers.For(mc.Name).Dial(probeCtx, "tcp", mc.Address())
			res.Latency = time.Since(start)
			if err != nil {
				res.Err = err
			} else {
				conn.Close()
			}
			results[i] = res
			return nil
		})
	}

	_ = g.Wait()
	return results
}
