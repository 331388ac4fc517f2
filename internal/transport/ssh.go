package transport

import (
	"context"
	"fmt"
	"net"

	"stratumrelay/tunnel"
	"stratumrelay/util"
)

// SSHDialer routes pool connections through an SSH gateway.  The tunnel
// is connected on the first Dial and re-established whenever it has
// dropped since.
type SSHDialer struct {
	tunnel *tunnel.SSHTunnel
	config *tunnel.SSHConfig
	logger *util.Logger
	// sem serialises (re)connects; waiters give up when their ctx ends.
	sem chan struct{}
}

// NewSSHDialer prepares the gateway's authentication methods (which may
// prompt on the terminal) and returns a dialer that connects lazily.
func NewSSHDialer(cfg *tunnel.SSHConfig, logger *util.Logger) (*SSHDialer, error) {
	t := tunnel.NewSSHTunnel(cfg, logger)
	if err := t.Prepare(); err != nil {
		return nil, err
	}
	return &SSHDialer{tunnel: t, config: cfg, logger: logger, sem: make(chan struct{}, 1)}, nil
}

// connect establishes the SSH tunnel unless it is already up.
func (d *SSHDialer) connect(ctx context.Context) error {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-d.sem }()

	if d.tunnel.IsAlive() {
		return nil
	}

	d.logger.Verbose("establishing SSH tunnel to %s@%s:%d",
		d.config.User, d.config.Host, d.config.Port)

	if err := d.tunnel.Connect(ctx); err != nil {
		return fmt.Errorf("tunnel: %w", err)
	}

	d.logger.Verbose("SSH tunnel to %s established", d.config.Host)
	return nil
}

// Dial connects to address through the SSH gateway.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if err := d.connect(ctx); err != nil {
		return nil, err
	}
	return d.tunnel.Dial(ctx, network, address)
}

// Close tears down the underlying SSH tunnel.
func (d *SSHDialer) Close() error {
	d.sem <- struct{}{}
	defer func() { <-d.sem }()
	return d.tunnel.Close()
}
