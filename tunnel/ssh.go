package tunnel

import (
	"context"
	"fmt"
	"net"
	"os/user"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	rerr "stratumrelay/internal/errors"
	"stratumrelay/util"
)

// SSHConfig holds everything needed to dial an SSH gateway.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration

	// KeepAlive is the interval between keepalive@openssh.com requests.
	// A failed request marks the tunnel dead so the next dial
	// reconnects.  Zero disables keepalives.
	KeepAlive time.Duration
}

// SSHTunnel implements [Tunnel] by opening an SSH connection and
// forwarding traffic with ssh.Client.Dial.
type SSHTunnel struct {
	config *SSHConfig
	logger *util.Logger

	auth []ssh.AuthMethod
	hk   ssh.HostKeyCallback

	mu     sync.RWMutex
	client *ssh.Client
	stop   chan struct{}
	alive  bool
}

// NewSSHTunnel creates a tunnel that is ready to [Connect].
func NewSSHTunnel(cfg *SSHConfig, logger *util.Logger) *SSHTunnel {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.User == "" {
		if u, err := user.Current(); err == nil {
			cfg.User = u.Username
		}
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	return &SSHTunnel{config: cfg, logger: logger}
}

// Prepare resolves authentication methods and the host-key callback.
// Passphrases and passwords are prompted for here, once, so that later
// reconnects never block on the terminal.  Connect calls it when it has
// not been called yet.
func (t *SSHTunnel) Prepare() error {
	if t.auth != nil {
		return nil
	}
	methods, err := BuildAuthMethods(t.config)
	if err != nil {
		return rerr.WrapSSH("auth", t.config.Host, t.config.Port, err)
	}
	hk, err := hostKeyCallback(t.config)
	if err != nil {
		return rerr.WrapSSH("hostkey", t.config.Host, t.config.Port, err)
	}
	t.auth, t.hk = methods, hk
	return nil
}

// Connect dials the SSH gateway and completes the handshake.  A
// previous, dead client is released first.
func (t *SSHTunnel) Connect(ctx context.Context) error {
	if err := t.Prepare(); err != nil {
		return err
	}

	sshCfg := &ssh.ClientConfig{
		User:            t.config.User,
		Auth:            t.auth,
		HostKeyCallback: t.hk,
		Timeout:         t.config.ConnTimeout,
	}

	addr := util.FormatAddr(t.config.Host, t.config.Port)
	t.logger.Debug("SSH: dialing %s as %s", addr, t.config.User)

	dialer := net.Dialer{Timeout: t.config.ConnTimeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return rerr.Wrap("dial", addr, err)
	}

	sshConn, chans, reqs, err := t.handshake(ctx, tcpConn, addr, sshCfg)
	if err != nil {
		return rerr.WrapSSH("handshake", t.config.Host, t.config.Port, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	stop := make(chan struct{})

	t.mu.Lock()
	old, oldStop := t.client, t.stop
	t.client, t.stop, t.alive = client, stop, true
	t.mu.Unlock()

	if old != nil {
		close(oldStop)
		old.Close()
	}

	go t.monitor(client)
	if t.config.KeepAlive > 0 {
		go t.keepaliveLoop(client, stop)
	}
	return nil
}

// handshake runs the SSH handshake on conn.  ssh.NewClientConn honours
// neither a context nor ClientConfig.Timeout, so the socket gets a
// deadline of ConnTimeout (or ctx's, if earlier) and is closed if ctx
// ends first.  conn is closed on failure.
func (t *SSHTunnel) handshake(ctx context.Context, conn net.Conn, addr string, cfg *ssh.ClientConfig) (ssh.Conn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	deadline := time.Now().Add(t.config.ConnTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, nil, nil, err
	}

	finished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-finished:
		}
	}()

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	close(finished)
	if ctx.Err() != nil {
		if sshConn != nil {
			sshConn.Close()
		}
		conn.Close()
		return nil, nil, nil, ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, nil, nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		sshConn.Close()
		return nil, nil, nil, err
	}
	return sshConn, chans, reqs, nil
}

// Dial forwards a connection through the tunnel.
func (t *SSHTunnel) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	t.mu.RLock()
	client := t.client
	alive := t.alive
	t.mu.RUnlock()

	if !alive || client == nil {
		return nil, rerr.ErrNotConnected
	}

	t.logger.Debug("tunnel: dialing %s %s", network, address)
	conn, err := client.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("tunnel dial %s: %w", address, err)
	}
	return conn, nil
}

// Close shuts down the SSH connection.
func (t *SSHTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.alive = false
	if t.client == nil {
		return nil
	}
	close(t.stop)
	err := t.client.Close()
	t.client, t.stop = nil, nil
	return err
}

// IsAlive reports whether the tunnel is still connected.
func (t *SSHTunnel) IsAlive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.alive
}

// markDead flips the alive flag if client is still the current one.
func (t *SSHTunnel) markDead(client *ssh.Client) {
	t.mu.Lock()
	if t.client == client {
		t.alive = false
	}
	t.mu.Unlock()
}

// monitor blocks until the SSH connection closes and flips the alive flag.
func (t *SSHTunnel) monitor(client *ssh.Client) {
	err := client.Wait()
	t.markDead(client)

	if err != nil {
		t.logger.Debug("SSH tunnel to %s closed: %v", t.config.Host, err)
	} else {
		t.logger.Debug("SSH tunnel to %s closed", t.config.Host)
	}
}

// keepaliveLoop sends periodic keep-alive requests and closes the
// client when one fails, which in turn ends monitor.
func (t *SSHTunnel) keepaliveLoop(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(t.config.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				t.logger.Warn("SSH keepalive to %s failed: %v", t.config.Host, err)
				t.markDead(client)
				client.Close()
				return
			}
			t.logger.Debug("SSH keepalive to %s OK", t.config.Host)
		}
	}
}
