package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"gotest.tools/assert"

	"stratumrelay/internal/metrics"
	"stratumrelay/internal/mode"
	"stratumrelay/internal/relay"
	"stratumrelay/internal/retry"
	"stratumrelay/internal/routing"
	"stratumrelay/internal/session"
	"stratumrelay/internal/transport"
	"stratumrelay/util"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ── doubles ──────────────────────────────────────────────────────────

// memSource is a mode store the test flips directly.
type memSource struct {
	mu   sync.Mutex
	mode string
	err  error
}

func (m *memSource) Read() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode, m.err
}

func (m *memSource) set(mode string) {
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
}

// fakePool accepts connections and hands them to the test.
type fakePool struct {
	ln    net.Listener
	conns chan net.Conn
}

func startPool(t *testing.T) *fakePool {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	p := &fakePool{ln: ln, conns: make(chan net.Conn, 8)}
	go func() {
		defer close(p.conns)
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			p.conns <- c
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		for c := range p.conns {
			c.Close()
		}
	})
	return p
}

func (p *fakePool) port() uint16 { return uint16(p.ln.Addr().(*net.TCPAddr).Port) }

func (p *fakePool) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-p.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("pool never received a connection")
		return nil
	}
}

func testTable(a, b *fakePool) *routing.Table {
	modes := []*routing.ModeConfig{{Name: "sleep"}}
	if a != nil {
		modes = append(modes, &routing.ModeConfig{Name: "a", Port: a.port(), Aliases: map[string]string{"rig": "walletA"}})
	}
	if b != nil {
		modes = append(modes, &routing.ModeConfig{Name: "b", Port: b.port(), Aliases: map[string]string{"rig": "walletB"}})
	}
	return routing.NewTable(modes...)
}

func newSupervisor(t *testing.T, src mode.Source, table *routing.Table) *Supervisor {
	t.Helper()
	port, err := util.FindFreePort()
	assert.NilError(t, err)

	logger := util.NewLoggerTo(io.Discard, 3)
	m := metrics.New()
	return &Supervisor{
		Table:   table,
		Watcher: mode.NewWatcher(src, logger),
		Relay: &relay.Relay{
			Dialers:     &transport.Set{Default: &transport.TCPDialer{Timeout: time.Second}},
			DialTimeout: time.Second,
			Logger:      logger,
			Metrics:     m,
		},
		Registry:     session.NewRegistry(),
		ListenAddr:   fmt.Sprintf("127.0.0.1:%d", port),
		PollInterval: 20 * time.Millisecond,
		DrainTimeout: 500 * time.Millisecond,
		Logger:       logger,
		Metrics:      m,
	}
}

func start(s *Supervisor) (cancel context.CancelFunc, done <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- s.Run(ctx) }()
	return cancel, ch
}

func stop(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		assert.NilError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not shut down")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dialMiner(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, time.Second)
	assert.NilError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func readLine(t *testing.T, c net.Conn) string {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	line, err := bufio.NewReader(c).ReadString('\n')
	assert.NilError(t, err)
	return line
}

func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, err := c.Read(make([]byte, 1))
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("connection still open")
	}
	assert.Check(t, err != nil)
}

const authorize = `{"id":1,"method":"mining.authorize","params":["rig.s9","x"]}` + "\n"

// ── tests ────────────────────────────────────────────────────────────

func TestSupervisor_ModeTransitionDrainsSessions(t *testing.T) {
	poolA, poolB := startPool(t), startPool(t)
	src := &memSource{mode: "a"}
	s := newSupervisor(t, src, testTable(poolA, poolB))
	cancel, done := start(s)
	defer stop(t, cancel, done)

	waitFor(t, "listener for a", func() bool { return s.listeningMode() == "a" && s.Addr() != "" })

	miner := dialMiner(t, s.ListenAddr)
	upA := poolA.accept(t)
	_, err := miner.Write([]byte(authorize))
	assert.NilError(t, err)
	assert.Check(t, readLine(t, upA) != authorize, "authorize should be rewritten")

	src.set("b")
	expectClosed(t, miner)
	expectClosed(t, upA)
	waitFor(t, "listener for b", func() bool { return s.listeningMode() == "b" })
	assert.Equal(t, s.Registry.Len(), 0)

	miner2 := dialMiner(t, s.ListenAddr)
	upB := poolB.accept(t)
	_, err = miner2.Write([]byte(authorize))
	assert.NilError(t, err)
	line := readLine(t, upB)
	assert.Check(t, strings.Contains(line, `"walletB.s9"`), line)

	assert.Equal(t, s.Metrics.ModeSwitches(), int64(2))
}

func TestSupervisor_DisabledAndUnknownModesRefuse(t *testing.T) {
	for _, name := range []string{"sleep", "no-such-mode"} {
		t.Run(name, func(t *testing.T) {
			pool := startPool(t)
			src := &memSource{mode: "a"}
			s := newSupervisor(t, src, testTable(pool, nil))
			cancel, done := start(s)
			defer stop(t, cancel, done)

			waitFor(t, "listener for a", func() bool { return s.Addr() != "" })
			miner := dialMiner(t, s.ListenAddr)
			pool.accept(t)

			src.set(name)
			expectClosed(t, miner)
			waitFor(t, "switch", func() bool { return s.Metrics.ModeSwitches() == 2 })
			assert.Equal(t, s.Addr(), "")

			_, err := net.DialTimeout("tcp", s.ListenAddr, time.Second)
			assert.Check(t, err != nil, "nothing should accept in mode %s", name)
		})
	}
}

func TestSupervisor_ModeReadErrorKeepsListener(t *testing.T) {
	pool := startPool(t)
	src := &memSource{mode: "a"}
	s := newSupervisor(t, src, testTable(pool, nil))
	cancel, done := start(s)
	defer stop(t, cancel, done)

	waitFor(t, "listener", func() bool { return s.Addr() != "" })

	src.mu.Lock()
	src.err = errors.New("disk gone")
	src.mu.Unlock()
	time.Sleep(5 * s.PollInterval)

	assert.Equal(t, s.listeningMode(), "a")
	assert.Equal(t, s.Metrics.ModeSwitches(), int64(1))
}

func TestSupervisor_Shutdown(t *testing.T) {
	pool := startPool(t)
	s := newSupervisor(t, &memSource{mode: "a"}, testTable(pool, nil))
	cancel, done := start(s)

	waitFor(t, "listener", func() bool { return s.Addr() != "" })
	miner := dialMiner(t, s.ListenAddr)
	up := pool.accept(t)

	stop(t, cancel, done)
	expectClosed(t, miner)
	expectClosed(t, up)
	assert.Equal(t, s.Registry.Len(), 0)
	assert.Equal(t, s.Addr(), "")
}

func TestSupervisor_RetriesBusyPort(t *testing.T) {
	pool := startPool(t)
	s := newSupervisor(t, &memSource{mode: "a"}, testTable(pool, nil))
	s.Bind = &retry.Backoff{InitialDelay: time.Millisecond, MaxAttempts: 1}

	squatter, err := net.Listen("tcp", s.ListenAddr)
	assert.NilError(t, err)

	cancel, done := start(s)
	defer stop(t, cancel, done)

	waitFor(t, "failed bind", func() bool { return s.pendingMode() == "a" })
	assert.Equal(t, s.Addr(), "")

	squatter.Close()
	waitFor(t, "listener after port freed", func() bool { return s.Addr() != "" })
	assert.Equal(t, s.pendingMode(), "")
}

func TestSupervisor_UnusableAddressFailsFast(t *testing.T) {
	pool := startPool(t)
	s := newSupervisor(t, &memSource{mode: "a"}, testTable(pool, nil))
	// 192.0.2.0/24 is reserved for documentation and never local, so the
	// bind fails with EADDRNOTAVAIL, which no amount of waiting fixes.
	s.ListenAddr = "192.0.2.1:3310"
	s.Bind = &retry.Backoff{InitialDelay: time.Minute, MaxAttempts: 5}

	cancel, done := start(s)
	defer stop(t, cancel, done)

	waitFor(t, "failed bind", func() bool { return s.pendingMode() == "a" })
	assert.Equal(t, s.Addr(), "")
}

func TestSupervisor_SessionFailureIsolated(t *testing.T) {
	pool := startPool(t)
	s := newSupervisor(t, &memSource{mode: "a"}, testTable(pool, nil))
	cancel, done := start(s)
	defer stop(t, cancel, done)

	waitFor(t, "listener", func() bool { return s.Addr() != "" })

	bad := dialMiner(t, s.ListenAddr)
	badUp := pool.accept(t)
	good := dialMiner(t, s.ListenAddr)
	goodUp := pool.accept(t)

	badUp.(*net.TCPConn).SetLinger(0) //nolint:errcheck
	badUp.Close()
	expectClosed(t, bad)

	_, err := good.Write([]byte(`{"id":2,"method":"mining.subscribe","params":[]}` + "\n"))
	assert.NilError(t, err)
	assert.Equal(t, readLine(t, goodUp), `{"id":2,"method":"mining.subscribe","params":[]}`+"\n")
	assert.Equal(t, s.listeningMode(), "a")
}

func TestSupervisor_SwitchClearsPoolCircuit(t *testing.T) {
	poolA, poolB := startPool(t), startPool(t)
	src := &memSource{mode: "a"}
	s := newSupervisor(t, src, testTable(poolA, poolB))

	cbB := retry.NewCircuitBreaker(&retry.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	cbB.Execute(func() error { return errors.New("connection refused") }) //nolint:errcheck
	assert.Equal(t, cbB.CurrentState(), retry.StateOpen)
	s.Relay.Breakers = map[string]*retry.CircuitBreaker{"b": cbB}

	cancel, done := start(s)
	defer stop(t, cancel, done)
	waitFor(t, "listener for a", func() bool { return s.listeningMode() == "a" && s.Addr() != "" })

	src.set("b")
	waitFor(t, "listener for b", func() bool { return s.listeningMode() == "b" && s.Addr() != "" })
	assert.Equal(t, cbB.CurrentState(), retry.StateClosed)
	assert.Equal(t, cbB.Failures(), 0)

	miner := dialMiner(t, s.ListenAddr)
	upB := poolB.accept(t)
	_, err := miner.Write([]byte(authorize))
	assert.NilError(t, err)
	line := readLine(t, upB)
	assert.Check(t, strings.Contains(line, `"walletB.s9"`), line)
}
