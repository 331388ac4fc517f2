package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gotest.tools/assert"

	rerr "stratumrelay/internal/errors"
)

// captureStdout redirects command output for the duration of the test.
func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = prev })
	return &buf
}

// writeRoutes writes a routing table with a disabled "sleep" mode and
// "btc" pointing at poolPort.
func writeRoutes(t *testing.T, dir string, poolPort int) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	doc := fmt.Sprintf(`{
  "modes": {
    "sleep": {"port": null, "alias": {}},
    "btc": {"host": "127.0.0.1", "port": %d, "coin": "BTC", "alias": {"rig": "bc1qwallet"}}
  }
}`, poolPort)
	assert.NilError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func deadPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// TestExecute_Version verifies --version prints a version string.
func TestExecute_Version(t *testing.T) {
	out := captureStdout(t)
	assert.NilError(t, Execute(context.Background(), []string{"--version"}))
	assert.Equal(t, out.String(), "stratumrelay "+version+"\n")
}

func TestExecute_Help(t *testing.T) {
	assert.NilError(t, Execute(context.Background(), []string{"--help"}))
}

func TestExecute_InvalidFlags(t *testing.T) {
	err := Execute(context.Background(), []string{"--nonexistent-flag"})
	assert.ErrorContains(t, err, "nonexistent-flag")
}

func TestExecute_UnknownCommand(t *testing.T) {
	err := Execute(context.Background(), []string{"frobnicate"})
	assert.ErrorContains(t, err, `unknown command "frobnicate"`)
}

func TestExecute_ValidationError(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		field string
	}{
		{"bad listen", []string{"--listen", "nowhere", "--dry-run"}, "listen"},
		{"zero poll", []string{"--poll-interval", "0s", "--dry-run"}, "poll-interval"},
		{"tiny line", []string{"--max-line", "16", "--dry-run"}, "max-line"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Execute(context.Background(), tt.args)
			var ce *rerr.ConfigError
			assert.Assert(t, rerr.As(err, &ce), "expected ConfigError, got %v", err)
			assert.Equal(t, ce.Field, tt.field)
		})
	}
}

func TestExecute_DryRun(t *testing.T) {
	dir := t.TempDir()
	routes := writeRoutes(t, dir, 3333)
	out := captureStdout(t)

	assert.NilError(t, Execute(context.Background(), []string{"-c", routes, "--dry-run"}))
	assert.Check(t, strings.Contains(out.String(), "2 mode(s) OK"), out.String())

	err := Execute(context.Background(), []string{"-c", filepath.Join(dir, "missing.json"), "--dry-run"})
	assert.Check(t, rerr.Is(err, os.ErrNotExist))
}

func TestExecute_Modes(t *testing.T) {
	dir := t.TempDir()
	routes := writeRoutes(t, dir, 3333)
	modeFile := filepath.Join(dir, "mode.txt")
	assert.NilError(t, os.WriteFile(modeFile, []byte("btc\n"), 0o600))
	out := captureStdout(t)

	assert.NilError(t, Execute(context.Background(), []string{"-c", routes, "-m", modeFile, "modes"}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.DeepEqual(t, lines, []string{
		"* btc → 127.0.0.1:3333 coin=BTC aliases=1",
		"  sleep (disabled)",
	})
}

func TestExecute_ModeSetGet(t *testing.T) {
	dir := t.TempDir()
	routes := writeRoutes(t, dir, 3333)
	modeFile := filepath.Join(dir, "state", "mode.txt")
	base := []string{"-c", routes, "-m", modeFile}
	out := captureStdout(t)

	// A fresh mode file defaults to sleep.
	assert.NilError(t, Execute(context.Background(), append(base, "mode")))
	assert.Equal(t, out.String(), "sleep\n")

	out.Reset()
	assert.NilError(t, Execute(context.Background(), append(base, "mode", "set", "btc")))
	data, err := os.ReadFile(modeFile)
	assert.NilError(t, err)
	assert.Equal(t, string(data), "btc")

	out.Reset()
	assert.NilError(t, Execute(context.Background(), append(base, "mode", "get")))
	assert.Check(t, strings.HasPrefix(out.String(), "btc (since "), out.String())

	err = Execute(context.Background(), append(base, "mode", "set", "eth"))
	assert.Check(t, rerr.Is(err, rerr.ErrUnknownMode))
	data, _ = os.ReadFile(modeFile)
	assert.Equal(t, string(data), "btc", "unknown mode must not be written")

	err = Execute(context.Background(), append(base, "mode", "set"))
	assert.ErrorContains(t, err, "usage")
}

func TestExecute_Check(t *testing.T) {
	pool, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	defer pool.Close()
	go func() {
		for {
			c, err := pool.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	dir := t.TempDir()
	out := captureStdout(t)

	live := writeRoutes(t, dir, pool.Addr().(*net.TCPAddr).Port)
	assert.NilError(t, Execute(context.Background(), []string{"-q", "-c", live, "-w", "2s", "check"}))
	assert.Check(t, strings.Contains(out.String(), "btc"), out.String())
	assert.Check(t, strings.Contains(out.String(), "ok ("), out.String())
	assert.Check(t, !strings.Contains(out.String(), "sleep"), "disabled modes are not probed")

	out.Reset()
	dead := writeRoutes(t, t.TempDir(), deadPort(t))
	err = Execute(context.Background(), []string{"-q", "-c", dead, "-w", "2s", "check"})
	assert.ErrorContains(t, err, "1 of 1 pool(s) unreachable")
	assert.Check(t, strings.Contains(out.String(), "FAIL"), out.String())
}

func TestExecute_RunStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	routes := writeRoutes(t, dir, deadPort(t))
	modeFile := filepath.Join(dir, "mode.txt")

	listen := fmt.Sprintf("127.0.0.1:%d", deadPort(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Execute(ctx, []string{
			"-q", "-c", routes, "-m", modeFile,
			"--listen", listen,
			"--poll-interval", "20ms",
		})
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NilError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}
