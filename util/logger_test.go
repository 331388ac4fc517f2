package util

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gotest.tools/assert"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(3) // debug level
	l.SetOutput(&buf)
	l.SetTimestamps(false)

	l.Error("e")
	l.Warn("w")
	l.Info("i")
	l.Verbose("v")
	l.Debug("d")

	output := buf.String()
	lines := strings.Split(strings.TrimSpace(output), "\n")
	assert.Equal(t, len(lines), 5, output)

	wantPrefixes := []string{"[ERR]", "[WRN]", "[INF]", "[VRB]", "[DBG]"}
	for i, prefix := range wantPrefixes {
		assert.Check(t, strings.Contains(lines[i], prefix), "line %d %q missing prefix %q", i, lines[i], prefix)
	}
}

func TestLogger_QuietMode(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(0)
	l.SetOutput(&buf)
	l.SetTimestamps(false)

	l.Info("should not appear")
	l.Verbose("should not appear")
	l.Debug("should not appear")
	l.Error("always appears")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, len(lines), 1, buf.String())
}

func TestLogger_Timestamps(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(1)
	l.SetOutput(&buf)
	l.SetTimestamps(true)

	l.Info("test")

	// "2006-01-02 15:04:05.000 [INF] test"
	assert.Check(t, strings.HasSuffix(strings.TrimSpace(buf.String()), "[INF] test"), buf.String())
	assert.Check(t, buf.Len() >= 30, "expected timestamp prefix, got %q", buf.String())
}

func TestFileLogger_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	l := NewFileLogger(1, FileOptions{Path: path, MaxSizeMB: 1})
	l.Info("listening on %s", ":3310")
	assert.NilError(t, l.Close())

	data, err := os.ReadFile(path)
	assert.NilError(t, err)
	assert.Check(t, strings.Contains(string(data), "[INF] listening on :3310"), "log file = %q", data)
}

func TestReaderPool_RoundTrip(t *testing.T) {
	br := GetReader(strings.NewReader("line one\nline two\n"))
	got, err := br.ReadString('\n')
	assert.NilError(t, err)
	assert.Equal(t, got, "line one\n")
	PutReader(br)

	br2 := GetReader(strings.NewReader("fresh\n"))
	defer PutReader(br2)
	got, _ = br2.ReadString('\n')
	assert.Equal(t, got, "fresh\n", "pooled reader kept stale data")
}

func TestPutReader_Nil(t *testing.T) {
	PutReader(nil)
}

func TestBufPool(t *testing.T) {
	buf := GetBuf()
	assert.Equal(t, len(*buf), CopyBufSize)
	PutBuf(buf)
}
