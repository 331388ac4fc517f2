// Package mode reads the operator-selected mode from shared storage and
// reports transitions.  The store is a plain text file holding one mode
// name; whatever front end the operator uses writes it, and the relay
// polls it.
package mode

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sleep is the mode name used when nothing has been selected yet.  It
// is expected to be a routing entry without a port.
const Sleep = "sleep"

// Source yields the currently selected mode.
type Source interface {
	Read() (string, error)
}

// FileSource stores the mode in a text file.
type FileSource struct {
	Path string
	// Default is written and returned when the file does not exist.
	Default string
	// History, when set, records every Write.
	History *History
}

// NewFileSource returns a FileSource that defaults to [Sleep] and keeps
// its change history next to the mode file.
func NewFileSource(path string) *FileSource {
	return &FileSource{
		Path:    path,
		Default: Sleep,
		History: &History{Path: filepath.Join(filepath.Dir(path), HistoryFile)},
	}
}

// Read returns the trimmed file contents.  A missing file is created
// holding Default.
func (s *FileSource) Read() (string, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		def := s.Default
		if def == "" {
			def = Sleep
		}
		if werr := writeAtomic(s.Path, []byte(def)); werr != nil {
			return "", fmt.Errorf("creating mode file: %w", werr)
		}
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("reading mode file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Write replaces the stored mode and records the change.
func (s *FileSource) Write(mode string) error {
	mode = strings.TrimSpace(mode)
	if mode == "" {
		return fmt.Errorf("mode name must not be empty")
	}
	if err := writeAtomic(s.Path, []byte(mode)); err != nil {
		return fmt.Errorf("writing mode file: %w", err)
	}
	if s.History != nil {
		if err := s.History.Record(mode, time.Now()); err != nil {
			return err
		}
	}
	return nil
}

// writeAtomic writes data to a temp file in the same directory and
// renames it over path, so a concurrent reader never sees a partial
// mode name.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
