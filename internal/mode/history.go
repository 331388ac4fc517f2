package mode

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// HistoryFile is the default name of the change record, stored beside
// the mode file.
const HistoryFile = "last_mode_change.json"

// Change is the last recorded mode change.
type Change struct {
	Mode      string    `json:"mode"`
	Timestamp time.Time `json:"timestamp"`
}

// History persists the most recent mode change so operators can see
// how long the current mode has been active.
type History struct {
	Path string
}

// Record stores mode as the latest change at t (UTC).
func (h *History) Record(mode string, t time.Time) error {
	data, err := json.MarshalIndent(Change{Mode: mode, Timestamp: t.UTC()}, "", "  ")
	if err != nil {
		return err
	}
	if err := writeAtomic(h.Path, data); err != nil {
		return fmt.Errorf("writing mode history: %w", err)
	}
	return nil
}

// Last returns the recorded change.  ok is false when nothing has been
// recorded yet.
func (h *History) Last() (c Change, ok bool, err error) {
	data, err := os.ReadFile(h.Path)
	if os.IsNotExist(err) {
		return Change{}, false, nil
	}
	if err != nil {
		return Change{}, false, err
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return Change{}, false, fmt.Errorf("parsing %s: %w", h.Path, err)
	}
	return c, true, nil
}
