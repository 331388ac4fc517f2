package mode

import (
	"sync"
	"time"

	"stratumrelay/util"
)

// Watcher turns repeated reads of a [Source] into change notifications.
// It holds the process-wide current mode; all access goes through its
// lock.
type Watcher struct {
	src    Source
	logger *util.Logger

	mu      sync.Mutex
	current string
	seen    bool
	since   time.Time
}

// NewWatcher returns a watcher that has not observed any mode yet.
func NewWatcher(src Source, logger *util.Logger) *Watcher {
	return &Watcher{src: src, logger: logger}
}

// Poll reads the source once.  changed is true when the mode differs
// from the previous observation, and on the first successful read.  A
// failed read is logged and reported as "no change".
func (w *Watcher) Poll() (mode string, changed bool) {
	next, err := w.src.Read()

	w.mu.Lock()
	defer w.mu.Unlock()

	if err != nil {
		w.logger.Warn("mode: %v (keeping %q)", err, w.current)
		return w.current, false
	}
	if w.seen && next == w.current {
		return w.current, false
	}
	w.current = next
	w.seen = true
	w.since = time.Now()
	return next, true
}

// Current returns the last observed mode ("" before the first
// successful poll).
func (w *Watcher) Current() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Since returns when the current mode was first observed.
func (w *Watcher) Since() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.since
}
