// Package routing holds the mode → upstream routing table.  A Table is
// built once by [Load] and never mutated, so it is shared read-only
// between the supervisor and every relay goroutine without locking.
package routing

import (
	"sort"
	"strconv"

	rerr "stratumrelay/internal/errors"
	"stratumrelay/util"
)

// DefaultHost is the upstream host used when a mode omits "host".
const DefaultHost = "127.0.0.1"

// ModeConfig is the routing entry for one mode.
type ModeConfig struct {
	Name string
	Host string
	// Port is the upstream pool port.  Zero means the mode is disabled
	// and the proxy accepts no clients while it is active.
	Port uint16
	// Aliases maps the short names miners authorize with to wallets.
	Aliases map[string]string

	// Informational; logged when the mode becomes active.
	Coin      string
	Algorithm string

	// Tunnel is an optional [user@]host[:port] SSH gateway through
	// which the upstream is dialled.
	Tunnel string
}

// Enabled reports whether the mode accepts client connections.
func (m *ModeConfig) Enabled() bool {
	return m != nil && m.Port != 0
}

// Address returns the upstream "host:port".
func (m *ModeConfig) Address() string {
	return util.FormatAddr(m.Host, int(m.Port))
}

// Wallet looks up the wallet for alias.
func (m *ModeConfig) Wallet(alias string) (string, bool) {
	w, ok := m.Aliases[alias]
	return w, ok
}

// String describes the mode for log lines.
func (m *ModeConfig) String() string {
	if !m.Enabled() {
		return m.Name + " (disabled)"
	}
	s := m.Name + " → " + m.Address()
	if m.Coin != "" {
		s += " coin=" + m.Coin
	}
	if m.Algorithm != "" {
		s += " algo=" + m.Algorithm
	}
	if m.Tunnel != "" {
		s += " via=" + m.Tunnel
	}
	return s + " aliases=" + strconv.Itoa(len(m.Aliases))
}

// Table is the immutable set of modes.
type Table struct {
	modes map[string]*ModeConfig
}

// NewTable builds a table from already-validated entries.  Entries are
// keyed by their Name.
func NewTable(modes ...*ModeConfig) *Table {
	t := &Table{modes: make(map[string]*ModeConfig, len(modes))}
	for _, m := range modes {
		if m.Host == "" {
			m.Host = DefaultHost
		}
		if m.Aliases == nil {
			m.Aliases = map[string]string{}
		}
		t.modes[m.Name] = m
	}
	return t
}

// Resolve returns the entry for mode, or [rerr.ErrUnknownMode].
func (t *Table) Resolve(mode string) (*ModeConfig, error) {
	m, ok := t.modes[mode]
	if !ok {
		return nil, rerr.ErrUnknownMode
	}
	return m, nil
}

// Names returns every mode name in sorted order.
func (t *Table) Names() []string {
	out := make([]string, 0, len(t.modes))
	for name := range t.modes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of modes.
func (t *Table) Len() int { return len(t.modes) }
