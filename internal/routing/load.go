package routing

// load.go - routing file parsing and validation.
//
// The document is decoded generically first so that a key which is
// present but null ("port": null, a disabled mode) can be told apart
// from a key which is missing (a configuration error).

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	rerr "stratumrelay/internal/errors"
	"stratumrelay/tunnel"
)

// Load reads and validates a routing file.  Files ending in .toml are
// decoded as TOML; everything else as JSON.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("routing file: %w", err)
	}
	return Parse(data, formatOf(path))
}

// Format selects the routing file syntax.
type Format int

const (
	FormatJSON Format = iota
	FormatTOML
)

func formatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatJSON
}

// Parse decodes and validates a routing document.
func Parse(data []byte, format Format) (*Table, error) {
	var doc map[string]interface{}
	switch format {
	case FormatTOML:
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("routing file: toml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("routing file: json: %w", err)
		}
	}

	rawModes, ok := doc["modes"]
	if !ok {
		return nil, &rerr.ConfigError{Field: "modes", Message: "required field is missing"}
	}
	modes, ok := rawModes.(map[string]interface{})
	if !ok {
		return nil, &rerr.ConfigError{Field: "modes", Message: "must be a table of mode entries"}
	}

	entries := make([]*ModeConfig, 0, len(modes))
	for name, raw := range modes {
		fields, ok := raw.(map[string]interface{})
		if !ok {
			return nil, &rerr.ConfigError{Mode: name, Field: "entry", Message: "must be a table"}
		}
		mc, err := parseMode(name, fields)
		if err != nil {
			return nil, err
		}
		entries = append(entries, mc)
	}
	return NewTable(entries...), nil
}

func parseMode(name string, f map[string]interface{}) (*ModeConfig, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &rerr.ConfigError{Field: "modes", Message: "mode name must not be empty"}
	}

	rawPort, hasPort := f["port"]
	rawAlias, hasAlias := f["alias"]
	if !hasPort || !hasAlias {
		return nil, &rerr.ConfigError{
			Mode:    name,
			Field:   "port/alias",
			Message: "every mode must contain both 'port' and 'alias'",
			Hint:    `use "port": null for a mode that accepts no miners`,
		}
	}

	mc := &ModeConfig{Name: name, Host: DefaultHost}

	port, err := parsePort(rawPort)
	if err != nil {
		return nil, &rerr.ConfigError{Mode: name, Field: "port", Value: rawPort, Message: err.Error()}
	}
	mc.Port = port

	aliases, err := parseAliases(rawAlias)
	if err != nil {
		return nil, &rerr.ConfigError{Mode: name, Field: "alias", Message: err.Error()}
	}
	mc.Aliases = aliases

	for key, dst := range map[string]*string{
		"host":      &mc.Host,
		"coin":      &mc.Coin,
		"algorithm": &mc.Algorithm,
		"tunnel":    &mc.Tunnel,
	} {
		v, ok := f[key]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, &rerr.ConfigError{Mode: name, Field: key, Value: v, Message: "must be a string"}
		}
		if s = strings.TrimSpace(s); s != "" {
			*dst = s
		}
	}
	if mc.Tunnel != "" {
		if _, _, _, err := tunnel.ParseSpec(mc.Tunnel); err != nil {
			return nil, &rerr.ConfigError{Mode: name, Field: "tunnel", Value: mc.Tunnel, Message: err.Error()}
		}
	}
	return mc, nil
}

// parsePort accepts null or 0 (disabled) and 1-65535.  JSON decodes
// numbers as float64, TOML integers as int64.
func parsePort(v interface{}) (uint16, error) {
	var n int64
	switch p := v.(type) {
	case nil:
		return 0, nil
	case float64:
		if p != float64(int64(p)) {
			return 0, fmt.Errorf("must be an integer")
		}
		n = int64(p)
	case int64:
		n = p
	default:
		return 0, fmt.Errorf("must be an integer or null")
	}
	if n < 0 || n > 65535 {
		return 0, fmt.Errorf("out of range 1-65535")
	}
	return uint16(n), nil
}

func parseAliases(v interface{}) (map[string]string, error) {
	out := map[string]string{}
	if v == nil {
		return out, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("must map alias names to wallet strings")
	}
	for alias, w := range m {
		wallet, ok := w.(string)
		if !ok || strings.TrimSpace(wallet) == "" {
			return nil, fmt.Errorf("wallet for %q must be a non-empty string", alias)
		}
		out[alias] = strings.TrimSpace(wallet)
	}
	return out, nil
}
