// Package stratum inspects newline-delimited Stratum (JSON-RPC style)
// messages sent by miners.  Only mining.authorize is understood; every
// other line, including lines that are not JSON at all, is handed back
// byte for byte.
package stratum

import (
	"bytes"
	"encoding/json"
	"strings"
)

// MethodAuthorize is the only method the relay rewrites.
const MethodAuthorize = "mining.authorize"

// Message is the subset of a request the relay looks at.  Params is
// kept raw so that parameters after the first survive untouched.
type Message struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ParamList decodes Params as a JSON array.  ok is false when params
// is absent or not an array.
func (m *Message) ParamList() (params []json.RawMessage, ok bool) {
	if len(m.Params) == 0 {
		return nil, false
	}
	if err := json.Unmarshal(m.Params, &params); err != nil {
		return nil, false
	}
	return params, true
}

// Parse decodes line as a single JSON object.  ok is false for
// anything that is not one (blank, malformed, array, scalar); callers
// must then forward the line unchanged.
func Parse(line []byte) (msg *Message, ok bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var m Message
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, false
	}
	return &m, true
}

// SplitUser splits "<alias>.<worker>" on the first dot.  The worker is
// empty when there is no dot.
func SplitUser(user string) (alias, worker string) {
	alias, worker, _ = strings.Cut(user, ".")
	return alias, worker
}

// JoinUser is the inverse of SplitUser with the alias replaced.
func JoinUser(wallet, worker string) string {
	if worker == "" {
		return wallet
	}
	return wallet + "." + worker
}
