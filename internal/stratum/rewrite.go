package stratum

import (
	"bytes"
	"encoding/json"
)

// WalletLookup resolves an alias to a wallet for the active mode.
type WalletLookup func(alias string) (wallet string, ok bool)

// RewriteEvent describes an observed mining.authorize.
type RewriteEvent struct {
	RawUser string
	Alias   string
	Worker  string
	Wallet  string
	Found   bool
}

// Result is the outcome of inspecting one client line.
type Result struct {
	// Out is the line to forward, always newline-terminated when the
	// input was.
	Out []byte
	// Event is set when the line was a mining.authorize with a string
	// first parameter.
	Event *RewriteEvent
	// Opaque is true when the line was not a JSON object.
	Opaque bool
}

// Rewrite inspects one line read from a miner.  A mining.authorize
// whose first parameter's alias is known has that parameter replaced
// by "<wallet>[.<worker>]"; everything else is returned as-is (the
// same slice).  Only the first parameter is ever touched.
func Rewrite(line []byte, lookup WalletLookup) Result {
	msg, ok := Parse(line)
	if !ok {
		return Result{Out: line, Opaque: true}
	}
	if msg.Method != MethodAuthorize {
		return Result{Out: line}
	}
	params, ok := msg.ParamList()
	if !ok || len(params) == 0 {
		return Result{Out: line}
	}

	var user string
	if err := json.Unmarshal(params[0], &user); err != nil {
		return Result{Out: line}
	}

	alias, worker := SplitUser(user)
	ev := &RewriteEvent{RawUser: user, Alias: alias, Worker: worker}
	wallet, found := lookup(alias)
	if !found {
		return Result{Out: line, Event: ev}
	}
	ev.Wallet, ev.Found = wallet, true

	out, err := replaceFirstParam(line, JoinUser(wallet, worker))
	if err != nil {
		// Unreachable for a line that already decoded; forward unchanged.
		return Result{Out: line, Event: ev}
	}
	return Result{Out: out, Event: ev}
}

// replaceFirstParam re-encodes the object with params[0] set to user.
// Other members keep their raw encoding; member order follows
// encoding/json's sorted map output.  The line ending is preserved.
func replaceFirstParam(line []byte, user string) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(line), &obj); err != nil {
		return nil, err
	}
	var params []json.RawMessage
	if err := json.Unmarshal(obj["params"], &params); err != nil {
		return nil, err
	}
	enc, err := marshal(user)
	if err != nil {
		return nil, err
	}
	params[0] = enc
	if obj["params"], err = marshal(params); err != nil {
		return nil, err
	}
	out, err := marshal(obj)
	if err != nil {
		return nil, err
	}
	return append(out, terminator(line)...), nil
}

// terminator returns the line ending of line, "\n" when it has none.
func terminator(line []byte) []byte {
	if end := line[len(bytes.TrimRight(line, "\r\n")):]; len(end) > 0 {
		return end
	}
	return []byte("\n")
}

// marshal encodes v without HTML escaping so that untouched string
// members keep their original characters.
func marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
