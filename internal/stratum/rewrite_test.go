package stratum

import (
	"bytes"
	"encoding/json"
	"testing"

	"gotest.tools/assert"
)

func lookupFrom(m map[string]string) WalletLookup {
	return func(alias string) (string, bool) {
		w, ok := m[alias]
		return w, ok
	}
}

var wallets = lookupFrom(map[string]string{"aliasA": "wallet123", "rig": "bc1q<&>"})

func firstParam(t *testing.T, line []byte) string {
	t.Helper()
	var msg struct {
		Params []json.RawMessage `json:"params"`
	}
	assert.NilError(t, json.Unmarshal(line, &msg), "output is not JSON: %q", line)
	var user string
	assert.NilError(t, json.Unmarshal(msg.Params[0], &user), "params[0] not a string")
	return user
}

func TestRewrite_AliasWithWorker(t *testing.T) {
	in := []byte(`{"id":1,"method":"mining.authorize","params":["aliasA.worker1","x"]}` + "\n")
	res := Rewrite(in, wallets)

	assert.Assert(t, res.Event != nil && res.Event.Found, "expected a found event, got %+v", res.Event)
	assert.Equal(t, firstParam(t, res.Out), "wallet123.worker1")
	assert.Check(t, bytes.HasSuffix(res.Out, []byte("\n")), "rewritten line must keep the newline terminator")

	var msg struct {
		ID     int               `json:"id"`
		Params []json.RawMessage `json:"params"`
	}
	assert.NilError(t, json.Unmarshal(res.Out, &msg))
	assert.Equal(t, msg.ID, 1)
	assert.Equal(t, len(msg.Params), 2)
	assert.Equal(t, string(msg.Params[1]), `"x"`)
}

func TestRewrite_AliasWithoutWorker(t *testing.T) {
	in := []byte(`{"id":2,"method":"mining.authorize","params":["aliasA"]}` + "\n")
	res := Rewrite(in, wallets)

	assert.Equal(t, firstParam(t, res.Out), "wallet123")
	assert.Equal(t, res.Event.Worker, "")
	assert.Equal(t, res.Event.Alias, "aliasA")
}

func TestRewrite_WorkerWithDots(t *testing.T) {
	in := []byte(`{"method":"mining.authorize","params":["aliasA.rack1.slot2"]}` + "\n")
	assert.Equal(t, firstParam(t, Rewrite(in, wallets).Out), "wallet123.rack1.slot2")
}

func TestRewrite_KeepsLineEnding(t *testing.T) {
	tests := []struct {
		name, ending, want string
	}{
		{"lf", "\n", "\n"},
		{"crlf", "\r\n", "\r\n"},
		{"none", "", "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := []byte(`{"id":1,"method":"mining.authorize","params":["aliasA.w1","x"]}` + tt.ending)
			out := Rewrite(in, wallets).Out

			body := bytes.TrimSuffix(out, []byte(tt.want))
			assert.Check(t, len(body) < len(out), "output %q should end in %q", out, tt.want)
			assert.Check(t, !bytes.ContainsAny(body, "\r\n"), "output %q has a stray line break", out)
			assert.Equal(t, firstParam(t, out), "wallet123.w1")
		})
	}
}

func TestRewrite_NoHTMLEscaping(t *testing.T) {
	in := []byte(`{"method":"mining.authorize","params":["rig.w","p<1>"]}` + "\n")
	res := Rewrite(in, wallets)
	assert.Check(t, bytes.Contains(res.Out, []byte(`"bc1q<&>.w"`)), "unexpected escaping: %s", res.Out)
	assert.Check(t, bytes.Contains(res.Out, []byte(`"p<1>"`)), "unexpected escaping: %s", res.Out)
}

func TestRewrite_PassThroughByteIdentical(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		opaque bool
		event  bool
	}{
		{"unknown alias", `{"id":1,"method":"mining.authorize","params":["nobody.w1","x"]}` + "\n", false, true},
		{"subscribe", `{"id":1,"method":"mining.subscribe","params":["cgminer/4.10"]}` + "\n", false, false},
		{"submit", `{"id":4, "method":"mining.submit","params":["aliasA.w","job","00","5f","abc"]}` + "\n", false, false},
		{"authorize no params", `{"id":1,"method":"mining.authorize","params":[]}` + "\n", false, false},
		{"authorize null params", `{"id":1,"method":"mining.authorize","params":null}` + "\n", false, false},
		{"authorize numeric user", `{"id":1,"method":"mining.authorize","params":[42]}` + "\n", false, false},
		{"authorize object params", `{"id":1,"method":"mining.authorize","params":{"user":"aliasA"}}` + "\n", false, false},
		{"malformed", `{"id":1,"method":"mining.authorize","params":["aliasA"` + "\n", true, false},
		{"not json", "hello pool\n", true, false},
		{"array", `[1,2,3]` + "\n", true, false},
		{"blank", "\n", true, false},
		{"crlf", `{"id":9,"method":"mining.extranonce.subscribe","params":[]}` + "\r\n", false, false},
		{"no newline", `{"id":9,"method":"mining.ping"}`, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := []byte(tt.line)
			res := Rewrite(in, wallets)
			assert.DeepEqual(t, res.Out, in)
			assert.Equal(t, res.Opaque, tt.opaque)
			assert.Equal(t, res.Event != nil, tt.event, "event = %+v", res.Event)
			if res.Event != nil {
				assert.Check(t, !res.Event.Found, "pass-through line must not report a found alias")
			}
		})
	}
}

func TestRewrite_PassThroughIdempotent(t *testing.T) {
	in := []byte(`{"id":3,"method":"mining.configure","params":[["version-rolling"],{}]}` + "\n")
	once := Rewrite(in, wallets).Out
	twice := Rewrite(once, wallets).Out
	assert.DeepEqual(t, once, in)
	assert.DeepEqual(t, twice, in)
}

func TestSplitUser(t *testing.T) {
	tests := []struct {
		user, alias, worker string
	}{
		{"aliasA.worker1", "aliasA", "worker1"},
		{"aliasA", "aliasA", ""},
		{"aliasA.", "aliasA", ""},
		{".worker", "", "worker"},
		{"a.b.c", "a", "b.c"},
	}
	for _, tt := range tests {
		alias, worker := SplitUser(tt.user)
		assert.Equal(t, alias, tt.alias, "SplitUser(%q)", tt.user)
		assert.Equal(t, worker, tt.worker, "SplitUser(%q)", tt.user)
	}
	assert.Equal(t, JoinUser("w", ""), "w")
}

func TestParse(t *testing.T) {
	msg, ok := Parse([]byte(`  {"id":7,"method":"mining.notify","params":[]}  `))
	assert.Assert(t, ok)
	assert.Equal(t, msg.Method, "mining.notify")
	assert.Equal(t, string(msg.ID), "7")

	_, ok = Parse([]byte(`"just a string"`))
	assert.Check(t, !ok, "scalar should not parse as a message")
}
