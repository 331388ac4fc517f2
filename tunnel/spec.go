package tunnel

import (
	"fmt"
	"regexp"
	"strconv"
)

// specRe matches [user@]host[:port].
var specRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:@]+)(?::(\d+))?$`)

// ParseSpec extracts user, host, and port from a gateway string such as
// "relay@bastion.example.com:2222".  Port defaults to 22.
func ParseSpec(spec string) (user, host string, port int, err error) {
	m := specRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = 22
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	return user, host, port, nil
}
