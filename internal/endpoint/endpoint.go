// Package endpoint validates app-server addresses and remote versions.
package endpoint

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// InvalidURLError reports an address that is not a usable app-server URL.
type InvalidURLError struct {
	Raw    string
	Reason string
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("invalid endpoint %q: %s", e.Raw, e.Reason)
}

// UnreachableHostError reports a loopback or wildcard host. The client runs
// on a separate device, so such a target can never be reached.
type UnreachableHostError struct {
	Host string
}

func (e *UnreachableHostError) Error() string {
	return fmt.Sprintf("unreachable endpoint host %q: loopback and wildcard addresses cannot be reached from this device; use the server's LAN or tailnet address", e.Host)
}

// Validate parses and checks an app-server address. Only the ws and wss
// schemes are accepted, and the host must be reachable from another device.
func Validate(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &InvalidURLError{Raw: raw, Reason: err.Error()}
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, &InvalidURLError{Raw: raw, Reason: fmt.Sprintf("scheme %q is not ws or wss", u.Scheme)}
	}

	host := u.Hostname()
	if host == "" {
		return nil, &InvalidURLError{Raw: raw, Reason: "missing host"}
	}
	if hostDisallowed(host) {
		return nil, &UnreachableHostError{Host: host}
	}

	return u, nil
}

func hostDisallowed(host string) bool {
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsUnspecified()
	}
	return false
}

// CompatibleVersion reports whether remote satisfies min. Both strings are
// split into integer components; the shorter sequence is padded with zeros
// and the two are compared lexicographically.
func CompatibleVersion(remote, min string) bool {
	rv := components(remote)
	mv := components(min)

	n := len(rv)
	if len(mv) > n {
		n = len(mv)
	}
	for i := 0; i < n; i++ {
		var r, m int
		if i < len(rv) {
			r = rv[i]
		}
		if i < len(mv) {
			m = mv[i]
		}
		if r != m {
			return r > m
		}
	}
	return true
}

func components(version string) []int {
	parts := strings.Split(version, ".")
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		// Tolerate suffixes like "0-beta" by taking the leading digits.
		digits := part
		for i, r := range part {
			if r < '0' || r > '9' {
				digits = part[:i]
				break
			}
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			n = 0
		}
		out = append(out, n)
	}
	return out
}
