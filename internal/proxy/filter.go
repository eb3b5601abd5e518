// Package proxy runs a local HTTP(S) egress guard. When pip.allowed_hosts is
// configured, pip is pointed at the guard through HTTP(S)_PROXY and may only
// reach the listed package index hosts.
package proxy

import (
	"net"
	"strings"
)

// Allowlist decides which hosts the guard lets through.
type Allowlist struct {
	exact    map[string]bool
	suffixes []string // ".pythonhosted.org" for "*.pythonhosted.org"
}

// NewAllowlist builds an allowlist. Entries are host names, optionally with
// a "*." prefix to admit every subdomain. Ports in entries are ignored.
func NewAllowlist(hosts []string) *Allowlist {
	a := &Allowlist{exact: make(map[string]bool)}
	for _, h := range hosts {
		h = normalizeHost(h)
		switch {
		case h == "":
		case strings.HasPrefix(h, "*."):
			a.suffixes = append(a.suffixes, h[1:])
		default:
			a.exact[h] = true
		}
	}
	return a
}

// Allows reports whether hostport may be contacted.
func (a *Allowlist) Allows(hostport string) bool {
	host := normalizeHost(hostport)
	if host == "" {
		return false
	}
	if a.exact[host] {
		return true
	}
	for _, suffix := range a.suffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// Len returns the number of entries.
func (a *Allowlist) Len() int {
	return len(a.exact) + len(a.suffixes)
}

func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	return strings.TrimSuffix(strings.Trim(h, "[]"), ".")
}
