// Package access authorizes monitor and replication privileges against the
// static cluster allow-list.
package access

import (
	"strings"
)

// Gate holds the identities permitted to subscribe to all queues or to act
// as replication peers: the configured cluster nodes plus any additional
// allowed replicants. It is built once at startup and read-only afterwards.
type Gate struct {
	allowed map[string]struct{}
}

// NewGate builds the allow-list. Entries may be bare hosts, host:port pairs
// or fully qualified names; all are reduced to a lowercase short host.
func NewGate(clusterNodes, allowedReplicants []string) *Gate {
	g := &Gate{allowed: make(map[string]struct{})}
	for _, entry := range clusterNodes {
		g.add(entry)
	}
	for _, entry := range allowedReplicants {
		g.add(entry)
	}
	return g
}

func (g *Gate) add(identity string) {
	if n := Normalize(identity); n != "" {
		g.allowed[n] = struct{}{}
	}
}

// Normalize reduces an identity to its comparable form: the port is dropped,
// the domain is dropped and the short host is lowercased. IP addresses pass
// through unchanged apart from the port.
func Normalize(identity string) string {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return ""
	}
	host := identity
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host, "::") {
		host = host[:i]
	}
	// keep dotted quads intact, shorten hostnames only
	if !isIPLike(host) {
		if i := strings.Index(host, "."); i >= 0 {
			host = host[:i]
		}
	}
	return strings.ToLower(host)
}

func isIPLike(host string) bool {
	if strings.Contains(host, ":") {
		return true
	}
	for _, r := range host {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return len(host) > 0
}

// Authorize reports whether any of the given identities (remote IP, remote
// hostname, declared node name) is on the allow-list.
func (g *Gate) Authorize(identities ...string) bool {
	for _, identity := range identities {
		if identity == "" {
			continue
		}
		if _, ok := g.allowed[Normalize(identity)]; ok {
			return true
		}
	}
	return false
}

// Size reports the number of allow-list entries.
func (g *Gate) Size() int {
	return len(g.allowed)
}
