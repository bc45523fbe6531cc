// Package addrutil normalizes node and client addresses.
package addrutil

import (
	"net"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// NodeAddr joins a configured node host and RPC port into a dial target.
// The host may be a name, an IPv4 address or a bracketed or bare IPv6
// address.
func NodeAddr(host string, port int) (string, error) {
	h := strings.Trim(strings.TrimSpace(host), "[]")
	if h == "" {
		return "", xerrors.New("node address is empty")
	}
	if port <= 0 || port > 65535 {
		return "", xerrors.Errorf("node port %d out of range", port)
	}
	return net.JoinHostPort(h, strconv.Itoa(port)), nil
}

// RemoteIP extracts the client IP from an address reported by a node.
// Nodes report either a bare IP or "ip:port"; IPv4-mapped IPv6 addresses
// are returned in IPv4 form so one client is not split across two rows.
func RemoteIP(raw string) (string, bool) {
	a := strings.TrimSpace(raw)
	if a == "" {
		return "", false
	}

	// A bare IPv6 address also splits as host:port, so try it whole first.
	addr, err := netip.ParseAddr(strings.Trim(a, "[]"))
	if err != nil {
		host, _, splitErr := net.SplitHostPort(a)
		if splitErr != nil {
			return "", false
		}
		if addr, err = netip.ParseAddr(host); err != nil {
			return "", false
		}
	}
	return addr.Unmap().WithZone("").String(), true
}
