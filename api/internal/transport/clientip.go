package transport

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

const unknownClient = "unknown"

type clientResolver struct {
	trusted []netip.Prefix
}

func newClientResolver(trusted []netip.Prefix) *clientResolver {
	return &clientResolver{trusted: trusted}
}

// clientIP identifies the caller for rate limiting. Forwarding headers are
// only read when the socket peer is a trusted proxy; the client is then the
// right-most X-Forwarded-For hop that is not itself trusted.
func (c *clientResolver) clientIP(r *http.Request) string {
	peer, ok := peerAddr(r.RemoteAddr)
	if !ok {
		return unknownClient
	}
	if !c.trusts(peer) {
		return peer.String()
	}

	if hops := forwardedHops(r.Header); len(hops) > 0 {
		for i := len(hops) - 1; i >= 0; i-- {
			addr, err := netip.ParseAddr(hops[i])
			if err != nil {
				// nothing left of a malformed hop can be believed
				return peer.String()
			}
			addr = addr.Unmap()
			if !c.trusts(addr) {
				return addr.String()
			}
		}
		// every hop is one of ours
		return peer.String()
	}

	if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return addr.Unmap().String()
	}
	return peer.String()
}

func (c *clientResolver) trusts(addr netip.Addr) bool {
	for _, p := range c.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func forwardedHops(h http.Header) []string {
	var hops []string
	for _, v := range h.Values("X-Forwarded-For") {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				hops = append(hops, part)
			}
		}
	}
	return hops
}

func peerAddr(remote string) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
