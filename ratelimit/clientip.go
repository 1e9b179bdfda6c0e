package ratelimit

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"
)

type (
	// TrustedProxies lists the peers allowed to report the client address
	// through X-Forwarded-For.
	TrustedProxies struct {
		prefixes []netip.Prefix
	}
)

// ParseTrustedProxies reads a comma separated list of addresses and CIDR
// ranges, for example "10.0.0.1,172.16.0.0/12".
func ParseTrustedProxies(list string) (*TrustedProxies, error) {
	t := &TrustedProxies{}
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy range %q, cause %w", item, err)
			}
			t.prefixes = append(t.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy address %q, cause %w", item, err)
		}
		addr = addr.Unmap()
		t.prefixes = append(t.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return t, nil
}

func (t *TrustedProxies) Empty() bool {
	return t == nil || len(t.prefixes) == 0
}

func (t *TrustedProxies) Contains(addr netip.Addr) bool {
	if t == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range t.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientAddr returns the address a request is attributed to.
//
// Forwarding headers are only considered when the direct peer is trusted.
// In that case the rightmost X-Forwarded-For hop that is not a trusted
// proxy wins, if every hop is trusted the leftmost one is used. Hops may
// carry a port, hops that are not addresses at all are skipped.
func ClientAddr(r *http.Request, trusted *TrustedProxies) string {
	peer, ok := peerAddr(r.RemoteAddr)
	if !ok {
		return r.RemoteAddr
	}
	if trusted.Empty() || !trusted.Contains(peer) {
		return peer.String()
	}
	var hops []netip.Addr
	for _, v := range r.Header.Values("X-Forwarded-For") {
		for _, hop := range strings.Split(v, ",") {
			if addr, ok := peerAddr(strings.TrimSpace(hop)); ok {
				hops = append(hops, addr)
			}
		}
	}
	if len(hops) == 0 {
		return peer.String()
	}
	for i := len(hops) - 1; i >= 0; i-- {
		if !trusted.Contains(hops[i]) {
			return hops[i].String()
		}
	}
	return hops[0].String()
}

func peerAddr(remote string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().Unmap(), true
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.Unmap(), true
	}
	return netip.Addr{}, false
}
