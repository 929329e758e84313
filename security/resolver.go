package security

import (
	"context"
	"net"
	"net/netip"
	"strings"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

var defaultHeaderPriority = []string{"x-real-ip", "x-forwarded-for"}

// resolveClientAddr returns the peer address, or the first forwarded
// address in headerPriority order when the peer is a trusted proxy.
func resolveClientAddr(ctx context.Context, md metadata.MD, trusted []netip.Prefix, headerPriority []string) (netip.Addr, bool) {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return netip.Addr{}, false
	}
	peerAddr, ok := parseNetAddr(p.Addr)
	if !ok {
		return netip.Addr{}, false
	}
	if containsAddr(trusted, peerAddr) {
		if fwd, ok := forwardedAddr(md, headerPriority); ok {
			return fwd, true
		}
	}
	return peerAddr, true
}

func parseNetAddr(addr net.Addr) (netip.Addr, bool) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		a, ok := netip.AddrFromSlice(tcp.IP)
		return a.Unmap(), ok
	}
	s := addr.String()
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}

// forwardedAddr takes the left-most valid address of the first header that
// has one.
func forwardedAddr(md metadata.MD, priority []string) (netip.Addr, bool) {
	for _, key := range priority {
		for _, v := range md.Get(key) {
			for part := range strings.SplitSeq(v, ",") {
				if a, err := netip.ParseAddr(strings.TrimSpace(part)); err == nil {
					return a.Unmap(), true
				}
			}
		}
	}
	return netip.Addr{}, false
}
