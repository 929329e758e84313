// Package security filters catalog callers by origin address.
package security

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"google.golang.org/grpc/metadata"
)

// Mode selects how the CIDR list is applied.
type Mode int

const (
	// AllowList admits only addresses inside one of the CIDRs.
	AllowList Mode = iota
	// DenyList rejects addresses inside any of the CIDRs.
	DenyList
)

func (m Mode) String() string {
	if m == DenyList {
		return "deny"
	}
	return "allow"
}

// ParseMode accepts "allow" or "deny".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return AllowList, nil
	case "deny":
		return DenyList, nil
	default:
		return 0, fmt.Errorf("security: unknown mode %q", s)
	}
}

// Config describes an IPBlocker.
type Config struct {
	Mode  Mode
	CIDRs []string
	// TrustedProxies are the peers whose forwarding headers are believed.
	TrustedProxies []string
	// HeaderPriority lists the forwarding headers in lookup order. Empty means
	// x-real-ip, then x-forwarded-for.
	HeaderPriority []string
}

// IPBlocker decides whether a caller's address may use the catalog.
type IPBlocker struct {
	mode           Mode
	cidrs          []netip.Prefix
	trustedProxies []netip.Prefix
	headerPriority []string
}

// NewIPBlocker parses cfg. Bare addresses are single-host prefixes.
func NewIPBlocker(cfg Config) (*IPBlocker, error) {
	cidrs, err := parsePrefixes(cfg.CIDRs)
	if err != nil {
		return nil, fmt.Errorf("security: invalid CIDR: %w", err)
	}
	proxies, err := parsePrefixes(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("security: invalid trusted proxy: %w", err)
	}
	hp := cfg.HeaderPriority
	if len(hp) == 0 {
		hp = defaultHeaderPriority
	}
	return &IPBlocker{
		mode:           cfg.Mode,
		cidrs:          cidrs,
		trustedProxies: proxies,
		headerPriority: hp,
	}, nil
}

// Evaluate resolves the caller's address and reports whether it is allowed.
// A caller whose address cannot be determined is denied.
func (b *IPBlocker) Evaluate(ctx context.Context, md metadata.MD) (netip.Addr, bool) {
	addr, ok := resolveClientAddr(ctx, md, b.trustedProxies, b.headerPriority)
	if !ok {
		return netip.Addr{}, false
	}
	matched := containsAddr(b.cidrs, addr)
	if b.mode == DenyList {
		return addr, !matched
	}
	return addr, matched
}

func containsAddr(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parsePrefixes(raw []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			addr, aerr := netip.ParseAddr(s)
			if aerr != nil {
				return nil, fmt.Errorf("%q: %w", s, err)
			}
			p = netip.PrefixFrom(addr, addr.BitLen())
		}
		out = append(out, p.Masked())
	}
	return out, nil
}
