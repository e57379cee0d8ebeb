package xstream

import (
	"fmt"
	"net"
	"sync"

	"github.com/miekg/dns"

	"github.com/schwicke/xrootd/pkg/types"
)

// resolverConfig is loaded once from the system resolver configuration
// and reused by every lookup; re-parsing /etc/resolv.conf per call would
// make every connect attempt pay a filesystem read.
var (
	resolverOnce sync.Once
	resolverCfg  *dns.ClientConfig
)

func loadResolverConfig() *dns.ClientConfig {
	resolverOnce.Do(func() {
		cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil || cfg == nil || len(cfg.Servers) == 0 {
			cfg = &dns.ClientConfig{Servers: []string{"127.0.0.1"}, Port: "53"}
		}
		resolverCfg = cfg
	})
	return resolverCfg
}

// ResolveAddresses resolves host into the address families permitted by
// stack, in the order the resolver returned them. A bare IP literal in
// host short-circuits the lookup entirely.
func ResolveAddresses(host string, stack types.AddressType) ([]types.ResolvedAddr, error) {
	if ip := net.ParseIP(host); ip != nil {
		fam := types.IPv4
		if ip.To4() == nil {
			fam = types.IPv6
		}
		if !familyAllowed(fam, stack) {
			return nil, fmt.Errorf("xstream: literal address %s excluded by network stack %s", host, stack)
		}
		return []types.ResolvedAddr{{IP: ip, Family: fam}}, nil
	}

	var out []types.ResolvedAddr
	if familyAllowed(types.IPv4, stack) {
		addrs, err := lookup(host, dns.TypeA)
		if err != nil && stack == types.IPv4 {
			return nil, err
		}
		for _, ip := range addrs {
			out = append(out, types.ResolvedAddr{IP: ip, Family: types.IPv4})
		}
	}
	if familyAllowed(types.IPv6, stack) {
		addrs, err := lookup(host, dns.TypeAAAA)
		if err != nil && stack == types.IPv6 {
			return nil, err
		}
		for _, ip := range addrs {
			out = append(out, types.ResolvedAddr{IP: ip, Family: types.IPv6})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("xstream: no addresses resolved for %s", host)
	}
	return out, nil
}

// CollapseAutoStack resolves an IPAuto preference against local stack
// capability: a host that can bind neither or both families keeps
// IPAuto (dual-stack and "try both" behave identically here), a host
// that can only bind one collapses to it. Anything other than IPAuto is
// returned unchanged.
func CollapseAutoStack(stack types.AddressType) types.AddressType {
	if stack != types.IPAuto {
		return stack
	}
	v4 := canBindLoopback("tcp4", "127.0.0.1:0")
	v6 := canBindLoopback("tcp6", "[::1]:0")
	switch {
	case v4 && !v6:
		return types.IPv4
	case v6 && !v4:
		return types.IPv6
	default:
		return types.IPAuto
	}
}

func canBindLoopback(network, addr string) bool {
	l, err := net.Listen(network, addr)
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// familyAllowed reports whether fam may appear in a resolution performed
// under the given network stack preference. IPAuto and IPAll both admit
// either family here, since by the time a stack preference reaches
// ResolveAddresses, CollapseAutoStack has already resolved any
// construction-time IPAuto down to a concrete family where the kernel
// only supports one.
func familyAllowed(fam, stack types.AddressType) bool {
	switch stack {
	case types.IPv4:
		return fam == types.IPv4
	case types.IPv6:
		return fam == types.IPv6
	default:
		return true
	}
}

func lookup(host string, qtype uint16) ([]net.IP, error) {
	cfg := loadResolverConfig()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	c := new(dns.Client)
	server := net.JoinHostPort(cfg.Servers[0], cfg.Port)
	r, _, err := c.Exchange(m, server)
	if err != nil {
		return nil, fmt.Errorf("xstream: resolving %s: %w", host, err)
	}
	if r == nil || r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("xstream: resolving %s: rcode %d", host, rcodeOf(r))
	}

	var ips []net.IP
	for _, rr := range r.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			ips = append(ips, rec.A)
		case *dns.AAAA:
			ips = append(ips, rec.AAAA)
		}
	}
	return ips, nil
}

func rcodeOf(r *dns.Msg) int {
	if r == nil {
		return dns.RcodeServerFailure
	}
	return r.Rcode
}

// ResolveWorkList builds the address work-list for EnableLink's connect
// loop per the preference rule: addresses from the primary resolution
// that are not also in the preferred resolution come first, followed by
// every preferred address. The list is meant to be consumed back to
// front, so preferred addresses are tried first.
func ResolveWorkList(primary types.URL, prefer types.URL, stack types.AddressType) ([]types.ResolvedAddr, error) {
	primaryAddrs, err := ResolveAddresses(primary.Host(), stack)
	if err != nil {
		return nil, err
	}
	if prefer.IsZero() {
		return primaryAddrs, nil
	}

	preferredAddrs, err := ResolveAddresses(prefer.Host(), stack)
	if err != nil || len(preferredAddrs) == 0 {
		return primaryAddrs, nil
	}

	preferredSet := make(map[string]bool, len(preferredAddrs))
	for _, a := range preferredAddrs {
		preferredSet[a.String()] = true
	}

	work := make([]types.ResolvedAddr, 0, len(primaryAddrs)+len(preferredAddrs))
	for _, a := range primaryAddrs {
		if !preferredSet[a.String()] {
			work = append(work, a)
		}
	}
	work = append(work, preferredAddrs...)
	return work, nil
}
