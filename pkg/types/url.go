package types

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// URL is an immutable endpoint descriptor: host, port, and the query
// parameters carried on an xroot:// URL. A single URL identifies a
// Stream; an optional "prefer" URL re-orders the resolved address list
// for that stream (see the address resolver in internal/xstream).
type URL struct {
	host   string
	port   int
	params map[string]string
}

// NewURL builds a URL from a host, a port and a flat parameter map. The
// parameter map is copied so the caller's map can be mutated freely
// afterward.
func NewURL(host string, port int, params map[string]string) URL {
	cp := make(map[string]string, len(params))
	for k, v := range params {
		cp[k] = v
	}
	return URL{host: host, port: port, params: cp}
}

// ParseURL parses an "xroot://host:port?k=v&k2=v2" style endpoint. The
// scheme is not validated, nor required to be present; callers that
// need scheme enforcement (e.g. "xroot" vs "xroots") must check it
// themselves before calling ParseURL.
func ParseURL(raw string) (URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return URL{}, fmt.Errorf("parse endpoint url: %w", err)
	}

	host := u.Hostname()
	if host == "" {
		return URL{}, fmt.Errorf("parse endpoint url: missing host in %q", raw)
	}

	port := 1094 // XRootD's conventional default port
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return URL{}, fmt.Errorf("parse endpoint url: invalid port %q: %w", p, err)
		}
		port = n
	}

	params := make(map[string]string, len(u.Query()))
	for k, vs := range u.Query() {
		if len(vs) > 0 {
			params[k] = vs[len(vs)-1]
		}
	}

	return URL{host: host, port: port, params: params}, nil
}

// Host returns the hostname or literal IP the URL resolves against.
func (u URL) Host() string { return u.host }

// Port returns the TCP port.
func (u URL) Port() int { return u.port }

// Param looks up a query parameter by key.
func (u URL) Param(key string) (string, bool) {
	v, ok := u.params[key]
	return v, ok
}

// Params returns a copy of the query parameter map.
func (u URL) Params() map[string]string {
	cp := make(map[string]string, len(u.params))
	for k, v := range u.params {
		cp[k] = v
	}
	return cp
}

// HostPort returns "host:port", suitable for net.Dial or net.Resolver
// lookups.
func (u URL) HostPort() string {
	return net.JoinHostPort(u.host, strconv.Itoa(u.port))
}

// IsZero reports whether u is the zero value (no host and no port set).
func (u URL) IsZero() bool {
	return u.host == "" && u.port == 0
}

// String renders the URL deterministically (params sorted by key) so it
// is safe to use as a map key's string form or in log output.
func (u URL) String() string {
	if u.IsZero() {
		return ""
	}
	var b strings.Builder
	b.WriteString("xroot://")
	b.WriteString(u.HostPort())
	if len(u.params) > 0 {
		keys := make([]string, 0, len(u.params))
		for k := range u.params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('?')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte('&')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(u.params[k])
		}
	}
	return b.String()
}

// Equal reports whether two URLs denote the same endpoint (host and
// port only — query parameters don't affect channel identity).
func (u URL) Equal(other URL) bool {
	return strings.EqualFold(u.host, other.host) && u.port == other.port
}

// AddressType selects which IP address families an address resolution
// should consider.
type AddressType int

const (
	// IPAuto lets the resolver pick based on local stack capability: if
	// the kernel lacks dual-stack support, AddressType collapses to
	// whichever family actually exists; otherwise it stays IPAuto and
	// both families are tried.
	IPAuto AddressType = iota
	IPv4
	IPv6
	IPAll
)

func (t AddressType) String() string {
	switch t {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	case IPAll:
		return "IPAll"
	case IPAuto:
		return "IPAuto"
	default:
		return "unknown"
	}
}

// ParseAddressType maps the NetworkStack query parameter value onto an
// AddressType, defaulting to IPAuto for anything unrecognized.
func ParseAddressType(s string) AddressType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ipv4", "v4":
		return IPv4
	case "ipv6", "v6":
		return IPv6
	case "ipall", "all":
		return IPAll
	default:
		return IPAuto
	}
}

// ResolvedAddr is one entry of an address resolution: a dialable network
// address paired with the family it belongs to.
type ResolvedAddr struct {
	IP     net.IP
	Family AddressType // IPv4 or IPv6, never IPAuto/IPAll
}

// Equal compares two resolved addresses by IP only — this is the
// equality CanCollapse relies on.
func (a ResolvedAddr) Equal(b ResolvedAddr) bool {
	return a.IP.Equal(b.IP)
}

func (a ResolvedAddr) String() string {
	return a.IP.String()
}
