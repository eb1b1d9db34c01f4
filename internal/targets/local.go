package targets

import "net/netip"

var localPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// IsLocal reports whether addr lies in a private, loopback or link-local
// range. Shared address space (100.64.0.0/10) is not considered local.
func IsLocal(addr netip.Addr) bool {
	addr = addr.Unmap().WithZone("")
	for _, p := range localPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
