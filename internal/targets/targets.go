// Package targets parses scan targets and expands networks into the hosts
// they contain. Expansion is lazy: a /8 is never materialized in memory.
package targets

import (
	"iter"
	"math"
	"math/big"
	"net/netip"
	"strings"

	"go4.org/netipx"

	"github.com/anstrom/porteye/internal/errors"
)

// ParseAddr parses a single IPv4 or IPv6 host address. Zones are rejected.
func ParseAddr(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil || addr.Zone() != "" {
		return netip.Addr{}, errors.ErrInvalidHost(s)
	}
	return addr, nil
}

// ParsePrefix parses a CIDR network. Host bits are masked off, so
// "192.168.0.1/30" and "192.168.0.0/30" denote the same network.
func ParsePrefix(s string) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(strings.TrimSpace(s))
	if err != nil {
		return netip.Prefix{}, errors.ErrInvalidNetwork(s, err)
	}
	return prefix.Masked(), nil
}

// Hosts yields the usable host addresses of p in ascending order. For IPv4
// the network and broadcast addresses are skipped; for IPv6 only the
// network (subnet-router anycast) address is. /31 and /127 yield both
// addresses, /32 and /128 yield the single address. The sequence may be
// iterated any number of times.
func Hosts(p netip.Prefix) iter.Seq[netip.Addr] {
	return func(yield func(netip.Addr) bool) {
		if !p.IsValid() {
			return
		}
		first, last := hostBounds(p)
		for addr := first; addr.IsValid(); addr = addr.Next() {
			if !yield(addr) || addr == last {
				return
			}
		}
	}
}

// hostBounds returns the first and last host address of p.
func hostBounds(p netip.Prefix) (netip.Addr, netip.Addr) {
	r := netipx.RangeOfPrefix(p)
	first, last := r.From(), r.To()
	hostBits := p.Addr().BitLen() - p.Bits()

	switch {
	case hostBits <= 1:
		return first, last
	case p.Addr().Is4():
		return first.Next(), last.Prev()
	default:
		return first.Next(), last
	}
}

// HostCount returns the number of addresses Hosts(p) yields, saturating
// at math.MaxUint64.
func HostCount(p netip.Prefix) uint64 {
	if !p.IsValid() {
		return 0
	}
	hostBits := p.Addr().BitLen() - p.Bits()
	switch {
	case hostBits == 0:
		return 1
	case hostBits == 1:
		return 2
	case hostBits >= 64:
		return math.MaxUint64
	}

	size := uint64(1) << hostBits
	if p.Addr().Is4() {
		return size - 2
	}
	return size - 1
}

// hostCountBig is HostCount without saturation.
func hostCountBig(p netip.Prefix) *big.Int {
	hostBits := p.Addr().BitLen() - p.Bits()
	switch hostBits {
	case 0:
		return big.NewInt(1)
	case 1:
		return big.NewInt(2)
	}
	size := new(big.Int).Lsh(big.NewInt(1), uint(hostBits))
	if p.Addr().Is4() {
		return size.Sub(size, big.NewInt(2))
	}
	return size.Sub(size, big.NewInt(1))
}
