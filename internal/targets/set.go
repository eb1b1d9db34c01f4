package targets

import (
	"fmt"
	"iter"
	"math"
	"math/big"
	"net/netip"
	"strings"

	"github.com/anstrom/porteye/internal/errors"
)

// Set is the full list of targets of one run.
type Set struct {
	IPv4Hosts    []netip.Addr
	IPv6Hosts    []netip.Addr
	IPv4Networks []netip.Prefix
	IPv6Networks []netip.Prefix
}

// ParseSet parses the four target lists, checking the address family of
// every entry against the list it was supplied in.
func ParseSet(ipv4Hosts, ipv6Hosts, ipv4Networks, ipv6Networks []string) (Set, error) {
	var set Set

	for _, s := range ipv4Hosts {
		addr, err := ParseAddr(s)
		if err != nil {
			return Set{}, err
		}
		if !addr.Is4() {
			return Set{}, errors.NewScanErrorWithTarget(errors.CodeInvalidHost, "Expected an IPv4 address", s)
		}
		set.IPv4Hosts = append(set.IPv4Hosts, addr)
	}

	for _, s := range ipv6Hosts {
		addr, err := ParseAddr(s)
		if err != nil {
			return Set{}, err
		}
		if !addr.Is6() {
			return Set{}, errors.NewScanErrorWithTarget(errors.CodeInvalidHost, "Expected an IPv6 address", s)
		}
		set.IPv6Hosts = append(set.IPv6Hosts, addr)
	}

	for _, s := range ipv4Networks {
		prefix, err := ParsePrefix(s)
		if err != nil {
			return Set{}, err
		}
		if !prefix.Addr().Is4() {
			return Set{}, errors.ErrInvalidNetwork(s, fmt.Errorf("expected an IPv4 network"))
		}
		set.IPv4Networks = append(set.IPv4Networks, prefix)
	}

	for _, s := range ipv6Networks {
		prefix, err := ParsePrefix(s)
		if err != nil {
			return Set{}, err
		}
		if !prefix.Addr().Is6() {
			return Set{}, errors.ErrInvalidNetwork(s, fmt.Errorf("expected an IPv6 network"))
		}
		set.IPv6Networks = append(set.IPv6Networks, prefix)
	}

	return set, nil
}

// Add classifies s as a host or a network of either family and appends it
// to the matching list.
func (s *Set) Add(target string) error {
	target = strings.TrimSpace(target)
	if strings.Contains(target, "/") {
		prefix, err := ParsePrefix(target)
		if err != nil {
			return err
		}
		if prefix.Addr().Is4() {
			s.IPv4Networks = append(s.IPv4Networks, prefix)
		} else {
			s.IPv6Networks = append(s.IPv6Networks, prefix)
		}
		return nil
	}

	addr, err := ParseAddr(target)
	if err != nil {
		return err
	}
	if addr.Is4() {
		s.IPv4Hosts = append(s.IPv4Hosts, addr)
	} else {
		s.IPv6Hosts = append(s.IPv6Hosts, addr)
	}
	return nil
}

// IsEmpty reports whether the set names no target at all.
func (s Set) IsEmpty() bool {
	return len(s.IPv4Hosts) == 0 && len(s.IPv6Hosts) == 0 &&
		len(s.IPv4Networks) == 0 && len(s.IPv6Networks) == 0
}

// Count returns the number of hosts All yields. A total that does not fit
// in an int is a configuration error.
func (s Set) Count() (int, error) {
	total := big.NewInt(int64(len(s.IPv4Hosts) + len(s.IPv6Hosts)))
	for _, p := range s.IPv4Networks {
		total.Add(total, hostCountBig(p))
	}
	for _, p := range s.IPv6Networks {
		total.Add(total, hostCountBig(p))
	}

	if !total.IsInt64() || total.Int64() > math.MaxInt {
		return 0, errors.NewConfigError(errors.CodeConfiguration,
			fmt.Sprintf("Target set expands to %s hosts, which is too many to scan", total.String()))
	}
	return int(total.Int64()), nil
}

// All yields every host of the set together with its IPv6 flag: explicit
// IPv4 hosts, explicit IPv6 hosts, then the hosts of each IPv4 and IPv6
// network. Duplicates are not removed.
func (s Set) All() iter.Seq2[netip.Addr, bool] {
	return func(yield func(netip.Addr, bool) bool) {
		for _, addr := range s.IPv4Hosts {
			if !yield(addr, false) {
				return
			}
		}
		for _, addr := range s.IPv6Hosts {
			if !yield(addr, true) {
				return
			}
		}
		for _, p := range s.IPv4Networks {
			for addr := range Hosts(p) {
				if !yield(addr, false) {
					return
				}
			}
		}
		for _, p := range s.IPv6Networks {
			for addr := range Hosts(p) {
				if !yield(addr, true) {
					return
				}
			}
		}
	}
}

// Strings returns the set in the four textual lists ParseSet accepts.
func (s Set) Strings() (ipv4Hosts, ipv6Hosts, ipv4Networks, ipv6Networks []string) {
	for _, a := range s.IPv4Hosts {
		ipv4Hosts = append(ipv4Hosts, a.String())
	}
	for _, a := range s.IPv6Hosts {
		ipv6Hosts = append(ipv6Hosts, a.String())
	}
	for _, p := range s.IPv4Networks {
		ipv4Networks = append(ipv4Networks, p.String())
	}
	for _, p := range s.IPv6Networks {
		ipv6Networks = append(ipv6Networks, p.String())
	}
	return ipv4Hosts, ipv6Hosts, ipv4Networks, ipv6Networks
}
