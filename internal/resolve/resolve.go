// Package resolve maps host addresses to hostnames and back. Reverse
// resolution never fails: an address without a name resolves to the empty
// string.
package resolve

import (
	"context"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/anstrom/porteye/internal/errors"
	"github.com/anstrom/porteye/internal/logging"
)

const (
	resolvConf     = "/etc/resolv.conf"
	fallbackServer = "127.0.0.1:53"
	defaultTimeout = 2 * time.Second
)

// Resolver looks up the hostname of an address.
type Resolver interface {
	Resolve(ctx context.Context, addr netip.Addr) string
}

// HostLookup finds the addresses of a hostname.
type HostLookup interface {
	LookupHost(ctx context.Context, name string) ([]netip.Addr, error)
}

// DNSResolver issues PTR queries against a list of DNS servers.
type DNSResolver struct {
	client  *dns.Client
	servers []string
	logger  *logging.Logger
}

// NewDNSResolver creates a resolver using the nameservers of
// /etc/resolv.conf, falling back to 127.0.0.1:53.
func NewDNSResolver(timeout time.Duration) *DNSResolver {
	var servers []string
	if cfg, err := dns.ClientConfigFromFile(resolvConf); err == nil {
		for _, s := range cfg.Servers {
			servers = append(servers, net.JoinHostPort(s, cfg.Port))
		}
	}
	return NewDNSResolverWithServers(servers, timeout)
}

// NewDNSResolverWithServers creates a resolver querying servers in order.
// Each server is a host:port pair.
func NewDNSResolverWithServers(servers []string, timeout time.Duration) *DNSResolver {
	if len(servers) == 0 {
		servers = []string{fallbackServer}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &DNSResolver{
		client:  &dns.Client{Timeout: timeout},
		servers: servers,
		logger:  logging.Default().WithComponent("resolver"),
	}
}

// Servers returns the servers queried by the resolver.
func (r *DNSResolver) Servers() []string {
	return append([]string(nil), r.servers...)
}

// Resolve returns the first PTR name of addr without its trailing dot.
func (r *DNSResolver) Resolve(ctx context.Context, addr netip.Addr) string {
	arpa, err := dns.ReverseAddr(addr.Unmap().String())
	if err != nil {
		return ""
	}

	msg := new(dns.Msg)
	msg.SetQuestion(arpa, dns.TypePTR)

	for _, server := range r.servers {
		if ctx.Err() != nil {
			return ""
		}
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			r.logger.Debug("PTR lookup failed", "host", addr.String(), "server", server, "error", err)
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			continue
		}
		for _, rr := range resp.Answer {
			if ptr, ok := rr.(*dns.PTR); ok {
				return strings.TrimSuffix(ptr.Ptr, ".")
			}
		}
		return ""
	}
	return ""
}

// LookupHost returns the A and AAAA records of name, IPv4 first, from the
// first server that answers. A name without records is an invalid host.
func (r *DNSResolver) LookupHost(ctx context.Context, name string) ([]netip.Addr, error) {
	fqdn := dns.Fqdn(strings.TrimSpace(name))
	if _, ok := dns.IsDomainName(fqdn); !ok {
		return nil, errors.ErrInvalidHost(name)
	}

	var addrs []netip.Addr
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, qtype)

		for _, server := range r.servers {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			resp, _, err := r.client.ExchangeContext(ctx, msg, server)
			if err != nil {
				r.logger.Debug("Host lookup failed", "name", name, "server", server, "error", err)
				continue
			}
			for _, rr := range resp.Answer {
				switch rec := rr.(type) {
				case *dns.A:
					if addr, ok := netip.AddrFromSlice(rec.A.To4()); ok {
						addrs = append(addrs, addr)
					}
				case *dns.AAAA:
					if addr, ok := netip.AddrFromSlice(rec.AAAA); ok {
						addrs = append(addrs, addr)
					}
				}
			}
			break
		}
	}

	if len(addrs) == 0 {
		return nil, errors.NewScanErrorWithTarget(errors.CodeInvalidHost, "Hostname has no addresses", name)
	}
	return addrs, nil
}

// StaticResolver answers from a fixed table keyed by address string.
type StaticResolver struct {
	names map[string]string
}

// NewStaticResolver creates a resolver over a copy of names.
func NewStaticResolver(names map[string]string) *StaticResolver {
	table := make(map[string]string, len(names))
	for k, v := range names {
		table[k] = v
	}
	return &StaticResolver{names: table}
}

// Resolve returns the table entry for addr.
func (r *StaticResolver) Resolve(_ context.Context, addr netip.Addr) string {
	return r.names[addr.String()]
}

// LookupHost returns every table address named name, IPv4 first.
func (r *StaticResolver) LookupHost(_ context.Context, name string) ([]netip.Addr, error) {
	name = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
	var addrs []netip.Addr
	for ip, n := range r.names {
		if n != name {
			continue
		}
		if addr, err := netip.ParseAddr(ip); err == nil {
			addrs = append(addrs, addr)
		}
	}
	if len(addrs) == 0 {
		return nil, errors.NewScanErrorWithTarget(errors.CodeInvalidHost, "Hostname has no addresses", name)
	}
	slices.SortFunc(addrs, netip.Addr.Compare)
	return addrs, nil
}

// Fixtures returns the names known to the mock pipeline.
func Fixtures() map[string]string {
	return map[string]string{
		"92.222.10.88":  "example.com",
		"127.0.0.1":     "localhost",
		"::1":           "localhost",
		"82.64.28.100":  "acne.bad",
		"192.168.1.254": "gateway.lan",
	}
}
