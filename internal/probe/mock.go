package probe

import (
	"context"
	"net/netip"
	"slices"
)

// fixture describes how the mock engine answers for one host.
type fixture struct {
	ping bool
	// privilegedOnly hosts appear down unless the scan is privileged.
	privilegedOnly bool
	hostname       string
	mac            string
	ports          []Port
	os             *OSMatch
}

var fixtures = map[string]fixture{
	"127.0.0.1": {
		ping:     true,
		hostname: "localhost",
		ports: []Port{
			{Number: 22, Protocol: ProtocolTCP, State: "open", Service: "ssh"},
			{Number: 631, Protocol: ProtocolTCP, State: "open", Service: "ipp"},
			{Number: 53, Protocol: ProtocolUDP, State: "open", Service: "domain"},
		},
	},
	"192.168.1.254": {
		ping:     true,
		hostname: "gateway.lan",
		mac:      "00:16:3e:5a:10:88",
		ports: []Port{
			{Number: 53, Protocol: ProtocolTCP, State: "open", Service: "domain"},
			{Number: 80, Protocol: ProtocolTCP, State: "open", Service: "http"},
		},
	},
	"92.222.10.88": {
		ping: true,
		ports: []Port{
			{Number: 22, Protocol: ProtocolTCP, State: "open", Service: "ssh"},
			{Number: 80, Protocol: ProtocolTCP, State: "open", Service: "http"},
			{Number: 443, Protocol: ProtocolTCP, State: "open", Service: "nginx", Version: "1.10.3"},
		},
		os: &OSMatch{Name: "linux 3.7 - 3.10", Accuracy: "100"},
	},
	"82.64.28.100": {
		privilegedOnly: true,
		ports: []Port{
			{Number: 22, Protocol: ProtocolTCP, State: "open", Service: "ssh"},
			{Number: 80, Protocol: ProtocolTCP, State: "open", Service: "http"},
			{Number: 443, Protocol: ProtocolTCP, State: "open", Service: "https"},
		},
	},
	"192.0.2.1": {},
	"::1": {
		ping:     true,
		hostname: "localhost",
		ports: []Port{
			{Number: 22, Protocol: ProtocolTCP, State: "open", Service: "ssh"},
		},
	},
	"2a01:e0a:129:5ed0:211:32ff:fe2d:68da": {
		ping: true,
		ports: []Port{
			{Number: 80, Protocol: ProtocolTCP, State: "open", Service: "http"},
		},
	},
}

// MockEngine answers from built-in fixtures without any network I/O.
// Unknown hosts never answer.
type MockEngine struct{}

// NewMockEngine creates a fixture-backed engine.
func NewMockEngine() *MockEngine {
	return &MockEngine{}
}

// Ping reports the fixture's reachability.
func (m *MockEngine) Ping(ctx context.Context, addr netip.Addr) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return fixtures[addr.String()].ping, nil
}

// Scan returns the fixture's ports. UDP ports are included only when
// requested and the OS guess only for privileged scans.
func (m *MockEngine) Scan(ctx context.Context, addr netip.Addr, opts Options) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, ok := fixtures[addr.String()]
	if !ok || (!f.ping && !f.privilegedOnly) || (f.privilegedOnly && !opts.Privileged) {
		return DownResult(), nil
	}

	result := &Result{
		Hostname: f.hostname,
		MAC:      f.mac,
		State:    StateUp,
		Ports:    make([]Port, 0, len(f.ports)),
	}
	for _, p := range f.ports {
		if p.Protocol == ProtocolUDP && !opts.UDP {
			continue
		}
		result.Ports = append(result.Ports, p)
	}
	if opts.Privileged && f.os != nil {
		osMatch := *f.os
		result.OS = &osMatch
	}
	return result, nil
}

// MockHosts lists the hosts the mock engine has fixtures for.
func MockHosts() []string {
	hosts := make([]string, 0, len(fixtures))
	for h := range fixtures {
		hosts = append(hosts, h)
	}
	slices.Sort(hosts)
	return hosts
}
