// Package probe defines the capability porteye uses to talk to the network:
// a reachability check and a port/service scan of a single host. The real
// engine drives nmap; the mock engine answers from fixtures.
package probe

//go:generate mockgen -destination=mocks/mock_engine.go -package=mocks github.com/anstrom/porteye/internal/probe Engine

import (
	"context"
	"net/netip"
	"strings"
	"time"
)

// Transport protocols.
const (
	ProtocolTCP = "tcp"
	ProtocolUDP = "udp"
)

// Host states reported by a scan.
const (
	StateUp   = "up"
	StateDown = "down"
)

// DefaultPorts is the port specification used when none is configured.
const DefaultPorts = "1-1024"

// Engine is the network probing capability used by a scanner.
type Engine interface {
	// Ping reports whether addr answers a reachability probe.
	Ping(ctx context.Context, addr netip.Addr) (bool, error)
	// Scan enumerates the open ports and services of addr.
	Scan(ctx context.Context, addr netip.Addr, opts Options) (*Result, error)
}

// Options tune a single Scan call.
type Options struct {
	Privileged bool
	IPv6       bool
	Ports      string
	UDP        bool
	Timeout    time.Duration
}

// PortSpec returns the configured port specification or DefaultPorts.
func (o Options) PortSpec() string {
	if strings.TrimSpace(o.Ports) == "" {
		return DefaultPorts
	}
	return o.Ports
}

// Port is one open port found by a scan.
type Port struct {
	Number   int
	Protocol string
	State    string
	Service  string
	Version  string
}

// OSMatch is the best operating system guess. Both fields are opaque text.
type OSMatch struct {
	Name     string
	Accuracy string
}

// Result is the outcome of scanning a single host.
type Result struct {
	Hostname string
	MAC      string
	State    string
	Ports    []Port
	OS       *OSMatch
}

// DownResult is the result recorded for a host that did not answer.
func DownResult() *Result {
	return &Result{State: StateDown, Ports: []Port{}}
}

// IsUp reports whether the scanned host answered.
func (r *Result) IsUp() bool {
	return r != nil && r.State == StateUp
}

// PortsFor returns the ports of the given protocol in scan order.
func (r *Result) PortsFor(protocol string) []Port {
	if r == nil {
		return nil
	}
	var out []Port
	for _, p := range r.Ports {
		if p.Protocol == protocol {
			out = append(out, p)
		}
	}
	return out
}
