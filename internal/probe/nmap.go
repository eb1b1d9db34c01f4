package probe

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/Ullaakut/nmap/v3"

	"github.com/anstrom/porteye/internal/logging"
)

// Timeout thresholds used to pick an nmap timing template.
const (
	fastTimeout   = 30 * time.Second
	normalTimeout = 2 * time.Minute
	pingCount     = 2
)

// NmapEngine scans hosts with the nmap binary and pings them with a Pinger.
type NmapEngine struct {
	pinger Pinger
	logger *logging.Logger
}

// NmapOption configures an NmapEngine.
type NmapOption func(*NmapEngine)

// WithPinger replaces the default ICMP pinger.
func WithPinger(p Pinger) NmapOption {
	return func(e *NmapEngine) {
		e.pinger = p
	}
}

// WithLogger sets the logger used for nmap warnings.
func WithLogger(l *logging.Logger) NmapOption {
	return func(e *NmapEngine) {
		e.logger = l
	}
}

// NewNmapEngine creates an engine backed by nmap. privileged selects raw
// ICMP sockets for the default pinger.
func NewNmapEngine(privileged bool, pingTimeout time.Duration, opts ...NmapOption) *NmapEngine {
	e := &NmapEngine{
		pinger: NewICMPPinger(pingCount, pingTimeout, privileged),
		logger: logging.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithComponent("nmap")
	return e
}

// Ping delegates to the configured pinger.
func (e *NmapEngine) Ping(ctx context.Context, addr netip.Addr) (bool, error) {
	return e.pinger.Ping(ctx, addr)
}

// Scan runs nmap against addr and converts the first host of the run.
func (e *NmapEngine) Scan(ctx context.Context, addr netip.Addr, opts Options) (*Result, error) {
	scanner, err := nmap.NewScanner(ctx, buildScanOptions(addr, opts)...)
	if err != nil {
		return nil, fmt.Errorf("create scanner: %w", err)
	}

	run, warnings, err := scanner.Run()
	if warnings != nil && len(*warnings) > 0 {
		e.logger.Warn("Scan completed with warnings", "host", addr.String(), "warnings", *warnings)
	}
	if err != nil {
		return nil, fmt.Errorf("run scan: %w", err)
	}

	if run == nil || len(run.Hosts) == 0 {
		return DownResult(), nil
	}
	return convertNmapHost(&run.Hosts[0]), nil
}

// buildScanOptions creates nmap options for a single-host scan.
func buildScanOptions(addr netip.Addr, opts Options) []nmap.Option {
	options := []nmap.Option{
		nmap.WithTargets(addr.String()),
		nmap.WithPorts(portSpec(opts)),
		nmap.WithServiceInfo(),
		nmap.WithDisabledDNSResolution(),
	}

	if opts.IPv6 {
		options = append(options, nmap.WithIPv6Scanning())
	}

	if opts.Privileged {
		options = append(options,
			nmap.WithSkipHostDiscovery(),
			nmap.WithSYNScan(),
			nmap.WithOSDetection(),
		)
		if opts.UDP {
			options = append(options, nmap.WithUDPScan())
		}
	} else {
		options = append(options, nmap.WithConnectScan())
	}

	if opts.Timeout > 0 {
		options = append(options, nmap.WithHostTimeout(opts.Timeout))
		switch {
		case opts.Timeout <= fastTimeout:
			options = append(options, nmap.WithTimingTemplate(nmap.TimingAggressive))
		case opts.Timeout <= normalTimeout:
			options = append(options, nmap.WithTimingTemplate(nmap.TimingNormal))
		default:
			options = append(options, nmap.WithTimingTemplate(nmap.TimingPolite))
		}
	}

	return options
}

// portSpec prefixes the port list for combined TCP and UDP scans. nmap
// only scans UDP ports named with a U: qualifier.
func portSpec(opts Options) string {
	spec := opts.PortSpec()
	if opts.Privileged && opts.UDP {
		return fmt.Sprintf("T:%s,U:%s", spec, spec)
	}
	return spec
}

// convertNmapHost converts a single nmap host to a Result, keeping only
// open ports.
func convertNmapHost(h *nmap.Host) *Result {
	result := &Result{
		State: StateDown,
		Ports: make([]Port, 0, len(h.Ports)),
	}
	if h.Status.State == StateUp {
		result.State = StateUp
	}

	if len(h.Hostnames) > 0 {
		result.Hostname = h.Hostnames[0].Name
	}
	for _, addr := range h.Addresses {
		if addr.AddrType == "mac" {
			result.MAC = addr.Addr
			break
		}
	}

	for j := range h.Ports {
		p := &h.Ports[j]
		if p.State.State != "open" {
			continue
		}
		result.Ports = append(result.Ports, Port{
			Number:   int(p.ID),
			Protocol: p.Protocol,
			State:    p.State.State,
			Service:  serviceName(p.Service.Name, p.Service.Product),
			Version:  p.Service.Version,
		})
	}

	if len(h.OS.Matches) > 0 {
		best := h.OS.Matches[0]
		result.OS = &OSMatch{
			Name:     best.Name,
			Accuracy: fmt.Sprint(best.Accuracy),
		}
	}

	if result.State != StateUp {
		result.Ports = result.Ports[:0]
	}
	return result
}

// serviceName prefers the detected product ("nginx") over nmap's generic
// service name ("http").
func serviceName(name, product string) string {
	if product != "" {
		return product
	}
	return name
}
