// Package scanner runs the scan pipeline for a single host: reachability
// probe, port and service scan, vulnerability correlation and report
// extraction. A Scanner is owned by one goroutine and is not safe for
// concurrent use.
package scanner

import (
	"context"
	"net/netip"
	"strings"
	"time"

	"github.com/anstrom/porteye/internal/errors"
	"github.com/anstrom/porteye/internal/logging"
	"github.com/anstrom/porteye/internal/probe"
	"github.com/anstrom/porteye/internal/report"
	"github.com/anstrom/porteye/internal/resolve"
	"github.com/anstrom/porteye/internal/targets"
	"github.com/anstrom/porteye/internal/vulns"
)

// Default probe timeouts.
const (
	DefaultPingTimeout = 3 * time.Second
	DefaultScanTimeout = 5 * time.Minute
	resolveTimeout     = 2 * time.Second
)

// Config holds the settings and collaborators of a scanner. Nil
// collaborators are filled in at construction: fixtures when Mock is set,
// real network implementations otherwise.
type Config struct {
	IPv6        bool
	Mock        bool
	Privileged  bool
	Ports       string
	UDP         bool
	PingTimeout time.Duration
	ScanTimeout time.Duration

	Engine   probe.Engine
	Resolver resolve.Resolver
	Vulns    vulns.Source
	Logger   *logging.Logger
}

// WithDefaults selects timeouts and collaborators that were left unset.
func (c Config) WithDefaults() Config {
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = DefaultScanTimeout
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	if c.Engine == nil {
		if c.Mock {
			c.Engine = probe.NewMockEngine()
		} else {
			c.Engine = probe.NewNmapEngine(c.Privileged, c.PingTimeout, probe.WithLogger(c.Logger))
		}
	}
	if c.Resolver == nil {
		if c.Mock {
			c.Resolver = resolve.NewStaticResolver(resolve.Fixtures())
		} else {
			c.Resolver = resolve.NewDNSResolver(resolveTimeout)
		}
	}
	if c.Vulns == nil {
		c.Vulns = vulns.Default()
	}
	return c
}

// Scanner holds the pipeline state of one host.
type Scanner struct {
	addr   netip.Addr
	ipv6   bool
	cfg    Config
	logger *logging.Logger
	stage  Stage

	pinged bool
	pingOK bool

	scanned bool
	result  *probe.Result
	scanErr error

	vulnerabilities map[int][]report.Vulnerability
}

// New creates a scanner for host, which must be an IPv4 or IPv6 address.
func New(host string, cfg Config) (*Scanner, error) {
	addr, err := targets.ParseAddr(host)
	if err != nil {
		return nil, err
	}
	return FromAddr(addr, cfg)
}

// FromAddr creates a scanner for an already parsed address. An IPv4
// address declared as IPv6 is rejected; IPv6 addresses always scan as
// IPv6.
func FromAddr(addr netip.Addr, cfg Config) (*Scanner, error) {
	if !addr.IsValid() {
		return nil, errors.ErrInvalidHost(addr.String())
	}
	if cfg.IPv6 && addr.Is4() {
		return nil, errors.NewScanErrorWithTarget(errors.CodeInvalidHost, "Expected an IPv6 address", addr.String())
	}

	cfg = cfg.WithDefaults()
	return &Scanner{
		addr:            addr,
		ipv6:            addr.Is6(),
		cfg:             cfg,
		logger:          cfg.Logger.WithComponent("scanner").WithHost(addr.String()),
		vulnerabilities: map[int][]report.Vulnerability{},
	}, nil
}

// Addr returns the scanned address.
func (s *Scanner) Addr() netip.Addr {
	return s.addr
}

// Host returns the scanned address as text.
func (s *Scanner) Host() string {
	return s.addr.String()
}

// IPv6 reports whether the host is scanned over IPv6.
func (s *Scanner) IPv6() bool {
	return s.ipv6
}

// Privileged reports whether elevated probes were requested.
func (s *Scanner) Privileged() bool {
	return s.cfg.Privileged
}

// Stage returns how far the pipeline has progressed.
func (s *Scanner) Stage() Stage {
	return s.stage
}

func (s *Scanner) advance(stage Stage) {
	if stage > s.stage {
		s.stage = stage
	}
}

// IsLocal reports whether the host lies in a private, loopback or
// link-local range.
func (s *Scanner) IsLocal() bool {
	return targets.IsLocal(s.addr)
}

// RunPingTest probes reachability within the ping timeout. Engine errors
// count as unreachable.
func (s *Scanner) RunPingTest(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
	defer cancel()

	ok, err := s.cfg.Engine.Ping(ctx, s.addr)
	if err != nil {
		s.logger.Debug("Ping failed", "error", err)
		ok = false
	}

	s.pinged = true
	s.pingOK = ok
	s.advance(StagePingTested)
	return ok
}

// PingSucceeded reports whether a ping ran and got an answer.
func (s *Scanner) PingSucceeded() bool {
	return s.pinged && s.pingOK
}

// PerformScan scans the host's ports once; later calls return the cached
// outcome. The scan is skipped, leaving the host down, when a ping test
// failed and elevated probes were not requested. An engine failure is
// recorded as a down host and returned.
func (s *Scanner) PerformScan(ctx context.Context) error {
	if s.scanned {
		return s.scanErr
	}
	defer s.advance(StageScanned)
	s.scanned = true

	if s.pinged && !s.pingOK && !s.cfg.Privileged {
		s.logger.Debug("Skipping scan of unreachable host")
		s.result = probe.DownResult()
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.cfg.Engine.Scan(ctx, s.addr, probe.Options{
		Privileged: s.cfg.Privileged,
		IPv6:       s.ipv6,
		Ports:      s.cfg.Ports,
		UDP:        s.cfg.UDP,
		Timeout:    s.cfg.ScanTimeout,
	})
	if err != nil {
		s.result = probe.DownResult()
		s.scanErr = errors.ErrProbeFailed(s.Host(), "scan", err)
		return s.scanErr
	}
	if result == nil {
		result = probe.DownResult()
	}

	s.result = result
	s.logger.Debug("Scan finished",
		"state", result.State,
		"ports", len(result.Ports),
		"duration", time.Since(start))
	return nil
}

// Scanned reports whether PerformScan has run.
func (s *Scanner) Scanned() bool {
	return s.scanned
}

// ExtractPorts returns the open ports of the given protocol ("tcp" or
// "udp", any case) in scan order, each with the vulnerabilities found so
// far. Before a scan, or for a down host, the list is empty.
func (s *Scanner) ExtractPorts(protocol string) ([]report.PortReport, error) {
	proto := strings.ToLower(strings.TrimSpace(protocol))
	if proto != probe.ProtocolTCP && proto != probe.ProtocolUDP {
		return nil, errors.ErrInvalidProtocol(protocol)
	}

	ports := []report.PortReport{}
	if !s.result.IsUp() {
		return ports, nil
	}

	for _, p := range s.result.PortsFor(proto) {
		pr := report.NewPortReport(p.Number, p.Protocol, p.State, p.Service)
		pr.Vulnerabilities = append(pr.Vulnerabilities, s.vulnerabilities[p.Number]...)
		ports = append(ports, pr)
	}
	return ports, nil
}

// FindVulnerabilities correlates every scanned service with the
// vulnerability source. Each scanned port gets an entry, empty when the
// port has no service or no match. Entries are keyed by port number, so a
// TCP and a UDP port with the same number share one list, holding each
// CVE once.
func (s *Scanner) FindVulnerabilities() {
	defer s.advance(StageVulnerabilitiesFound)

	found := map[int][]report.Vulnerability{}
	if s.result.IsUp() {
		for _, p := range s.result.Ports {
			if _, ok := found[p.Number]; !ok {
				found[p.Number] = []report.Vulnerability{}
			}
			if p.Service == "" {
				continue
			}
			for _, v := range s.cfg.Vulns.Lookup(p.Service, p.Version) {
				if !containsCVE(found[p.Number], v) {
					found[p.Number] = append(found[p.Number], v)
				}
			}
		}
	}
	s.vulnerabilities = found
}

func containsCVE(list []report.Vulnerability, v report.Vulnerability) bool {
	for _, existing := range list {
		if existing.CVE == v.CVE && existing.Service == v.Service {
			return true
		}
	}
	return false
}

// Vulnerabilities returns a copy of the port to vulnerabilities mapping.
func (s *Scanner) Vulnerabilities() map[int][]report.Vulnerability {
	out := make(map[int][]report.Vulnerability, len(s.vulnerabilities))
	for port, list := range s.vulnerabilities {
		out[port] = append([]report.Vulnerability{}, list...)
	}
	return out
}

// ExtractHostReport assembles the host report from whatever the pipeline
// has gathered. Without a scan the host is up only if a ping succeeded.
func (s *Scanner) ExtractHostReport(ctx context.Context) report.HostReport {
	defer s.advance(StageReportExtracted)

	hr := report.HostReport{
		IP:    s.Host(),
		State: report.StateDown,
		Ports: []report.PortReport{},
	}

	switch {
	case s.result != nil:
		if s.result.IsUp() {
			hr.State = report.StateUp
		}
		hr.Hostname = s.result.Hostname
		// Hardware addresses are only meaningful on the local segment.
		if s.IsLocal() {
			hr.MAC = s.result.MAC
		}
	case s.PingSucceeded():
		hr.State = report.StateUp
	}

	if hr.Hostname == "" {
		hr.Hostname = s.cfg.Resolver.Resolve(ctx, s.addr)
	}

	if hr.State == report.StateUp {
		tcp, _ := s.ExtractPorts(probe.ProtocolTCP)
		udp, _ := s.ExtractPorts(probe.ProtocolUDP)
		hr.Ports = append(tcp, udp...)

		if s.cfg.Privileged && s.result != nil && s.result.OS != nil {
			hr.OperatingSystem = s.result.OS.Name
			hr.OperatingSystemAccuracy = s.result.OS.Accuracy
		}
	}

	return hr
}
