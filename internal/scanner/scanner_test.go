package scanner

import (
	"context"
	"fmt"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/porteye/internal/errors"
	"github.com/anstrom/porteye/internal/logging"
	"github.com/anstrom/porteye/internal/probe"
	"github.com/anstrom/porteye/internal/probe/mocks"
	"github.com/anstrom/porteye/internal/report"
	"github.com/anstrom/porteye/internal/resolve"
	"github.com/anstrom/porteye/internal/vulns"
)

func mockConfig() Config {
	return Config{Mock: true, Logger: logging.NewDiscard()}
}

func newMockScanner(t *testing.T, host string, cfg Config) *Scanner {
	t.Helper()
	s, err := New(host, cfg)
	require.NoError(t, err)
	return s
}

func runPipeline(ctx context.Context, s *Scanner) report.HostReport {
	s.RunPingTest(ctx)
	_ = s.PerformScan(ctx)
	s.FindVulnerabilities()
	return s.ExtractHostReport(ctx)
}

func TestNew(t *testing.T) {
	t.Run("invalid host", func(t *testing.T) {
		s, err := New("fake", mockConfig())
		assert.Nil(t, s)
		assert.True(t, errors.IsCode(err, errors.CodeInvalidHost))
	})

	t.Run("ipv6 flag on ipv4 address", func(t *testing.T) {
		cfg := mockConfig()
		cfg.IPv6 = true
		_, err := New("127.0.0.1", cfg)
		assert.True(t, errors.IsCode(err, errors.CodeInvalidHost))
	})

	t.Run("ipv6 inferred", func(t *testing.T) {
		s := newMockScanner(t, "::1", mockConfig())
		assert.True(t, s.IPv6())
		assert.Equal(t, StageCreated, s.Stage())
	})

	t.Run("invalid addr", func(t *testing.T) {
		_, err := FromAddr(netip.Addr{}, mockConfig())
		assert.True(t, errors.IsCode(err, errors.CodeInvalidHost))
	})

	t.Run("mock collaborators", func(t *testing.T) {
		s := newMockScanner(t, "127.0.0.1", mockConfig())
		assert.IsType(t, &probe.MockEngine{}, s.cfg.Engine)
		assert.IsType(t, &resolve.StaticResolver{}, s.cfg.Resolver)
		assert.Equal(t, DefaultPingTimeout, s.cfg.PingTimeout)
	})

	t.Run("real collaborators", func(t *testing.T) {
		s := newMockScanner(t, "127.0.0.1", Config{Logger: logging.NewDiscard()})
		assert.IsType(t, &probe.NmapEngine{}, s.cfg.Engine)
		assert.IsType(t, &resolve.DNSResolver{}, s.cfg.Resolver)
	})
}

func TestIsLocal(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"127.0.0.1", true},
		{"192.168.1.20", true},
		{"::1", true},
		{"92.222.10.88", false},
		{"82.64.28.100", false},
		{"2a01:e0a:129:5ed0:211:32ff:fe2d:68da", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, newMockScanner(t, tt.host, mockConfig()).IsLocal())
		})
	}
}

func TestRunPingTest(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		host string
		want bool
	}{
		{"92.222.10.88", true},
		{"127.0.0.1", true},
		{"::1", true},
		{"2a01:e0a:129:5ed0:211:32ff:fe2d:68da", true},
		{"82.64.28.100", false},
		{"192.0.2.1", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			s := newMockScanner(t, tt.host, mockConfig())
			assert.Equal(t, tt.want, s.RunPingTest(ctx))
			assert.Equal(t, StagePingTested, s.Stage())
		})
	}
}

func TestExtractPorts(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid protocol", func(t *testing.T) {
		s := newMockScanner(t, "127.0.0.1", mockConfig())
		_, err := s.ExtractPorts("http")
		assert.True(t, errors.IsCode(err, errors.CodeInvalidProtocol))
	})

	t.Run("before scan", func(t *testing.T) {
		s := newMockScanner(t, "127.0.0.1", mockConfig())
		for _, proto := range []string{"tcp", "TCP", "udp", "UDP"} {
			ports, err := s.ExtractPorts(proto)
			require.NoError(t, err)
			assert.NotNil(t, ports)
			assert.Empty(t, ports)
		}
	})

	t.Run("after scan", func(t *testing.T) {
		cfg := mockConfig()
		cfg.UDP = true
		s := newMockScanner(t, "127.0.0.1", cfg)
		require.NoError(t, s.PerformScan(ctx))

		tcp, err := s.ExtractPorts("TCP")
		require.NoError(t, err)
		require.Len(t, tcp, 2)
		assert.Equal(t, 22, tcp[0].PortNumber)
		assert.Equal(t, 631, tcp[1].PortNumber)
		assert.NotNil(t, tcp[0].Vulnerabilities)

		udp, err := s.ExtractPorts("udp")
		require.NoError(t, err)
		require.Len(t, udp, 1)
		assert.Equal(t, "domain", udp[0].Service)
	})
}

func TestFindVulnerabilities(t *testing.T) {
	ctx := context.Background()

	t.Run("before scan", func(t *testing.T) {
		s := newMockScanner(t, "92.222.10.88", mockConfig())
		s.FindVulnerabilities()
		assert.Empty(t, s.Vulnerabilities())
	})

	t.Run("one entry per port", func(t *testing.T) {
		s := newMockScanner(t, "92.222.10.88", mockConfig())
		require.NoError(t, s.PerformScan(ctx))
		s.FindVulnerabilities()

		found := s.Vulnerabilities()
		assert.Len(t, found, 3)
		assert.Empty(t, found[22])
		assert.Empty(t, found[80])
		require.Len(t, found[443], 1)
		assert.Equal(t, "CVE-2007-6750", found[443][0].CVE)
		assert.Equal(t, StageVulnerabilitiesFound, s.Stage())
	})

	t.Run("copy is detached", func(t *testing.T) {
		s := newMockScanner(t, "92.222.10.88", mockConfig())
		require.NoError(t, s.PerformScan(ctx))
		s.FindVulnerabilities()

		found := s.Vulnerabilities()
		found[443][0].CVE = "changed"
		delete(found, 22)

		again := s.Vulnerabilities()
		assert.Equal(t, "CVE-2007-6750", again[443][0].CVE)
		assert.Contains(t, again, 22)
	})

	t.Run("down host", func(t *testing.T) {
		s := newMockScanner(t, "192.0.2.1", mockConfig())
		require.NoError(t, s.PerformScan(ctx))
		s.FindVulnerabilities()
		assert.Empty(t, s.Vulnerabilities())
	})
}

func TestPublicHostPipeline(t *testing.T) {
	ctx := context.Background()
	s := newMockScanner(t, "92.222.10.88", mockConfig())

	hr := runPipeline(ctx, s)

	assert.Equal(t, "example.com", hr.Hostname)
	assert.Equal(t, "92.222.10.88", hr.IP)
	assert.Equal(t, report.StateUp, hr.State)
	require.Len(t, hr.Ports, 3)
	assert.Equal(t, []int{22, 80, 443}, []int{hr.Ports[0].PortNumber, hr.Ports[1].PortNumber, hr.Ports[2].PortNumber})

	https := hr.Ports[2]
	assert.Equal(t, "nginx", https.Service)
	require.Len(t, https.Vulnerabilities, 1)
	assert.Equal(t, report.Vulnerability{
		Service:     "nginx",
		CVE:         "CVE-2007-6750",
		Description: "Slowloris DOS attack",
		Link:        "https://cve.mitre.org/cgi-bin/cvename.cgi?name=CVE-2007-6750",
	}, https.Vulnerabilities[0])

	assert.Empty(t, hr.OperatingSystem, "OS requires elevated probes")
	assert.Empty(t, hr.OperatingSystemAccuracy)
	assert.Empty(t, hr.MAC, "public hosts have no hardware address")
	assert.Equal(t, StageReportExtracted, s.Stage())
}

func TestLocalHostReportsMAC(t *testing.T) {
	s := newMockScanner(t, "192.168.1.254", mockConfig())

	hr := runPipeline(context.Background(), s)

	assert.True(t, s.IsLocal())
	assert.Equal(t, "gateway.lan", hr.Hostname)
	assert.Equal(t, "00:16:3e:5a:10:88", hr.MAC)
}

func TestPrivilegedPipeline(t *testing.T) {
	ctx := context.Background()
	cfg := mockConfig()
	cfg.Privileged = true

	t.Run("os fingerprint", func(t *testing.T) {
		hr := runPipeline(ctx, newMockScanner(t, "92.222.10.88", cfg))
		assert.Equal(t, "linux 3.7 - 3.10", hr.OperatingSystem)
		assert.Equal(t, "100", hr.OperatingSystemAccuracy)
	})

	t.Run("host dropping pings", func(t *testing.T) {
		s := newMockScanner(t, "82.64.28.100", cfg)
		assert.False(t, s.RunPingTest(ctx))
		require.NoError(t, s.PerformScan(ctx))
		s.FindVulnerabilities()
		hr := s.ExtractHostReport(ctx)

		assert.Equal(t, report.StateUp, hr.State)
		assert.Equal(t, "acne.bad", hr.Hostname)
		assert.Len(t, hr.Ports, 3)
	})
}

func TestUnreachableHost(t *testing.T) {
	ctx := context.Background()

	t.Run("documentation address", func(t *testing.T) {
		hr := runPipeline(ctx, newMockScanner(t, "192.0.2.1", mockConfig()))
		assert.Equal(t, report.StateDown, hr.State)
		assert.Empty(t, hr.Ports)
		assert.NotNil(t, hr.Ports)
		assert.Empty(t, hr.OperatingSystem)
	})

	t.Run("unprivileged scan skipped after failed ping", func(t *testing.T) {
		s := newMockScanner(t, "82.64.28.100", mockConfig())
		hr := runPipeline(ctx, s)
		assert.Equal(t, report.StateDown, hr.State)
		assert.Equal(t, "acne.bad", hr.Hostname)
		assert.True(t, s.Scanned())
	})
}

func TestExtractHostReportWithoutScan(t *testing.T) {
	ctx := context.Background()

	s := newMockScanner(t, "127.0.0.1", mockConfig())
	hr := s.ExtractHostReport(ctx)
	assert.Equal(t, report.StateDown, hr.State)
	assert.Equal(t, "localhost", hr.Hostname)

	s = newMockScanner(t, "127.0.0.1", mockConfig())
	require.True(t, s.RunPingTest(ctx))
	hr = s.ExtractHostReport(ctx)
	assert.Equal(t, report.StateUp, hr.State)
	assert.Empty(t, hr.Ports)
}

func TestPerformScanCachesResult(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockEngine(ctrl)
	addr := netip.MustParseAddr("10.0.0.5")

	engine.EXPECT().
		Scan(gomock.Any(), addr, gomock.Any()).
		Return(&probe.Result{
			State: probe.StateUp,
			Ports: []probe.Port{{Number: 8080, Protocol: "tcp", State: "open", Service: "nginx"}},
		}, nil).
		Times(1)

	s, err := FromAddr(addr, Config{Engine: engine, Resolver: resolve.NewStaticResolver(nil), Logger: logging.NewDiscard()})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.PerformScan(ctx))
	require.NoError(t, s.PerformScan(ctx))

	s.FindVulnerabilities()
	hr := s.ExtractHostReport(ctx)
	require.Len(t, hr.Ports, 1)
	assert.Len(t, hr.Ports[0].Vulnerabilities, 1)
}

func TestSharedPortNumberAcrossProtocols(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockEngine(ctrl)
	addr := netip.MustParseAddr("10.0.0.53")

	engine.EXPECT().
		Scan(gomock.Any(), addr, gomock.Any()).
		Return(&probe.Result{
			State: probe.StateUp,
			Ports: []probe.Port{
				{Number: 53, Protocol: probe.ProtocolTCP, State: "open", Service: "bind"},
				{Number: 53, Protocol: probe.ProtocolUDP, State: "open", Service: "bind"},
			},
		}, nil)

	matcher := vulns.NewMatcher([]vulns.Signature{
		{Service: "bind", CVE: "CVE-2020-8617", Description: "TSIG assertion failure"},
	})
	s, err := FromAddr(addr, Config{
		UDP:      true,
		Engine:   engine,
		Resolver: resolve.NewStaticResolver(nil),
		Vulns:    matcher,
		Logger:   logging.NewDiscard(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.PerformScan(ctx))
	s.FindVulnerabilities()

	assert.Len(t, s.Vulnerabilities()[53], 1)

	hr := s.ExtractHostReport(ctx)
	require.Len(t, hr.Ports, 2)
	for _, p := range hr.Ports {
		assert.Len(t, p.Vulnerabilities, 1, "%s/%d", p.Protocol, p.PortNumber)
	}
	assert.Equal(t, 2, hr.VulnerabilityCount())
}

func TestPerformScanEngineFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockEngine(ctrl)
	addr := netip.MustParseAddr("10.0.0.6")

	engine.EXPECT().Ping(gomock.Any(), addr).Return(false, fmt.Errorf("socket: operation not permitted"))
	engine.EXPECT().Scan(gomock.Any(), addr, gomock.Any()).Return(nil, fmt.Errorf("nmap not found")).Times(1)

	s, err := FromAddr(addr, Config{
		Privileged: true,
		Engine:     engine,
		Resolver:   resolve.NewStaticResolver(nil),
		Logger:     logging.NewDiscard(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	assert.False(t, s.RunPingTest(ctx), "ping errors degrade to unreachable")

	err = s.PerformScan(ctx)
	assert.True(t, errors.IsCode(err, errors.CodeProbeFailed))
	assert.Equal(t, err, s.PerformScan(ctx), "failure is cached")

	hr := s.ExtractHostReport(ctx)
	assert.Equal(t, report.StateDown, hr.State)
	assert.Empty(t, hr.Ports)
}

func TestScanOptions(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockEngine(ctrl)
	addr := netip.MustParseAddr("2001:db8::10")

	engine.EXPECT().
		Scan(gomock.Any(), addr, probe.Options{
			IPv6:    true,
			Ports:   "22,443",
			UDP:     true,
			Timeout: DefaultScanTimeout,
		}).
		Return(probe.DownResult(), nil)

	s, err := FromAddr(addr, Config{
		Ports:    "22,443",
		UDP:      true,
		Engine:   engine,
		Resolver: resolve.NewStaticResolver(nil),
		Logger:   logging.NewDiscard(),
	})
	require.NoError(t, err)
	require.NoError(t, s.PerformScan(context.Background()))
}

func TestStageString(t *testing.T) {
	assert.Equal(t, "created", StageCreated.String())
	assert.Equal(t, "report_extracted", StageReportExtracted.String())
	assert.Equal(t, "unknown", Stage(42).String())
}
