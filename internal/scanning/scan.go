package scanning

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/porteye/internal/errors"
	"github.com/anstrom/porteye/internal/logging"
	"github.com/anstrom/porteye/internal/metrics"
	"github.com/anstrom/porteye/internal/probe"
	"github.com/anstrom/porteye/internal/report"
	"github.com/anstrom/porteye/internal/resolve"
	"github.com/anstrom/porteye/internal/scanner"
	"github.com/anstrom/porteye/internal/vulns"
	"github.com/anstrom/porteye/internal/workers"
)

// Handler runs the scan pipelines of every target with bounded
// parallelism and gathers their reports.
type Handler struct {
	cfg        Config
	scannerCfg scanner.Config
	total      int

	gate     ResourceManager
	metrics  metrics.Recorder
	progress io.Writer
	logger   *logging.Logger
}

// Option customizes a Handler.
type Option func(*Handler)

// WithEngine sets the probe engine shared by all pipelines.
func WithEngine(e probe.Engine) Option {
	return func(h *Handler) {
		h.scannerCfg.Engine = e
	}
}

// WithResolver sets the hostname resolver.
func WithResolver(r resolve.Resolver) Option {
	return func(h *Handler) {
		h.scannerCfg.Resolver = r
	}
}

// WithVulnSource sets the vulnerability signature source.
func WithVulnSource(src vulns.Source) Option {
	return func(h *Handler) {
		h.scannerCfg.Vulns = src
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(h *Handler) {
		h.metrics = r
	}
}

// WithProgress sets where per-host progress lines are written.
func WithProgress(w io.Writer) Option {
	return func(h *Handler) {
		h.progress = w
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithResourceManager replaces the admission gate.
func WithResourceManager(rm ResourceManager) Option {
	return func(h *Handler) {
		h.gate = rm
	}
}

// NewHandler validates cfg and prepares the collaborators shared by all
// pipelines.
func NewHandler(cfg Config, opts ...Option) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	total, err := cfg.Targets.Count()
	if err != nil {
		return nil, err
	}

	h := &Handler{
		cfg:   cfg,
		total: total,
		scannerCfg: scanner.Config{
			Mock:        cfg.Mock,
			Privileged:  cfg.Privileged,
			Ports:       cfg.Ports,
			UDP:         cfg.UDP,
			PingTimeout: cfg.PingTimeout,
			ScanTimeout: cfg.ScanTimeout,
		},
		metrics:  metrics.Nop{},
		progress: io.Discard,
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.logger == nil {
		h.logger = logging.Default()
	}
	h.logger = h.logger.WithComponent("scanning")
	h.scannerCfg.Logger = h.logger
	h.scannerCfg = h.scannerCfg.WithDefaults()

	if h.gate == nil {
		h.gate = NewWeightedResourceManager(cfg.MaxParallel)
	}
	if h.metrics == nil {
		h.metrics = metrics.Nop{}
	}
	if h.progress == nil {
		h.progress = io.Discard
	}

	return h, nil
}

// Count returns the number of hosts a run scans.
func (h *Handler) Count() int {
	return h.total
}

// MaxParallel returns the pipeline bound.
func (h *Handler) MaxParallel() int {
	return h.cfg.MaxParallel
}

// Close releases the admission gate. The handler cannot run afterwards.
func (h *Handler) Close() error {
	return h.gate.Close()
}

// Scanners lazily yields one Scanner per target host, in target order.
// Targets no Scanner can be built for are skipped.
func (h *Handler) Scanners() iter.Seq[*scanner.Scanner] {
	return func(yield func(*scanner.Scanner) bool) {
		for _, s := range h.targets() {
			if s == nil {
				continue
			}
			if !yield(s) {
				return
			}
		}
	}
}

// targets yields every target address with its Scanner, which is nil
// when the address cannot be scanned.
func (h *Handler) targets() iter.Seq2[netip.Addr, *scanner.Scanner] {
	return func(yield func(netip.Addr, *scanner.Scanner) bool) {
		for addr, ipv6 := range h.cfg.Targets.All() {
			cfg := h.scannerCfg
			cfg.IPv6 = ipv6
			s, err := scanner.FromAddr(addr, cfg)
			if err != nil {
				h.logger.Warn("Target cannot be scanned", "host", addr.String(), "error", err)
				s = nil
			}
			if !yield(addr, s) {
				return
			}
		}
	}
}

// RunScans scans every target and aggregates the host reports. When ctx
// is canceled no further pipelines start; those in flight finish under
// their own probe timeouts and the partial report is returned with a
// CodeCanceled error.
func (h *Handler) RunScans(ctx context.Context) (*report.Report, error) {
	start := time.Now()
	runID := uuid.NewString()
	logger := h.logger.WithRunID(runID)
	logger.Info("Starting scan run",
		"hosts", h.total,
		"max_parallel", h.cfg.MaxParallel,
		"mock", h.cfg.Mock,
		"privileged", h.cfg.Privileged)

	sink := NewResultSink(h.total)
	progress := NewProgress(h.progress, h.total)

	pool := workers.New(context.WithoutCancel(ctx), workers.Config{
		Size:      h.cfg.MaxParallel,
		RateLimit: h.cfg.RateLimit,
	}, logger)
	pool.Start()

	interrupted := false
	for addr, s := range h.targets() {
		if ctx.Err() != nil {
			interrupted = true
			break
		}
		if s == nil {
			// Counted in nb_hosts, so it still gets a record.
			h.metrics.IncrementProbeErrors("target")
			h.finish(report.NewDownHostReport(addr.String(), ""), 0, sink, progress)
			continue
		}
		job := workers.NewFuncJob(s.Host(), "host", func(jobCtx context.Context) error {
			h.RunScan(jobCtx, s, sink, progress)
			return nil
		})
		if err := pool.Submit(ctx, job); err != nil {
			interrupted = true
			break
		}
	}
	pool.Wait()

	elapsed := time.Since(start)
	r := report.New(h.total, sink.Drain(), elapsed)

	if interrupted {
		h.metrics.RecordRun(metrics.StatusCanceled, elapsed)
		logger.Warn("Scan run interrupted", "scanned", len(r.Results), "hosts", h.total)
		return r, errors.NewScanError(errors.CodeCanceled,
			fmt.Sprintf("Scan interrupted after %d of %d hosts", len(r.Results), h.total))
	}

	h.metrics.RecordRun(metrics.StatusSuccess, elapsed)
	logger.Info("Scan run completed", "hosts", r.NbHosts, "up", r.Up, "duration", r.Duration)
	return r, nil
}

// RunScan runs the pipeline of one host while holding an admission slot,
// then pushes the host report to sink and prints it. Failures of the
// pipeline become a down report for that host.
func (h *Handler) RunScan(ctx context.Context, s *scanner.Scanner, sink *ResultSink, progress *Progress) {
	id := uuid.NewString()
	if err := h.gate.Acquire(ctx, id); err != nil {
		h.logger.ErrorHost("Failed to acquire scan slot", s.Host(), err)
		h.metrics.IncrementProbeErrors("admission")
		h.finish(report.NewDownHostReport(s.Host(), ""), 0, sink, progress)
		return
	}
	defer func() {
		h.gate.Release(id)
		h.metrics.SetActiveWorkers(h.gate.GetActiveScans())
	}()
	h.metrics.SetActiveWorkers(h.gate.GetActiveScans())

	start := time.Now()
	hr := h.pipeline(ctx, s)
	h.finish(hr, time.Since(start), sink, progress)
}

// pipeline runs ping, scan, vulnerability correlation and report
// extraction in order.
func (h *Handler) pipeline(ctx context.Context, s *scanner.Scanner) (hr report.HostReport) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.ErrorHost("Host pipeline panicked", s.Host(), fmt.Errorf("panic: %v", r))
			h.metrics.IncrementProbeErrors("panic")
			hr = report.NewDownHostReport(s.Host(), "")
		}
	}()

	if !s.RunPingTest(ctx) && !s.Privileged() {
		h.logger.Debug("Host unreachable", "host", s.Host())
		return s.ExtractHostReport(ctx)
	}

	if err := s.PerformScan(ctx); err != nil {
		h.logger.ErrorHost("Port scan failed", s.Host(), err)
		h.metrics.IncrementProbeErrors("scan")
	}
	s.FindVulnerabilities()
	return s.ExtractHostReport(ctx)
}

func (h *Handler) finish(hr report.HostReport, d time.Duration, sink *ResultSink, progress *Progress) {
	hr.Normalize()
	sink.Push(hr)
	progress.Print(hr)

	h.metrics.RecordHost(hr.State, d)
	tcp, udp := 0, 0
	for _, p := range hr.Ports {
		if p.Protocol == probe.ProtocolUDP {
			udp++
		} else {
			tcp++
		}
	}
	h.metrics.AddPorts(probe.ProtocolTCP, tcp)
	h.metrics.AddPorts(probe.ProtocolUDP, udp)
	h.metrics.AddVulnerabilities(hr.VulnerabilityCount())
}
