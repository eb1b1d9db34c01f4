package scanning

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/anstrom/porteye/internal/report"
)

// ResultSink collects host reports from concurrent pipelines.
type ResultSink struct {
	mu      sync.Mutex
	results []report.HostReport
}

// NewResultSink creates a sink sized for capacity reports.
func NewResultSink(capacity int) *ResultSink {
	return &ResultSink{results: make([]report.HostReport, 0, capacity)}
}

// Push appends a report.
func (s *ResultSink) Push(hr report.HostReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, hr)
}

// Len returns the number of collected reports.
func (s *ResultSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

// Drain returns the collected reports in completion order and empties the
// sink.
func (s *ResultSink) Drain() []report.HostReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.results
	s.results = make([]report.HostReport, 0)
	return out
}

// Progress prints one line per finished host. Lines from concurrent
// pipelines never interleave.
type Progress struct {
	mu    sync.Mutex
	w     io.Writer
	total int
	done  int

	up   *color.Color
	down *color.Color
	vuln *color.Color
}

// NewProgress creates a progress printer for total hosts.
func NewProgress(w io.Writer, total int) *Progress {
	if w == nil {
		w = io.Discard
	}
	return &Progress{
		w:     w,
		total: total,
		up:    color.New(color.FgGreen),
		down:  color.New(color.FgRed),
		vuln:  color.New(color.FgYellow, color.Bold),
	}
}

// Print reports a finished host.
func (p *Progress) Print(hr report.HostReport) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done++
	state := p.down.Sprint(hr.State)
	if hr.IsUp() {
		state = p.up.Sprint(hr.State)
	}

	vulns := fmt.Sprintf("vulns=%d", hr.VulnerabilityCount())
	if hr.VulnerabilityCount() > 0 {
		vulns = p.vuln.Sprint(vulns)
	}

	name := hr.IP
	if hr.Hostname != "" {
		name = fmt.Sprintf("%s (%s)", hr.IP, hr.Hostname)
	}

	_, _ = fmt.Fprintf(p.w, "[%d/%d] %s %s ports=%d %s\n", p.done, p.total, name, state, len(hr.Ports), vulns)
}

// Done returns the number of hosts printed so far.
func (p *Progress) Done() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}
