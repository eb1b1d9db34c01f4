// Package report holds the data produced by a porteye run: one HostReport
// per scanned target, each carrying its open ports and the vulnerabilities
// matched against their services, aggregated into a single Report.
package report

import (
	"encoding/xml"
	"time"
)

// Host states.
const (
	StateUp   = "up"
	StateDown = "down"
)

// Vulnerability is a known weakness matched against a detected service.
type Vulnerability struct {
	Service     string `json:"service" yaml:"service" xml:"service"`
	CVE         string `json:"cve" yaml:"cve" xml:"cve"`
	Description string `json:"description" yaml:"description" xml:"description"`
	Link        string `json:"link" yaml:"link" xml:"link"`
}

// PortReport describes one scanned port of a host.
type PortReport struct {
	PortNumber      int             `json:"port_number" yaml:"port_number" xml:"port_number"`
	Protocol        string          `json:"protocol" yaml:"protocol" xml:"protocol"`
	State           string          `json:"state" yaml:"state" xml:"state"`
	Service         string          `json:"service" yaml:"service" xml:"service"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities" yaml:"vulnerabilities" xml:"vulnerabilities>vulnerability"`
}

// NewPortReport creates a port report with an empty vulnerability list.
func NewPortReport(number int, protocol, state, service string) PortReport {
	return PortReport{
		PortNumber:      number,
		Protocol:        protocol,
		State:           state,
		Service:         service,
		Vulnerabilities: []Vulnerability{},
	}
}

// HostReport is the outcome of the scan pipeline for a single host.
type HostReport struct {
	Hostname                string       `json:"hostname" yaml:"hostname" xml:"hostname"`
	IP                      string       `json:"ip" yaml:"ip" xml:"ip"`
	MAC                     string       `json:"mac" yaml:"mac" xml:"mac"`
	State                   string       `json:"state" yaml:"state" xml:"state"`
	Ports                   []PortReport `json:"ports" yaml:"ports" xml:"ports>port"`
	OperatingSystem         string       `json:"operating_system" yaml:"operating_system" xml:"operating_system"`
	OperatingSystemAccuracy string       `json:"operating_system_accuracy" yaml:"operating_system_accuracy" xml:"operating_system_accuracy"`
}

// NewDownHostReport creates the report recorded for an unreachable or failed host.
func NewDownHostReport(ip, hostname string) HostReport {
	return HostReport{
		Hostname: hostname,
		IP:       ip,
		State:    StateDown,
		Ports:    []PortReport{},
	}
}

// IsUp reports whether the host answered.
func (h *HostReport) IsUp() bool {
	return h.State == StateUp
}

// VulnerabilityCount returns the number of vulnerabilities across all ports.
func (h *HostReport) VulnerabilityCount() int {
	total := 0
	for i := range h.Ports {
		total += len(h.Ports[i].Vulnerabilities)
	}
	return total
}

// Normalize replaces nil slices with empty ones and clears the ports of a
// down host.
func (h *HostReport) Normalize() {
	if h.Ports == nil || h.State != StateUp {
		h.Ports = []PortReport{}
	}
	for i := range h.Ports {
		if h.Ports[i].Vulnerabilities == nil {
			h.Ports[i].Vulnerabilities = []Vulnerability{}
		}
	}
}

// Report aggregates the host reports of one run. Results are in completion
// order, which carries no meaning; look hosts up by IP.
type Report struct {
	XMLName xml.Name     `json:"-" yaml:"-" xml:"report"`
	NbHosts int          `json:"nb_hosts" yaml:"nb_hosts" xml:"nb_hosts"`
	Up      int          `json:"up" yaml:"up" xml:"up"`
	Duration string      `json:"duration" yaml:"duration" xml:"duration"`
	Results []HostReport `json:"results" yaml:"results" xml:"results>host"`
}

// New assembles a report from completed host reports.
func New(nbHosts int, results []HostReport, elapsed time.Duration) *Report {
	if results == nil {
		results = []HostReport{}
	}
	r := &Report{
		NbHosts:  nbHosts,
		Results:  results,
		Duration: FormatDuration(elapsed),
	}
	r.Up = CountUp(results)
	r.Normalize()
	return r
}

// FormatDuration renders an elapsed time rounded to milliseconds.
func FormatDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}

// CountUp counts the host reports whose state is up.
func CountUp(results []HostReport) int {
	up := 0
	for i := range results {
		if results[i].IsUp() {
			up++
		}
	}
	return up
}

// Normalize applies HostReport.Normalize to every result.
func (r *Report) Normalize() {
	if r.Results == nil {
		r.Results = []HostReport{}
	}
	for i := range r.Results {
		r.Results[i].Normalize()
	}
}

// Find returns the host report for ip, if present.
func (r *Report) Find(ip string) (*HostReport, bool) {
	for i := range r.Results {
		if r.Results[i].IP == ip {
			return &r.Results[i], true
		}
	}
	return nil, false
}
