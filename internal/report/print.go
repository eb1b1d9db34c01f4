package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
)

// Print displays the report in a human-readable table: one row per open
// port, or a single row for hosts without any.
func Print(w io.Writer, r *Report) error {
	if r == nil {
		_, err := fmt.Fprintln(w, "No results available")
		return err
	}

	if _, err := fmt.Fprintf(w, "Hosts: %d, Up: %d, Down: %d, Duration: %s\n\n",
		r.NbHosts, r.Up, len(r.Results)-r.Up, r.Duration); err != nil {
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("IP", "Hostname", "State", "Port", "Service", "OS", "Vulnerabilities")

	for i := range r.Results {
		host := &r.Results[i]
		osName := host.OperatingSystem
		if osName != "" && host.OperatingSystemAccuracy != "" {
			osName = fmt.Sprintf("%s (%s%%)", osName, host.OperatingSystemAccuracy)
		}

		if len(host.Ports) == 0 {
			_ = table.Append([]string{host.IP, host.Hostname, host.State, "-", "-", osName, "-"})
			continue
		}

		for j := range host.Ports {
			port := &host.Ports[j]
			_ = table.Append([]string{
				host.IP,
				host.Hostname,
				host.State,
				strconv.Itoa(port.PortNumber) + "/" + port.Protocol,
				port.Service,
				osName,
				formatVulnerabilities(port.Vulnerabilities),
			})
		}
	}

	return table.Render()
}

func formatVulnerabilities(vulns []Vulnerability) string {
	if len(vulns) == 0 {
		return "-"
	}
	ids := make([]string, 0, len(vulns))
	for _, v := range vulns {
		ids = append(ids, v.CVE)
	}
	return strings.Join(ids, ", ")
}
