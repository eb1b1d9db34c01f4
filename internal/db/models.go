package db

import (
	"database/sql/driver"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/porteye/internal/report"
)

// IPAddr wraps netip.Addr to implement PostgreSQL INET type.
type IPAddr struct {
	netip.Addr
}

// Scan implements sql.Scanner for PostgreSQL INET type.
func (ip *IPAddr) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into IPAddr", value)
	}

	// INET values of single hosts may carry a /32 or /128 suffix.
	if prefix, err := netip.ParsePrefix(s); err == nil {
		ip.Addr = prefix.Addr()
		return nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return fmt.Errorf("failed to parse IP address: %s", s)
	}
	ip.Addr = addr
	return nil
}

// Value implements driver.Valuer for PostgreSQL INET type.
func (ip IPAddr) Value() (driver.Value, error) {
	if !ip.IsValid() {
		return nil, nil
	}
	return ip.Addr.String(), nil
}

// String returns the IP address string.
func (ip IPAddr) String() string {
	if !ip.IsValid() {
		return ""
	}
	return ip.Addr.String()
}

// MACAddr wraps net.HardwareAddr to implement PostgreSQL MACADDR type.
type MACAddr struct {
	net.HardwareAddr
}

// ParseMACAddr parses s, returning an empty address for an empty string.
func ParseMACAddr(s string) (MACAddr, error) {
	if s == "" {
		return MACAddr{}, nil
	}
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MACAddr{}, fmt.Errorf("failed to parse MAC address: %w", err)
	}
	return MACAddr{HardwareAddr: hw}, nil
}

// Scan implements sql.Scanner for PostgreSQL MACADDR type.
func (mac *MACAddr) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	switch v := value.(type) {
	case string:
		parsed, err := ParseMACAddr(v)
		if err != nil {
			return err
		}
		*mac = parsed
		return nil
	case []byte:
		parsed, err := ParseMACAddr(string(v))
		if err != nil {
			return err
		}
		*mac = parsed
		return nil
	default:
		return fmt.Errorf("cannot scan %T into MACAddr", value)
	}
}

// Value implements driver.Valuer for PostgreSQL MACADDR type.
func (mac MACAddr) Value() (driver.Value, error) {
	if mac.HardwareAddr == nil {
		return nil, nil
	}
	return mac.HardwareAddr.String(), nil
}

// String returns the MAC address string.
func (mac MACAddr) String() string {
	if mac.HardwareAddr == nil {
		return ""
	}
	return mac.HardwareAddr.String()
}

// ScanRun represents one stored scan run.
type ScanRun struct {
	ID        uuid.UUID `db:"id" json:"id"`
	NbHosts   int       `db:"nb_hosts" json:"nb_hosts"`
	Up        int       `db:"up" json:"up"`
	Duration  string    `db:"duration" json:"duration"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// HostRecord represents a stored host report.
type HostRecord struct {
	ID                      int64     `db:"id"`
	RunID                   uuid.UUID `db:"run_id"`
	IP                      IPAddr    `db:"ip"`
	Hostname                string    `db:"hostname"`
	MAC                     MACAddr   `db:"mac"`
	State                   string    `db:"state"`
	OperatingSystem         string    `db:"operating_system"`
	OperatingSystemAccuracy string    `db:"operating_system_accuracy"`
}

// PortRecord represents a stored port report.
type PortRecord struct {
	ID         int64  `db:"id"`
	HostID     int64  `db:"host_id"`
	PortNumber int    `db:"port_number"`
	Protocol   string `db:"protocol"`
	State      string `db:"state"`
	Service    string `db:"service"`
}

// VulnerabilityRecord represents a vulnerability matched on a stored port.
type VulnerabilityRecord struct {
	ID          int64  `db:"id"`
	PortID      int64  `db:"port_id"`
	Service     string `db:"service"`
	CVE         string `db:"cve"`
	Description string `db:"description"`
	Link        string `db:"link"`
}

// HostReport converts the record back into a report.
func (h *HostRecord) HostReport() report.HostReport {
	return report.HostReport{
		Hostname:                h.Hostname,
		IP:                      h.IP.String(),
		MAC:                     h.MAC.String(),
		State:                   h.State,
		Ports:                   []report.PortReport{},
		OperatingSystem:         h.OperatingSystem,
		OperatingSystemAccuracy: h.OperatingSystemAccuracy,
	}
}

// PortReport converts the record back into a report.
func (p *PortRecord) PortReport() report.PortReport {
	return report.NewPortReport(p.PortNumber, p.Protocol, p.State, p.Service)
}

// Vulnerability converts the record back into a report vulnerability.
func (v *VulnerabilityRecord) Vulnerability() report.Vulnerability {
	return report.Vulnerability{
		Service:     v.Service,
		CVE:         v.CVE,
		Description: v.Description,
		Link:        v.Link,
	}
}
