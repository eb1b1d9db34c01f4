package scanning

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anstrom/porteye/internal/errors"
	"github.com/anstrom/porteye/internal/targets"
)

const (
	// DefaultMaxParallel is the number of hosts scanned at once when the
	// configuration leaves it unset.
	DefaultMaxParallel = 4

	// Port validation constants.
	expectedPortRangeParts = 2
	maxPort                = 65535
)

// Config represents the configuration of one scan run.
type Config struct {
	// Targets lists the hosts and networks to scan
	Targets targets.Set
	// Mock answers every probe from built-in fixtures
	Mock bool
	// Privileged enables raw-socket probes and OS fingerprinting
	Privileged bool
	// MaxParallel bounds how many host pipelines run at once (0 = default)
	MaxParallel int
	// RateLimit bounds how many pipelines start per second (0 = no limit)
	RateLimit int
	// Ports specifies which ports to scan (e.g., "80,443" or "1-1000")
	Ports string
	// UDP adds a UDP scan of the same ports
	UDP bool
	// PingTimeout bounds each reachability probe
	PingTimeout time.Duration
	// ScanTimeout bounds each port scan
	ScanTimeout time.Duration
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Targets.IsEmpty() {
		return errors.ErrNoTargets()
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = DefaultMaxParallel
	}
	if c.RateLimit < 0 {
		return errors.ErrConfigInvalid("scanning.rate_limit", c.RateLimit)
	}
	if c.Ports != "" {
		if err := ValidatePorts(c.Ports); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePorts validates a port specification such as "22,80,8000-8100".
func ValidatePorts(spec string) error {
	for _, part := range strings.Split(spec, ",") {
		if err := validatePortPart(strings.TrimSpace(part)); err != nil {
			return errors.NewConfigFieldError(errors.CodeValidation, err.Error(), "scanning.ports", spec)
		}
	}
	return nil
}

// validatePortPart validates a single port or port range.
func validatePortPart(part string) error {
	if strings.Contains(part, "-") {
		return validatePortRange(part)
	}
	return validateSinglePort(part)
}

// validatePortRange validates a port range (e.g., "80-100").
func validatePortRange(part string) error {
	rangeParts := strings.Split(part, "-")
	if len(rangeParts) != expectedPortRangeParts {
		return fmt.Errorf("invalid port range format: %s", part)
	}

	start, err := strconv.Atoi(strings.TrimSpace(rangeParts[0]))
	if err != nil {
		return fmt.Errorf("invalid start port: %s", rangeParts[0])
	}
	end, err := strconv.Atoi(strings.TrimSpace(rangeParts[1]))
	if err != nil {
		return fmt.Errorf("invalid end port: %s", rangeParts[1])
	}

	if start < 1 || start > maxPort || end < 1 || end > maxPort {
		return fmt.Errorf("invalid port range: %s (must be 1-65535)", part)
	}
	if start > end {
		return fmt.Errorf("invalid port range: %s (start port must not exceed end port)", part)
	}
	return nil
}

// validateSinglePort validates a single port.
func validateSinglePort(part string) error {
	port, err := strconv.Atoi(part)
	if err != nil {
		return fmt.Errorf("invalid port: %s", part)
	}
	if port < 1 || port > maxPort {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", port)
	}
	return nil
}
