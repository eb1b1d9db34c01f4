package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/porteye/internal/config"
	"github.com/anstrom/porteye/internal/errors"
	"github.com/anstrom/porteye/internal/report"
)

func init() {
	color.NoColor = true
}

func execute(t *testing.T, ctx context.Context, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err = cmd.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

func TestScanMockJSON(t *testing.T) {
	stdout, _, err := execute(t, context.Background(),
		"scan", "--mock", "--privileged=false", "--format", "json", "92.222.10.88", "192.0.2.1")
	require.NoError(t, err)

	rep, err := report.Decode([]byte(stdout), report.FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.NbHosts)
	assert.Equal(t, 1, rep.Up)

	host, ok := rep.Find("92.222.10.88")
	require.True(t, ok)
	assert.Equal(t, "example.com", host.Hostname)
	assert.Equal(t, 1, host.VulnerabilityCount())

	down, ok := rep.Find("192.0.2.1")
	require.True(t, ok)
	assert.Equal(t, report.StateDown, down.State)
	assert.Empty(t, down.Ports)
}

func TestScanHostnameTarget(t *testing.T) {
	stdout, _, err := execute(t, context.Background(),
		"scan", "--mock", "--privileged=false", "--format", "json", "example.com", "gateway.lan")
	require.NoError(t, err)

	rep, err := report.Decode([]byte(stdout), report.FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.NbHosts)

	host, ok := rep.Find("92.222.10.88")
	require.True(t, ok)
	assert.Equal(t, "example.com", host.Hostname)
	assert.Empty(t, host.MAC)

	gateway, ok := rep.Find("192.168.1.254")
	require.True(t, ok)
	assert.Equal(t, report.StateUp, gateway.State)
	assert.Equal(t, "00:16:3e:5a:10:88", gateway.MAC)
}

func TestScanTableAndProgress(t *testing.T) {
	stdout, stderr, err := execute(t, context.Background(),
		"scan", "--mock", "--privileged=false", "--progress", "--ipv4-hosts", "92.222.10.88")
	require.NoError(t, err)

	assert.Contains(t, stdout, "Hosts: 1, Up: 1")
	assert.Contains(t, stdout, "CVE-2007-6750")
	assert.Contains(t, stderr, "[1/1] 92.222.10.88 (example.com) up")
}

func TestScanWritesOutputFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.yaml")

	stdout, _, err := execute(t, context.Background(),
		"scan", "--mock", "--privileged=false", "--output", path, "::1", "127.0.0.1")
	require.NoError(t, err)
	assert.Empty(t, stdout)

	rep, err := report.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.NbHosts)

	stdout, _, err = execute(t, context.Background(), "report", "show", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "127.0.0.1")
	assert.Contains(t, stdout, "::1")

	stdout, _, err = execute(t, context.Background(), "report", "show", path, "--format", "xml")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stdout, "<?xml"))
}

func TestScanFromConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "porteye.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
targets:
  ipv4_networks: [10.0.0.0/30]
scanning:
  mock: true
  privileged: false
  max_parallel: 2
output:
  format: yaml
`), 0600))

	stdout, _, err := execute(t, context.Background(), "--config", cfgPath, "scan")
	require.NoError(t, err)

	rep, err := report.Decode([]byte(stdout), report.FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.NbHosts, "a /30 holds two usable hosts")
}

func TestScanEnvironmentOverrides(t *testing.T) {
	t.Setenv("PORTEYE_SCANNING_MOCK", "true")
	t.Setenv("PORTEYE_SCANNING_PRIVILEGED", "false")
	t.Setenv("PORTEYE_OUTPUT_FORMAT", "json")

	stdout, _, err := execute(t, context.Background(), "scan", "82.64.28.100")
	require.NoError(t, err)

	rep, err := report.Decode([]byte(stdout), report.FormatJSON)
	require.NoError(t, err)
	host, ok := rep.Find("82.64.28.100")
	require.True(t, ok)
	assert.Equal(t, "acne.bad", host.Hostname)
}

func TestScanSignaturesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signatures.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
signatures:
  - service: ssh
    cve: CVE-2099-0001
    description: Test signature
`), 0600))

	stdout, _, err := execute(t, context.Background(),
		"scan", "--mock", "--privileged=false", "--signatures", path, "--format", "json", "92.222.10.88")
	require.NoError(t, err)
	assert.Contains(t, stdout, "CVE-2099-0001")
	assert.Contains(t, stdout, "CVE-2007-6750", "built-in signatures are kept")
}

func TestScanErrors(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantCode errors.ErrorCode
	}{
		{"no targets", []string{"scan", "--mock"}, errors.CodeConfiguration},
		{"bad target", []string{"scan", "--mock", "not-an-ip"}, errors.CodeInvalidHost},
		{"bad ports", []string{"scan", "--mock", "--ports", "80-20", "10.0.0.1"}, errors.CodeValidation},
		{"bad format", []string{"scan", "--mock", "--format", "csv", "10.0.0.1"}, errors.CodeValidation},
		{"bad parallelism", []string{"scan", "--mock", "--max-parallel", "0", "10.0.0.1"}, errors.CodeValidation},
		{"bad schedule", []string{"scan", "--mock", "--schedule", "sometimes", "10.0.0.1"}, errors.CodeValidation},
		{"save without database", []string{"scan", "--mock", "--save", "10.0.0.1"}, errors.CodeValidation},
		{"missing config", []string{"--config", "/nonexistent/porteye.yaml", "scan"}, errors.CodeFileNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, context.Background(), tt.args...)
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, tt.wantCode), "got %v", err)
		})
	}
}

func TestScanSchedule(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	stdout, _, err := execute(t, ctx,
		"scan", "--mock", "--privileged=false", "--format", "json", "--schedule", "@every 1s", "92.222.10.88")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, strings.Count(stdout, `"nb_hosts"`), 1)
}

func TestScanCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stdout, _, err := execute(t, ctx, "scan", "--mock", "--format", "json", "10.0.0.0/28")
	assert.True(t, errors.IsCode(err, errors.CodeCanceled), "got %v", err)

	rep, decodeErr := report.Decode([]byte(stdout), report.FormatJSON)
	require.NoError(t, decodeErr, "the partial report is still written")
	assert.Equal(t, 14, rep.NbHosts)
	assert.Less(t, len(rep.Results), 14)
}

func TestReportCommands(t *testing.T) {
	_, _, err := execute(t, context.Background(), "report", "get", "not-a-uuid")
	assert.True(t, errors.IsCode(err, errors.CodeValidation), "got %v", err)

	_, _, err = execute(t, context.Background(), "report", "runs")
	assert.True(t, errors.IsCode(err, errors.CodeConfiguration), "got %v", err)

	_, _, err = execute(t, context.Background(), "report", "show", "/nonexistent/report.json")
	assert.Error(t, err)

	_, _, err = execute(t, context.Background(), "db", "migrate")
	assert.True(t, errors.IsCode(err, errors.CodeConfiguration), "got %v", err)
}

func TestVersion(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2026-01-01")
	defer SetVersion("dev", "none", "unknown")

	stdout, _, err := execute(t, context.Background(), "version")
	require.NoError(t, err)
	assert.Contains(t, stdout, "porteye 1.2.3")
	assert.Contains(t, stdout, "commit: abc123")

	stdout, _, err = execute(t, context.Background(), "--version")
	require.NoError(t, err)
	assert.Contains(t, stdout, "1.2.3 (commit: abc123, built: 2026-01-01)")
}

func TestApplyOverrides(t *testing.T) {
	v := viper.New()
	v.Set("targets.ipv4_hosts", []string{"10.0.0.5"})
	v.Set("scanning.max_parallel", 9)
	v.Set("scanning.privileged", true)
	v.Set("scanning.ping_timeout", "750ms")
	v.Set("api.listen", "127.0.0.1:9090")
	v.Set("schedule.cron", "@hourly")

	cfg := config.Default()
	cfg.Targets.IPv4Hosts = []string{"10.0.0.1"}
	applyOverrides(cfg, v)

	assert.Equal(t, []string{"10.0.0.5"}, cfg.Targets.IPv4Hosts)
	assert.Equal(t, 9, cfg.Scanning.MaxParallel)
	require.NotNil(t, cfg.Scanning.Privileged)
	assert.True(t, *cfg.Scanning.Privileged)
	assert.Equal(t, 750*time.Millisecond, cfg.Scanning.PingTimeout)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:9090", cfg.API.ListenAddr)
	assert.Equal(t, "@hourly", cfg.Schedule.Cron)
	assert.Equal(t, "1-1024", cfg.Scanning.Ports, "unset keys keep their values")
	assert.NoError(t, cfg.Validate())
}
