package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/porteye/internal/errors"
)

func sampleReport() *Report {
	https := NewPortReport(443, "tcp", "open", "nginx")
	https.Vulnerabilities = append(https.Vulnerabilities, Vulnerability{
		Service:     "nginx",
		CVE:         "CVE-2007-6750",
		Description: "Slowloris DOS attack",
		Link:        "https://cve.mitre.org/cgi-bin/cvename.cgi?name=CVE-2007-6750",
	})

	up := HostReport{
		Hostname: "example.com",
		IP:       "92.222.10.88",
		State:    StateUp,
		Ports: []PortReport{
			NewPortReport(22, "tcp", "open", "ssh"),
			https,
		},
	}
	down := NewDownHostReport("192.0.2.1", "")

	return New(3, []HostReport{up, down}, 1234567*time.Microsecond)
}

func TestNew(t *testing.T) {
	r := sampleReport()

	assert.Equal(t, 3, r.NbHosts)
	assert.Equal(t, 1, r.Up)
	assert.Equal(t, "1.235s", r.Duration)
	assert.LessOrEqual(t, r.Up, r.NbHosts)

	t.Run("nil results", func(t *testing.T) {
		empty := New(0, nil, 0)
		assert.NotNil(t, empty.Results)
		assert.Equal(t, 0, empty.Up)
	})
}

func TestNormalize(t *testing.T) {
	host := HostReport{
		IP:    "10.0.0.1",
		State: StateDown,
		Ports: []PortReport{{PortNumber: 22}},
	}
	host.Normalize()
	assert.Empty(t, host.Ports, "down hosts carry no ports")
	assert.NotNil(t, host.Ports)

	upHost := HostReport{IP: "10.0.0.2", State: StateUp, Ports: []PortReport{{PortNumber: 80}}}
	upHost.Normalize()
	require.Len(t, upHost.Ports, 1)
	assert.NotNil(t, upHost.Ports[0].Vulnerabilities)
}

func TestFind(t *testing.T) {
	r := sampleReport()

	host, ok := r.Find("92.222.10.88")
	require.True(t, ok)
	assert.Equal(t, "example.com", host.Hostname)
	assert.Equal(t, 1, host.VulnerabilityCount())

	_, ok = r.Find("203.0.113.9")
	assert.False(t, ok)
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleReport(), FormatJSON))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))

	assert.EqualValues(t, 3, decoded["nb_hosts"])
	assert.EqualValues(t, 1, decoded["up"])
	results, ok := decoded["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 2)

	first := results[0].(map[string]any)
	for _, key := range []string{"hostname", "ip", "mac", "state", "ports", "operating_system", "operating_system_accuracy"} {
		assert.Contains(t, first, key)
	}
	ports := first["ports"].([]any)
	ssh := ports[0].(map[string]any)
	assert.EqualValues(t, 22, ssh["port_number"])
	assert.Equal(t, []any{}, ssh["vulnerabilities"], "empty vulnerability lists encode as []")

	second := results[1].(map[string]any)
	assert.Equal(t, []any{}, second["ports"])
}

func TestWriteYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleReport(), FormatYAML))

	out := buf.String()
	assert.Contains(t, out, "nb_hosts: 3")
	assert.Contains(t, out, "cve: CVE-2007-6750")
	assert.NotContains(t, out, "xmlname")
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{"report.json", "report.yaml", "report.xml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			original := sampleReport()
			require.NoError(t, SaveFile(path, original, FormatFromPath(path)))

			loaded, err := LoadFile(path)
			require.NoError(t, err)
			assert.Equal(t, original.NbHosts, loaded.NbHosts)
			assert.Equal(t, original.Up, loaded.Up)
			require.Len(t, loaded.Results, 2)

			host, ok := loaded.Find("92.222.10.88")
			require.True(t, ok)
			require.Len(t, host.Ports, 2)
			assert.Equal(t, "CVE-2007-6750", host.Ports[1].Vulnerabilities[0].CVE)
			assert.NotNil(t, host.Ports[0].Vulnerabilities)

			down, ok := loaded.Find("192.0.2.1")
			require.True(t, ok)
			assert.NotNil(t, down.Ports)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(dir, "absent.json"))
		assert.True(t, errors.IsCode(err, errors.CodeFileNotFound))
	})

	t.Run("traversal rejected", func(t *testing.T) {
		err := SaveFile("../outside.json", sampleReport(), FormatJSON)
		assert.True(t, errors.IsCode(err, errors.CodeValidation))
	})
}

type failingCloser struct {
	bytes.Buffer
	closeErr error
	closed   bool
}

func (f *failingCloser) Close() error {
	f.closed = true
	return f.closeErr
}

func TestWriteAndClose(t *testing.T) {
	t.Run("close error is returned", func(t *testing.T) {
		wc := &failingCloser{closeErr: fmt.Errorf("disk full")}
		err := writeAndClose(wc, sampleReport(), FormatJSON)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
		assert.True(t, wc.closed)
	})

	t.Run("write error wins", func(t *testing.T) {
		wc := &failingCloser{closeErr: fmt.Errorf("disk full")}
		err := writeAndClose(wc, sampleReport(), Format("csv"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported output format")
		assert.True(t, wc.closed)
	})

	t.Run("success", func(t *testing.T) {
		wc := &failingCloser{}
		require.NoError(t, writeAndClose(wc, sampleReport(), FormatJSON))
		assert.Contains(t, wc.String(), "CVE-2007-6750")
	})
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    Format
		wantErr bool
	}{
		{"json", FormatJSON, false},
		{"YAML", FormatYAML, false},
		{"yml", FormatYAML, false},
		{"xml", FormatXML, false},
		{"", FormatTable, false},
		{"csv", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseFormat(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrint(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Print(&buf, sampleReport()))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "Hosts: 3, Up: 1, Down: 1"))
	assert.Contains(t, out, "443/tcp")
	assert.Contains(t, out, "CVE-2007-6750")
	assert.Contains(t, out, "192.0.2.1")
}
