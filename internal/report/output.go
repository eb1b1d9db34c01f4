package report

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/anstrom/porteye/internal/errors"
)

// Format selects how a report is rendered.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
	FormatXML   Format = "xml"
)

const outputFilePerm = 0600

// ParseFormat maps a format name onto a Format.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatTable, FormatJSON, FormatYAML, FormatXML:
		return f, nil
	case "yml":
		return FormatYAML, nil
	case "":
		return FormatTable, nil
	default:
		return "", errors.NewConfigFieldError(errors.CodeValidation,
			fmt.Sprintf("Unknown output format %q", s), "output.format", s)
	}
}

// FormatFromPath guesses the format of a report file from its extension.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".xml":
		return FormatXML
	default:
		return FormatJSON
	}
}

// Write renders r to w in the given format.
func Write(w io.Writer, r *Report, format Format) error {
	if r == nil {
		return fmt.Errorf("cannot write nil report")
	}
	r.Normalize()

	switch format {
	case FormatTable, "":
		return Print(w, r)
	case FormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(r)
	case FormatYAML:
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(r); err != nil {
			return err
		}
		return encoder.Close()
	case FormatXML:
		if _, err := io.WriteString(w, xml.Header); err != nil {
			return err
		}
		encoder := xml.NewEncoder(w)
		encoder.Indent("", "  ")
		if err := encoder.Encode(r); err != nil {
			return err
		}
		_, err := io.WriteString(w, "\n")
		return err
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

// SaveFile writes r to path. Table output is written as plain text.
func SaveFile(path string, r *Report, format Format) error {
	if err := validateFilePath(path); err != nil {
		return errors.WrapConfigError(errors.CodeValidation, "Invalid output path", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, outputFilePerm) //nolint:gosec // path is validated by validateFilePath
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	return writeAndClose(file, r, format)
}

// writeAndClose writes r to wc and closes it. A failed close is reported
// since buffered data may not have reached the file.
func writeAndClose(wc io.WriteCloser, r *Report, format Format) (err error) {
	defer func() {
		if closeErr := wc.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close report file: %w", closeErr)
		}
	}()

	return Write(wc, r, format)
}

// LoadFile reads a report previously written as JSON, YAML or XML. The
// format is taken from the file extension.
func LoadFile(path string) (*Report, error) {
	if err := validateFilePath(path); err != nil {
		return nil, errors.WrapConfigError(errors.CodeValidation, "Invalid report path", err)
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is validated by validateFilePath
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapConfigError(errors.CodeFileNotFound, "Report file not found", err)
		}
		return nil, fmt.Errorf("read report file: %w", err)
	}

	r, err := Decode(data, FormatFromPath(path))
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeFileFormat, "Failed to parse report file", err)
	}
	return r, nil
}

// Decode parses an encoded report.
func Decode(data []byte, format Format) (*Report, error) {
	var r Report
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &r)
	case FormatXML:
		err = xml.Unmarshal(data, &r)
	case FormatJSON:
		err = json.Unmarshal(data, &r)
	default:
		err = fmt.Errorf("cannot decode %q reports", format)
	}
	if err != nil {
		return nil, err
	}
	r.Normalize()
	return &r, nil
}

// validateFilePath rejects paths that climb out of their directory.
func validateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	if strings.Contains(filepath.Clean(path), "..") {
		return fmt.Errorf("path contains directory traversal")
	}
	return nil
}
