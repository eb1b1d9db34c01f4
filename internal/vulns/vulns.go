// Package vulns correlates detected services with known vulnerabilities.
// Signatures match on the service name and, optionally, on version
// prefixes. Matching is case-insensitive.
package vulns

import (
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/porteye/internal/errors"
	"github.com/anstrom/porteye/internal/report"
)

// Source looks up the vulnerabilities of a service.
type Source interface {
	Lookup(service, version string) []report.Vulnerability
}

// Signature describes one known vulnerability. An empty Versions list
// matches every version of the service.
type Signature struct {
	Service     string   `yaml:"service" validate:"required"`
	Versions    []string `yaml:"versions"`
	CVE         string   `yaml:"cve" validate:"required"`
	Description string   `yaml:"description" validate:"required"`
	Link        string   `yaml:"link" validate:"omitempty,url"`
}

func (s *Signature) matches(service, version string) bool {
	if normalize(s.Service) != service {
		return false
	}
	if len(s.Versions) == 0 {
		return true
	}
	for _, prefix := range s.Versions {
		if strings.HasPrefix(version, normalize(prefix)) {
			return true
		}
	}
	return false
}

func (s *Signature) vulnerability() report.Vulnerability {
	return report.Vulnerability{
		Service:     s.Service,
		CVE:         s.CVE,
		Description: s.Description,
		Link:        s.Link,
	}
}

// Matcher is a Source backed by an ordered signature table.
type Matcher struct {
	signatures []Signature
}

// NewMatcher creates a matcher over a copy of signatures.
func NewMatcher(signatures []Signature) *Matcher {
	return &Matcher{signatures: append([]Signature(nil), signatures...)}
}

// Lookup returns the vulnerabilities matching service and version in table
// order. The result is never nil.
func (m *Matcher) Lookup(service, version string) []report.Vulnerability {
	found := []report.Vulnerability{}
	service = normalize(service)
	if service == "" {
		return found
	}
	version = normalize(version)

	for i := range m.signatures {
		if m.signatures[i].matches(service, version) {
			found = append(found, m.signatures[i].vulnerability())
		}
	}
	return found
}

// Len returns the number of signatures.
func (m *Matcher) Len() int {
	return len(m.signatures)
}

// Signatures returns a copy of the signature table.
func (m *Matcher) Signatures() []Signature {
	return append([]Signature(nil), m.signatures...)
}

// Merge returns a matcher holding the signatures of all matchers in order.
func Merge(matchers ...*Matcher) *Matcher {
	var all []Signature
	for _, m := range matchers {
		if m != nil {
			all = append(all, m.signatures...)
		}
	}
	return &Matcher{signatures: all}
}

// signatureFile is the YAML layout of a signature file.
type signatureFile struct {
	Signatures []Signature `yaml:"signatures" validate:"dive"`
}

// Parse reads a YAML signature table.
func Parse(data []byte) (*Matcher, error) {
	var file signatureFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.WrapConfigError(errors.CodeFileFormat, "Failed to parse signature file", err)
	}

	if err := validator.New().Struct(&file); err != nil {
		return nil, errors.WrapConfigError(errors.CodeValidation, "Invalid signature", err)
	}
	return NewMatcher(file.Signatures), nil
}

// LoadFile reads a YAML signature table from path.
func LoadFile(path string) (*Matcher, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted configuration
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapConfigError(errors.CodeFileNotFound, "Signature file not found", err)
		}
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "Failed to read signature file", err)
	}
	return Parse(data)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
