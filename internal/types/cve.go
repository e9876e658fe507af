// ABOUTME: CVE identifier validation and resolution from the input shapes matchers emit.
// ABOUTME: Resolution happens once at pipeline entry so individual sources never repeat it.

package types

import (
	"regexp"
	"strings"

	"golang.org/x/xerrors"
)

var cvePattern = regexp.MustCompile(`^CVE-\d{4}-\d{4,}$`)

// ValidateCVE normalizes id to upper case and checks it is a well-formed CVE id.
func ValidateCVE(id string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(id))
	if normalized == "" {
		return "", xerrors.Errorf("empty CVE id: %w", ErrInvalidCVE)
	}
	if !cvePattern.MatchString(normalized) {
		return "", xerrors.Errorf("malformed CVE id %q: %w", id, ErrInvalidCVE)
	}
	return normalized, nil
}

// ResolveCVE returns the canonical CVE id of a finding, looking at `cve`, then
// `id`, then `vulnerability.id`. Non-CVE identifiers (GHSA-..., RUSTSEC-...) are skipped.
func ResolveCVE(f *Finding) (string, bool) {
	if f == nil {
		return "", false
	}

	candidates := []string{f.CVE, f.ID}
	if f.Vulnerability != nil {
		candidates = append(candidates, f.Vulnerability.ID)
	}

	for _, candidate := range candidates {
		if cve, err := ValidateCVE(candidate); err == nil {
			return cve, true
		}
	}
	return "", false
}
