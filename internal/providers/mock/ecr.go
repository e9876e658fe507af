// ABOUTME: Mock ECR image scanner for local testing and demos.
// ABOUTME: Returns realistic findings for well-known CVEs chosen by the image's repository name.

package mock

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jfeddern/RiskRelay/internal/types"
)

// MockECRSource implements ImageScanner with canned findings
type MockECRSource struct {
	logger *logrus.Logger
}

// NewMockECRSource creates a new mock ECR scanner
func NewMockECRSource(logger *logrus.Logger) *MockECRSource {
	return &MockECRSource{
		logger: logger,
	}
}

// Name returns the scanner name
func (m *MockECRSource) Name() string {
	return "mock-ecr"
}

type mockFinding struct {
	cve        string
	pkg        string
	version    string
	ecosystem  string
	severity   types.Severity
	cvssVector string
	fixed      string
}

// Findings per image profile. The CVEs are real so that live enrichment
// sources return meaningful data for them.
var (
	webServerFindings = []mockFinding{
		{cve: "CVE-2023-44487", pkg: "nginx", version: "1.21.6", ecosystem: "deb", severity: types.SeverityHigh, cvssVector: "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:N/I:N/A:H", fixed: "1.25.3"},
		{cve: "CVE-2023-4863", pkg: "libwebp7", version: "1.2.4-0.2", ecosystem: "deb", severity: types.SeverityHigh, cvssVector: "CVSS:3.1/AV:N/AC:L/PR:N/UI:R/S:U/C:H/I:H/A:H", fixed: "1.2.4-0.2+deb12u1"},
		{cve: "CVE-2022-37434", pkg: "zlib1g", version: "1:1.2.11.dfsg-2", ecosystem: "deb", severity: types.SeverityCritical, cvssVector: "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H"},
	}

	javaFindings = []mockFinding{
		{cve: "CVE-2021-44228", pkg: "log4j-core", version: "2.14.1", ecosystem: "maven", severity: types.SeverityCritical, cvssVector: "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:C/C:H/I:H/A:H"},
		{cve: "CVE-2022-22965", pkg: "spring-beans", version: "5.3.17", ecosystem: "maven", severity: types.SeverityCritical, cvssVector: "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H", fixed: "5.3.18"},
		{cve: "CVE-2022-42889", pkg: "commons-text", version: "1.9", ecosystem: "maven", severity: types.SeverityCritical, cvssVector: "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H"},
	}

	databaseFindings = []mockFinding{
		{cve: "CVE-2023-2454", pkg: "postgresql-14", version: "14.7", ecosystem: "deb", severity: types.SeverityHigh, cvssVector: "CVSS:3.1/AV:N/AC:L/PR:L/UI:N/S:U/C:H/I:H/A:H", fixed: "14.8"},
		{cve: "CVE-2023-38545", pkg: "curl", version: "7.88.1", ecosystem: "deb", severity: types.SeverityCritical, cvssVector: "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H", fixed: "8.4.0"},
	}

	pythonFindings = []mockFinding{
		{cve: "CVE-2023-32681", pkg: "requests", version: "2.28.1", ecosystem: "pip", severity: types.SeverityMedium, cvssVector: "CVSS:3.1/AV:N/AC:H/PR:N/UI:R/S:C/C:H/I:N/A:N"},
		{cve: "CVE-2022-42969", pkg: "py", version: "1.11.0", ecosystem: "pip", severity: types.SeverityMedium},
		{cve: "CVE-2023-43804", pkg: "urllib3", version: "1.26.15", ecosystem: "pip", severity: types.SeverityHigh, cvssVector: "CVSS:3.1/AV:N/AC:H/PR:H/UI:N/S:U/C:H/I:H/A:N"},
	}

	nodeFindings = []mockFinding{
		{cve: "CVE-2022-25883", pkg: "semver", version: "7.3.7", ecosystem: "npm", severity: types.SeverityHigh, cvssVector: "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:N/I:N/A:H"},
		{cve: "CVE-2021-23337", pkg: "lodash", version: "4.17.20", ecosystem: "npm", severity: types.SeverityHigh, cvssVector: "CVSS:3.1/AV:N/AC:L/PR:H/UI:N/S:U/C:H/I:H/A:H"},
	}

	genericFindings = []mockFinding{
		{cve: "CVE-2024-3094", pkg: "xz-utils", version: "5.6.0", ecosystem: "deb", severity: types.SeverityCritical, cvssVector: "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:C/C:H/I:H/A:H", fixed: "5.6.1+really5.4.5"},
		{cve: "CVE-2023-4911", pkg: "libc6", version: "2.36-9", ecosystem: "deb", severity: types.SeverityHigh, cvssVector: "CVSS:3.1/AV:L/AC:L/PR:L/UI:N/S:U/C:H/I:H/A:H", fixed: "2.36-9+deb12u3"},
	}
)

// GetImageFindings returns canned findings for the image's repository
func (m *MockECRSource) GetImageFindings(ctx context.Context, imageURI string) ([]types.Finding, error) {
	ref, err := types.ParseImageURI(imageURI)
	if err != nil {
		return nil, err
	}

	repo := ref.Repository
	var profile []mockFinding
	switch {
	case strings.Contains(repo, "nginx") || strings.Contains(repo, "web"):
		profile = webServerFindings
	case strings.Contains(repo, "java"):
		profile = javaFindings
	case strings.Contains(repo, "postgres") || strings.Contains(repo, "mysql") || strings.Contains(repo, "database"):
		profile = databaseFindings
	case strings.Contains(repo, "python"):
		profile = pythonFindings
	case strings.Contains(repo, "node") || strings.Contains(repo, "frontend"):
		profile = nodeFindings
	default:
		profile = genericFindings
	}

	findings := make([]types.Finding, 0, len(profile))
	for _, mf := range profile {
		f := types.Finding{
			CVE:        mf.cve,
			Package:    mf.pkg,
			Version:    mf.version,
			Ecosystem:  mf.ecosystem,
			Severity:   mf.severity,
			CVSSVector: mf.cvssVector,
			Source:     imageURI,
		}
		if mf.fixed != "" {
			f.Remediation = &types.Remediation{FixedVersion: mf.fixed, Source: "ecr"}
		}
		findings = append(findings, f)
	}

	m.logger.WithFields(logrus.Fields{
		"image_uri": imageURI,
		"findings":  len(findings),
	}).Debug("Returning mock scan findings")
	return findings, nil
}
