// ABOUTME: Tests for the local findings file source.
// ABOUTME: Covers the array, envelope and matcher input shapes plus read and parse failures.

package local

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jfeddern/RiskRelay/internal/types"
)

const matcherOutput = `{
  "matches": [
    {
      "vulnerability": {
        "id": "CVE-2021-44228",
        "severity": "Critical",
        "description": "Apache Log4j2 JNDI features do not protect against attacker controlled LDAP endpoints.",
        "cvss": [
          {"vector": "AV:N/AC:M/Au:N/C:C/I:C/A:C", "metrics": {"baseScore": 9.3}},
          {"vector": "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:C/C:H/I:H/A:H", "metrics": {"baseScore": 10.0}}
        ],
        "fix": {"versions": ["2.15.0"]}
      },
      "artifact": {"name": "log4j-core", "version": "2.14.1", "type": "java-archive"}
    },
    {
      "vulnerability": {"id": "GHSA-jfh8-c2jp-5v3q", "severity": "High"},
      "relatedVulnerabilities": [{"id": "CVE-2021-44228"}],
      "artifact": {"name": "log4j-api", "version": "2.14.1", "type": "java-archive"}
    }
  ]
}`

func TestParseFindings(t *testing.T) {
	t.Run("plain array", func(t *testing.T) {
		findings, err := ParseFindings([]byte(`[{"cve": "CVE-2023-4863", "package": "libwebp", "severity": "HIGH"}, {"id": "CVE-2021-44228"}]`))
		require.NoError(t, err)
		require.Len(t, findings, 2)
		assert.Equal(t, "CVE-2023-4863", findings[0].CVE)
		assert.Equal(t, "libwebp", findings[0].Package)
		assert.Equal(t, types.SeverityHigh, findings[0].Severity)
		assert.Equal(t, "CVE-2021-44228", findings[1].ID)
	})

	t.Run("findings envelope", func(t *testing.T) {
		findings, err := ParseFindings([]byte(`{"findings": [{"vulnerability": {"id": "CVE-2023-4863"}, "cvss_score": 8.8}]}`))
		require.NoError(t, err)
		require.Len(t, findings, 1)
		require.NotNil(t, findings[0].Vulnerability)
		assert.Equal(t, "CVE-2023-4863", findings[0].Vulnerability.ID)
		require.NotNil(t, findings[0].CVSSScore)
		assert.Equal(t, 8.8, *findings[0].CVSSScore)
	})

	t.Run("empty envelope", func(t *testing.T) {
		findings, err := ParseFindings([]byte(`{"findings": []}`))
		require.NoError(t, err)
		assert.Empty(t, findings)
	})

	t.Run("matcher output", func(t *testing.T) {
		findings, err := ParseFindings([]byte(matcherOutput))
		require.NoError(t, err)
		require.Len(t, findings, 2)

		log4j := findings[0]
		assert.Equal(t, "CVE-2021-44228", log4j.ID)
		assert.Equal(t, "log4j-core", log4j.Package)
		assert.Equal(t, "2.14.1", log4j.Version)
		assert.Equal(t, "java-archive", log4j.Ecosystem)
		assert.Equal(t, types.SeverityCritical, log4j.Severity)
		assert.Equal(t, "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:C/C:H/I:H/A:H", log4j.CVSSVector)
		require.NotNil(t, log4j.CVSSScore)
		assert.Equal(t, 10.0, *log4j.CVSSScore)
		require.NotNil(t, log4j.Remediation)
		assert.Equal(t, "2.15.0", log4j.Remediation.FixedVersion)

		ghsa := findings[1]
		assert.Equal(t, "GHSA-jfh8-c2jp-5v3q", ghsa.ID)
		assert.Equal(t, "CVE-2021-44228", ghsa.CVE)
		cve, ok := types.ResolveCVE(&ghsa)
		assert.True(t, ok)
		assert.Equal(t, "CVE-2021-44228", cve)
		assert.Nil(t, ghsa.Remediation)
	})

	errorCases := map[string]string{
		"empty input":     "   ",
		"malformed":       `[{"cve": `,
		"unknown object":  `{"results": []}`,
		"scalar document": `42`,
	}
	for name, input := range errorCases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFindings([]byte(input))
			assert.Error(t, err)
		})
	}
}

func TestFileSourceLoadFindings(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/scans/app.json", []byte(`[
		{"cve": "CVE-2023-4863", "package": "libwebp"},
		{"cve": "CVE-2021-44228", "source": "registry.example.com/app:1.0"}
	]`), 0o644))

	source := NewFileSource(fs, "/scans/app.json", testLogger())
	assert.Equal(t, "file", source.Name())

	findings, err := source.LoadFindings(context.Background())
	require.NoError(t, err)
	require.Len(t, findings, 2)
	assert.Equal(t, "/scans/app.json", findings[0].Source)
	assert.Equal(t, "registry.example.com/app:1.0", findings[1].Source)
}

func TestFileSourceErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/scans/broken.json", []byte(`not json`), 0o644))

	_, err := NewFileSource(fs, "/scans/missing.json", testLogger()).LoadFindings(context.Background())
	assert.ErrorContains(t, err, "failed to read findings file")

	_, err = NewFileSource(fs, "/scans/broken.json", testLogger()).LoadFindings(context.Background())
	assert.ErrorContains(t, err, "failed to parse findings file")
}
