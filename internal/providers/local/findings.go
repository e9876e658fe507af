// ABOUTME: Finding source that reads scanner output from a local JSON file.
// ABOUTME: Accepts a plain findings array, a {"findings": [...]} envelope or matcher {"matches": [...]} output.

package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/jfeddern/RiskRelay/internal/types"
)

// FileSource loads findings from a JSON file
type FileSource struct {
	fs     afero.Fs
	path   string
	logger *logrus.Logger
}

// NewFileSource creates a finding source reading path from fs
func NewFileSource(fs afero.Fs, path string, logger *logrus.Logger) *FileSource {
	return &FileSource{
		fs:     fs,
		path:   path,
		logger: logger,
	}
}

// Name returns the finding source name
func (s *FileSource) Name() string {
	return "file"
}

// LoadFindings reads and parses the findings file. Every finding without a
// source is attributed to the file path.
func (s *FileSource) LoadFindings(ctx context.Context) ([]types.Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read findings file '%s': %w", s.path, err)
	}

	findings, err := ParseFindings(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse findings file '%s': %w", s.path, err)
	}

	for i := range findings {
		if findings[i].Source == "" {
			findings[i].Source = s.path
		}
	}

	s.logger.WithFields(logrus.Fields{
		"file":          s.path,
		"finding_count": len(findings),
	}).Info("Loaded findings from file")
	return findings, nil
}

// envelope covers the two wrapped input shapes
type envelope struct {
	Findings []types.Finding `json:"findings"`
	Matches  []match         `json:"matches"`
}

// match is one entry of vulnerability matcher output
type match struct {
	Vulnerability struct {
		ID          string `json:"id"`
		Severity    string `json:"severity"`
		Description string `json:"description"`
		CVSS        []struct {
			Vector  string `json:"vector"`
			Metrics struct {
				BaseScore *float64 `json:"baseScore"`
			} `json:"metrics"`
		} `json:"cvss"`
		Fix struct {
			Versions []string `json:"versions"`
		} `json:"fix"`
	} `json:"vulnerability"`
	RelatedVulnerabilities []struct {
		ID string `json:"id"`
	} `json:"relatedVulnerabilities"`
	Artifact struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		Type    string `json:"type"`
	} `json:"artifact"`
}

// ParseFindings decodes any of the accepted input shapes
func ParseFindings(data []byte) ([]types.Finding, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty input")
	}

	if trimmed[0] == '[' {
		var findings []types.Finding
		if err := json.Unmarshal(trimmed, &findings); err != nil {
			return nil, fmt.Errorf("invalid findings array: %w", err)
		}
		return findings, nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("invalid findings document: %w", err)
	}

	switch {
	case env.Findings != nil:
		return env.Findings, nil
	case env.Matches != nil:
		findings := make([]types.Finding, 0, len(env.Matches))
		for _, m := range env.Matches {
			findings = append(findings, m.toFinding())
		}
		return findings, nil
	default:
		return nil, fmt.Errorf(`expected a JSON array or an object with "findings" or "matches"`)
	}
}

func (m match) toFinding() types.Finding {
	v := m.Vulnerability
	f := types.Finding{
		ID:          v.ID,
		Package:     m.Artifact.Name,
		Version:     m.Artifact.Version,
		Ecosystem:   m.Artifact.Type,
		Severity:    types.ParseSeverity(v.Severity),
		Description: v.Description,
	}
	if v.ID != "" {
		f.Vulnerability = &types.VulnerabilityRef{ID: v.ID}
	}

	// GHSA matches usually name the CVE as a related vulnerability
	if !strings.HasPrefix(strings.ToUpper(v.ID), "CVE-") {
		for _, related := range m.RelatedVulnerabilities {
			if strings.HasPrefix(strings.ToUpper(related.ID), "CVE-") {
				f.CVE = related.ID
				break
			}
		}
	}

	// Prefer the newest CVSS entry, which matchers list last
	for i := len(v.CVSS) - 1; i >= 0; i-- {
		entry := v.CVSS[i]
		if f.CVSSVector == "" && entry.Vector != "" {
			f.CVSSVector = entry.Vector
		}
		if f.CVSSScore == nil && entry.Metrics.BaseScore != nil {
			score := *entry.Metrics.BaseScore
			f.CVSSScore = &score
		}
	}

	if len(v.Fix.Versions) > 0 {
		f.Remediation = &types.Remediation{
			FixedVersion: v.Fix.Versions[0],
			Source:       "scanner",
		}
	}
	return f
}
