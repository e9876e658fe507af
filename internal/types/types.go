// ABOUTME: Common types shared across the RiskRelay system.
// ABOUTME: Defines findings, per-source enrichment payloads, severities and priority tiers.

package types

import (
	"encoding/json"
	"math"
	"strings"
)

// Severity is the vendor or scanner severity attached to a finding
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityUnknown  Severity = "UNKNOWN"
)

// ParseSeverity normalizes free-form severity strings ("high", "Moderate", "CRITICAL")
func ParseSeverity(s string) Severity {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return SeverityCritical
	case "HIGH", "IMPORTANT":
		return SeverityHigh
	case "MEDIUM", "MODERATE":
		return SeverityMedium
	case "LOW", "MINOR", "INFORMATIONAL":
		return SeverityLow
	default:
		return SeverityUnknown
	}
}

// Priority is the final actionable tier assigned by the enrichment engine
type Priority string

const (
	PriorityImmediate Priority = "P0-IMMEDIATE"
	PriorityCritical  Priority = "P1-CRITICAL"
	PriorityHigh      Priority = "P2-HIGH"
	PriorityMedium    Priority = "P3-MEDIUM"
	PriorityLow       Priority = "P4-LOW"
)

// Priorities lists the recognized tiers from most to least urgent
var Priorities = []Priority{
	PriorityImmediate,
	PriorityCritical,
	PriorityHigh,
	PriorityMedium,
	PriorityLow,
}

// Rank returns 0 for P0 through 4 for P4, and -1 for anything unrecognized.
func (p Priority) Rank() int {
	for i, known := range Priorities {
		if p == known {
			return i
		}
	}
	return -1
}

// Valid reports whether p is one of the five recognized tiers
func (p Priority) Valid() bool {
	return p.Rank() >= 0
}

// ParsePriority accepts full tier names ("P1-CRITICAL") and short forms ("p1")
func ParsePriority(value string) (Priority, bool) {
	value = strings.ToUpper(strings.TrimSpace(value))
	for _, p := range Priorities {
		if value == string(p) || value == string(p)[:2] {
			return p, true
		}
	}
	return "", false
}

// VulnerabilityRef is the nested `vulnerability` object some matchers emit
type VulnerabilityRef struct {
	ID string `json:"id,omitempty"`
}

// Finding represents one (vulnerability, affected package) pair plus everything
// the enrichment pipeline attaches to it
type Finding struct {
	CVE           string            `json:"cve,omitempty"`
	ID            string            `json:"id,omitempty"`
	Vulnerability *VulnerabilityRef `json:"vulnerability,omitempty"`
	Package       string            `json:"package,omitempty"`
	Version       string            `json:"version,omitempty"`
	Ecosystem     string            `json:"ecosystem,omitempty"`
	Severity      Severity          `json:"severity,omitempty"`
	CVSSScore     *float64          `json:"cvss_score,omitempty"`
	CVSSVector    string            `json:"cvss_vector,omitempty"`
	Description   string            `json:"description,omitempty"`
	Source        string            `json:"source,omitempty"` // e.g. image URI or manifest path

	// Enrichment output
	KEV                     *KEVStatus        `json:"kev,omitempty"`
	EPSS                    *EPSSScore        `json:"epss,omitempty"`
	ExploitationProbability string            `json:"exploitation_probability,omitempty"`
	EPSSPriority            string            `json:"epss_priority,omitempty"`
	GHSA                    *Advisory         `json:"ghsa,omitempty"`
	Exploit                 *ExploitRecord    `json:"exploit,omitempty"`
	Remediation             *Remediation      `json:"remediation,omitempty"`
	RiskScore               float64           `json:"risk_score"` // full precision, rounded by MarshalJSON
	Priority                Priority          `json:"priority,omitempty"`
	EffectiveSeverity       Severity          `json:"effective_severity,omitempty"`
	Warnings                []string          `json:"warnings,omitempty"`
	EnrichmentErrors        map[string]string `json:"enrichment_errors,omitempty"`
}

// KEVEntry is a single record of the CISA Known Exploited Vulnerabilities catalog
type KEVEntry struct {
	CVEID                      string `json:"cve_id"`
	VendorProject              string `json:"vendor_project"`
	Product                    string `json:"product"`
	VulnerabilityName          string `json:"vulnerability_name"`
	DateAdded                  string `json:"date_added"`
	DueDate                    string `json:"due_date"`
	RequiredAction             string `json:"required_action"`
	ShortDescription           string `json:"short_description,omitempty"`
	KnownRansomwareCampaignUse string `json:"known_ransomware_campaign_use,omitempty"`
	Notes                      string `json:"notes,omitempty"`
}

// KEVStatus answers "is this CVE actively exploited?". Unknown is set when the
// catalog could not be obtained at all.
type KEVStatus struct {
	InKEV   bool      `json:"in_kev"`
	Unknown bool      `json:"unknown,omitempty"`
	Stale   bool      `json:"stale,omitempty"`
	Entry   *KEVEntry `json:"entry,omitempty"`
}

// EPSSScore is the FIRST exploitation probability for a CVE
type EPSSScore struct {
	CVE        string  `json:"cve"`
	EPSS       float64 `json:"epss_score"`
	Percentile float64 `json:"epss_percentile"`
	Date       string  `json:"date,omitempty"`
	Stale      bool    `json:"stale,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// AdvisoryVulnerability is one affected package range inside a GitHub advisory
type AdvisoryVulnerability struct {
	Package             string `json:"package"`
	Ecosystem           string `json:"ecosystem"`
	VulnerableRange     string `json:"vulnerable_range"`
	FirstPatchedVersion string `json:"first_patched_version,omitempty"`
}

// Advisory is the remediation context taken from a GitHub Security Advisory
type Advisory struct {
	GHSAID          string                  `json:"ghsa_id"`
	Summary         string                  `json:"summary,omitempty"`
	Description     string                  `json:"description,omitempty"`
	Severity        Severity                `json:"severity,omitempty"`
	PublishedAt     string                  `json:"published_at,omitempty"`
	UpdatedAt       string                  `json:"updated_at,omitempty"`
	Vulnerabilities []AdvisoryVulnerability `json:"vulnerabilities,omitempty"`
	References      []string                `json:"references,omitempty"`
}

// Empty reports whether no advisory was found
func (a *Advisory) Empty() bool {
	return a == nil || a.GHSAID == ""
}

// ExploitMaturity grades how usable public exploit code is
type ExploitMaturity string

const (
	MaturityNone       ExploitMaturity = "none"
	MaturityPoC        ExploitMaturity = "poc"
	MaturityFunctional ExploitMaturity = "functional"
	MaturityHigh       ExploitMaturity = "high"
	MaturityUnknown    ExploitMaturity = "unknown"
)

// ExploitRecord is the exploit-maturity signal from VulnCheck
type ExploitRecord struct {
	ExploitAvailable bool            `json:"exploit_available"`
	ExploitMaturity  ExploitMaturity `json:"exploit_maturity"`
	AttackVector     string          `json:"attack_vector,omitempty"`
	Weaponized       bool            `json:"weaponized"`
	RansomwareUse    bool            `json:"ransomware_use"`
	Source           string          `json:"source,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// Remediation carries the fix information picked for a finding
type Remediation struct {
	FixedVersion    string `json:"fixed_version,omitempty"`
	VulnerableRange string `json:"vulnerable_range,omitempty"`
	Source          string `json:"source,omitempty"`
}

// RoundScore rounds a risk score to two decimals for display
func RoundScore(v float64) float64 {
	return math.Round(v*100) / 100
}

// MarshalJSON writes the finding with its risk score rounded to two decimals
func (f Finding) MarshalJSON() ([]byte, error) {
	type plain Finding
	p := plain(f)
	p.RiskScore = RoundScore(f.RiskScore)
	return json.Marshal(p)
}

// AddWarning appends a warning unless an identical one is already present
func (f *Finding) AddWarning(msg string) {
	for _, w := range f.Warnings {
		if w == msg {
			return
		}
	}
	f.Warnings = append(f.Warnings, msg)
}

// Contribution is what one enrichment source produced for one finding. The
// engine applies contributions one at a time, so sources never write to a
// finding concurrently.
type Contribution func(f *Finding)
