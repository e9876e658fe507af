// ABOUTME: Risk scoring and priority tier assignment for enriched findings.
// ABOUTME: Combines CVSS, EPSS, weaponization and KEV membership into one deterministic ranking.

package engine

import (
	"math"
	"strings"

	gocvss20 "github.com/pandatix/go-cvss/20"
	gocvss30 "github.com/pandatix/go-cvss/30"
	gocvss31 "github.com/pandatix/go-cvss/31"

	"github.com/jfeddern/RiskRelay/internal/types"
)

// Score weights. A KEV listing outweighs the largest possible EPSS plus
// weaponization contribution (25 + 10), so KEV findings always rank above
// non-KEV findings with the same CVSS.
const (
	WeightCVSS       = 4.0
	WeightEPSS       = 25.0
	WeightWeaponized = 10.0
	WeightKEV        = 40.0
)

// Tier thresholds on the risk score for findings outside KEV
const (
	ThresholdCritical = 45.0
	ThresholdHigh     = 30.0
	ThresholdMedium   = 15.0
)

var severityBaseline = map[types.Severity]float64{
	types.SeverityCritical: 9.0,
	types.SeverityHigh:     7.0,
	types.SeverityMedium:   5.0,
	types.SeverityLow:      3.0,
}

// EffectiveCVSS returns the explicit CVSS score, else the base score of the
// CVSS vector, else a baseline derived from the scanner severity, else 0.
func EffectiveCVSS(f *types.Finding) float64 {
	if f.CVSSScore != nil && !math.IsNaN(*f.CVSSScore) && *f.CVSSScore >= 0 {
		return math.Min(*f.CVSSScore, 10)
	}
	if score, ok := scoreVector(f.CVSSVector); ok {
		return score
	}
	return severityBaseline[types.ParseSeverity(string(f.Severity))]
}

func scoreVector(vector string) (float64, bool) {
	vector = strings.TrimSuffix(strings.TrimSpace(vector), "/")
	if vector == "" {
		return 0, false
	}

	switch {
	case strings.HasPrefix(vector, "CVSS:3.1"):
		cvss, err := gocvss31.ParseVector(vector)
		if err != nil {
			return 0, false
		}
		return cvss.BaseScore(), true
	case strings.HasPrefix(vector, "CVSS:3.0"):
		cvss, err := gocvss30.ParseVector(vector)
		if err != nil {
			return 0, false
		}
		return cvss.BaseScore(), true
	case strings.HasPrefix(vector, "AV:"):
		cvss, err := gocvss20.ParseVector(vector)
		if err != nil {
			return 0, false
		}
		return cvss.BaseScore(), true
	default:
		return 0, false
	}
}

func inKEV(f *types.Finding) bool {
	return f.KEV != nil && f.KEV.InKEV
}

func weaponized(f *types.Finding) bool {
	return f.Exploit != nil && f.Exploit.Weaponized
}

// RiskScore computes 4*cvss + 25*epss + 10*weaponized + 40*kev. The score is
// kept at full precision so that ordering sees every EPSS difference.
func RiskScore(f *types.Finding) float64 {
	score := WeightCVSS * EffectiveCVSS(f)
	if f.EPSS != nil && !math.IsNaN(f.EPSS.EPSS) {
		score += WeightEPSS * math.Max(0, math.Min(1, f.EPSS.EPSS))
	}
	if weaponized(f) {
		score += WeightWeaponized
	}
	if inKEV(f) {
		score += WeightKEV
	}
	return score
}

// AssignPriority maps a scored finding to its tier. KEV is always P0 and a
// weaponized exploit lifts anything below P1 to P1.
func AssignPriority(f *types.Finding) types.Priority {
	if inKEV(f) {
		return types.PriorityImmediate
	}

	var priority types.Priority
	switch {
	case f.RiskScore >= ThresholdCritical:
		priority = types.PriorityCritical
	case f.RiskScore >= ThresholdHigh:
		priority = types.PriorityHigh
	case f.RiskScore >= ThresholdMedium:
		priority = types.PriorityMedium
	default:
		priority = types.PriorityLow
	}

	if weaponized(f) && priority.Rank() > types.PriorityCritical.Rank() {
		priority = types.PriorityCritical
	}
	return priority
}

// Score sets RiskScore and Priority on f
func Score(f *types.Finding) {
	f.RiskScore = RiskScore(f)
	f.Priority = AssignPriority(f)
}

// PrioritySummary counts findings per tier. Missing or unrecognised
// priorities are not counted.
func PrioritySummary(findings []types.Finding) map[types.Priority]int {
	summary := make(map[types.Priority]int, len(types.Priorities))
	for _, p := range types.Priorities {
		summary[p] = 0
	}
	for _, f := range findings {
		if f.Priority.Valid() {
			summary[f.Priority]++
		}
	}
	return summary
}
