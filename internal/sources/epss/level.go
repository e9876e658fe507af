// ABOUTME: Maps EPSS probabilities to coarse priority levels.
// ABOUTME: Validates numeric range and parses scores given as strings.

package epss

import (
	"math"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

var (
	ErrOutOfRange = xerrors.New("EPSS score out of range [0, 1]")
	ErrNotNumeric = xerrors.New("EPSS score is not numeric")
)

// Level is the coarse EPSS bucket exposed as epss_priority
type Level string

const (
	LevelCritical Level = "CRITICAL"
	LevelHigh     Level = "HIGH"
	LevelMedium   Level = "MEDIUM"
	LevelLow      Level = "LOW"
)

// PriorityLevel buckets a probability: >=0.75 CRITICAL, >=0.50 HIGH, >=0.25 MEDIUM, else LOW
func PriorityLevel(score float64) (Level, error) {
	if math.IsNaN(score) || score < 0 || score > 1 {
		return "", xerrors.Errorf("%v: %w", score, ErrOutOfRange)
	}

	switch {
	case score >= 0.75:
		return LevelCritical, nil
	case score >= 0.50:
		return LevelHigh, nil
	case score >= 0.25:
		return LevelMedium, nil
	default:
		return LevelLow, nil
	}
}

// ParsePriorityLevel is PriorityLevel for scores that arrive as text
func ParsePriorityLevel(s string) (Level, error) {
	score, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return "", xerrors.Errorf("%q: %w", s, ErrNotNumeric)
	}
	return PriorityLevel(score)
}
