// ABOUTME: HTTP handler for the enriched findings endpoint.
// ABOUTME: Supports filtering by priority tier, CVE and source, plus limits and pretty printing.

package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jfeddern/RiskRelay/internal/engine"
	"github.com/jfeddern/RiskRelay/internal/types"
)

const (
	maxLimit        = 10000
	maxFilterLength = 200
)

type FindingsHandler struct {
	provider FindingsProvider
	logger   *logrus.Logger
}

type FindingsResponse struct {
	Findings    []types.Finding        `json:"findings"`
	Total       int                    `json:"total"`
	Matched     int                    `json:"matched"`
	Summary     map[types.Priority]int `json:"summary"`
	LastUpdated string                 `json:"last_updated,omitempty"`
}

func NewFindingsHandler(provider FindingsProvider, logger *logrus.Logger) *FindingsHandler {
	return &FindingsHandler{
		provider: provider,
		logger:   logger,
	}
}

// findingsFilter is the parsed query of a findings request
type findingsFilter struct {
	priorities map[types.Priority]bool
	cve        string
	source     string
	limit      int
}

func parseFindingsFilter(r *http.Request) (*findingsFilter, string) {
	query := r.URL.Query()
	filter := &findingsFilter{
		cve:    strings.ToUpper(strings.TrimSpace(query.Get("cve"))),
		source: strings.TrimSpace(query.Get("source")),
	}

	if raw := strings.TrimSpace(query.Get("priority")); raw != "" {
		filter.priorities = make(map[types.Priority]bool)
		for _, part := range strings.Split(raw, ",") {
			p, ok := types.ParsePriority(part)
			if !ok {
				return nil, "Invalid priority filter. Must be one of: P0-IMMEDIATE, P1-CRITICAL, P2-HIGH, P3-MEDIUM, P4-LOW"
			}
			filter.priorities[p] = true
		}
	}

	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return nil, "Invalid limit parameter. Must be a positive integer"
		}
		if parsed > maxLimit {
			return nil, "Limit parameter too large. Maximum allowed is 10000"
		}
		filter.limit = parsed
	}

	// Validate filter length to prevent potential DoS
	if len(filter.cve) > maxFilterLength || len(filter.source) > maxFilterLength {
		return nil, "Filter too long. Maximum allowed is 200 characters"
	}

	return filter, ""
}

func (f *findingsFilter) matches(finding *types.Finding) bool {
	if f.priorities != nil && !f.priorities[finding.Priority] {
		return false
	}
	if f.cve != "" && finding.CVE != f.cve {
		return false
	}
	if f.source != "" && !strings.Contains(finding.Source, f.source) {
		return false
	}
	return true
}

func (h *FindingsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.WithField("endpoint", "/findings")

	filter, problem := parseFindingsFilter(r)
	if problem != "" {
		http.Error(w, problem, http.StatusBadRequest)
		return
	}

	findings, lastRun := h.provider.GetEnrichedFindings()

	// Findings are already ranked, so the limit keeps the riskiest ones
	matched := make([]types.Finding, 0)
	count := 0
	for i := range findings {
		if !filter.matches(&findings[i]) {
			continue
		}
		count++
		if filter.limit == 0 || len(matched) < filter.limit {
			matched = append(matched, findings[i])
		}
	}

	response := FindingsResponse{
		Findings:    matched,
		Total:       len(findings),
		Matched:     count,
		Summary:     engine.PrioritySummary(findings),
		LastUpdated: formatTime(lastRun),
	}

	writeJSON(w, r, response, logger)

	logger.WithFields(logrus.Fields{
		"total":    len(findings),
		"matched":  count,
		"returned": len(matched),
	}).Debug("Served findings response")
}

// CreateFindingsHandler creates a standard HTTP handler
func CreateFindingsHandler(provider FindingsProvider, logger *logrus.Logger) http.HandlerFunc {
	return NewFindingsHandler(provider, logger).ServeHTTP
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// writeJSON encodes v, indented when the request asks for ?pretty
func writeJSON(w http.ResponseWriter, r *http.Request, v interface{}, logger *logrus.Entry) {
	data, err := json.Marshal(v)
	if r.URL.Query().Get("pretty") != "" {
		data, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		logger.WithError(err).Error("Failed to encode JSON response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(append(data, '\n'))
}
