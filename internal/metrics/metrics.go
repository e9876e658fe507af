// ABOUTME: Prometheus metrics exposition for enriched vulnerability findings.
// ABOUTME: Publishes risk scores, priority tier counts and per-source enrichment outcomes on /metrics.

package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/jfeddern/RiskRelay/internal/engine"
	"github.com/jfeddern/RiskRelay/internal/types"
)

// FindingsProvider exposes the last enrichment result
type FindingsProvider interface {
	GetEnrichedFindings() ([]types.Finding, time.Time)
	SourceStats() map[string]engine.SourceStats
}

type MetricsHandler struct {
	provider FindingsProvider
	logger   *logrus.Logger

	riskScore       *prometheus.GaugeVec
	epssScore       *prometheus.GaugeVec
	priorityCount   *prometheus.GaugeVec
	sourceOutcomes  *prometheus.GaugeVec
	enrichmentError *prometheus.GaugeVec
	collectionInfo  *prometheus.GaugeVec
}

func NewMetricsHandler(provider FindingsProvider, logger *logrus.Logger) *MetricsHandler {
	return &MetricsHandler{
		provider: provider,
		logger:   logger,

		riskScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "riskrelay_finding_risk_score",
				Help: "Risk score of an enriched finding",
			},
			[]string{"cve", "package", "version", "source", "priority", "in_kev", "weaponized"},
		),

		epssScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "riskrelay_finding_epss_score",
				Help: "EPSS exploitation probability of a CVE (0-1)",
			},
			[]string{"cve"},
		),

		priorityCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "riskrelay_findings_by_priority",
				Help: "Number of findings per priority tier",
			},
			[]string{"priority"},
		),

		sourceOutcomes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "riskrelay_source_lookups",
				Help: "Enrichment lookups of the last run per source and outcome",
			},
			[]string{"source", "outcome"},
		),

		enrichmentError: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "riskrelay_findings_with_enrichment_errors",
				Help: "Number of findings a source failed to enrich in the last run",
			},
			[]string{"source"},
		),

		collectionInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "riskrelay_enrichment_info",
				Help: "Information about the last enrichment run",
			},
			[]string{"info_type"},
		),
	}
}

func (m *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Create a new registry for this request to avoid conflicts
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		m.riskScore,
		m.epssScore,
		m.priorityCount,
		m.sourceOutcomes,
		m.enrichmentError,
		m.collectionInfo,
	)

	// Reset all metrics to avoid stale data
	m.riskScore.Reset()
	m.epssScore.Reset()
	m.priorityCount.Reset()
	m.sourceOutcomes.Reset()
	m.enrichmentError.Reset()
	m.collectionInfo.Reset()

	findings, lastRun := m.provider.GetEnrichedFindings()

	var kevCount int
	errorCounts := make(map[string]int)
	for _, f := range findings {
		inKEV := f.KEV != nil && f.KEV.InKEV
		weaponized := f.Exploit != nil && f.Exploit.Weaponized
		if inKEV {
			kevCount++
		}

		m.riskScore.WithLabelValues(
			sanitizeLabelValue(f.CVE),
			sanitizeLabelValue(f.Package),
			sanitizeLabelValue(f.Version),
			sanitizeLabelValue(f.Source),
			sanitizeLabelValue(string(f.Priority)),
			strconv.FormatBool(inKEV),
			strconv.FormatBool(weaponized),
		).Set(types.RoundScore(f.RiskScore))

		if f.EPSS != nil && f.EPSS.Error == "" && f.CVE != "" {
			m.epssScore.WithLabelValues(f.CVE).Set(f.EPSS.EPSS)
		}

		for source := range f.EnrichmentErrors {
			errorCounts[source]++
		}
	}

	for priority, count := range engine.PrioritySummary(findings) {
		m.priorityCount.WithLabelValues(string(priority)).Set(float64(count))
	}

	stats := m.provider.SourceStats()
	for source, st := range stats {
		m.sourceOutcomes.WithLabelValues(source, "succeeded").Set(float64(st.Succeeded))
		m.sourceOutcomes.WithLabelValues(source, "failed").Set(float64(st.Failed))
		m.sourceOutcomes.WithLabelValues(source, "skipped").Set(float64(st.Skipped))
		m.enrichmentError.WithLabelValues(source).Set(float64(errorCounts[source]))
	}

	if !lastRun.IsZero() {
		m.collectionInfo.WithLabelValues("last_run_timestamp").Set(float64(lastRun.Unix()))
	}
	m.collectionInfo.WithLabelValues("findings_total").Set(float64(len(findings)))
	m.collectionInfo.WithLabelValues("findings_in_kev").Set(float64(kevCount))
	m.collectionInfo.WithLabelValues("sources").Set(float64(len(stats)))

	m.logger.WithField("findings", len(findings)).Debug("Serving metrics")

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	handler.ServeHTTP(w, r)
}

// sanitizeLabelValue cleans strings for use as Prometheus labels
func sanitizeLabelValue(value string) string {
	if value == "" {
		return "unknown"
	}

	value = strings.NewReplacer("\n", " ", "\r", " ", "\t", " ").Replace(value)

	// Limit length to prevent excessive label sizes
	if len(value) > 200 {
		value = value[:200] + "..."
	}

	return strings.TrimSpace(value)
}

// CreateMetricsHandler creates a standard HTTP handler that can be used with http.ServeMux
func CreateMetricsHandler(provider FindingsProvider, logger *logrus.Logger) http.HandlerFunc {
	return NewMetricsHandler(provider, logger).ServeHTTP
}
