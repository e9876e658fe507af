// ABOUTME: Enrichment engine that orchestrates the KEV, EPSS, GHSA and VulnCheck sources.
// ABOUTME: Fans findings out over a bounded worker pool, merges results, then scores and ranks them.

package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/jfeddern/RiskRelay/internal/types"
)

// DefaultWorkers bounds concurrent source lookups
const DefaultWorkers = 10

// Source is one enrichment source. Contribute must not modify the finding it
// receives; the engine applies the returned contribution itself.
type Source interface {
	Name() string
	Contribute(ctx context.Context, f types.Finding) (types.Contribution, error)
}

// Prefetcher is implemented by sources that can warm up for a whole run,
// e.g. by downloading a catalog or batching lookups
type Prefetcher interface {
	Prefetch(ctx context.Context, cves []string) error
}

// Resetter is implemented by sources that remember answers for one run
type Resetter interface {
	Reset()
}

// FindingSource produces the raw findings to enrich
type FindingSource interface {
	Name() string
	LoadFindings(ctx context.Context) ([]types.Finding, error)
}

// Config holds configuration for the enrichment engine
type Config struct {
	Workers         int
	RefreshInterval time.Duration
}

// SourceStats counts per-source outcomes of the last run
type SourceStats struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	// Disabled is set when the source rejected our credentials during the run
	Disabled bool `json:"disabled"`
}

// ProgressFunc is called after every completed source lookup
type ProgressFunc func(done, total int)

// Engine orchestrates enrichment of findings
type Engine struct {
	sources       []Source
	findingSource FindingSource
	config        *Config
	logger        *logrus.Logger
	clock         clock.WithTicker
	progress      ProgressFunc

	// Result of the last run with metadata
	mutex    sync.RWMutex
	findings []types.Finding
	stats    map[string]SourceStats
	lastRun  time.Time
}

type Option func(*Engine)

// WithClock replaces the wall clock
func WithClock(c clock.WithTicker) Option {
	return func(e *Engine) { e.clock = c }
}

// WithFindingSource sets where Run and Start load findings from
func WithFindingSource(fs FindingSource) Option {
	return func(e *Engine) { e.findingSource = fs }
}

// WithProgress registers a progress callback
func WithProgress(fn ProgressFunc) Option {
	return func(e *Engine) { e.progress = fn }
}

// NewEngine creates a new enrichment engine
func NewEngine(sources []Source, config *Config, logger *logrus.Logger, opts ...Option) *Engine {
	if config == nil {
		config = &Config{}
	}
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}

	e := &Engine{
		sources: sources,
		config:  config,
		logger:  logger,
		clock:   clock.RealClock{},
		stats:   make(map[string]SourceStats),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// outcome is the result of one (finding, source) task
type outcome struct {
	contribution types.Contribution
	err          error
	skipped      bool
}

// runState tracks sources disabled during one run
type runState struct {
	mutex    sync.Mutex
	disabled map[string]error
}

func (s *runState) disable(source string, err error) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.disabled[source]; ok {
		return false
	}
	s.disabled[source] = err
	return true
}

func (s *runState) isDisabled(source string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, ok := s.disabled[source]
	return ok
}

// EnrichAll enriches a copy of findings and returns it sorted by risk score,
// highest first. The output always has the same length as the input.
func (e *Engine) EnrichAll(ctx context.Context, findings []types.Finding) []types.Finding {
	out, _ := e.Enrich(ctx, findings)
	return out
}

// Enrich is EnrichAll plus the per-source outcome counts of this run
func (e *Engine) Enrich(ctx context.Context, findings []types.Finding) ([]types.Finding, map[string]SourceStats) {
	logger := e.logger.WithField("operation", "enrich_findings")
	startTime := e.clock.Now()

	out := make([]types.Finding, len(findings))
	for i := range findings {
		out[i] = clone(findings[i])
	}

	stats := make(map[string]SourceStats, len(e.sources))
	for _, src := range e.sources {
		stats[src.Name()] = SourceStats{}
		if r, ok := src.(Resetter); ok {
			r.Reset()
		}
	}

	// Resolve CVE ids once; unresolvable findings keep a CVSS-only baseline
	var resolvable []int
	seen := make(map[string]bool)
	var cves []string
	for i := range out {
		cve, ok := types.ResolveCVE(&out[i])
		if !ok {
			out[i].AddWarning("No CVE id found, scored on CVSS only")
			continue
		}
		out[i].CVE = cve
		resolvable = append(resolvable, i)
		if !seen[cve] {
			seen[cve] = true
			cves = append(cves, cve)
		}
	}

	logger.WithFields(logrus.Fields{
		"findings":    len(out),
		"resolvable":  len(resolvable),
		"unique_cves": len(cves),
		"sources":     len(e.sources),
	}).Info("Starting enrichment")

	if len(cves) > 0 {
		e.prefetch(ctx, cves)
	}

	state := &runState{disabled: make(map[string]error)}
	results := e.fanOut(ctx, state, out, resolvable)

	// Merge one finding at a time, sources in registration order
	for n, idx := range resolvable {
		f := &out[idx]
		for s, src := range e.sources {
			name := src.Name()
			res := results[n][s]
			st := stats[name]
			switch {
			case res.err != nil:
				if f.EnrichmentErrors == nil {
					f.EnrichmentErrors = make(map[string]string)
				}
				f.EnrichmentErrors[name] = res.err.Error()
				if res.skipped {
					st.Skipped++
				} else {
					st.Failed++
				}
			case res.contribution != nil:
				res.contribution(f)
				st.Succeeded++
			default:
				st.Succeeded++
			}
			stats[name] = st
		}
	}
	for _, src := range e.sources {
		if state.isDisabled(src.Name()) {
			st := stats[src.Name()]
			st.Disabled = true
			stats[src.Name()] = st
		}
	}

	for i := range out {
		Score(&out[i])
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RiskScore > out[j].RiskScore
	})

	logger.WithFields(logrus.Fields{
		"duration": e.clock.Since(startTime),
		"findings": len(out),
		"summary":  PrioritySummary(out),
	}).Info("Enrichment completed")

	return out, stats
}

func (e *Engine) prefetch(ctx context.Context, cves []string) {
	var wg sync.WaitGroup
	for _, src := range e.sources {
		p, ok := src.(Prefetcher)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string, p Prefetcher) {
			defer wg.Done()
			if err := p.Prefetch(ctx, cves); err != nil {
				e.logger.WithError(err).WithField("source", name).Warn("Prefetch failed, lookups will degrade")
			}
		}(src.Name(), p)
	}
	wg.Wait()
}

func (e *Engine) fanOut(ctx context.Context, state *runState, out []types.Finding, resolvable []int) [][]outcome {
	results := make([][]outcome, len(resolvable))
	for n := range results {
		results[n] = make([]outcome, len(e.sources))
	}

	total := len(resolvable) * len(e.sources)
	var done int32

	// Use semaphore to limit concurrent source calls
	semaphore := make(chan struct{}, e.config.Workers)
	var wg sync.WaitGroup

	for n, idx := range resolvable {
		for s, src := range e.sources {
			wg.Add(1)
			go func(n, s int, src Source, f types.Finding) {
				defer wg.Done()

				semaphore <- struct{}{}        // Acquire semaphore
				defer func() { <-semaphore }() // Release semaphore

				results[n][s] = e.runTask(ctx, state, src, f)

				if e.progress != nil {
					e.progress(int(atomic.AddInt32(&done, 1)), total)
				}
			}(n, s, src, out[idx])
		}
	}

	wg.Wait()
	return results
}

func (e *Engine) runTask(ctx context.Context, state *runState, src Source, f types.Finding) outcome {
	name := src.Name()
	if state.isDisabled(name) {
		return outcome{
			err:     &types.SourceError{Source: name, Kind: types.KindAuth, Err: errors.New("source disabled after authentication failure")},
			skipped: true,
		}
	}
	if err := ctx.Err(); err != nil {
		return outcome{err: types.Classify(name, err), skipped: true}
	}

	contribution, err := src.Contribute(ctx, f)
	if err == nil {
		return outcome{contribution: contribution}
	}

	srcErr := types.Classify(name, err)
	logger := e.logger.WithFields(logrus.Fields{"source": name, "cve": f.CVE, "error_kind": srcErr.Kind})
	if srcErr.Kind == types.KindAuth {
		if state.disable(name, err) {
			logger.WithError(err).Error("Authentication failed, disabling source for this run")
		}
	} else {
		logger.WithError(err).Debug("Source lookup failed")
	}
	return outcome{err: srcErr}
}

// clone copies the mutable parts of a finding so enrichment never writes
// through to the caller's data
func clone(f types.Finding) types.Finding {
	c := f
	if f.Warnings != nil {
		c.Warnings = append([]string(nil), f.Warnings...)
	}
	if f.EnrichmentErrors != nil {
		c.EnrichmentErrors = make(map[string]string, len(f.EnrichmentErrors))
		for k, v := range f.EnrichmentErrors {
			c.EnrichmentErrors[k] = v
		}
	}
	if f.Remediation != nil {
		r := *f.Remediation
		c.Remediation = &r
	}
	if f.Vulnerability != nil {
		v := *f.Vulnerability
		c.Vulnerability = &v
	}
	return c
}

// Run loads findings from the configured finding source and enriches them
func (e *Engine) Run(ctx context.Context) error {
	if e.findingSource == nil {
		return errors.New("no finding source configured")
	}

	logger := e.logger.WithFields(logrus.Fields{"operation": "run", "finding_source": e.findingSource.Name()})

	findings, err := e.findingSource.LoadFindings(ctx)
	if err != nil {
		return err
	}
	logger.WithField("finding_count", len(findings)).Info("Loaded findings")

	enriched, stats := e.Enrich(ctx, findings)

	e.mutex.Lock()
	e.findings = enriched
	e.stats = stats
	e.lastRun = e.clock.Now()
	e.mutex.Unlock()

	return nil
}

// Start runs enrichment immediately and then on every refresh interval until
// ctx is cancelled
func (e *Engine) Start(ctx context.Context) {
	logger := e.logger.WithField("component", "enrichment_engine")

	// Perform initial run
	if err := e.Run(ctx); err != nil {
		logger.WithError(err).Error("Initial enrichment run failed")
	}

	interval := e.config.RefreshInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()

	logger.WithField("interval", interval).Info("Starting periodic enrichment")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Enrichment engine stopping")
			return
		case <-ticker.C():
			if err := e.Run(ctx); err != nil {
				logger.WithError(err).Error("Enrichment run failed")
			}
		}
	}
}

// GetEnrichedFindings returns the findings of the last run and when it finished
func (e *Engine) GetEnrichedFindings() ([]types.Finding, time.Time) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	// Return a copy to prevent race conditions
	findings := make([]types.Finding, len(e.findings))
	copy(findings, e.findings)
	return findings, e.lastRun
}

// SourceStats returns per-source outcome counts of the last run
func (e *Engine) SourceStats() map[string]SourceStats {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	stats := make(map[string]SourceStats, len(e.stats))
	for k, v := range e.stats {
		stats[k] = v
	}
	return stats
}

// SourceNames lists the registered sources in order
func (e *Engine) SourceNames() []string {
	names := make([]string, 0, len(e.sources))
	for _, src := range e.sources {
		names = append(names, src.Name())
	}
	return names
}
