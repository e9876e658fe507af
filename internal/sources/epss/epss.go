// ABOUTME: FIRST EPSS enrichment source: exploitation probability per CVE.
// ABOUTME: Serves cached scores first and batches only the misses, isolating batch failures.

package epss

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/jfeddern/RiskRelay/internal/cache"
	"github.com/jfeddern/RiskRelay/internal/sources/httpx"
	"github.com/jfeddern/RiskRelay/internal/types"
)

const (
	SourceName     = "epss"
	DefaultURL     = "https://api.first.org/data/v1/epss"
	DefaultTimeout = 30 * time.Second

	// BatchSize is the upstream limit of CVEs per request
	BatchSize = 100
)

// apiResponse is the FIRST EPSS API envelope. Scores arrive as strings.
type apiResponse struct {
	Status     string     `json:"status"`
	StatusCode int        `json:"status-code"`
	Total      int        `json:"total"`
	Data       []apiScore `json:"data"`
}

type apiScore struct {
	CVE        string `json:"cve"`
	EPSS       string `json:"epss"`
	Percentile string `json:"percentile"`
	Date       string `json:"date"`
}

// Client fetches EPSS scores
type Client struct {
	url        string
	httpClient *http.Client
	store      cache.Store
	logger     *logrus.Logger

	// scores already resolved during this run, including placeholders
	mutex    sync.Mutex
	resolved map[string]types.EPSSScore
}

type Option func(*Client)

func WithURL(url string) Option {
	return func(c *Client) { c.url = url }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates an EPSS client backed by store
func NewClient(store cache.Store, logger *logrus.Logger, opts ...Option) *Client {
	if store == nil {
		store = cache.Nop
	}
	c := &Client{
		url:        DefaultURL,
		httpClient: httpx.NewClient(DefaultTimeout),
		store:      store,
		logger:     logger,
		resolved:   make(map[string]types.EPSSScore),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string {
	return SourceName
}

// Reset forgets scores resolved in the previous run
func (c *Client) Reset() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.resolved = make(map[string]types.EPSSScore)
}

// Prefetch resolves every CVE of a run in as few batches as possible
func (c *Client) Prefetch(ctx context.Context, cves []string) error {
	_, err := c.FetchScores(ctx, cves)
	return err
}

// FetchScores returns a score for every requested CVE. Only malformed ids
// produce an error; network failures yield zero-score placeholders carrying
// the error, limited to the batch that failed.
func (c *Client) FetchScores(ctx context.Context, cveIDs []string) (map[string]types.EPSSScore, error) {
	scores := make(map[string]types.EPSSScore)
	if len(cveIDs) == 0 {
		return scores, nil
	}

	normalized := make([]string, 0, len(cveIDs))
	for _, id := range cveIDs {
		cve, err := types.ValidateCVE(id)
		if err != nil {
			return nil, err
		}
		normalized = append(normalized, cve)
	}
	normalized = lo.Uniq(normalized)

	logger := c.logger.WithField("source", SourceName)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	var misses []string
	stale := make(map[string]types.EPSSScore)
	for _, cve := range normalized {
		if score, ok := c.resolved[cve]; ok {
			scores[cve] = score
			continue
		}

		entry, ok := c.store.Load(cve)
		if ok {
			var score types.EPSSScore
			if err := json.Unmarshal(entry.Payload, &score); err != nil {
				logger.WithError(err).WithField("cve", cve).Warn("Corrupted EPSS cache entry, refetching")
			} else if !entry.Stale {
				scores[cve] = score
				c.resolved[cve] = score
				continue
			} else {
				score.Stale = true
				stale[cve] = score
			}
		}
		misses = append(misses, cve)
	}

	batches := lo.Chunk(misses, BatchSize)
	logger.WithFields(logrus.Fields{
		"requested": len(normalized),
		"cached":    len(normalized) - len(misses),
		"batches":   len(batches),
	}).Debug("Resolving EPSS scores")

	for _, batch := range batches {
		fetched, err := c.fetchBatch(ctx, batch)
		if err != nil {
			logger.WithError(err).WithField("batch_size", len(batch)).Warn("EPSS batch failed, degrading to cached or zero scores")
			for _, cve := range batch {
				score, ok := stale[cve]
				if !ok {
					score = types.EPSSScore{CVE: cve, Error: err.Error()}
				}
				scores[cve] = score
				c.resolved[cve] = score
			}
			continue
		}

		for _, cve := range batch {
			score, ok := fetched[cve]
			if !ok {
				// Not scored by FIRST yet
				score = types.EPSSScore{CVE: cve}
			}
			scores[cve] = score
			c.resolved[cve] = score

			payload, err := json.Marshal(score)
			if err == nil {
				err = c.store.Store(cve, payload)
			}
			if err != nil {
				logger.WithError(err).WithField("cve", cve).Warn("Failed to cache EPSS score")
			}
		}
	}

	return scores, nil
}

func (c *Client) fetchBatch(ctx context.Context, batch []string) (map[string]types.EPSSScore, error) {
	url := fmt.Sprintf("%s?cve=%s", c.url, strings.Join(batch, ","))
	body, err := httpx.Get(ctx, c.httpClient, url, nil)
	if err != nil {
		return nil, xerrors.Errorf("EPSS request failed: %w", err)
	}

	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, xerrors.Errorf("failed to decode EPSS response: %w", err)
	}

	scores := make(map[string]types.EPSSScore, len(resp.Data))
	for _, d := range resp.Data {
		cve, err := types.ValidateCVE(d.CVE)
		if err != nil {
			continue
		}
		score, err1 := strconv.ParseFloat(d.EPSS, 64)
		percentile, err2 := strconv.ParseFloat(d.Percentile, 64)
		if err1 != nil || err2 != nil {
			c.logger.WithField("cve", cve).Debug("Skipping EPSS entry with non-numeric score")
			continue
		}
		scores[cve] = types.EPSSScore{
			CVE:        cve,
			EPSS:       clamp(score),
			Percentile: clamp(percentile),
			Date:       d.Date,
		}
	}
	return scores, nil
}

// Contribute resolves the score for f.CVE
func (c *Client) Contribute(ctx context.Context, f types.Finding) (types.Contribution, error) {
	scores, err := c.FetchScores(ctx, []string{f.CVE})
	if err != nil {
		return nil, err
	}
	cve, _ := types.ValidateCVE(f.CVE)
	score := scores[cve]
	return func(f *types.Finding) { apply(f, score) }, nil
}

// EnrichFindings attaches EPSS data to every finding with a resolvable CVE,
// using a single batched lookup
func (c *Client) EnrichFindings(ctx context.Context, findings []*types.Finding) error {
	var cves []string
	for _, f := range findings {
		if cve, ok := types.ResolveCVE(f); ok {
			cves = append(cves, cve)
		}
	}

	scores, err := c.FetchScores(ctx, cves)
	if err != nil {
		return err
	}

	for _, f := range findings {
		cve, ok := types.ResolveCVE(f)
		if !ok {
			continue
		}
		apply(f, scores[cve])
	}
	return nil
}

func apply(f *types.Finding, score types.EPSSScore) {
	s := score
	f.EPSS = &s
	f.ExploitationProbability = FormatProbability(score.EPSS)
	if level, err := PriorityLevel(score.EPSS); err == nil {
		f.EPSSPriority = string(level)
	}
	if score.Error != "" {
		f.AddWarning("EPSS score unavailable: " + score.Error)
	}
}

// FormatProbability renders a probability as a percentage, e.g. 0.975 -> "97.50%"
func FormatProbability(p float64) string {
	return fmt.Sprintf("%.2f%%", p*100)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
