// ABOUTME: CISA Known Exploited Vulnerabilities enrichment source.
// ABOUTME: Fetches the catalog once per run through the disk cache and indexes it by CVE.

package kev

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/araddon/dateparse"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/jfeddern/RiskRelay/internal/cache"
	"github.com/jfeddern/RiskRelay/internal/sources/httpx"
	"github.com/jfeddern/RiskRelay/internal/types"
)

const (
	// SourceName identifies this source in caches, logs and enrichment errors
	SourceName = "kev"

	DefaultURL     = "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json"
	DefaultTimeout = 30 * time.Second

	catalogKey = "catalog"
	dateFormat = "2006-01-02"
)

// catalogResponse is the top-level JSON document published by CISA
type catalogResponse struct {
	Title           string              `json:"title"`
	CatalogVersion  string              `json:"catalogVersion"`
	DateReleased    string              `json:"dateReleased"`
	Count           int                 `json:"count"`
	Vulnerabilities []vulnerabilityJSON `json:"vulnerabilities"`
}

type vulnerabilityJSON struct {
	CVEID                      string `json:"cveID"`
	VendorProject              string `json:"vendorProject"`
	Product                    string `json:"product"`
	VulnerabilityName          string `json:"vulnerabilityName"`
	DateAdded                  string `json:"dateAdded"`
	ShortDescription           string `json:"shortDescription"`
	RequiredAction             string `json:"requiredAction"`
	DueDate                    string `json:"dueDate"`
	KnownRansomwareCampaignUse string `json:"knownRansomwareCampaignUse"`
	Notes                      string `json:"notes"`
}

// Client answers KEV membership questions
type Client struct {
	url        string
	httpClient *http.Client
	store      cache.Store
	logger     *logrus.Logger

	mutex   sync.Mutex
	loaded  bool
	index   map[string]types.KEVEntry
	stale   bool
	loadErr error
}

type Option func(*Client)

// WithURL points the client at a mirror of the catalog
func WithURL(url string) Option {
	return func(c *Client) { c.url = url }
}

// WithHTTPClient replaces the default client (and its timeout)
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a KEV client backed by store. Pass cache.Nop to disable caching.
func NewClient(store cache.Store, logger *logrus.Logger, opts ...Option) *Client {
	if store == nil {
		store = cache.Nop
	}
	c := &Client{
		url:        DefaultURL,
		httpClient: httpx.NewClient(DefaultTimeout),
		store:      store,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the source name
func (c *Client) Name() string {
	return SourceName
}

// Prefetch loads the catalog so later lookups never block on the network.
// The returned error is informational: lookups degrade to "unknown".
func (c *Client) Prefetch(ctx context.Context, _ []string) error {
	_, _, err := c.load(ctx)
	return err
}

// Reset drops the loaded index so the next lookup consults the cache again
func (c *Client) Reset() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.loaded = false
	c.index = nil
	c.stale = false
	c.loadErr = nil
}

// Size returns the number of indexed catalog entries
func (c *Client) Size(ctx context.Context) int {
	index, _, _ := c.load(ctx)
	return len(index)
}

// IsKnownExploited reports whether cveID is in the catalog. An unavailable
// catalog yields Unknown rather than an error; only malformed ids fail.
func (c *Client) IsKnownExploited(ctx context.Context, cveID string) (types.KEVStatus, error) {
	cve, err := types.ValidateCVE(cveID)
	if err != nil {
		return types.KEVStatus{}, err
	}

	index, stale, _ := c.load(ctx)
	if index == nil {
		return types.KEVStatus{Unknown: true}, nil
	}

	entry, ok := index[cve]
	if !ok {
		return types.KEVStatus{InKEV: false, Stale: stale}, nil
	}
	return types.KEVStatus{InKEV: true, Stale: stale, Entry: &entry}, nil
}

// Contribute looks up f.CVE and returns the changes to apply to the finding.
// A KEV match raises the effective severity; the final priority is left to the engine.
func (c *Client) Contribute(ctx context.Context, f types.Finding) (types.Contribution, error) {
	status, err := c.IsKnownExploited(ctx, f.CVE)
	if err != nil {
		return nil, err
	}

	return func(f *types.Finding) {
		f.KEV = &status
		switch {
		case status.Unknown:
			f.AddWarning("KEV catalog unavailable, exploitation status unknown")
		case status.InKEV:
			f.EffectiveSeverity = types.SeverityCritical
			msg := "Listed in CISA KEV"
			if status.Entry.DueDate != "" {
				msg = fmt.Sprintf("%s, remediation due %s", msg, status.Entry.DueDate)
			}
			f.AddWarning(msg)
		}
	}, nil
}

// EnrichFinding attaches the KEV status to f in place
func (c *Client) EnrichFinding(ctx context.Context, f *types.Finding) error {
	apply, err := c.Contribute(ctx, *f)
	if err != nil {
		return err
	}
	apply(f)
	return nil
}

// load fetches and indexes the catalog once per run
func (c *Client) load(ctx context.Context) (map[string]types.KEVEntry, bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.loaded {
		return c.index, c.stale, c.loadErr
	}
	c.loaded = true

	logger := c.logger.WithFields(logrus.Fields{"source": SourceName, "operation": "load_catalog"})

	payload, status, err := cache.Resolve(ctx, c.store, catalogKey, c.fetch, validateCatalog, logger)
	if err != nil {
		c.loadErr = err
		logger.WithError(err).Warn("KEV catalog unavailable, lookups will report unknown")
		return nil, false, err
	}

	index, err := buildIndex(payload)
	if err != nil {
		c.loadErr = err
		logger.WithError(err).Warn("Failed to parse KEV catalog, lookups will report unknown")
		return nil, false, err
	}

	c.index = index
	c.stale = status == cache.StatusStale
	logger.WithFields(logrus.Fields{
		"entries":      len(index),
		"cache_status": status.String(),
	}).Info("KEV catalog loaded")
	return c.index, c.stale, nil
}

func (c *Client) fetch(ctx context.Context) ([]byte, error) {
	body, err := httpx.Get(ctx, c.httpClient, c.url, nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to fetch KEV catalog: %w", err)
	}
	return body, nil
}

func validateCatalog(payload []byte) error {
	_, err := decodeCatalog(payload)
	return err
}

// buildIndex turns the catalog into a CVE -> entry map in one pass
func buildIndex(payload []byte) (map[string]types.KEVEntry, error) {
	vulns, err := decodeCatalog(payload)
	if err != nil {
		return nil, err
	}

	index := make(map[string]types.KEVEntry, len(vulns))
	for _, v := range vulns {
		cve, err := types.ValidateCVE(v.CVEID)
		if err != nil {
			continue
		}
		index[cve] = types.KEVEntry{
			CVEID:                      cve,
			VendorProject:              v.VendorProject,
			Product:                    v.Product,
			VulnerabilityName:          v.VulnerabilityName,
			DateAdded:                  normalizeDate(v.DateAdded),
			DueDate:                    normalizeDate(v.DueDate),
			RequiredAction:             v.RequiredAction,
			ShortDescription:           v.ShortDescription,
			KnownRansomwareCampaignUse: v.KnownRansomwareCampaignUse,
			Notes:                      v.Notes,
		}
	}
	return index, nil
}

// decodeCatalog accepts the CISA document or a bare array of entries
func decodeCatalog(payload []byte) ([]vulnerabilityJSON, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var vulns []vulnerabilityJSON
		if err := json.Unmarshal(trimmed, &vulns); err != nil {
			return nil, xerrors.Errorf("failed to parse KEV entries: %w", err)
		}
		return vulns, nil
	}

	var catalog catalogResponse
	if err := json.Unmarshal(trimmed, &catalog); err != nil {
		return nil, xerrors.Errorf("failed to parse KEV catalog: %w", err)
	}
	if catalog.Vulnerabilities == nil {
		return nil, xerrors.New("KEV catalog has no vulnerabilities array")
	}
	return catalog.Vulnerabilities, nil
}

func normalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return s
	}
	return t.Format(dateFormat)
}
