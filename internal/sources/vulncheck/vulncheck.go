// ABOUTME: VulnCheck exploit-intelligence enrichment source.
// ABOUTME: Reports exploit maturity and weaponization; degrades to placeholders without a key or on outages.

package vulncheck

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/jfeddern/RiskRelay/internal/cache"
	"github.com/jfeddern/RiskRelay/internal/sources/httpx"
	"github.com/jfeddern/RiskRelay/internal/types"
)

const (
	SourceName     = "vulncheck"
	DefaultURL     = "https://api.vulncheck.com/v3/index/vulncheck-kev"
	DefaultTimeout = 15 * time.Second

	// APIKeyEnv is consulted when no key is passed to NewClient
	APIKeyEnv = "VULNCHECK_API_KEY"

	sourceUnconfigured = "unconfigured"
)

// indexResponse is the envelope of the VulnCheck index API
type indexResponse struct {
	Data []kevRecord `json:"data"`
}

type kevRecord struct {
	CVE                        []string          `json:"cve"`
	VendorProject              string            `json:"vendorProject"`
	Product                    string            `json:"product"`
	KnownRansomwareCampaignUse string            `json:"knownRansomwareCampaignUse"`
	XDB                        []xdbEntry        `json:"vulncheck_xdb"`
	ReportedExploitation       []reportedExploit `json:"vulncheck_reported_exploitation"`
	DateAdded                  string            `json:"date_added"`
}

type xdbEntry struct {
	XDBID       string `json:"xdb_id"`
	XDBURL      string `json:"xdb_url"`
	ExploitType string `json:"exploit_type"`
	DateAdded   string `json:"date_added"`
}

type reportedExploit struct {
	URL       string `json:"url"`
	DateAdded string `json:"date_added"`
}

// Client queries VulnCheck for exploit status
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
	store      cache.Store
	logger     *logrus.Logger
}

type Option func(*Client)

func WithURL(url string) Option {
	return func(c *Client) { c.url = url }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a VulnCheck client. An empty apiKey falls back to
// VULNCHECK_API_KEY; without either the client answers with placeholders.
func NewClient(apiKey string, store cache.Store, logger *logrus.Logger, opts ...Option) *Client {
	if apiKey == "" {
		apiKey = os.Getenv(APIKeyEnv)
	}
	if store == nil {
		store = cache.Nop
	}
	c := &Client{
		url:        DefaultURL,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: httpx.NewClient(DefaultTimeout),
		store:      store,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string {
	return SourceName
}

// Configured reports whether an API key is available
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// GetExploitStatus returns the exploit record for cveID. Rejected credentials
// return *types.AuthError; every other failure yields an annotated placeholder.
func (c *Client) GetExploitStatus(ctx context.Context, cveID string) (types.ExploitRecord, error) {
	cve, err := types.ValidateCVE(cveID)
	if err != nil {
		return types.ExploitRecord{}, err
	}

	if !c.Configured() {
		return types.ExploitRecord{
			ExploitAvailable: false,
			ExploitMaturity:  types.MaturityUnknown,
			Source:           sourceUnconfigured,
		}, nil
	}

	logger := c.logger.WithFields(logrus.Fields{"source": SourceName, "cve": cve})

	var authErr *types.AuthError
	fetch := func(ctx context.Context) ([]byte, error) {
		record, err := c.fetch(ctx, cve)
		if err != nil {
			var statusErr *httpx.StatusError
			if errors.As(err, &statusErr) && statusErr.Unauthorized() {
				authErr = &types.AuthError{Source: SourceName, StatusCode: statusErr.StatusCode}
			}
			return nil, err
		}
		return json.Marshal(record)
	}

	payload, status, err := cache.Resolve(ctx, c.store, cve, fetch, validateRecord, logger)
	if authErr != nil {
		return types.ExploitRecord{}, authErr
	}
	if err != nil {
		logger.WithError(err).Warn("VulnCheck lookup failed, exploit status unknown")
		return types.ExploitRecord{
			ExploitMaturity: types.MaturityUnknown,
			Source:          SourceName,
			Error:           describe(err),
		}, nil
	}

	// Resolve only hands out payloads that passed validateRecord
	record, _ := decodeRecord(payload)
	logger.WithField("cache_status", status.String()).Debug("VulnCheck exploit status resolved")
	return record, nil
}

// decodeRecord reads a cached exploit record. Records we wrote always carry
// the source name and a known maturity.
func decodeRecord(payload []byte) (types.ExploitRecord, error) {
	var record types.ExploitRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return types.ExploitRecord{}, xerrors.Errorf("failed to decode exploit record: %w", err)
	}
	if record.Source != SourceName {
		return types.ExploitRecord{}, xerrors.Errorf("exploit record has source %q", record.Source)
	}
	if _, ok := maturityRank[record.ExploitMaturity]; !ok {
		return types.ExploitRecord{}, xerrors.Errorf("exploit record has unknown maturity %q", record.ExploitMaturity)
	}
	return record, nil
}

func validateRecord(payload []byte) error {
	_, err := decodeRecord(payload)
	return err
}

func (c *Client) fetch(ctx context.Context, cve string) (types.ExploitRecord, error) {
	query := c.url + "?cve=" + url.QueryEscape(cve)
	body, err := httpx.Get(ctx, c.httpClient, query, map[string]string{
		"Authorization": "Bearer " + c.apiKey,
	})
	if err != nil {
		return types.ExploitRecord{}, err
	}

	var resp indexResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return types.ExploitRecord{}, xerrors.Errorf("failed to decode VulnCheck response: %w", err)
	}
	return toRecord(cve, resp.Data), nil
}

// toRecord folds every index record mentioning cve into one exploit record
func toRecord(cve string, records []kevRecord) types.ExploitRecord {
	record := types.ExploitRecord{
		ExploitMaturity: types.MaturityNone,
		Source:          SourceName,
	}

	for _, r := range records {
		if !mentions(r, cve) {
			continue
		}

		// Listed in VulnCheck KEV means exploited in the wild
		record.ExploitAvailable = true
		if len(r.ReportedExploitation) > 0 {
			record.Weaponized = true
		}
		if strings.EqualFold(r.KnownRansomwareCampaignUse, "Known") {
			record.RansomwareUse = true
			record.Weaponized = true
		}
		record.ExploitMaturity = maxMaturity(record.ExploitMaturity, maturityOf(r))
	}
	return record
}

func mentions(r kevRecord, cve string) bool {
	if len(r.CVE) == 0 {
		return true
	}
	for _, id := range r.CVE {
		if strings.EqualFold(strings.TrimSpace(id), cve) {
			return true
		}
	}
	return false
}

func maturityOf(r kevRecord) types.ExploitMaturity {
	if len(r.ReportedExploitation) > 0 {
		return types.MaturityHigh
	}
	maturity := types.MaturityPoC
	for _, x := range r.XDB {
		if strings.EqualFold(x.ExploitType, "initial-access") {
			maturity = types.MaturityFunctional
		}
	}
	return maturity
}

var maturityRank = map[types.ExploitMaturity]int{
	types.MaturityUnknown:    0,
	types.MaturityNone:       1,
	types.MaturityPoC:        2,
	types.MaturityFunctional: 3,
	types.MaturityHigh:       4,
}

func maxMaturity(a, b types.ExploitMaturity) types.ExploitMaturity {
	if maturityRank[b] > maturityRank[a] {
		return b
	}
	return a
}

// describe turns a fetch failure into the short annotation stored on placeholders
func describe(err error) string {
	var statusErr *httpx.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.RateLimited() {
			return "rate limited"
		}
		return http.StatusText(statusErr.StatusCode)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return "timeout"
	}
	return "network error"
}

// Contribute attaches the exploit record. Weaponized findings get a warning;
// the priority escalation itself is applied by the engine.
func (c *Client) Contribute(ctx context.Context, f types.Finding) (types.Contribution, error) {
	record, err := c.GetExploitStatus(ctx, f.CVE)
	if err != nil {
		return nil, err
	}

	return func(f *types.Finding) {
		r := record
		f.Exploit = &r
		switch {
		case record.Weaponized && record.RansomwareUse:
			f.AddWarning("Weaponized exploit used in ransomware campaigns (VulnCheck)")
		case record.Weaponized:
			f.AddWarning("Weaponized exploit reported by VulnCheck")
		case record.Error != "":
			f.AddWarning("VulnCheck exploit status unavailable: " + record.Error)
		}
	}, nil
}
