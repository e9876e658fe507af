// ABOUTME: GitHub Security Advisory enrichment source backed by the GraphQL API.
// ABOUTME: Adds advisory context and picks the fixed version that applies to the installed package.

package ghsa

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/araddon/dateparse"
	"github.com/hashicorp/go-version"
	githubql "github.com/shurcooL/githubv4"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/xerrors"

	"github.com/jfeddern/RiskRelay/internal/types"
)

const (
	SourceName     = "ghsa"
	DefaultTimeout = 15 * time.Second
)

// GithubClient is the subset of the githubv4 client the source needs
type GithubClient interface {
	Query(ctx context.Context, q interface{}, variables map[string]interface{}) error
}

// AdvisoryQuery looks up the advisory published for one CVE id
type AdvisoryQuery struct {
	SecurityAdvisories struct {
		Nodes []AdvisoryNode
	} `graphql:"securityAdvisories(first: 1, identifier: {type: CVE, value: $cve})"`
}

type AdvisoryNode struct {
	GhsaID          string `graphql:"ghsaId"`
	Summary         string
	Description     string
	Severity        string
	PublishedAt     string
	UpdatedAt       string
	References      []Reference
	Vulnerabilities struct {
		Nodes []VulnerabilityNode
	} `graphql:"vulnerabilities(first: 25)"`
}

type Reference struct {
	URL string `graphql:"url"`
}

type VulnerabilityNode struct {
	Package struct {
		Name      string
		Ecosystem string
	}
	VulnerableVersionRange string
	FirstPatchedVersion    *struct {
		Identifier string
	}
}

// Client queries GitHub for advisories and remembers answers for the run
type Client struct {
	client   GithubClient
	endpoint string
	timeout  time.Duration
	logger   *logrus.Logger

	mutex    sync.Mutex
	resolved map[string]*types.Advisory
}

type Option func(*Client)

// WithGithubClient replaces the GraphQL client, e.g. with a mock
func WithGithubClient(gc GithubClient) Option {
	return func(c *Client) { c.client = gc }
}

// WithEndpoint targets a GitHub Enterprise GraphQL endpoint
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithTimeout overrides DefaultTimeout for GraphQL requests
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// NewClient creates a GHSA client. An empty token issues anonymous requests,
// which GitHub rate limits heavily.
func NewClient(token string, logger *logrus.Logger, opts ...Option) *Client {
	c := &Client{
		timeout:  DefaultTimeout,
		logger:   logger,
		resolved: make(map[string]*types.Advisory),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		httpClient := newHTTPClient(token, c.timeout)
		if c.endpoint != "" {
			c.client = githubql.NewEnterpriseClient(c.endpoint, httpClient)
		} else {
			c.client = githubql.NewClient(httpClient)
		}
	}
	return c
}

func newHTTPClient(token string, timeout time.Duration) *http.Client {
	if token == "" {
		return &http.Client{Timeout: timeout}
	}
	src := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	httpClient := oauth2.NewClient(context.Background(), src)
	httpClient.Timeout = timeout
	return httpClient
}

func (c *Client) Name() string {
	return SourceName
}

// Reset forgets advisories resolved in the previous run
func (c *Client) Reset() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.resolved = make(map[string]*types.Advisory)
}

// QueryAdvisory returns the advisory for cveID, or an empty advisory when none
// exists or the lookup failed. Only malformed ids produce an error.
func (c *Client) QueryAdvisory(ctx context.Context, cveID string) (*types.Advisory, error) {
	cve, err := types.ValidateCVE(cveID)
	if err != nil {
		return nil, err
	}

	advisory, lookupErr := c.lookup(ctx, cve)
	if lookupErr != nil {
		return &types.Advisory{}, nil
	}
	return advisory, nil
}

// lookup returns the SourceError of a failed query so callers can report it
func (c *Client) lookup(ctx context.Context, cve string) (*types.Advisory, *types.SourceError) {
	c.mutex.Lock()
	advisory, ok := c.resolved[cve]
	c.mutex.Unlock()
	if ok {
		return advisory, nil
	}

	logger := c.logger.WithFields(logrus.Fields{"source": SourceName, "cve": cve})

	var q AdvisoryQuery
	variables := map[string]interface{}{
		"cve": githubql.String(cve),
	}
	if err := c.client.Query(ctx, &q, variables); err != nil {
		kind := classify(err)
		logger.WithError(err).WithField("error_kind", kind).Warn("GitHub advisory query failed")
		return &types.Advisory{}, &types.SourceError{
			Source: SourceName,
			Kind:   types.KindTransient,
			Err:    xerrors.Errorf("%s error querying advisory: %w", kind, err),
		}
	}

	advisory = &types.Advisory{}
	if len(q.SecurityAdvisories.Nodes) > 0 {
		advisory = convert(q.SecurityAdvisories.Nodes[0])
	} else {
		logger.Debug("No GitHub advisory for CVE")
	}

	c.mutex.Lock()
	c.resolved[cve] = advisory
	c.mutex.Unlock()
	return advisory, nil
}

// classify separates failures of the HTTP exchange from errors reported in a
// GraphQL response body
func classify(err error) string {
	var urlErr *url.Error
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "transport"
	case errors.As(err, &urlErr), errors.As(err, &netErr):
		return "transport"
	case strings.Contains(err.Error(), "non-200 OK status code"):
		return "transport"
	default:
		return "graphql"
	}
}

func convert(node AdvisoryNode) *types.Advisory {
	advisory := &types.Advisory{
		GHSAID:      node.GhsaID,
		Summary:     node.Summary,
		Description: node.Description,
		Severity:    types.ParseSeverity(node.Severity),
		PublishedAt: normalizeTime(node.PublishedAt),
		UpdatedAt:   normalizeTime(node.UpdatedAt),
	}
	for _, ref := range node.References {
		if ref.URL != "" {
			advisory.References = append(advisory.References, ref.URL)
		}
	}
	for _, v := range node.Vulnerabilities.Nodes {
		av := types.AdvisoryVulnerability{
			Package:         strings.TrimSpace(v.Package.Name),
			Ecosystem:       v.Package.Ecosystem,
			VulnerableRange: v.VulnerableVersionRange,
		}
		if v.FirstPatchedVersion != nil {
			av.FirstPatchedVersion = v.FirstPatchedVersion.Identifier
		}
		advisory.Vulnerabilities = append(advisory.Vulnerabilities, av)
	}
	return advisory
}

func normalizeTime(s string) string {
	if s == "" {
		return ""
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return s
	}
	return t.UTC().Format(time.RFC3339)
}

// Contribute attaches the advisory and fills any remediation fields the
// finding does not already carry
func (c *Client) Contribute(ctx context.Context, f types.Finding) (types.Contribution, error) {
	cve, err := types.ValidateCVE(f.CVE)
	if err != nil {
		return nil, err
	}

	advisory, lookupErr := c.lookup(ctx, cve)
	if lookupErr != nil {
		return nil, lookupErr
	}
	if advisory.Empty() {
		return func(*types.Finding) {}, nil
	}

	return func(f *types.Finding) {
		f.GHSA = advisory
		applyRemediation(f, advisory)
	}, nil
}

// EnrichFinding attaches the advisory to f in place. Lookup failures leave f
// untouched and are not returned.
func (c *Client) EnrichFinding(ctx context.Context, f *types.Finding) error {
	apply, err := c.Contribute(ctx, *f)
	if err != nil {
		var srcErr *types.SourceError
		if errors.As(err, &srcErr) && srcErr.Kind == types.KindTransient {
			return nil
		}
		return err
	}
	apply(f)
	return nil
}

func applyRemediation(f *types.Finding, advisory *types.Advisory) {
	vuln, ok := selectVulnerability(advisory.Vulnerabilities, f.Package, f.Version)
	if !ok {
		return
	}

	if f.Remediation == nil {
		f.Remediation = &types.Remediation{Source: SourceName}
	}
	if f.Remediation.FixedVersion == "" {
		f.Remediation.FixedVersion = vuln.FirstPatchedVersion
	}
	if f.Remediation.VulnerableRange == "" {
		f.Remediation.VulnerableRange = vuln.VulnerableRange
	}
}

// selectVulnerability picks the affected range relevant to pkg@installed: among
// ranges for pkg, the smallest first-patched version above the installed one.
// Without usable version data the first range with a fix wins.
func selectVulnerability(vulns []types.AdvisoryVulnerability, pkg, installed string) (types.AdvisoryVulnerability, bool) {
	if len(vulns) == 0 {
		return types.AdvisoryVulnerability{}, false
	}

	candidates := vulns
	if pkg != "" {
		var matching []types.AdvisoryVulnerability
		for _, v := range vulns {
			if strings.EqualFold(v.Package, pkg) {
				matching = append(matching, v)
			}
		}
		if len(matching) > 0 {
			candidates = matching
		}
	}

	if current, err := version.NewVersion(installed); err == nil {
		var best *types.AdvisoryVulnerability
		var bestVersion *version.Version
		for i, v := range candidates {
			patched, err := version.NewVersion(v.FirstPatchedVersion)
			if err != nil || !patched.GreaterThan(current) {
				continue
			}
			if bestVersion == nil || patched.LessThan(bestVersion) {
				best, bestVersion = &candidates[i], patched
			}
		}
		if best != nil {
			return *best, true
		}
	}

	for _, v := range candidates {
		if v.FirstPatchedVersion != "" {
			return v, true
		}
	}
	return candidates[0], true
}
