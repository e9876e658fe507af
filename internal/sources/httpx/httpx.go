// ABOUTME: Minimal HTTP plumbing shared by the REST-based enrichment sources.
// ABOUTME: Applies per-request timeouts and turns non-200 responses into typed errors.

package httpx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/xerrors"
)

// UserAgent is sent with every outbound request
const UserAgent = "riskrelay/1.0 (+https://github.com/jfeddern/RiskRelay)"

// maxBodySize caps response bodies; the full KEV catalog is a few MB
const maxBodySize = 64 << 20

// NewClient returns an http.Client with the given timeout
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// StatusError is returned for any non-200 response
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d from %s", e.StatusCode, e.URL)
}

// Unauthorized reports a 401 or 403
func (e *StatusError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// RateLimited reports a 429
func (e *StatusError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Get performs a GET and returns the body of a 200 response
func Get(ctx context.Context, client *http.Client, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, xerrors.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}
