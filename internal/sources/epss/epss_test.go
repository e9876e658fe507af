// ABOUTME: Tests for the EPSS enrichment source.
// ABOUTME: Covers batching, cache reuse, per-batch failure isolation and level mapping.

package epss

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/jfeddern/RiskRelay/internal/cache"
	"github.com/jfeddern/RiskRelay/internal/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// fakeAPI answers every requested CVE with score 0.5 unless overridden, and
// records the CVE list of each request
type fakeAPI struct {
	mutex    sync.Mutex
	requests [][]string
	scores   map[string]string
	fail     func(batch []string) bool
}

func (f *fakeAPI) handler(w http.ResponseWriter, r *http.Request) {
	batch := strings.Split(r.URL.Query().Get("cve"), ",")

	f.mutex.Lock()
	f.requests = append(f.requests, batch)
	f.mutex.Unlock()

	if f.fail != nil && f.fail(batch) {
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	resp := apiResponse{Status: "OK", StatusCode: 200}
	for _, cve := range batch {
		score := "0.5"
		if s, ok := f.scores[cve]; ok {
			if s == "" {
				continue
			}
			score = s
		}
		resp.Data = append(resp.Data, apiScore{CVE: cve, EPSS: score, Percentile: "0.9", Date: "2025-01-15"})
	}
	resp.Total = len(resp.Data)
	json.NewEncoder(w).Encode(resp)
}

func (f *fakeAPI) requestCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.requests)
}

func newFakeAPI(t *testing.T, api *fakeAPI) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(api.handler))
	t.Cleanup(server.Close)
	return server
}

func cveRange(start, n int) []string {
	cves := make([]string, n)
	for i := range cves {
		cves[i] = fmt.Sprintf("CVE-2024-%05d", start+i)
	}
	return cves
}

func TestFetchScoresBatching(t *testing.T) {
	api := &fakeAPI{}
	server := newFakeAPI(t, api)
	manager := cache.New(afero.NewMemMapFs(), "/cache", testLogger())
	client := NewClient(manager.Bucket(SourceName), testLogger(), WithURL(server.URL))

	scores, err := client.FetchScores(context.Background(), cveRange(1, 150))
	require.NoError(t, err)
	assert.Len(t, scores, 150)
	require.Equal(t, 2, api.requestCount())
	assert.Len(t, api.requests[0], 100)
	assert.Len(t, api.requests[1], 50)
}

func TestFetchScoresNeverResendsCached(t *testing.T) {
	api := &fakeAPI{}
	server := newFakeAPI(t, api)
	manager := cache.New(afero.NewMemMapFs(), "/cache", testLogger())
	bucket := manager.Bucket(SourceName)
	ctx := context.Background()

	first := NewClient(bucket, testLogger(), WithURL(server.URL))
	_, err := first.FetchScores(ctx, cveRange(1, 10))
	require.NoError(t, err)
	require.Equal(t, 1, api.requestCount())

	// A new client shares only the disk cache
	second := NewClient(bucket, testLogger(), WithURL(server.URL))
	scores, err := second.FetchScores(ctx, cveRange(5, 10))
	require.NoError(t, err)
	assert.Len(t, scores, 10)
	require.Equal(t, 2, api.requestCount())
	assert.ElementsMatch(t, cveRange(11, 4), api.requests[1])
}

func TestFetchScoresEdgeCases(t *testing.T) {
	api := &fakeAPI{scores: map[string]string{"CVE-2024-00002": ""}}
	server := newFakeAPI(t, api)
	client := NewClient(cache.Nop, testLogger(), WithURL(server.URL))
	ctx := context.Background()

	t.Run("empty input", func(t *testing.T) {
		scores, err := client.FetchScores(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, scores)
		assert.Equal(t, 0, api.requestCount())
	})

	t.Run("malformed id fails before any request", func(t *testing.T) {
		_, err := client.FetchScores(ctx, []string{"CVE-2024-00001", "nope"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrInvalidCVE))
		assert.Equal(t, 0, api.requestCount())
	})

	t.Run("duplicates and case are normalized", func(t *testing.T) {
		scores, err := client.FetchScores(ctx, []string{"cve-2024-00001", "CVE-2024-00001", "CVE-2024-00002"})
		require.NoError(t, err)
		assert.Len(t, scores, 2)
		require.Equal(t, 1, api.requestCount())
		assert.Len(t, api.requests[0], 2)

		assert.InDelta(t, 0.5, scores["CVE-2024-00001"].EPSS, 1e-9)
		assert.InDelta(t, 0.9, scores["CVE-2024-00001"].Percentile, 1e-9)
		// Absent from the response means not scored yet
		assert.Zero(t, scores["CVE-2024-00002"].EPSS)
		assert.Empty(t, scores["CVE-2024-00002"].Error)
	})
}

func TestFetchScoresBatchFailureIsolation(t *testing.T) {
	failing := "CVE-2024-00150"
	api := &fakeAPI{fail: func(batch []string) bool {
		for _, cve := range batch {
			if cve == failing {
				return true
			}
		}
		return false
	}}
	server := newFakeAPI(t, api)
	client := NewClient(cache.Nop, testLogger(), WithURL(server.URL))

	scores, err := client.FetchScores(context.Background(), cveRange(1, 150))
	require.NoError(t, err)
	require.Len(t, scores, 150)

	assert.InDelta(t, 0.5, scores["CVE-2024-00001"].EPSS, 1e-9)
	assert.Empty(t, scores["CVE-2024-00001"].Error)

	assert.Zero(t, scores[failing].EPSS)
	assert.NotEmpty(t, scores[failing].Error)
	assert.NotEmpty(t, scores["CVE-2024-00101"].Error)
}

func TestFetchScoresStaleFallback(t *testing.T) {
	fakeClock := clocktesting.NewFakeClock(time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC))
	manager := cache.New(afero.NewMemMapFs(), "/cache", testLogger(), cache.WithClock(fakeClock))
	bucket := manager.Bucket(SourceName)
	payload, err := json.Marshal(types.EPSSScore{CVE: "CVE-2021-44228", EPSS: 0.97, Percentile: 0.99})
	require.NoError(t, err)
	require.NoError(t, bucket.Store("CVE-2021-44228", payload))

	fakeClock.Step(48 * time.Hour)
	api := &fakeAPI{fail: func([]string) bool { return true }}
	server := newFakeAPI(t, api)
	client := NewClient(bucket, testLogger(), WithURL(server.URL))

	scores, err := client.FetchScores(context.Background(), []string{"CVE-2021-44228", "CVE-2024-00001"})
	require.NoError(t, err)
	assert.Equal(t, 1, api.requestCount(), "stale and missing ids share one batch")

	stale := scores["CVE-2021-44228"]
	assert.InDelta(t, 0.97, stale.EPSS, 1e-9)
	assert.True(t, stale.Stale)
	assert.Empty(t, stale.Error)

	assert.NotEmpty(t, scores["CVE-2024-00001"].Error)
}

func TestPrefetchMakesContributeACacheHit(t *testing.T) {
	api := &fakeAPI{scores: map[string]string{"CVE-2021-44228": "0.975"}}
	server := newFakeAPI(t, api)
	client := NewClient(cache.Nop, testLogger(), WithURL(server.URL))
	ctx := context.Background()

	require.NoError(t, client.Prefetch(ctx, []string{"CVE-2021-44228", "CVE-2024-00001"}))
	require.Equal(t, 1, api.requestCount())

	apply, err := client.Contribute(ctx, types.Finding{CVE: "CVE-2021-44228"})
	require.NoError(t, err)
	var f types.Finding
	apply(&f)

	assert.Equal(t, 1, api.requestCount())
	require.NotNil(t, f.EPSS)
	assert.InDelta(t, 0.975, f.EPSS.EPSS, 1e-9)
	assert.Equal(t, "97.50%", f.ExploitationProbability)
	assert.Equal(t, string(LevelCritical), f.EPSSPriority)
}

func TestEnrichFindings(t *testing.T) {
	api := &fakeAPI{scores: map[string]string{"CVE-2023-0001": "0.3"}}
	server := newFakeAPI(t, api)
	client := NewClient(cache.Nop, testLogger(), WithURL(server.URL))

	findings := []*types.Finding{
		{CVE: "CVE-2023-0001"},
		{Vulnerability: &types.VulnerabilityRef{ID: "cve-2023-0002"}},
		{ID: "GHSA-xxxx-yyyy-zzzz"},
	}
	require.NoError(t, client.EnrichFindings(context.Background(), findings))
	assert.Equal(t, 1, api.requestCount())

	assert.Equal(t, "30.00%", findings[0].ExploitationProbability)
	assert.Equal(t, string(LevelMedium), findings[0].EPSSPriority)
	assert.Equal(t, string(LevelHigh), findings[1].EPSSPriority)
	assert.Nil(t, findings[2].EPSS)
}

func TestPriorityLevel(t *testing.T) {
	tests := []struct {
		score   float64
		want    Level
		wantErr bool
	}{
		{score: 0.0, want: LevelLow},
		{score: 0.2499, want: LevelLow},
		{score: 0.25, want: LevelMedium},
		{score: 0.5, want: LevelHigh},
		{score: 0.75, want: LevelCritical},
		{score: 1.0, want: LevelCritical},
		{score: -0.01, wantErr: true},
		{score: 1.01, wantErr: true},
		{score: math.NaN(), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v", tt.score), func(t *testing.T) {
			got, err := PriorityLevel(tt.score)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrOutOfRange))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePriorityLevel(t *testing.T) {
	level, err := ParsePriorityLevel(" 0.8 ")
	require.NoError(t, err)
	assert.Equal(t, LevelCritical, level)

	_, err = ParsePriorityLevel("high")
	assert.True(t, errors.Is(err, ErrNotNumeric))

	_, err = ParsePriorityLevel("2")
	assert.True(t, errors.Is(err, ErrOutOfRange))
}
