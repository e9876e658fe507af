// ABOUTME: Unit tests for the per-source disk cache and its fetch-through policy.
// ABOUTME: Uses an in-memory filesystem and a fake clock to drive TTL expiry.

package cache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

var baseTime = time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)

func newTestManager(t *testing.T) (*Manager, afero.Fs, *clocktesting.FakeClock) {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	fs := afero.NewMemMapFs()
	fakeClock := clocktesting.NewFakeClock(baseTime)
	return New(fs, "/cache", logger, WithClock(fakeClock)), fs, fakeClock
}

func TestBucketLayout(t *testing.T) {
	m, fs, _ := newTestManager(t)

	bucket := m.Bucket("epss")
	assert.Equal(t, filepath.Join("/cache", "epss", "epss_cache.json"), bucket.Path())
	assert.Same(t, bucket, m.Bucket("epss"), "buckets are shared per source")

	require.NoError(t, bucket.Store("CVE-2021-44228", []byte(`{"epss":0.97}`)))

	exists, err := afero.Exists(fs, bucket.Path())
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestBucketFreshness(t *testing.T) {
	m, _, fakeClock := newTestManager(t)
	bucket := m.Bucket("kev")

	t.Run("cache miss", func(t *testing.T) {
		_, ok := bucket.Load("catalog")
		assert.False(t, ok)
	})

	t.Run("fresh hit", func(t *testing.T) {
		require.NoError(t, bucket.Store("catalog", []byte(`[1,2,3]`)))

		entry, ok := bucket.Load("catalog")
		require.True(t, ok)
		assert.False(t, entry.Stale)
		assert.JSONEq(t, `[1,2,3]`, string(entry.Payload))
		assert.Equal(t, baseTime, entry.FetchedAt)
	})

	t.Run("stale after TTL", func(t *testing.T) {
		fakeClock.Step(DefaultTTL + time.Minute)

		entry, ok := bucket.Load("catalog")
		require.True(t, ok, "stale entries are never discarded")
		assert.True(t, entry.Stale)
	})
}

func TestBucketPersistsAcrossManagers(t *testing.T) {
	m, fs, fakeClock := newTestManager(t)
	require.NoError(t, m.Bucket("vulncheck").Store("CVE-2023-4863", []byte(`{"weaponized":true}`)))

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	reopened := New(fs, "/cache", logger, WithClock(fakeClock))

	entry, ok := reopened.Bucket("vulncheck").Load("CVE-2023-4863")
	require.True(t, ok)
	assert.JSONEq(t, `{"weaponized":true}`, string(entry.Payload))
}

func TestBucketLegacyFileUsesModTime(t *testing.T) {
	m, fs, _ := newTestManager(t)
	bucket := m.Bucket("epss")

	// Bare payloads without fetched_at, as older tools wrote them
	require.NoError(t, fs.MkdirAll("/cache/epss", 0o755))
	require.NoError(t, afero.WriteFile(fs, bucket.Path(), []byte(`{"CVE-2021-44228": {"epss": 0.97}}`), 0o644))

	old := baseTime.Add(-48 * time.Hour)
	require.NoError(t, fs.Chtimes(bucket.Path(), old, old))

	entry, ok := bucket.Load("CVE-2021-44228")
	require.True(t, ok)
	assert.True(t, entry.Stale)
	assert.JSONEq(t, `{"epss": 0.97}`, string(entry.Payload))
}

func TestBucketCorruptedFileIsAMiss(t *testing.T) {
	m, fs, _ := newTestManager(t)
	bucket := m.Bucket("kev")

	require.NoError(t, fs.MkdirAll("/cache/kev", 0o755))
	require.NoError(t, afero.WriteFile(fs, bucket.Path(), []byte(`{not json`), 0o644))

	_, ok := bucket.Load("catalog")
	assert.False(t, ok)

	// The next store overwrites the corrupted file
	require.NoError(t, bucket.Store("catalog", []byte(`[]`)))
	data, err := afero.ReadFile(fs, bucket.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"catalog"`)
}

func TestBucketRejectsInvalidJSON(t *testing.T) {
	m, _, _ := newTestManager(t)
	err := m.Bucket("kev").Store("catalog", []byte(`nope`))
	assert.Error(t, err)
}

func TestManagerClear(t *testing.T) {
	m, fs, _ := newTestManager(t)
	require.NoError(t, m.Bucket("kev").Store("catalog", []byte(`[]`)))

	require.NoError(t, m.Clear())

	exists, err := afero.DirExists(fs, "/cache")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, 0, m.Bucket("kev").Len())
}

func TestManagerClearEmptiesHeldBuckets(t *testing.T) {
	m, _, _ := newTestManager(t)
	held := m.Bucket("kev")
	require.NoError(t, held.Store("catalog", []byte(`[]`)))

	require.NoError(t, m.Clear())

	_, ok := held.Load("catalog")
	assert.False(t, ok, "a bucket held across Clear must not serve deleted data")
	assert.Same(t, held, m.Bucket("kev"))

	// the held bucket still persists new entries
	require.NoError(t, held.Store("catalog", []byte(`["new"]`)))
	entry, ok := held.Load("catalog")
	require.True(t, ok)
	assert.Equal(t, `["new"]`, string(entry.Payload))
}

func TestResolve(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	ctx := context.Background()

	fetchOK := func(payload string) (FetchFunc, *int) {
		calls := 0
		return func(ctx context.Context) ([]byte, error) {
			calls++
			return []byte(payload), nil
		}, &calls
	}
	fetchFail := func() (FetchFunc, *int) {
		calls := 0
		return func(ctx context.Context) ([]byte, error) {
			calls++
			return nil, errors.New("connection refused")
		}, &calls
	}

	t.Run("fresh entry skips the network", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		bucket := m.Bucket("kev")
		require.NoError(t, bucket.Store("catalog", []byte(`"cached"`)))

		fetch, calls := fetchOK(`"live"`)
		payload, status, err := Resolve(ctx, bucket, "catalog", fetch, nil, logger)
		require.NoError(t, err)
		assert.Equal(t, StatusFresh, status)
		assert.Equal(t, `"cached"`, string(payload))
		assert.Equal(t, 0, *calls)
	})

	t.Run("miss fetches and stores", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		bucket := m.Bucket("kev")

		fetch, calls := fetchOK(`"live"`)
		payload, status, err := Resolve(ctx, bucket, "catalog", fetch, nil, logger)
		require.NoError(t, err)
		assert.Equal(t, StatusFetched, status)
		assert.Equal(t, `"live"`, string(payload))
		assert.Equal(t, 1, *calls)

		entry, ok := bucket.Load("catalog")
		require.True(t, ok)
		assert.Equal(t, `"live"`, string(entry.Payload))
	})

	t.Run("stale entry is refreshed", func(t *testing.T) {
		m, _, fakeClock := newTestManager(t)
		bucket := m.Bucket("kev")
		require.NoError(t, bucket.Store("catalog", []byte(`"old"`)))
		fakeClock.Step(25 * time.Hour)

		fetch, calls := fetchOK(`"new"`)
		payload, status, err := Resolve(ctx, bucket, "catalog", fetch, nil, logger)
		require.NoError(t, err)
		assert.Equal(t, StatusFetched, status)
		assert.Equal(t, `"new"`, string(payload))
		assert.Equal(t, 1, *calls)
	})

	t.Run("failed refetch serves stale", func(t *testing.T) {
		m, _, fakeClock := newTestManager(t)
		bucket := m.Bucket("kev")
		require.NoError(t, bucket.Store("catalog", []byte(`"old"`)))
		fakeClock.Step(25 * time.Hour)

		fetch, _ := fetchFail()
		payload, status, err := Resolve(ctx, bucket, "catalog", fetch, nil, logger)
		require.NoError(t, err)
		assert.Equal(t, StatusStale, status)
		assert.Equal(t, `"old"`, string(payload))
	})

	t.Run("failed fetch without cache is unavailable", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		fetch, _ := fetchFail()

		_, _, err := Resolve(ctx, m.Bucket("kev"), "catalog", fetch, nil, logger)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnavailable))
		assert.Contains(t, err.Error(), "connection refused")
	})

	rejectOops := func(payload []byte) error {
		if string(payload) == `{"oops":1}` {
			return errors.New("unexpected shape")
		}
		return nil
	}

	t.Run("corrupt fresh entry is refetched", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		bucket := m.Bucket("kev")
		require.NoError(t, bucket.Store("catalog", []byte(`{"oops":1}`)))

		fetch, calls := fetchOK(`"live"`)
		payload, status, err := Resolve(ctx, bucket, "catalog", fetch, rejectOops, logger)
		require.NoError(t, err)
		assert.Equal(t, StatusFetched, status)
		assert.Equal(t, `"live"`, string(payload))
		assert.Equal(t, 1, *calls)

		entry, ok := bucket.Load("catalog")
		require.True(t, ok)
		assert.Equal(t, `"live"`, string(entry.Payload))
	})

	t.Run("corrupt entry is never a stale fallback", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		bucket := m.Bucket("kev")
		require.NoError(t, bucket.Store("catalog", []byte(`{"oops":1}`)))

		fetch, _ := fetchFail()
		_, _, err := Resolve(ctx, bucket, "catalog", fetch, rejectOops, logger)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnavailable))
	})

	t.Run("invalid fetched payload is not cached", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		bucket := m.Bucket("kev")

		fetch, _ := fetchOK(`{"oops":1}`)
		_, _, err := Resolve(ctx, bucket, "catalog", fetch, rejectOops, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unexpected shape")

		_, ok := bucket.Load("catalog")
		assert.False(t, ok)
	})
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "fresh", StatusFresh.String())
	assert.Equal(t, "fetched", StatusFetched.String())
	assert.Equal(t, "stale", StatusStale.String())
	assert.Equal(t, "unknown", Status(42).String())
}
