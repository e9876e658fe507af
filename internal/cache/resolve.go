// ABOUTME: Fetch-through policy shared by every cached enrichment source.
// ABOUTME: Fresh entries skip the network; failed refetches fall back to the stale copy.

package cache

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// ErrUnavailable means the fetch failed and nothing was cached to fall back on.
// Callers turn it into an explicit "unknown" result.
var ErrUnavailable = xerrors.New("source unavailable and no cached copy")

// Status tells the caller where a resolved payload came from
type Status int

const (
	StatusFresh   Status = iota // served from cache within TTL
	StatusFetched               // fetched and stored
	StatusStale                 // fetch failed, stale cache served
)

func (s Status) String() string {
	switch s {
	case StatusFresh:
		return "fresh"
	case StatusFetched:
		return "fetched"
	case StatusStale:
		return "stale"
	default:
		return "unknown"
	}
}

// FetchFunc retrieves the live payload for a key
type FetchFunc func(ctx context.Context) ([]byte, error)

// ValidateFunc rejects payloads the caller cannot decode
type ValidateFunc func(payload []byte) error

// Resolve applies the cache policy for key. A cached payload that fails
// validate counts as a miss and is never served, not even as a stale
// fallback; a nil validate accepts any payload. The returned error wraps both
// ErrUnavailable and the fetch error when nothing can be served.
func Resolve(ctx context.Context, store Store, key string, fetch FetchFunc, validate ValidateFunc, logger logrus.FieldLogger) ([]byte, Status, error) {
	entry, cached := store.Load(key)
	if cached && validate != nil {
		if err := validate(entry.Payload); err != nil {
			logger.WithError(err).WithField("key", key).Warn("Corrupted cache entry, treating as a miss")
			cached = false
		}
	}
	if cached && !entry.Stale {
		return entry.Payload, StatusFresh, nil
	}

	payload, err := fetch(ctx)
	if err == nil && validate != nil {
		if verr := validate(payload); verr != nil {
			err = xerrors.Errorf("invalid payload for %s: %w", key, verr)
		}
	}
	if err == nil {
		if storeErr := store.Store(key, payload); storeErr != nil {
			logger.WithError(storeErr).WithField("key", key).Warn("Failed to persist fetched payload")
		}
		return payload, StatusFetched, nil
	}

	if cached {
		logger.WithError(err).WithFields(logrus.Fields{
			"key":        key,
			"fetched_at": entry.FetchedAt,
		}).Warn("Fetch failed, serving stale cache")
		return entry.Payload, StatusStale, nil
	}

	return nil, 0, &unavailableError{key: key, err: err}
}

type unavailableError struct {
	key string
	err error
}

func (e *unavailableError) Error() string {
	return "fetch " + e.key + ": " + e.err.Error() + " (no cached copy)"
}

func (e *unavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

func (e *unavailableError) Unwrap() error {
	return e.err
}

// Nop is a Store that never caches, used when caching is disabled
var Nop Store = nopStore{}

type nopStore struct{}

func (nopStore) Load(string) (Entry, bool) { return Entry{}, false }

func (nopStore) Store(string, []byte) error { return nil }
