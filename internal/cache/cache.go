// ABOUTME: Per-source, file-backed cache for enrichment payloads with TTL-based freshness.
// ABOUTME: Stale entries are kept on disk and served as fallback when a refetch fails.

package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
	"k8s.io/utils/clock"
)

const (
	// DefaultTTL is how long an entry is served without touching the network
	DefaultTTL = 24 * time.Hour
	// DefaultDir is the cache root used when none is configured
	DefaultDir = ".bazel-cache"
)

// Entry is a cached payload together with its freshness
type Entry struct {
	Payload   json.RawMessage
	FetchedAt time.Time
	Stale     bool
}

// Store is the contract every enrichment source uses to persist payloads
type Store interface {
	Load(key string) (Entry, bool)
	Store(key string, payload []byte) error
}

// Manager owns the cache root and hands out one Bucket per source. It is
// constructed once per engine and injected into every source.
type Manager struct {
	fs     afero.Fs
	dir    string
	ttl    time.Duration
	clock  clock.PassiveClock
	logger *logrus.Logger

	mutex   sync.Mutex
	buckets map[string]*Bucket
}

type Option func(*Manager)

// WithTTL overrides DefaultTTL
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock replaces the wall clock, mostly for tests
func WithClock(c clock.PassiveClock) Option {
	return func(m *Manager) { m.clock = c }
}

// New creates a cache manager rooted at dir on fs
func New(fs afero.Fs, dir string, logger *logrus.Logger, opts ...Option) *Manager {
	if dir == "" {
		dir = DefaultDir
	}

	m := &Manager{
		fs:      fs,
		dir:     dir,
		ttl:     DefaultTTL,
		clock:   clock.RealClock{},
		logger:  logger,
		buckets: make(map[string]*Bucket),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dir returns the cache root
func (m *Manager) Dir() string {
	return m.dir
}

// TTL returns the freshness window
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Bucket returns the cache for one source, e.g. "kev" or "epss"
func (m *Manager) Bucket(source string) *Bucket {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if b, ok := m.buckets[source]; ok {
		return b
	}

	b := &Bucket{
		source: source,
		fs:     m.fs,
		path:   filepath.Join(m.dir, source, source+"_cache.json"),
		ttl:    m.ttl,
		clock:  m.clock,
		logger: m.logger.WithFields(logrus.Fields{"component": "cache", "source": source}),
	}
	m.buckets[source] = b
	return b
}

// Clear removes every cached file under the root. Buckets already handed out
// stay valid and start empty.
func (m *Manager) Clear() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err := m.fs.RemoveAll(m.dir); err != nil {
		return xerrors.Errorf("failed to remove cache dir %s: %w", m.dir, err)
	}
	for _, b := range m.buckets {
		b.forget()
	}
	return nil
}

// storedEntry is the on-disk value shape. Files written by older tools hold the
// bare payload instead; those entries take their age from the file mtime.
type storedEntry struct {
	Payload   json.RawMessage `json:"payload"`
	FetchedAt *time.Time      `json:"fetched_at,omitempty"`
}

// Bucket is one source's cache file: <dir>/<source>/<source>_cache.json
type Bucket struct {
	source string
	fs     afero.Fs
	path   string
	ttl    time.Duration
	clock  clock.PassiveClock
	logger *logrus.Entry

	mutex   sync.Mutex
	loaded  bool
	entries map[string]storedEntry
}

// Path returns the backing file
func (b *Bucket) Path() string {
	return b.path
}

// Load returns the entry for key. ok is false on a miss; a stale hit returns
// ok with Entry.Stale set.
func (b *Bucket) Load(key string) (Entry, bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.ensureLoaded()

	stored, exists := b.entries[key]
	if !exists || stored.Payload == nil {
		return Entry{}, false
	}

	entry := Entry{Payload: stored.Payload}
	if stored.FetchedAt != nil {
		entry.FetchedAt = *stored.FetchedAt
	}
	entry.Stale = b.clock.Since(entry.FetchedAt) > b.ttl

	b.logger.WithFields(logrus.Fields{
		"key":   key,
		"stale": entry.Stale,
	}).Debug("Cache hit")
	return entry, true
}

// Store writes payload under key and rewrites the whole source file.
func (b *Bucket) Store(key string, payload []byte) error {
	if !json.Valid(payload) {
		return xerrors.Errorf("refusing to cache invalid JSON for %s", key)
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.ensureLoaded()

	now := b.clock.Now().UTC()
	b.entries[key] = storedEntry{
		Payload:   append(json.RawMessage(nil), payload...),
		FetchedAt: &now,
	}

	if err := b.flush(); err != nil {
		return xerrors.Errorf("failed to write %s cache: %w", b.source, err)
	}

	b.logger.WithField("key", key).Debug("Cached payload")
	return nil
}

// Len returns the number of entries currently held
func (b *Bucket) Len() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.ensureLoaded()
	return len(b.entries)
}

// forget drops the in-memory entries so the next access rereads the file
func (b *Bucket) forget() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.loaded = false
	b.entries = nil
}

func (b *Bucket) ensureLoaded() {
	if b.loaded {
		return
	}
	b.loaded = true
	b.entries = make(map[string]storedEntry)

	info, err := b.fs.Stat(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			b.logger.WithError(err).Warn("Unable to stat cache file, treating as empty")
		}
		return
	}
	modTime := info.ModTime().UTC()

	data, err := afero.ReadFile(b.fs, b.path)
	if err != nil {
		b.logger.WithError(err).Warn("Unable to read cache file, treating as empty")
		return
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		b.logger.WithError(err).WithField("path", b.path).Warn("Corrupted cache file, treating as a miss")
		return
	}

	for key, value := range raw {
		var stored storedEntry
		if err := json.Unmarshal(value, &stored); err != nil || stored.Payload == nil {
			stored = storedEntry{Payload: value}
		}
		if stored.FetchedAt == nil {
			stored.FetchedAt = &modTime
		}
		b.entries[key] = stored
	}

	b.logger.WithFields(logrus.Fields{
		"path":    b.path,
		"entries": len(b.entries),
	}).Debug("Loaded cache file")
}

func (b *Bucket) flush() error {
	if err := b.fs.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(b.entries, "", "  ")
	if err != nil {
		return err
	}

	tmp := b.path + ".tmp"
	if err := afero.WriteFile(b.fs, tmp, data, 0o644); err != nil {
		return err
	}
	return b.fs.Rename(tmp, b.path)
}
