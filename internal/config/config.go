// ABOUTME: Configuration for RiskRelay loaded from a TOML file and environment overrides.
// ABOUTME: Covers cache, enrichment sources, the finding source, the server and logging.

package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/jfeddern/RiskRelay/internal/cache"
	"github.com/jfeddern/RiskRelay/internal/engine"
	"github.com/jfeddern/RiskRelay/internal/providers"
	"github.com/jfeddern/RiskRelay/internal/sources/epss"
	"github.com/jfeddern/RiskRelay/internal/sources/ghsa"
	"github.com/jfeddern/RiskRelay/internal/sources/kev"
	"github.com/jfeddern/RiskRelay/internal/sources/vulncheck"
)

// EnvPrefix prefixes every RiskRelay specific environment variable
const EnvPrefix = "RISKRELAY_"

const maxWorkers = 100

// Config is the complete runtime configuration
type Config struct {
	LogLevel string         `toml:"log_level"`
	Workers  int            `toml:"workers"`
	Cache    CacheConfig    `toml:"cache"`
	Sources  SourcesConfig  `toml:"sources"`
	Findings FindingsConfig `toml:"findings"`
	Server   ServerConfig   `toml:"server"`
}

type CacheConfig struct {
	Dir      string        `toml:"dir"`
	TTL      time.Duration `toml:"ttl"`
	Disabled bool          `toml:"disabled"`
}

// SourceConfig configures one enrichment source. URL is ignored by GHSA,
// which takes a GraphQL endpoint instead.
type SourceConfig struct {
	Enabled bool          `toml:"enabled"`
	URL     string        `toml:"url"`
	Timeout time.Duration `toml:"timeout"`
	APIKey  string        `toml:"api_key"`
}

type SourcesConfig struct {
	KEV       SourceConfig `toml:"kev"`
	EPSS      SourceConfig `toml:"epss"`
	GHSA      SourceConfig `toml:"ghsa"`
	VulnCheck SourceConfig `toml:"vulncheck"`
}

// FindingsConfig selects where raw findings come from
type FindingsConfig struct {
	Mode          string `toml:"mode"`
	File          string `toml:"file"`
	ImageListFile string `toml:"image_list_file"`
	ECRAccountID  string `toml:"ecr_account_id"`
	ECRRegion     string `toml:"ecr_region"`
	Namespace     string `toml:"namespace"`
}

type ServerConfig struct {
	Port            int           `toml:"port"`
	RefreshInterval time.Duration `toml:"refresh_interval"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Workers:  engine.DefaultWorkers,
		Cache: CacheConfig{
			Dir: cache.DefaultDir,
			TTL: cache.DefaultTTL,
		},
		Sources: SourcesConfig{
			KEV:       SourceConfig{Enabled: true, URL: kev.DefaultURL, Timeout: kev.DefaultTimeout},
			EPSS:      SourceConfig{Enabled: true, URL: epss.DefaultURL, Timeout: epss.DefaultTimeout},
			GHSA:      SourceConfig{Enabled: true, Timeout: ghsa.DefaultTimeout},
			VulnCheck: SourceConfig{Enabled: true, URL: vulncheck.DefaultURL, Timeout: vulncheck.DefaultTimeout},
		},
		Findings: FindingsConfig{
			Mode: providers.ModeLocal,
		},
		Server: ServerConfig{
			Port:            9090,
			RefreshInterval: time.Hour,
		},
	}
}

// Load reads path on top of the defaults. An empty path yields the defaults.
// Unknown keys are rejected so that typos do not go unnoticed.
func Load(fs afero.Fs, path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	meta, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file '%s': %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("unknown keys in config file '%s': %s", path, strings.Join(keys, ", "))
	}

	return cfg, nil
}

// LookupFunc reads an environment variable
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from the environment. lookup defaults to os.LookupEnv.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	get := func(keys ...string) (string, bool) {
		for _, key := range keys {
			if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
				return strings.TrimSpace(value), true
			}
		}
		return "", false
	}

	texts := map[*string][]string{
		&c.LogLevel:                 {"LOG_LEVEL", EnvPrefix + "LOG_LEVEL"},
		&c.Cache.Dir:                {EnvPrefix + "CACHE_DIR"},
		&c.Findings.Mode:            {EnvPrefix + "MODE"},
		&c.Findings.File:            {EnvPrefix + "FINDINGS_FILE"},
		&c.Findings.ImageListFile:   {EnvPrefix + "IMAGE_LIST_FILE", "IMAGE_LIST_FILE"},
		&c.Findings.ECRAccountID:    {EnvPrefix + "ECR_ACCOUNT_ID", "AWS_ECR_ACCOUNT_ID"},
		&c.Findings.ECRRegion:       {EnvPrefix + "ECR_REGION", "AWS_ECR_REGION"},
		&c.Findings.Namespace:       {EnvPrefix + "NAMESPACE"},
		&c.Sources.GHSA.APIKey:      {"GITHUB_TOKEN", EnvPrefix + "GITHUB_TOKEN"},
		&c.Sources.VulnCheck.APIKey: {vulncheck.APIKeyEnv, EnvPrefix + "VULNCHECK_API_KEY"},
		&c.Sources.KEV.URL:          {EnvPrefix + "KEV_URL"},
		&c.Sources.EPSS.URL:         {EnvPrefix + "EPSS_URL"},
		&c.Sources.GHSA.URL:         {EnvPrefix + "GHSA_URL"},
		&c.Sources.VulnCheck.URL:    {EnvPrefix + "VULNCHECK_URL"},
	}
	for field, keys := range texts {
		if value, ok := get(keys...); ok {
			*field = value
		}
	}

	ints := map[*int][]string{
		&c.Workers:     {EnvPrefix + "WORKERS"},
		&c.Server.Port: {EnvPrefix + "PORT", "PORT"},
	}
	for field, keys := range ints {
		if value, ok := get(keys...); ok {
			parsed, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid %s value %q: %w", keys[0], value, err)
			}
			*field = parsed
		}
	}

	durations := map[*time.Duration][]string{
		&c.Cache.TTL:              {EnvPrefix + "CACHE_TTL"},
		&c.Server.RefreshInterval: {EnvPrefix + "REFRESH_INTERVAL"},
	}
	for field, keys := range durations {
		if value, ok := get(keys...); ok {
			parsed, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid %s value %q: %w", keys[0], value, err)
			}
			*field = parsed
		}
	}

	if value, ok := get(EnvPrefix + "NO_CACHE"); ok {
		disabled, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid %sNO_CACHE value %q: %w", EnvPrefix, value, err)
		}
		c.Cache.Disabled = disabled
	}

	if value, ok := get(EnvPrefix + "DISABLE_SOURCES"); ok {
		for _, name := range splitList(value) {
			source := c.Source(name)
			if source == nil {
				return fmt.Errorf("unknown source %q in %sDISABLE_SOURCES", name, EnvPrefix)
			}
			source.Enabled = false
		}
	}

	return nil
}

// Source returns the configuration of the named source, or nil
func (c *Config) Source(name string) *SourceConfig {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case kev.SourceName:
		return &c.Sources.KEV
	case epss.SourceName:
		return &c.Sources.EPSS
	case ghsa.SourceName:
		return &c.Sources.GHSA
	case vulncheck.SourceName:
		return &c.Sources.VulnCheck
	default:
		return nil
	}
}

// SourceNames lists the configurable enrichment sources in merge order
func SourceNames() []string {
	return []string{kev.SourceName, epss.SourceName, ghsa.SourceName, vulncheck.SourceName}
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks values and required combinations
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}

	if c.Workers <= 0 || c.Workers > maxWorkers {
		return fmt.Errorf("workers must be between 1 and %d, got %d", maxWorkers, c.Workers)
	}

	if !c.Cache.Disabled {
		if c.Cache.Dir == "" {
			return fmt.Errorf("cache dir must be set unless caching is disabled")
		}
		if c.Cache.TTL <= 0 {
			return fmt.Errorf("cache ttl must be positive, got %s", c.Cache.TTL)
		}
	}

	for _, name := range SourceNames() {
		source := c.Source(name)
		if !source.Enabled {
			continue
		}
		if source.Timeout <= 0 {
			return fmt.Errorf("%s timeout must be positive, got %s", name, source.Timeout)
		}
		if source.URL != "" {
			u, err := url.Parse(source.URL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("%s url %q must be an absolute http(s) URL", name, source.URL)
			}
		}
	}

	switch c.Findings.Mode {
	case providers.ModeLocal:
		if c.Findings.File == "" {
			return fmt.Errorf("local mode requires a findings file")
		}
	case providers.ModeECR:
		if c.Findings.ECRAccountID == "" || c.Findings.ECRRegion == "" {
			return fmt.Errorf("ecr mode requires an ECR account id and region")
		}
	case providers.ModeMock:
	default:
		return fmt.Errorf("unsupported mode %q, must be one of: local, ecr, mock", c.Findings.Mode)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.RefreshInterval < time.Minute {
		return fmt.Errorf("refresh interval must be at least 1m, got %s", c.Server.RefreshInterval)
	}

	return nil
}

// ProviderConfig returns the finding source settings for the provider factory
func (c *Config) ProviderConfig(fs afero.Fs) *providers.ProviderConfig {
	return &providers.ProviderConfig{
		Mode:          c.Findings.Mode,
		FindingsFile:  c.Findings.File,
		ImageListFile: c.Findings.ImageListFile,
		ECRAccountID:  c.Findings.ECRAccountID,
		ECRRegion:     c.Findings.ECRRegion,
		Namespace:     c.Findings.Namespace,
		Fs:            fs,
	}
}

// EngineConfig returns the enrichment engine settings
func (c *Config) EngineConfig() *engine.Config {
	return &engine.Config{
		Workers:         c.Workers,
		RefreshInterval: c.Server.RefreshInterval,
	}
}
