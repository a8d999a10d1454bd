// Package config resolves the cache's three configuration keys from a
// generic key/value store, standing in for BES's TheBESKeys, and
// carries the YAML-tagged Configuration type a standalone deployment of
// this module would load from disk.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Key names read from the host's key/value configuration, unchanged
// from spec.md §6.
const (
	PathKey   = "DAP.FunctionResponseCache.path"
	PrefixKey = "DAP.FunctionResponseCache.prefix"
	SizeKey   = "DAP.FunctionResponseCache.size"
)

// Defaults, unchanged from spec.md §6.
const (
	DefaultPath   = "/tmp/"
	DefaultPrefix = "rc"
	DefaultSizeMB = 20
)

// KeyStore abstracts the host's key/value configuration (TheBESKeys in
// a real BES deployment). Implementations need only answer "is this
// key set, and to what."
type KeyStore interface {
	Get(key string) (value string, found bool)
}

// CacheConfig is the resolved configuration for one
// FunctionResponseCache instance.
type CacheConfig struct {
	Path   string `yaml:"path"`
	Prefix string `yaml:"prefix"`
	SizeMB int64  `yaml:"size_mb"`
}

// Resolve reads the three cache keys from ks, applying spec.md §6's
// defaults for anything unset, and lowercasing the prefix the way
// BESDapFunctionResponseCache::getCachePrefixFromConfig does.
func Resolve(ks KeyStore) CacheConfig {
	cfg := CacheConfig{Path: DefaultPath, Prefix: DefaultPrefix, SizeMB: DefaultSizeMB}

	if v, ok := ks.Get(PathKey); ok && v != "" {
		cfg.Path = v
	}
	if v, ok := ks.Get(PrefixKey); ok {
		cfg.Prefix = strings.ToLower(v)
	}
	if v, ok := ks.Get(SizeKey); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.SizeMB = n
		}
	}
	return cfg
}

// MapKeyStore is the simplest KeyStore: a plain map, useful in tests
// and for BES integration code that already has the keys as strings.
type MapKeyStore map[string]string

func (m MapKeyStore) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// Configuration is the top-level YAML document a standalone deployment
// of this cache (e.g. the cacheprobe command) loads from disk. It
// mirrors the shape of the cache's three keys plus the handful of
// ambient settings (logging, metrics) that live outside BES's own
// key/value store.
type Configuration struct {
	Cache   CacheConfig   `yaml:"cache"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig holds the logging settings of a configuration
// document. Nothing in this module applies them: cacheprobe always
// logs JSON to stderr at slog's default level.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig configures the Prometheus registry this module
// publishes for the host process to serve.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// Load reads and parses a YAML configuration file, applying
// CacheConfig's defaults to anything the file leaves zero.
func Load(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := &Configuration{
		Cache: CacheConfig{Path: DefaultPath, Prefix: DefaultPrefix, SizeMB: DefaultSizeMB},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if cfg.Cache.Path == "" {
		cfg.Cache.Path = DefaultPath
	}
	cfg.Cache.Prefix = strings.ToLower(cfg.Cache.Prefix)
	if cfg.Cache.Prefix == "" {
		cfg.Cache.Prefix = DefaultPrefix
	}
	// size_mb is left exactly as the document set it, including an
	// explicit 0: that is how a deployment disables the cache.
	return cfg, nil
}
