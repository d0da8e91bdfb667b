// Package config loads the YAML application configuration used by prefctl
// and turns it into store and manager options.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/lni/dragonboat/v4/logger"
	"gopkg.in/yaml.v2"

	"github.com/IvanBrykalov/prefcache/cache"
	"github.com/IvanBrykalov/prefcache/internal/logutil"
	"github.com/IvanBrykalov/prefcache/prefs"
	"github.com/IvanBrykalov/prefcache/store"
	"github.com/IvanBrykalov/prefcache/store/badgerstore"
	"github.com/IvanBrykalov/prefcache/store/filestore"
	"github.com/IvanBrykalov/prefcache/store/memstore"
	"github.com/IvanBrykalov/prefcache/store/redisstore"
)

var plog = logger.GetLogger("config")

// Store backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Config is the top-level application configuration.
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Store    StoreConfig   `yaml:"store"`
	Cache    CacheConfig   `yaml:"cache"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// StoreConfig selects and configures the backend.
type StoreConfig struct {
	Backend    string `yaml:"backend"`
	Path       string `yaml:"path"` // file path (file) or directory (badger; "" = in-memory)
	RedisAddr  string `yaml:"redis_addr"`
	Namespace  string `yaml:"namespace"` // redis namespace or badger key prefix
	MaxRetries int    `yaml:"max_retries"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// CacheConfig mirrors the cache fields of prefs.Options.
type CacheConfig struct {
	Disabled        bool          `yaml:"disabled"`
	Size            int           `yaml:"size"`
	Segments        int           `yaml:"segments"`
	Expiry          time.Duration `yaml:"expiry"`
	Policy          string        `yaml:"policy"`
	Window          int           `yaml:"window"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	RecordStats     bool          `yaml:"record_stats"`
}

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty disables the endpoint
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		LogLevel: "info",
		Store:    StoreConfig{Backend: BackendMemory},
		Cache: CacheConfig{
			Size:        prefs.DefaultCacheSize,
			Policy:      string(prefs.PolicyLRFU),
			RecordStats: true,
		},
	}
}

// Load reads path over the defaults. Unknown fields are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	plog.Debugf("loaded %s (backend=%s)", path, cfg.Store.Backend)
	return cfg, nil
}

// Marshal renders cfg as YAML.
func (c Config) Marshal() ([]byte, error) { return yaml.Marshal(c) }

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if _, err := logutil.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.Store.Backend {
	case BackendMemory, BackendBadger:
	case BackendFile:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the file backend"))
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	if c.Store.MaxRetries < 0 {
		errs = append(errs, errors.New("store.max_retries must not be negative"))
	}
	switch prefs.Policy(strings.ToLower(c.Cache.Policy)) {
	case "", prefs.PolicyLRFU, prefs.PolicyLRU, prefs.Policy2Q:
	default:
		errs = append(errs, fmt.Errorf("unknown cache.policy %q", c.Cache.Policy))
	}
	if c.Cache.Size < 0 || c.Cache.Segments < 0 || c.Cache.Window < 0 {
		errs = append(errs, errors.New("cache.size, cache.segments and cache.window must not be negative"))
	}
	if c.Cache.Expiry < 0 || c.Cache.CleanupInterval < 0 {
		errs = append(errs, errors.New("cache durations must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ManagerOptions builds prefs.Options from the cache section.
func (c Config) ManagerOptions(m cache.Metrics) prefs.Options {
	return prefs.Options{
		CacheDisabled:   c.Cache.Disabled,
		CacheSize:       c.Cache.Size,
		CacheSegments:   c.Cache.Segments,
		CacheExpiry:     c.Cache.Expiry,
		RecordStats:     c.Cache.RecordStats,
		Policy:          prefs.Policy(strings.ToLower(c.Cache.Policy)),
		EvictionWindow:  c.Cache.Window,
		CleanupInterval: c.Cache.CleanupInterval,
		Metrics:         m,
	}
}

// OpenStore opens the configured backend. The returned close function
// releases the store and anything opened for it.
func (c Config) OpenStore() (store.Store, func() error, error) {
	sc := c.Store
	switch sc.Backend {
	case BackendMemory, "":
		s := memstore.New()
		return s, s.Close, nil
	case BackendFile:
		s, err := filestore.Open(filestore.Options{Path: sc.Path})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case BackendBadger:
		s, err := badgerstore.Open(badgerstore.Options{
			Dir:        sc.Path,
			Prefix:     sc.Namespace,
			MaxRetries: sc.MaxRetries,
			SyncWrites: sc.SyncWrites,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case BackendRedis:
		pool := redisstore.NewPool(sc.RedisAddr)
		s, err := redisstore.Open(redisstore.Options{
			Pool:       pool,
			Namespace:  sc.Namespace,
			MaxRetries: sc.MaxRetries,
		})
		if err != nil {
			_ = pool.Close()
			return nil, nil, err
		}
		return s, func() error { return closeAll(s, pool) }, nil
	default:
		return nil, nil, fmt.Errorf("config: unknown store backend %q", sc.Backend)
	}
}

func closeAll(s *redisstore.Store, pool *redis.Pool) error {
	return errors.Join(s.Close(), pool.Close())
}
