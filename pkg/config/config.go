// Package config loads the relaymesh server configuration from YAML, with
// environment overrides for the storage backends.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaymesh/relaymesh/pkg/routing"
)

// Store and cache backends.
const (
	StoreMemory   = "memory"
	StoreEtcd     = "etcd"
	StorePostgres = "postgres"

	CacheMemory = "memory"
	CacheRedis  = "redis"
)

const (
	DefaultListen        = ":8080"
	DefaultLogLevel      = "info"
	DefaultEtcdEndpoint  = "http://localhost:2379"
	DefaultRateLimitRPS  = 1000.0 / 60.0
	DefaultRateBurst     = 50
	DefaultMaxBodyBytes  = 1 << 20
	DefaultReadTimeout   = 15 * time.Second
	DefaultWriteTimeout  = 15 * time.Second
	DefaultIdleTimeout   = 60 * time.Second
	DefaultCheckInterval = 10 * time.Second
	DefaultOfflineAfter  = 5 * time.Minute
)

// Environment variables that take precedence over the file.
const (
	EnvStoreType     = "RELAYMESH_STORE_TYPE"
	EnvEtcdEndpoints = "RELAYMESH_ETCD_ENDPOINTS"
	EnvPostgresDSN   = "RELAYMESH_POSTGRES_DSN"
	EnvRedisAddr     = "RELAYMESH_REDIS_ADDR"
)

// Config is the control-plane server configuration.
type Config struct {
	Listen         string         `yaml:"listen"`
	LogLevel       string         `yaml:"log_level"`
	LogDevelopment bool           `yaml:"log_development"`
	Store          StoreConfig    `yaml:"store"`
	Cache          CacheConfig    `yaml:"cache"`
	API            APIConfig      `yaml:"api"`
	Fleet          FleetConfig    `yaml:"fleet"`
	Routing        routing.Config `yaml:"routing"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Type          string   `yaml:"type"`
	EtcdEndpoints []string `yaml:"etcd_endpoints,omitempty"`
	PostgresDSN   string   `yaml:"postgres_dsn"`
}

// CacheConfig selects the route cache backend.
type CacheConfig struct {
	Type          string `yaml:"type"`
	MaxEntries    int    `yaml:"max_entries"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// APIKey grants a bearer token one of the roles viewer, operator or admin.
type APIKey struct {
	Token       string `yaml:"token"`
	Role        string `yaml:"role"`
	Description string `yaml:"description"`
}

// APIConfig holds HTTP server settings. With no API keys the server runs
// unauthenticated (development only).
type APIConfig struct {
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RateBurst      int           `yaml:"rate_burst"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	APIKeys        []APIKey      `yaml:"api_keys,omitempty"`
	AllowedOrigins []string      `yaml:"allowed_origins,omitempty"`
}

// FleetConfig holds the background controller timings.
type FleetConfig struct {
	CheckInterval     time.Duration `yaml:"check_interval"`
	OfflineAfter      time.Duration `yaml:"offline_after"`
	MilestoneInterval time.Duration `yaml:"milestone_interval"`
	MilestonePeriod   time.Duration `yaml:"milestone_period"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return cfg
}

// Load reads a YAML config file, applies environment overrides and defaults,
// and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	ApplyEnv(&cfg)
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides storage settings from RELAYMESH_* variables.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvStoreType); v != "" {
		cfg.Store.Type = v
	}
	if v := os.Getenv(EnvEtcdEndpoints); v != "" {
		cfg.Store.EtcdEndpoints = splitList(v)
	}
	if v := os.Getenv(EnvPostgresDSN); v != "" {
		cfg.Store.PostgresDSN = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		cfg.Cache.RedisAddr = v
		if cfg.Cache.Type == "" {
			cfg.Cache.Type = CacheRedis
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.Store.Type == "" {
		cfg.Store.Type = StoreMemory
	}
	if cfg.Store.Type == StoreEtcd && len(cfg.Store.EtcdEndpoints) == 0 {
		cfg.Store.EtcdEndpoints = []string{DefaultEtcdEndpoint}
	}
	if cfg.Cache.Type == "" {
		cfg.Cache.Type = CacheMemory
	}

	api := &cfg.API
	if api.RateLimitRPS == 0 {
		api.RateLimitRPS = DefaultRateLimitRPS
	}
	if api.RateBurst == 0 {
		api.RateBurst = DefaultRateBurst
	}
	if api.MaxBodyBytes == 0 {
		api.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if api.ReadTimeout == 0 {
		api.ReadTimeout = DefaultReadTimeout
	}
	if api.WriteTimeout == 0 {
		api.WriteTimeout = DefaultWriteTimeout
	}
	if api.IdleTimeout == 0 {
		api.IdleTimeout = DefaultIdleTimeout
	}

	if cfg.Fleet.CheckInterval == 0 {
		cfg.Fleet.CheckInterval = DefaultCheckInterval
	}
	if cfg.Fleet.OfflineAfter == 0 {
		cfg.Fleet.OfflineAfter = DefaultOfflineAfter
	}
	cfg.Routing.ApplyDefaults()
}

// Validate rejects configurations the server cannot start with.
func Validate(cfg Config) error {
	switch cfg.Store.Type {
	case StoreMemory, StoreEtcd:
	case StorePostgres:
		if cfg.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres store")
		}
	default:
		return fmt.Errorf("unsupported store type %q (supported: memory, etcd, postgres)", cfg.Store.Type)
	}
	switch cfg.Cache.Type {
	case CacheMemory:
	case CacheRedis:
		if cfg.Cache.RedisAddr == "" {
			return fmt.Errorf("cache.redis_addr is required for the redis cache")
		}
	default:
		return fmt.Errorf("unsupported cache type %q (supported: memory, redis)", cfg.Cache.Type)
	}
	if cfg.API.RateLimitRPS < 0 || cfg.API.RateBurst < 0 {
		return fmt.Errorf("api.rate_limit_rps and api.rate_burst must be non-negative")
	}
	seen := make(map[string]bool, len(cfg.API.APIKeys))
	for i, k := range cfg.API.APIKeys {
		if k.Token == "" {
			return fmt.Errorf("api.api_keys[%d].token is required", i)
		}
		if seen[k.Token] {
			return fmt.Errorf("api.api_keys[%d] duplicates an earlier token", i)
		}
		seen[k.Token] = true
		switch k.Role {
		case "viewer", "operator", "admin":
		default:
			return fmt.Errorf("api.api_keys[%d].role %q (allowed: viewer, operator, admin)", i, k.Role)
		}
	}
	if cfg.Fleet.OfflineAfter < cfg.Fleet.CheckInterval {
		return fmt.Errorf("fleet.offline_after (%s) must not be shorter than fleet.check_interval (%s)",
			cfg.Fleet.OfflineAfter, cfg.Fleet.CheckInterval)
	}
	if err := cfg.Routing.Validate(); err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	return nil
}

// Save writes cfg as YAML, readable only by the owner.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
