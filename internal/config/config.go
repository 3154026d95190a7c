package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/decision-core/internal/engine"
	"github.com/miradorstack/decision-core/internal/fanout"
	"github.com/miradorstack/decision-core/internal/models"
	"github.com/miradorstack/decision-core/internal/quota"
)

// Publisher kinds accepted in fanout.publishers.
const (
	PublisherBus   = "bus"
	PublisherRedis = "redis"
)

// Config captures everything required to boot the decision service.
type Config struct {
	Server     ServerConfig                                     `yaml:"server"`
	Logging    LoggingConfig                                    `yaml:"logging"`
	Redis      RedisConfig                                      `yaml:"redis"`
	Cache      CacheConfig                                      `yaml:"cache"`
	Quota      QuotaConfig                                      `yaml:"quota"`
	RateLimits map[models.Tier]map[models.ServiceKey]quota.Limit `yaml:"rateLimits"`
	Services   map[models.ServiceKey]ServiceConfig              `yaml:"services"`
	Fanout     FanoutConfig                                     `yaml:"fanout"`
}

// ServerConfig controls the gRPC, HTTP and metrics listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	HTTPAddress     string        `yaml:"httpAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RedisConfig configures the shared Redis/Valkey deployment used for quota
// windows, the shared decision cache and cross-replica fanout.
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	KeyPrefix    string        `yaml:"keyPrefix"`
}

// CacheConfig controls the decision computation cache.
type CacheConfig struct {
	Shards        int           `yaml:"shards"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	// Shared stores ready decisions in Redis too. Requires redis.enabled.
	Shared bool `yaml:"shared"`
}

// QuotaConfig controls the quota ledger store.
type QuotaConfig struct {
	Shards        int           `yaml:"shards"`
	PruneInterval time.Duration `yaml:"pruneInterval"`
	// Fallback keeps a local ledger for when Redis is unreachable.
	Fallback bool `yaml:"fallback"`
}

// ServiceConfig declares one decision service.
type ServiceConfig struct {
	CacheTTL      time.Duration       `yaml:"cacheTTL"`
	CallerScoped  bool                `yaml:"callerScoped"`
	ScorerTimeout time.Duration       `yaml:"scorerTimeout"`
	Bands         []engine.Band       `yaml:"bands"`
	Scorers       []engine.ScorerSpec `yaml:"scorers"`
}

// FanoutConfig controls decision distribution.
type FanoutConfig struct {
	Publishers     []string       `yaml:"publishers"`
	PublishTimeout time.Duration  `yaml:"publishTimeout"`
	Timeout        time.Duration  `yaml:"timeout"`
	Relay          bool           `yaml:"relay"`
	AllowedOrigins []string       `yaml:"allowedOrigins"`
	Routes         []fanout.Route `yaml:"routes"`
}

// Load initialises Config from a YAML file and optional environment
// overrides, then validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("DECISION_CORE_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			HTTPAddress:     ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Redis: RedisConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			KeyPrefix:    "decision-core:",
		},
		Cache: CacheConfig{Shards: 64, SweepInterval: time.Minute},
		Quota: QuotaConfig{Shards: 64, PruneInterval: time.Minute, Fallback: true},
		Fanout: FanoutConfig{
			Publishers:     []string{PublisherBus},
			PublishTimeout: 2 * time.Second,
			Timeout:        5 * time.Second,
		},
	}
}

// Validate checks cross-field rules: every tier has a positive limit for every
// service, bands are contiguous, scorers and routes are well formed. All
// problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Address == "" {
		errs = append(errs, errors.New("server.address is required"))
	}
	if len(c.Services) == 0 {
		errs = append(errs, errors.New("at least one service must be configured"))
	}
	if _, err := c.Policy(); err != nil && len(c.Services) > 0 {
		errs = append(errs, err)
	}
	for _, key := range c.ServiceKeys() {
		svc := c.Services[key]
		if svc.CacheTTL < 0 {
			errs = append(errs, fmt.Errorf("services.%s.cacheTTL must not be negative", key))
		}
		if _, err := engine.NewBands(svc.Bands); err != nil {
			errs = append(errs, fmt.Errorf("services.%s: %w", key, err))
		}
		names := make(map[string]struct{}, len(svc.Scorers))
		for _, spec := range svc.Scorers {
			if err := spec.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("services.%s: %w", key, err))
			}
			if _, dup := names[spec.Name]; dup {
				errs = append(errs, fmt.Errorf("services.%s: duplicate scorer %q", key, spec.Name))
			}
			names[spec.Name] = struct{}{}
		}
	}
	if _, err := fanout.NewRouter(c.Fanout.Routes); err != nil {
		errs = append(errs, fmt.Errorf("fanout: %w", err))
	}
	for _, kind := range c.Fanout.Publishers {
		switch kind {
		case PublisherBus:
		case PublisherRedis:
			if !c.Redis.Enabled {
				errs = append(errs, errors.New("fanout publisher redis requires redis.enabled"))
			}
		default:
			errs = append(errs, fmt.Errorf("fanout: unknown publisher %q", kind))
		}
	}
	if c.Fanout.Relay && !c.Redis.Enabled {
		errs = append(errs, errors.New("fanout.relay requires redis.enabled"))
	}
	// The relay already feeds local subscribers from Redis; publishing to the
	// bus as well would deliver every event twice.
	if c.Fanout.Relay && slices.Contains(c.Fanout.Publishers, PublisherBus) {
		errs = append(errs, errors.New("fanout.relay cannot be combined with the bus publisher; use publishers: [redis]"))
	}
	if c.Cache.Shared && !c.Redis.Enabled {
		errs = append(errs, errors.New("cache.shared requires redis.enabled"))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	return errors.Join(errs...)
}

// ServiceKeys returns the configured services in sorted order.
func (c *Config) ServiceKeys() []models.ServiceKey {
	keys := make([]models.ServiceKey, 0, len(c.Services))
	for key := range c.Services {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Policy builds the validated rate table.
func (c *Config) Policy() (*quota.Policy, error) {
	return quota.NewPolicy(c.RateLimits, c.ServiceKeys())
}

// Profiles builds the aggregator profile of every service.
func (c *Config) Profiles() (map[models.ServiceKey]engine.Profile, error) {
	profiles := make(map[models.ServiceKey]engine.Profile, len(c.Services))
	for key, svc := range c.Services {
		bands, err := engine.NewBands(svc.Bands)
		if err != nil {
			return nil, fmt.Errorf("services.%s: %w", key, err)
		}
		profiles[key] = engine.Profile{
			Bands:         bands,
			ScorerTimeout: svc.ScorerTimeout,
			CacheTTL:      svc.CacheTTL,
			CallerScoped:  svc.CallerScoped,
		}
	}
	return profiles, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DECISION_CORE_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("DECISION_CORE_HTTP_ADDRESS"); v != "" {
		cfg.Server.HTTPAddress = v
	}
	if v := os.Getenv("DECISION_CORE_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("DECISION_CORE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DECISION_CORE_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("DECISION_CORE_REDIS_ENABLED"); v != "" {
		cfg.Redis.Enabled = parseBool(v)
	}
	if v := os.Getenv("DECISION_CORE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("DECISION_CORE_REDIS_USERNAME"); v != "" {
		cfg.Redis.Username = v
	}
	if v := os.Getenv("DECISION_CORE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("DECISION_CORE_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("DECISION_CORE_REDIS_TLS"); parseBool(v) {
		cfg.Redis.TLS = true
	}
	if v := os.Getenv("DECISION_CORE_REDIS_KEY_PREFIX"); v != "" {
		cfg.Redis.KeyPrefix = v
	}
	if v := os.Getenv("DECISION_CORE_REDIS_DIAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Redis.DialTimeout = d
		}
	}
	if v := os.Getenv("DECISION_CORE_REDIS_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Redis.ReadTimeout = d
		}
	}
	if v := os.Getenv("DECISION_CORE_REDIS_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Redis.WriteTimeout = d
		}
	}
	if v := os.Getenv("DECISION_CORE_REDIS_MAX_RETRIES"); v != "" {
		if retry, err := strconv.Atoi(v); err == nil {
			cfg.Redis.MaxRetries = retry
		}
	}
	if v := os.Getenv("DECISION_CORE_CACHE_SHARED"); v != "" {
		cfg.Cache.Shared = parseBool(v)
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}
