// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/wine-rating-discovery/internal/budget"
	"github.com/JakeFAU/wine-rating-discovery/internal/cache"
	"github.com/JakeFAU/wine-rating-discovery/internal/classify"
	"github.com/JakeFAU/wine-rating-discovery/internal/credentials"
	"github.com/JakeFAU/wine-rating-discovery/internal/document"
	"github.com/JakeFAU/wine-rating-discovery/internal/fetch"
	"github.com/JakeFAU/wine-rating-discovery/internal/fetch/direct"
	"github.com/JakeFAU/wine-rating-discovery/internal/fetch/headless"
	"github.com/JakeFAU/wine-rating-discovery/internal/fetch/unblock"
	"github.com/JakeFAU/wine-rating-discovery/internal/identity"
	"github.com/JakeFAU/wine-rating-discovery/internal/orchestrator"
	"github.com/JakeFAU/wine-rating-discovery/internal/policy/ratelimit"
	"github.com/JakeFAU/wine-rating-discovery/internal/provider"
	"github.com/JakeFAU/wine-rating-discovery/internal/serp"
)

// EnvPrefix namespaces environment overrides, e.g. DISCOVERY_SERP_API_KEY.
const EnvPrefix = "DISCOVERY"

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig        `mapstructure:"server"`
	Auth        AuthConfig          `mapstructure:"auth"`
	Logging     LoggingConfig       `mapstructure:"logging"`
	Budget      budget.Limits       `mapstructure:"budget"`
	Search      orchestrator.Config `mapstructure:"search"`
	Identity    identity.Config     `mapstructure:"identity"`
	SERP        serp.Config         `mapstructure:"serp"`
	Fetch       fetch.Config        `mapstructure:"fetch"`
	Direct      direct.Config       `mapstructure:"direct"`
	Unblock     unblock.Config      `mapstructure:"unblock"`
	Headless    headless.Config     `mapstructure:"headless"`
	Documents   document.Config     `mapstructure:"documents"`
	Classify    classify.Config     `mapstructure:"classify"`
	Cache       CacheConfig         `mapstructure:"cache"`
	RateLimit   ratelimit.Config    `mapstructure:"ratelimit"`
	Registry    RegistryConfig      `mapstructure:"registry"`
	Providers   ProvidersConfig     `mapstructure:"providers"`
	Credentials CredentialsConfig   `mapstructure:"credentials"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CacheConfig selects the cache backend and its TTLs.
type CacheConfig struct {
	Backend         string               `mapstructure:"backend"`
	CleanupInterval time.Duration        `mapstructure:"cleanup_interval"`
	EnsureSchema    bool                 `mapstructure:"ensure_schema"`
	TTL             cache.TTLConfig      `mapstructure:"ttl"`
	Postgres        cache.PostgresConfig `mapstructure:"postgres"`
}

// RegistryConfig points at an optional override of the embedded source tables.
type RegistryConfig struct {
	Path string `mapstructure:"path"`
}

// ProvidersConfig lists the critic sources that get rating adapters. An empty
// list means every critic source in the registry.
type ProvidersConfig struct {
	Sources []string              `mapstructure:"sources"`
	Critic  provider.CriticConfig `mapstructure:"critic"`
}

// CredentialsConfig selects where provider credential status lives.
type CredentialsConfig struct {
	Backend string `mapstructure:"backend"`
	// Sources seeds the memory backend with source IDs that have credentials.
	Sources  []string                   `mapstructure:"sources"`
	Postgres credentials.PostgresConfig `mapstructure:"postgres"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	limits := budget.DefaultLimits()
	v.SetDefault("budget.max_serp_calls", limits.MaxSerpCalls)
	v.SetDefault("budget.max_document_fetches", limits.MaxDocumentFetches)
	v.SetDefault("budget.max_total_bytes", limits.MaxTotalBytes)
	v.SetDefault("budget.max_wall_clock", limits.MaxWallClock)

	search := orchestrator.DefaultConfig()
	v.SetDefault("search.max_targeted_sources", search.MaxTargetedSources)
	v.SetDefault("search.max_broad_sources", search.MaxBroadSources)
	v.SetDefault("search.result_limit", search.ResultLimit)
	v.SetDefault("search.variation_floor", search.VariationFloor)
	v.SetDefault("search.variation_queries", search.VariationQueries)
	v.SetDefault("search.confidence_threshold", *search.ConfidenceThreshold)
	v.SetDefault("search.hedge_delay", search.HedgeDelay)
	v.SetDefault("search.results_per_query", search.ResultsPerQuery)
	v.SetDefault("search.parallelism", search.Parallelism)
	v.SetDefault("search.immediate_name_tokens", search.ImmediateNameTokens)

	v.SetDefault("identity.max_urls", 8)
	v.SetDefault("identity.max_per_domain", 2)

	v.SetDefault("serp.endpoint", "https://serpapi.com/search.json")
	v.SetDefault("serp.api_key", "")
	v.SetDefault("serp.engine", "google")
	v.SetDefault("serp.timeout", 10*time.Second)
	v.SetDefault("serp.default_num", 10)

	v.SetDefault("fetch.max_page_bytes", 5<<20)
	v.SetDefault("fetch.direct_timeout", 15*time.Second)
	v.SetDefault("fetch.unblock_timeout", 60*time.Second)
	v.SetDefault("fetch.headless_timeout", 30*time.Second)

	v.SetDefault("direct.user_agent", "wine-rating-discovery/0.1")
	v.SetDefault("direct.respect_robots", true)
	v.SetDefault("direct.timeout", 15*time.Second)

	v.SetDefault("unblock.endpoint", "")
	v.SetDefault("unblock.api_key", "")
	v.SetDefault("unblock.zone", "")
	v.SetDefault("unblock.format", "raw")
	v.SetDefault("unblock.forward_conditional", true)

	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.navigation_timeout", 25*time.Second)

	v.SetDefault("documents.max_bytes", 20<<20)
	v.SetDefault("documents.head_timeout", 10*time.Second)
	v.SetDefault("documents.get_timeout", 60*time.Second)
	v.SetDefault("documents.user_agent", "wine-rating-discovery/0.1")

	v.SetDefault("classify.min_content_chars", 500)

	ttl := cache.DefaultTTLConfig()
	v.SetDefault("cache.backend", BackendMemory)
	v.SetDefault("cache.cleanup_interval", 10*time.Minute)
	v.SetDefault("cache.ensure_schema", false)
	v.SetDefault("cache.ttl.serp_hours", ttl.SerpHours)
	v.SetDefault("cache.ttl.page_hours", ttl.PageHours)
	v.SetDefault("cache.ttl.page_blocked_hours", ttl.PageBlockedHours)
	v.SetDefault("cache.ttl.page_error_hours", ttl.PageErrorHours)
	v.SetDefault("cache.ttl.document_hours", ttl.DocumentHours)
	v.SetDefault("cache.ttl.stale_retention_hours", ttl.StaleRetentionHours)
	v.SetDefault("cache.postgres.dsn", "")
	v.SetDefault("cache.postgres.schema", "discovery")

	v.SetDefault("ratelimit.default_rps", 2.0)
	v.SetDefault("ratelimit.default_burst", 2)

	v.SetDefault("registry.path", "")

	v.SetDefault("credentials.backend", BackendMemory)
	v.SetDefault("credentials.postgres.dsn", "")
	v.SetDefault("credentials.postgres.schema", "discovery")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if err := c.Budget.Validate(); err != nil {
		return fmt.Errorf("budget: %w", err)
	}
	if t := c.Search.ConfidenceThreshold; t != nil && (*t < 0 || *t > 1) {
		return fmt.Errorf("search.confidence_threshold must be within [0, 1]")
	}
	if c.SERP.Endpoint == "" {
		return fmt.Errorf("serp.endpoint is required")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if err := validateBackend("cache", c.Cache.Backend, c.Cache.Postgres.DSN); err != nil {
		return err
	}
	return validateBackend("credentials", c.Credentials.Backend, c.Credentials.Postgres.DSN)
}

func validateBackend(section, backend, dsn string) error {
	switch backend {
	case BackendMemory:
		return nil
	case BackendPostgres:
		if dsn == "" {
			return fmt.Errorf("%s.postgres.dsn must be set for the postgres backend", section)
		}
		return nil
	default:
		return fmt.Errorf("%s.backend must be %q or %q, got %q", section, BackendMemory, BackendPostgres, backend)
	}
}
