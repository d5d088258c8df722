package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 24, cfg.Budget.MaxSerpCalls)
	require.Equal(t, 6, cfg.Budget.MaxDocumentFetches)
	require.Equal(t, int64(40<<20), cfg.Budget.MaxTotalBytes)
	require.Equal(t, 45*time.Second, cfg.Budget.MaxWallClock)
	require.Equal(t, 7, cfg.Search.MaxTargetedSources)
	require.NotNil(t, cfg.Search.ConfidenceThreshold)
	require.InDelta(t, 0.6, *cfg.Search.ConfidenceThreshold, 1e-9)
	require.Equal(t, 1500*time.Millisecond, cfg.Search.HedgeDelay)
	require.Equal(t, BackendMemory, cfg.Cache.Backend)
	require.Equal(t, 24, cfg.Cache.TTL.SerpHours)
	require.Equal(t, "discovery", cfg.Cache.Postgres.Schema)
	require.True(t, cfg.Direct.RespectRobots)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  port: 9090
  request_timeout: 30s
auth:
  enabled: true
  api_key: secret
logging:
  development: true
  level: debug
budget:
  max_serp_calls: 0
  max_document_fetches: 2
  max_total_bytes: 1048576
  max_wall_clock: 20s
search:
  hedge_delay: 500ms
  confidence_threshold: 0.7
identity:
  market_caps:
    france: 3
serp:
  api_key: serp-key
cache:
  backend: postgres
  postgres:
    dsn: postgres://localhost/wine
    schema: ratings
  ttl:
    serp_hours: 6
ratelimit:
  default_rps: 1.5
  hosts:
    - host: www.decanter.com
      rps: 0.5
      burst: 1
providers:
  sources: [decanter, tim_atkin]
  critic:
    max_candidates: 2
credentials:
  backend: memory
  sources: [decanter]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
	require.True(t, cfg.Auth.Enabled)
	require.True(t, cfg.Logging.Development)
	require.Equal(t, 0, cfg.Budget.MaxSerpCalls)
	require.Equal(t, 20*time.Second, cfg.Budget.MaxWallClock)
	require.Equal(t, 500*time.Millisecond, cfg.Search.HedgeDelay)
	require.InDelta(t, 0.7, *cfg.Search.ConfidenceThreshold, 1e-9)
	require.Equal(t, 7, cfg.Search.MaxTargetedSources, "unset keys keep defaults")
	require.Equal(t, 3, cfg.Identity.MarketCaps["france"])
	require.Equal(t, "serp-key", cfg.SERP.APIKey)
	require.Equal(t, BackendPostgres, cfg.Cache.Backend)
	require.Equal(t, "ratings", cfg.Cache.Postgres.Schema)
	require.Equal(t, 6, cfg.Cache.TTL.SerpHours)
	require.Equal(t, 24*7, cfg.Cache.TTL.PageHours)
	require.InDelta(t, 1.5, cfg.RateLimit.DefaultRPS, 1e-9)
	require.Len(t, cfg.RateLimit.Hosts, 1)
	require.Equal(t, "www.decanter.com", cfg.RateLimit.Hosts[0].Host)
	require.InDelta(t, 0.5, cfg.RateLimit.Hosts[0].RPS, 1e-9)
	require.Equal(t, []string{"decanter", "tim_atkin"}, cfg.Providers.Sources)
	require.Equal(t, 2, cfg.Providers.Critic.MaxCandidates)
	require.Equal(t, []string{"decanter"}, cfg.Credentials.Sources)
}

func TestLoadZeroSearchTuningIsKept(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, "search:\n  confidence_threshold: 0\n  variation_floor: -1\n"))
	require.NoError(t, err)
	require.NotNil(t, cfg.Search.ConfidenceThreshold)
	require.Zero(t, *cfg.Search.ConfidenceThreshold)
	require.Equal(t, -1, cfg.Search.VariationFloor)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DISCOVERY_SERVER_PORT", "7070")
	t.Setenv("DISCOVERY_SERP_API_KEY", "from-env")
	t.Setenv("DISCOVERY_BUDGET_MAX_SERP_CALLS", "3")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, "from-env", cfg.SERP.APIKey)
	require.Equal(t, 3, cfg.Budget.MaxSerpCalls)
}

func TestLoadValidation(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"missing api key":        "auth:\n  enabled: true\n",
		"negative serp budget":   "budget:\n  max_serp_calls: -1\n",
		"zero wall clock":        "budget:\n  max_wall_clock: 0s\n",
		"threshold out of range": "search:\n  confidence_threshold: 1.5\n",
		"unknown cache backend":  "cache:\n  backend: redis\n",
		"postgres without dsn":   "credentials:\n  backend: postgres\n",
		"headless parallelism":   "headless:\n  enabled: true\n  max_parallel: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}
