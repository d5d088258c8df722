// Package main wires together the rating discovery service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/wine-rating-discovery/internal/api"
	"github.com/JakeFAU/wine-rating-discovery/internal/cache"
	"github.com/JakeFAU/wine-rating-discovery/internal/classify"
	"github.com/JakeFAU/wine-rating-discovery/internal/clock/system"
	"github.com/JakeFAU/wine-rating-discovery/internal/config"
	"github.com/JakeFAU/wine-rating-discovery/internal/credentials"
	"github.com/JakeFAU/wine-rating-discovery/internal/discovery"
	"github.com/JakeFAU/wine-rating-discovery/internal/document"
	"github.com/JakeFAU/wine-rating-discovery/internal/fetch"
	"github.com/JakeFAU/wine-rating-discovery/internal/fetch/direct"
	"github.com/JakeFAU/wine-rating-discovery/internal/fetch/headless"
	"github.com/JakeFAU/wine-rating-discovery/internal/fetch/unblock"
	"github.com/JakeFAU/wine-rating-discovery/internal/hash/sha256"
	"github.com/JakeFAU/wine-rating-discovery/internal/id/uuid"
	"github.com/JakeFAU/wine-rating-discovery/internal/identity"
	"github.com/JakeFAU/wine-rating-discovery/internal/logging"
	"github.com/JakeFAU/wine-rating-discovery/internal/metrics"
	"github.com/JakeFAU/wine-rating-discovery/internal/orchestrator"
	"github.com/JakeFAU/wine-rating-discovery/internal/policy/ratelimit"
	"github.com/JakeFAU/wine-rating-discovery/internal/provider"
	"github.com/JakeFAU/wine-rating-discovery/internal/query"
	"github.com/JakeFAU/wine-rating-discovery/internal/registry"
	"github.com/JakeFAU/wine-rating-discovery/internal/serp"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, cfg, logger); err != nil {
		logger.Error("service stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, stop context.CancelFunc, cfg config.Config, logger *zap.Logger) error {
	metrics.Init()
	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()

	reg, err := loadRegistry(cfg.Registry.Path)
	if err != nil {
		return err
	}
	builder := query.NewBuilder(reg)
	limiter := ratelimit.New(cfg.RateLimit)

	var ready []api.ReadinessCheck
	store, closeStore, err := openCache(ctx, cfg.Cache, clock)
	if err != nil {
		return err
	}
	defer closeStore()
	if pinger, ok := store.(interface{ Ping(context.Context) error }); ok {
		ready = append(ready, pinger.Ping)
	}

	creds, closeCreds, err := openCredentials(ctx, cfg.Credentials, clock)
	if err != nil {
		return err
	}
	defer closeCreds()

	if cfg.SERP.APIKey == "" {
		logger.Warn("serp.api_key is empty; search calls will be rejected upstream")
	}
	serpClient, err := serp.New(cfg.SERP, store, limiter, logger)
	if err != nil {
		return fmt.Errorf("serp client: %w", err)
	}

	pageDeps := fetch.Deps{
		Cache:       store,
		Classifier:  classify.New(cfg.Classify),
		Direct:      direct.New(cfg.Direct),
		Credentials: creds,
		Limiter:     limiter,
		Logger:      logger,
	}
	if client := unblock.New(cfg.Unblock, nil, logger); client.Enabled() {
		pageDeps.Unblock = unblock.NewFetcher(client, discovery.UnblockOptions{Zone: cfg.Unblock.Zone, Format: cfg.Unblock.Format})
	} else {
		logger.Info("unblocking proxy not configured")
	}
	var scraper discovery.ProviderScraper
	if cfg.Headless.Enabled {
		browser, err := headless.NewChromedp(cfg.Headless)
		if err != nil {
			logger.Warn("headless fetcher init failed", zap.Error(err))
		} else {
			defer browser.Close()
			pageDeps.Headless = browser
			scraper = browser
		}
	}
	pages, err := fetch.New(cfg.Fetch, pageDeps)
	if err != nil {
		return fmt.Errorf("page fetcher: %w", err)
	}

	docs, err := document.NewFetcher(cfg.Documents, nil, store, hasher, limiter, logger)
	if err != nil {
		return fmt.Errorf("document fetcher: %w", err)
	}

	ranker := identity.NewTokenRanker(cfg.Identity, builder)
	providers, err := buildProviders(reg, cfg.Providers, provider.CriticDeps{
		Search:    serpClient,
		Pages:     pages,
		Scraper:   scraper,
		Ranker:    ranker,
		Validator: ranker,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(cfg.Search, cfg.Budget, orchestrator.Deps{
		Registry: reg,
		Builder:  builder,
		Search:   serpClient,
		Ranker:   ranker,
		IDs:      idGen,
		Clock:    clock,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	apiServer := api.NewServer(api.Config{
		RequestTimeout: cfg.Server.RequestTimeout,
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
	}, api.Deps{
		Search:    orch,
		Providers: providers,
		Documents: docs,
		Pages:     pages,
		Limits:    cfg.Budget,
		IDs:       idGen,
		Clock:     clock,
		Ready:     ready,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started",
			zap.Int("port", cfg.Server.Port),
			zap.Int("sources", len(reg.Sources())),
			zap.Strings("providers", providers.IDs()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func loadRegistry(path string) (*registry.Registry, error) {
	if path == "" {
		reg, err := registry.Default()
		if err != nil {
			return nil, fmt.Errorf("load embedded registry: %w", err)
		}
		return reg, nil
	}
	reg, err := registry.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load registry %s: %w", path, err)
	}
	return reg, nil
}

func openCache(ctx context.Context, cfg config.CacheConfig, clock discovery.Clock) (discovery.CacheStore, func(), error) {
	policy := cache.NewTTLPolicy(cfg.TTL)
	if cfg.Backend != config.BackendPostgres {
		return cache.NewMemoryStore(policy, clock, cfg.CleanupInterval), func() {}, nil
	}
	store, err := cache.NewPostgresStore(ctx, cfg.Postgres, policy, clock)
	if err != nil {
		return nil, nil, fmt.Errorf("cache store: %w", err)
	}
	if cfg.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	return store, store.Close, nil
}

func openCredentials(ctx context.Context, cfg config.CredentialsConfig, clock discovery.Clock) (discovery.CredentialStore, func(), error) {
	if cfg.Backend != config.BackendPostgres {
		return credentials.NewMemoryStore(cfg.Sources...), func() {}, nil
	}
	store, err := credentials.NewPostgresStore(ctx, cfg.Postgres, clock)
	if err != nil {
		return nil, nil, fmt.Errorf("credential store: %w", err)
	}
	return store, store.Close, nil
}

// buildProviders registers a critic adapter for every selected critic source.
func buildProviders(reg *registry.Registry, cfg config.ProvidersConfig, deps provider.CriticDeps) (*provider.Registry, error) {
	providers, err := provider.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("provider registry: %w", err)
	}
	for _, src := range reg.Sources() {
		if src.Lens != discovery.LensCritic {
			continue
		}
		if len(cfg.Sources) > 0 && !slices.Contains(cfg.Sources, src.ID) {
			continue
		}
		adapter, err := provider.NewCriticAdapter(src, cfg.Critic, deps)
		if err != nil {
			return nil, err
		}
		if err := providers.Register(adapter); err != nil {
			return nil, err
		}
	}
	return providers, nil
}
