package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	gateway "github.com/gaud/gaud/internal"
	"github.com/gaud/gaud/internal/app"
	"github.com/gaud/gaud/internal/auth"
	"github.com/gaud/gaud/internal/budget"
	"github.com/gaud/gaud/internal/circuitbreaker"
	"github.com/gaud/gaud/internal/cloudauth"
	"github.com/gaud/gaud/internal/config"
	"github.com/gaud/gaud/internal/oauthmanager"
	"github.com/gaud/gaud/internal/pricing"
	"github.com/gaud/gaud/internal/provider"
	"github.com/gaud/gaud/internal/provider/claude"
	"github.com/gaud/gaud/internal/provider/copilot"
	"github.com/gaud/gaud/internal/provider/gemini"
	"github.com/gaud/gaud/internal/provider/kiro"
	"github.com/gaud/gaud/internal/provider/litellm"
	"github.com/gaud/gaud/internal/ratelimit"
	"github.com/gaud/gaud/internal/semcache"
	"github.com/gaud/gaud/internal/server"
	"github.com/gaud/gaud/internal/storage/sqlite"
	"github.com/gaud/gaud/internal/telemetry"
	"github.com/gaud/gaud/internal/tokencount"
	"github.com/gaud/gaud/internal/tokenstore"
	"github.com/gaud/gaud/internal/worker"
	"go.opentelemetry.io/otel/trace"
)

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting gaud", "version", version, "addr", cfg.Server.Addr)

	// Open database
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	dsnLog := cfg.Database.DSN
	if i := strings.IndexByte(dsnLog, '?'); i >= 0 {
		dsnLog = dsnLog[:i]
	}
	slog.Info("database opened", "dsn", dsnLog)

	// Bootstrap from config
	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Log seeded API keys (names only, never log key material).
	for _, k := range cfg.Keys {
		if k.Key == "" {
			slog.Warn("api key empty, skipped", "name", k.Name)
			continue
		}
		valid := strings.HasPrefix(k.Key, gateway.APIKeyPrefix)
		slog.Info("api key configured", "name", k.Name, "valid_prefix", valid)
	}

	// Shared DNS cache for all provider HTTP clients.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	// OAuth token manager, backing Copilot device-code and Kiro refresh
	// flows. Falls back to an in-memory store (tokens lost on restart) when
	// no token_store_dir is configured.
	tokenStore, err := newTokenStore(cfg.OAuth.TokenStoreDir)
	if err != nil {
		return fmt.Errorf("token store: %w", err)
	}
	oauthMgr := oauthmanager.New(tokenStore, slog.Default())
	oauthMgr.Register(oauthmanager.NewCopilotFlow(cfg.OAuth.CopilotClientID))
	oauthMgr.Register(oauthmanager.NewKiroFlow())

	// Register providers
	reg := provider.NewRegistry()
	for _, p := range cfg.Providers {
		if !p.IsEnabled() {
			slog.Info("provider skipped (disabled)", "name", p.Name)
			continue
		}

		prov, err := buildProvider(ctx, p, dnsResolver, oauthMgr, cfg.OAuth.KiroProfileARN)
		if err != nil {
			return fmt.Errorf("provider %q: %w", p.Name, err)
		}
		if prov == nil {
			slog.Warn("unknown provider type, skipping", "name", p.Name, "type", p.ResolvedType())
			continue
		}

		_, hasNative := prov.(gateway.NativeProxy)
		reg.Register(p.Name, prov)
		slog.Info("provider registered",
			"name", p.Name,
			"type", p.ResolvedType(),
			"hosting", p.ResolvedHosting(),
			"auth", p.ResolvedAuthType(),
			"native_proxy", hasNative,
		)
	}

	for _, r := range cfg.Routes {
		targets := make([]string, len(r.Targets))
		for i, t := range r.Targets {
			targets[i] = t.Provider + "/" + t.Model
		}
		slog.Info("route configured", "alias", r.ModelAlias, "targets", targets)
	}
	slog.Info("server timeouts",
		"read", cfg.Server.ReadTimeout,
		"write", cfg.Server.WriteTimeout,
		"shutdown", cfg.Server.ShutdownTimeout,
	)

	// Wire services
	apiKeyAuth, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		return err
	}

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	routerSvc := app.NewRouterService(store)
	routerSvc.SetProviders(reg, breakers, app.Strategy(cfg.Router.Strategy))
	keys := app.NewKeyManager(store)

	// Usage recorder (async batch flush to DB).
	usageRecorder := worker.NewUsageRecorder(store)

	// Rate limiter.
	rateLimiter := ratelimit.NewRegistry()
	slog.Info("rate limits configured",
		"default_rpm", cfg.RateLimits.DefaultRPM,
		"default_tpm", cfg.RateLimits.DefaultTPM,
	)

	// Token counter.
	tokenCounter := tokencount.NewCounter()

	// Response cache: an exact tier always backed by sqlite, plus an
	// optional semantic tier backed by Postgres/pgvector.
	var responseCache *semcache.Cache
	if cfg.Cache.Enabled {
		responseCache, err = buildCache(ctx, cfg.Cache, store)
		if err != nil {
			return fmt.Errorf("response cache: %w", err)
		}
		slog.Info("response cache enabled",
			"max_size", cfg.Cache.MaxSize,
			"semantic", cfg.Cache.Semantic,
		)
	}

	// Dollar budget enforcement.
	var budgetEnforcer *budget.Enforcer
	if cfg.Budget.Enabled {
		budgetEnforcer = budget.NewEnforcer(store)
		slog.Info("budget enforcement enabled")
	}

	// Per-model token pricing.
	pricingCalc := pricing.NewCalculator(pricing.NewTable())

	// Quota tracker.
	quotaTracker := ratelimit.NewQuotaTracker()

	// Workers.
	workers := []worker.Worker{usageRecorder}
	workers = append(workers, worker.NewQuotaSyncWorker(quotaTracker, store))
	workers = append(workers, worker.NewUsageRollupWorker(store))

	runner := worker.NewRunner(workers...)

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	// OpenTelemetry tracing.
	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("gaud/server")
			slog.Info("opentelemetry tracing enabled",
				"endpoint", endpoint,
				"sample_rate", sampleRate,
			)
		}
	}

	proxySvc := app.NewProxyService(reg, routerSvc, tracer, breakers)

	// Create HTTP server
	handler := server.New(server.Deps{
		Auth:           apiKeyAuth,
		Proxy:          proxySvc,
		Providers:      reg,
		Router:         routerSvc,
		Keys:           keys,
		Store:          store,
		ReadyCheck:     store.Ping,
		Usage:          usageRecorder,
		RateLimiter:    rateLimiter,
		TokenCounter:   tokenCounter,
		Cache:          responseCache,
		Quota:          quotaTracker,
		Budget:         budgetEnforcer,
		Pricing:        pricingCalc,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Start background workers.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	// Periodic eviction of stale rate limiters.
	go func() {
		t := time.NewTicker(10 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-t.C:
				if n := rateLimiter.EvictStale(time.Now().Add(-1 * time.Hour)); n > 0 {
					slog.Info("rate limiter eviction", "evicted", n)
				}
			}
		}
	}()

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("universal API enabled",
		"endpoints", []string{
			"POST /v1/chat/completions",
			"POST /v1/embeddings",
			"GET  /v1/models",
		},
	)
	slog.Info("gaud ready", "addr", cfg.Server.Addr)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	// Shutdown HTTP first, then workers (so in-flight requests finish recording).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	// Cancel workers and wait for drain.
	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	// Shutdown tracing exporter.
	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("gaud stopped")
	return nil
}

// newTokenStore returns a file-backed token store rooted at dir, or an
// in-memory store when dir is empty.
func newTokenStore(dir string) (tokenstore.Store, error) {
	if dir == "" {
		return tokenstore.NewMemoryStore(), nil
	}
	return tokenstore.NewFileStore(dir)
}

// buildCache assembles the response cache: an exact tier always backed by
// sqlite's cache_entries table, and, when configured, a semantic tier
// backed by Postgres/pgvector and an embedding endpoint.
func buildCache(ctx context.Context, cfg config.CacheConfig, store *sqlite.Store) (*semcache.Cache, error) {
	semCfg := semcache.DefaultConfig()
	semCfg.MaxEntries = cfg.MaxSize
	semCfg.TTL = cfg.DefaultTTL
	semCfg.SkipToolRequests = cfg.SkipToolRequests
	if len(cfg.SkipModels) > 0 {
		semCfg.SkipModels = make(map[string]bool, len(cfg.SkipModels))
		for _, m := range cfg.SkipModels {
			semCfg.SkipModels[m] = true
		}
	}
	if cfg.SemanticThreshold > 0 {
		semCfg.SemanticThreshold = cfg.SemanticThreshold
	}

	c := semcache.New(semCfg, sqlite.NewCacheStore(store))
	if !cfg.Semantic || cfg.PostgresDSN == "" {
		return c, nil
	}

	pgDB, err := semcache.OpenPostgres(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("semantic tier: %w", err)
	}
	semStore := semcache.NewPGVectorStore(pgDB)

	var embedder semcache.Embedder
	if cfg.EmbeddingEndpoint != "" {
		embedder, err = semcache.NewHTTPEmbedder(semcache.HTTPEmbedderConfig{
			Endpoint: cfg.EmbeddingEndpoint,
			Model:    cfg.EmbeddingModel,
			APIKey:   cfg.EmbeddingAPIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("semantic tier embedder: %w", err)
		}
	}
	if embedder == nil {
		slog.Warn("semantic cache enabled without an embedding_endpoint, semantic tier stays idle")
		return c, nil
	}

	c.WithSemanticTier(semStore, embedder)
	slog.Info("semantic cache tier enabled", "threshold", semCfg.SemanticThreshold)
	return c, nil
}

// buildProvider constructs the gateway.Provider adapter for p, wiring
// whichever auth transport its ResolvedAuthType calls for. Returns a nil
// Provider (no error) for an unrecognized type, so the caller can skip it.
func buildProvider(ctx context.Context, p config.ProviderEntry, resolver *dnscache.Resolver, oauthMgr *oauthmanager.Manager, kiroProfileARN string) (gateway.Provider, error) {
	switch p.ResolvedType() {
	case "claude":
		client, err := buildProviderClient(ctx, p, resolver, oauthMgr)
		if err != nil {
			return nil, err
		}
		if p.ResolvedHosting() == "vertex" {
			return claude.NewWithHosting(p.Name, p.BaseURL, client, p.Hosting, p.Region, p.Project), nil
		}
		return claude.New(p.Name, p.BaseURL, client), nil

	case "gemini":
		if p.ResolvedHosting() == "vertex" {
			client, err := buildProviderClient(ctx, p, resolver, oauthMgr)
			if err != nil {
				return nil, err
			}
			return gemini.NewWithHosting(p.Name, p.BaseURL, client, p.Hosting, p.Region, p.Project), nil
		}
		// Direct Gemini API: the client builds its own transport from the
		// shared DNS resolver, so it bypasses buildProviderClient entirely.
		return gemini.New(p.ResolvedAPIKey(), p.BaseURL, resolver), nil

	case "copilot":
		return copilot.New(p.BaseURL, oauthMgr, resolver), nil

	case "kiro":
		client, err := buildProviderClient(ctx, p, resolver, oauthMgr)
		if err != nil {
			return nil, err
		}
		return kiro.New(p.BaseURL, kiroProfileARN, client), nil

	case "litellm":
		return litellm.New(p.ResolvedAPIKey(), p.BaseURL, resolver), nil

	default:
		return nil, nil
	}
}

// buildProviderClient assembles an *http.Client with the auth transport
// chain for a provider entry. The base transport includes DNS caching and
// HTTP/2.
func buildProviderClient(ctx context.Context, p config.ProviderEntry, resolver *dnscache.Resolver, oauthMgr *oauthmanager.Manager) (*http.Client, error) {
	base := provider.NewTransport(resolver, true)

	var transport http.RoundTripper = base

	switch p.ResolvedAuthType() {
	case "gcp_oauth":
		gcpTransport, err := cloudauth.NewGCPOAuthTransport(ctx, base,
			"https://www.googleapis.com/auth/cloud-platform",
		)
		if err != nil {
			return nil, fmt.Errorf("gcp oauth: %w", err)
		}
		transport = gcpTransport
	case "oauthmanager":
		transport = &cloudauth.ManagerTransport{Manager: oauthMgr, Provider: p.ResolvedType(), Base: base}
	case "aws_sigv4":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.Region))
		if err != nil {
			return nil, fmt.Errorf("aws sigv4: %w", err)
		}
		transport = cloudauth.NewAWSSigV4Transport(base, awsCfg.Credentials, p.Region, "codewhisperer")
	case "api_key":
		apiKey := p.ResolvedAPIKey()
		if apiKey != "" {
			headerName, prefix := authHeaderForType(p.ResolvedType(), p.ResolvedHosting())
			transport = &cloudauth.APIKeyTransport{
				Key:        apiKey,
				HeaderName: headerName,
				Prefix:     prefix,
				Base:       base,
			}
		}
		// Empty API key: no auth transport (e.g. a local proxy target).
	default:
		return nil, fmt.Errorf("unsupported auth type: %q", p.ResolvedAuthType())
	}

	client := &http.Client{Transport: transport}
	if p.TimeoutMs > 0 {
		client.Timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	return client, nil
}

// authHeaderForType returns the (headerName, prefix) for API key auth
// based on provider type and hosting mode.
func authHeaderForType(provType, hosting string) (string, string) {
	switch {
	case provType == "claude":
		return "x-api-key", ""
	case provType == "gemini":
		return "x-goog-api-key", ""
	case provType == "litellm":
		return "Authorization", "Bearer "
	default:
		return "Authorization", "Bearer "
	}
}
