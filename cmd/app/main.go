package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Harvey-AU/listing-harvester/internal/api"
	"github.com/Harvey-AU/listing-harvester/internal/auth"
	"github.com/Harvey-AU/listing-harvester/internal/crawler"
	"github.com/Harvey-AU/listing-harvester/internal/db"
	"github.com/Harvey-AU/listing-harvester/internal/events"
	"github.com/Harvey-AU/listing-harvester/internal/notifications"
	"github.com/Harvey-AU/listing-harvester/internal/observability"
	"github.com/Harvey-AU/listing-harvester/internal/proxy"
	"github.com/Harvey-AU/listing-harvester/internal/scheduler"
	"github.com/Harvey-AU/listing-harvester/internal/techdetect"
	"github.com/Harvey-AU/listing-harvester/internal/util"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds everything main reads from the environment
type Config struct {
	Env                  string // Environment (development/production)
	LogLevel             string // Log level (debug, info, warn, error)
	SentryDSN            string // Sentry DSN for error tracking
	ControlAddr          string // Listen address for the control API
	ObservabilityEnabled bool   // Toggle OpenTelemetry + Prometheus exporters
	MetricsAddr          string // Address for Prometheus metrics endpoint (":9464" style)
	OTLPEndpoint         string // OTLP HTTP endpoint for trace export
	OTLPHeaders          string // Comma separated headers for OTLP exporter
	OTLPInsecure         bool   // Disable TLS verification for OTLP exporter

	ProxyFile     string
	ProxyCheckURL string
	ProxyTimeout  time.Duration
	Health        proxy.HealthConfig

	Crawler   *crawler.Config
	Scheduler scheduler.Config

	TargetURLs     string // Explicit batch, comma or newline separated
	SearchBaseURL  string // Used to generate the batch when TargetURLs is empty
	SearchPages    int
	SearchPageSize int

	DatabaseURL     string
	StoreBodies     bool
	SlackWebhookURL string
	SiteFingerprint bool // Detect each target host's technology stack
	AutoStart       bool // Start a run as soon as the service is up
	ExitOnComplete  bool // Exit once a single run returns instead of serving the API
}

func main() {
	// Load .env files - .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	config, err := loadConfig()
	setupLogging(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Env,
			TracesSampleRate: func() float64 {
				if config.Env == "production" {
					return 0.1
				}
				return 1.0
			}(),
			AttachStacktrace: true,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", config.Env).Msg("Sentry initialised successfully")
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obsProviders, shutdownObservability := startObservability(ctx, config)
	defer shutdownObservability()

	endpoints, err := proxy.LoadFile(config.ProxyFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", config.ProxyFile).Msg("Failed to load proxy list")
	}
	pool, err := proxy.NewPool(endpoints)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build proxy pool")
	}

	urls, err := buildURLBatch(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build URL batch")
	}

	emitter := events.Multi{events.LogEmitter{}}
	if config.SlackWebhookURL != "" {
		slackEmitter := notifications.NewSlackEmitter(config.SlackWebhookURL)
		go slackEmitter.Start(ctx)
		emitter = append(emitter, slackEmitter)
		log.Info().Msg("Slack notifications enabled")
	}

	validator := proxy.NewHTTPValidator(config.ProxyCheckURL, config.ProxyTimeout)
	health := proxy.NewHealthController(pool, validator, config.Health, emitter)
	rotator := proxy.NewRotator(pool)

	client := crawler.New(config.Crawler)
	defer client.Close()
	workers := crawler.NewWorkerPool(config.Crawler, client, rotator, health, emitter)

	var (
		handler scheduler.ResultHandler
		store   api.CycleStore
	)
	if config.DatabaseURL != "" {
		pgDB, err := db.InitFromURLWithRetry(ctx, config.DatabaseURL, config.Env, config.StoreBodies)
		if err != nil {
			sentry.CaptureException(err)
			log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL database")
		}
		defer pgDB.Close()
		handler, store = pgDB, pgDB
	} else {
		log.Warn().Msg("DATABASE_URL not set, results are only logged")
	}

	if config.SiteFingerprint {
		detector, err := techdetect.New()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise site fingerprinting")
		} else {
			handler = techdetect.NewProfiler(detector, handler, emitter)
		}
	}

	sched := scheduler.New(config.Scheduler, urls, health, workers, rotator, handler, emitter)

	log.Info().
		Int("proxies", pool.Len()).
		Int("urls", len(urls)).
		Int("max_concurrency", config.Crawler.MaxConcurrency).
		Int("retry_budget", config.Crawler.RetryBudget).
		Bool("continuous", config.Scheduler.Continuous).
		Dur("interval", config.Scheduler.Interval).
		Msg("Harvester configured")

	apiHandler := api.NewHandler(ctx, sched, pool, store)
	authConfig := auth.NewConfigFromEnv()
	apiHandler.Protect, err = auth.Require(ctx, authConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure control API auth")
	}
	if !authConfig.Enabled() {
		log.Warn().Msg("Control API auth disabled, /start and /stop are open")
	}
	mux := http.NewServeMux()
	apiHandler.SetupRoutes(mux)

	var httpHandler http.Handler = api.NewRateLimiter(20, 10).Middleware(mux)
	httpHandler = api.LoggingMiddleware(httpHandler)
	httpHandler = api.RequestIDMiddleware(httpHandler)
	httpHandler = api.SecurityHeadersMiddleware(httpHandler)
	httpHandler = observability.WrapHandler(httpHandler, obsProviders)

	server := &http.Server{
		Addr:              config.ControlAddr,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", config.ControlAddr).Msg("Control API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Control API failed")
			stop()
		}
	}()

	if config.AutoStart {
		if err := apiHandler.StartScheduler(); err != nil {
			log.Error().Err(err).Msg("Failed to start scheduler")
		}
	}

	if config.ExitOnComplete && !config.Scheduler.Continuous && apiHandler.RunDone() != nil {
		select {
		case <-apiHandler.RunDone():
			log.Info().Msg("Run complete, exiting")
		case <-ctx.Done():
		}
	} else {
		<-ctx.Done()
	}

	log.Info().Msg("Shutting down...")
	apiHandler.StopScheduler()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if done := apiHandler.RunDone(); done != nil {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			log.Warn().Msg("Scheduler did not stop before the shutdown deadline")
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("Control API forced to shutdown")
	}

	if err := apiHandler.LastRunError(); err != nil {
		log.Error().Err(err).Msg("Last run ended with an error")
	}
	log.Info().Msg("Harvester stopped")
}

// startObservability initialises the telemetry providers and metrics
// server. The returned function flushes and stops both.
func startObservability(ctx context.Context, config *Config) (*observability.Providers, func()) {
	if !config.ObservabilityEnabled {
		return nil, func() {}
	}

	providers, err := observability.Init(ctx, observability.Config{
		Enabled:        true,
		ServiceName:    "listing-harvester",
		Environment:    config.Env,
		OTLPEndpoint:   strings.TrimSpace(config.OTLPEndpoint),
		OTLPHeaders:    parseOTLPHeaders(config.OTLPHeaders),
		OTLPInsecure:   config.OTLPInsecure,
		MetricsAddress: config.MetricsAddr,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialise observability providers")
		return nil, func() {}
	}

	var metricsSrv *http.Server
	if providers.MetricsHandler != nil && config.MetricsAddr != "" {
		metricsSrv = &http.Server{
			Addr:              config.MetricsAddr,
			Handler:           providers.MetricsHandler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("addr", config.MetricsAddr).Msg("Metrics server listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sentry.CaptureException(err)
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	return providers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Msg("Graceful shutdown of metrics server failed")
			}
		}
		if err := providers.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
		}
	}
}

// loadConfig reads the environment over the package defaults. The
// returned Config is usable for logging setup even when err is set.
func loadConfig() (*Config, error) {
	crawlerConfig := crawler.DefaultConfig()
	crawlerConfig.MaxConcurrency = getEnvInt("MAX_CONCURRENCY", crawlerConfig.MaxConcurrency)
	crawlerConfig.Timeout = getEnvDuration("FETCH_TIMEOUT", crawlerConfig.Timeout)
	crawlerConfig.RetryBudget = getEnvInt("FETCH_RETRIES", crawlerConfig.RetryBudget)
	crawlerConfig.DelayMin = getEnvDuration("DELAY_MIN", crawlerConfig.DelayMin)
	crawlerConfig.DelayMax = getEnvDuration("DELAY_MAX", crawlerConfig.DelayMax)
	crawlerConfig.RequestsPerSecond = getEnvFloat("REQUESTS_PER_SECOND", crawlerConfig.RequestsPerSecond)
	crawlerConfig.UserAgent = os.Getenv("USER_AGENT")
	crawlerConfig.StopOnClientError = getEnvBool("STOP_ON_CLIENT_ERROR", crawlerConfig.StopOnClientError)

	health := proxy.DefaultHealthConfig()
	health.CheckRetries = getEnvInt("PROXY_CHECK_RETRIES", health.CheckRetries)
	health.CheckInterval = getEnvDuration("PROXY_CHECK_INTERVAL", health.CheckInterval)
	health.ProbeConcurrency = getEnvInt("PROXY_PROBE_CONCURRENCY", health.ProbeConcurrency)
	health.MinValid = getEnvInt("MIN_VALID_PROXIES", health.MinValid)

	sched := scheduler.DefaultConfig()
	sched.Interval = getEnvDuration("INTERVAL_BETWEEN_PARSE", sched.Interval)
	sched.Continuous = getEnvBool("CYCLE", sched.Continuous)
	sched.FollowListingLinks = getEnvBool("FOLLOW_LISTING_LINKS", sched.FollowListingLinks)
	sched.ListingLinkSelector = getEnvWithDefault("LISTING_LINK_SELECTOR", sched.ListingLinkSelector)

	config := &Config{
		Env:                  getEnvWithDefault("APP_ENV", "development"),
		LogLevel:             getEnvWithDefault("LOG_LEVEL", "info"),
		SentryDSN:            os.Getenv("SENTRY_DSN"),
		ControlAddr:          getEnvWithDefault("CONTROL_ADDR", ":8080"),
		ObservabilityEnabled: getEnvBool("OBSERVABILITY_ENABLED", true),
		MetricsAddr:          getEnvWithDefault("METRICS_ADDR", ":9464"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:          os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		OTLPInsecure:         getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),

		ProxyFile:     getEnvWithDefault("PROXY_FILE", "proxies.txt"),
		ProxyCheckURL: getEnvWithDefault("PROXY_CHECK_URL", proxy.DefaultCheckURL),
		ProxyTimeout:  getEnvDuration("PROXY_TIMEOUT", 10*time.Second),
		Health:        health,

		Crawler:   crawlerConfig,
		Scheduler: sched,

		TargetURLs:     os.Getenv("TARGET_URLS"),
		SearchBaseURL:  os.Getenv("SEARCH_BASE_URL"),
		SearchPages:    getEnvInt("SEARCH_PAGES", 1),
		SearchPageSize: getEnvInt("SEARCH_PAGE_SIZE", 24),

		DatabaseURL:     os.Getenv("DATABASE_URL"),
		StoreBodies:     getEnvBool("STORE_BODIES", false),
		SlackWebhookURL: os.Getenv("SLACK_WEBHOOK_URL"),
		SiteFingerprint: getEnvBool("SITE_FINGERPRINT", true),
		AutoStart:       getEnvBool("AUTO_START", true),
		ExitOnComplete:  getEnvBool("EXIT_ON_COMPLETE", false),
	}

	config.Scheduler.OnExhaustion = scheduler.ParseOnExhaustion(getEnvWithDefault("ON_EXHAUSTION", string(sched.OnExhaustion)))

	if err := crawlerConfig.Validate(); err != nil {
		return config, fmt.Errorf("invalid fetch configuration: %w", err)
	}
	if health.CheckRetries < 1 {
		return config, fmt.Errorf("PROXY_CHECK_RETRIES must be at least 1")
	}
	if config.Scheduler.Continuous && config.Scheduler.Interval <= 0 {
		return config, fmt.Errorf("INTERVAL_BETWEEN_PARSE must be positive in continuous mode")
	}
	return config, nil
}

// buildURLBatch returns TARGET_URLS when set, otherwise the generated
// search pages.
func buildURLBatch(config *Config) ([]string, error) {
	if strings.TrimSpace(config.TargetURLs) != "" {
		urls := util.ParseURLList(config.TargetURLs)
		if len(urls) == 0 {
			return nil, fmt.Errorf("TARGET_URLS contains no valid URLs: %w", scheduler.ErrEmptyURLBatch)
		}
		return urls, nil
	}

	if config.SearchBaseURL == "" {
		return nil, fmt.Errorf("set TARGET_URLS or SEARCH_BASE_URL: %w", scheduler.ErrEmptyURLBatch)
	}
	if err := util.ValidateTargetURL(config.SearchBaseURL); err != nil {
		return nil, err
	}
	urls := util.GenerateSearchLinks(config.SearchBaseURL, config.SearchPages, config.SearchPageSize)
	if len(urls) == 0 {
		return nil, fmt.Errorf("SEARCH_PAGES and SEARCH_PAGE_SIZE must be positive: %w", scheduler.ErrEmptyURLBatch)
	}
	return urls, nil
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt retrieves an environment variable as an integer or returns a default value if not set or invalid
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
		return defaultValue
	}
	return result
}

// getEnvDuration accepts Go durations ("90s", "30m") or plain seconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}

	log.Warn().
		Str("key", key).
		Str("value", value).
		Dur("default", defaultValue).
		Msg("Invalid duration in environment variable, using default")
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Float64("default", defaultValue).
			Msg("Invalid number in environment variable, using default")
		return defaultValue
	}
	return result
}

func getEnvBool(key string, defaultValue bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	result, err := strconv.ParseBool(value)
	if err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
		return defaultValue
	}
	return result
}

func parseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(strings.TrimSpace(raw), ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers
}

// setupLogging configures the logging system
func setupLogging(config *Config) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		return
	}
	log.Logger = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", "listing-harvester").
		Logger()
}
