// Package main provides the entry point for rendercore.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import for side effects - registers pprof handlers
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kestrel-labs/rendercore/internal/browserpool"
	"github.com/kestrel-labs/rendercore/internal/config"
	"github.com/kestrel-labs/rendercore/internal/contextbroker"
	"github.com/kestrel-labs/rendercore/internal/detection"
	"github.com/kestrel-labs/rendercore/internal/httpapi"
	"github.com/kestrel-labs/rendercore/internal/metrics"
	"github.com/kestrel-labs/rendercore/internal/middleware"
	"github.com/kestrel-labs/rendercore/internal/ratelimiter"
	"github.com/kestrel-labs/rendercore/internal/renderpipeline"
	"github.com/kestrel-labs/rendercore/internal/stats"
	"github.com/kestrel-labs/rendercore/pkg/version"
)

func main() {
	// Handle --version flag early, before any initialization
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rendercore %s\n", version.Full())
		return
	}

	cfg := config.Load()

	// Setup logging first so validation warnings are visible
	setupLogging(cfg.LogLevel)

	cfg.Validate()

	printBanner()

	log.Info().Msg("initializing browser pool")
	pool := browserpool.New(cfg)
	ctx, initCancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := pool.Initialize(ctx); err != nil {
		initCancel()
		log.Fatal().Err(err).Msg("failed to initialize browser pool")
	}
	initCancel()

	broker := contextbroker.New(pool)

	detectManager, err := detection.NewManager(cfg.SelectorsPath, cfg.SelectorsHotReload)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load detection provider table")
	}
	defer detectManager.Close()

	suite := detection.NewSuite(detectManager)
	pipeline := renderpipeline.New(broker, suite)

	limiter := ratelimiter.New(cfg.RateLimitMaxRequests, cfg.RateLimitWindow, cfg.TrustProxy, cfg.RateLimitEnabled)
	defer limiter.Close()

	domainStats := stats.NewManager()
	defer domainStats.Close()

	api := httpapi.New(pipeline, pool, limiter, domainStats, cfg)

	metrics.SetBuildInfo(version.Full(), version.GoVersion())
	metricsStop := make(chan struct{})
	go metrics.StartMemoryCollector(15*time.Second, metricsStop)
	defer close(metricsStop)

	// Outermost first: recovery catches panics from everything below it,
	// then the timeout guard, then access logging, then API-key auth (if
	// enabled, ahead of rate limiting so a rejected request never consumes
	// a rate-limit slot), then rate limiting, then security headers, then
	// CORS (closest to the router, so it still sees preflight OPTIONS
	// requests).
	stack := []func(http.Handler) http.Handler{
		middleware.Recovery,
		middleware.Timeout(150 * time.Second),
		middleware.Logging,
	}
	if cfg.APIKeyEnabled {
		log.Info().Msg("API key authentication enabled")
		stack = append(stack, middleware.APIKey(cfg))
	}
	if cfg.RateLimitEnabled {
		log.Info().
			Int("max_requests", cfg.RateLimitMaxRequests).
			Dur("window", cfg.RateLimitWindow).
			Bool("trust_proxy", cfg.TrustProxy).
			Msg("rate limiting enabled")
	}
	// Installed even when rate limiting is disabled: the limiter no-ops but
	// still reports the X-RateLimit-* headers clients rely on.
	stack = append(stack, middleware.RateLimit(limiter))
	stack = append(stack,
		middleware.SecurityHeaders,
		middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins}),
	)

	finalHandler := middleware.Wrap(api.Router(), stack...)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           finalHandler,
		ReadTimeout:       150 * time.Second,
		WriteTimeout:      150 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second, // Prevent slowloris attacks
	}

	// Start pprof server if enabled. WARNING: pprof should only be enabled
	// in development/debugging as it exposes detailed runtime information.
	var pprofServer *http.Server
	if cfg.PProfEnabled {
		pprofAddr := fmt.Sprintf("%s:%d", cfg.PProfBindAddr, cfg.PProfPort)
		pprofServer = &http.Server{
			Addr:         pprofAddr,
			Handler:      http.DefaultServeMux, // pprof registers to DefaultServeMux
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second,
		}

		go func() {
			log.Warn().
				Str("addr", pprofAddr).
				Msg("WARNING: pprof profiling server started - exposes runtime internals, use for debugging only")

			if err := pprofServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	go func() {
		log.Info().
			Str("address", addr).
			Int("pool_min", cfg.PoolMinBrowsers).
			Int("pool_max", cfg.PoolMaxBrowsers).
			Bool("rate_limit_enabled", cfg.RateLimitEnabled).
			Msg("rendercore is ready to accept requests")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Stop receiving signals to prevent double-shutdown
	signal.Stop(quit)

	log.Info().Msg("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	if pprofServer != nil {
		if err := pprofServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("pprof server shutdown error")
		}
	}

	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("browser pool shutdown error")
	}

	log.Info().Msg("shutdown complete")
}

// setupLogging configures zerolog based on the log level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// printBanner prints the startup banner.
func printBanner() {
	banner := `
 ____                _
|  _ \ ___ _ __   __| | ___ _ __ ___ ___  _ __ ___
| |_) / _ \ '_ \ / _' |/ _ \ '__/ __/ _ \| '__/ _ \
|  _ <  __/ | | | (_| |  __/ | | (_| (_) | | |  __/
|_| \_\___|_| |_|\__,_|\___|_|  \___\___/|_|  \___|
                                     headless render
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("starting rendercore")
}
