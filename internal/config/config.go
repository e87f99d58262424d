// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxMaxBrowsers           = 50
	maxMaxContextsPerBrowser = 50
	maxIdleTimeout           = 1 * time.Hour
	maxHealthCheckInterval   = 10 * time.Minute
	maxRateLimitWindow       = 1 * time.Hour
	maxRateLimitMaxRequests  = 100000
	minAPIKeyLength          = 16
)

// Config holds all application configuration, loaded from environment
// variables at startup.
type Config struct {
	// Server
	Host        string
	Port        int
	CORSEnabled bool

	// Browser pool
	Headless                  bool
	IgnoreCertErrors          bool
	PoolMinBrowsers           int
	PoolMaxBrowsers           int
	PoolMaxContextsPerBrowser int
	BrowserIdleTimeout        time.Duration
	HealthCheckInterval       time.Duration
	BrowserPath               string

	// Rate limiter
	RateLimitEnabled     bool
	RateLimitWindow      time.Duration
	RateLimitMaxRequests int

	// Proxy defaults
	ProxyURL      string
	ProxyUsername string
	ProxyPassword string

	// Logging
	LogLevel    string
	Development bool // when true, RenderResponse.Errors[].Details is populated

	// Profiling
	PProfEnabled  bool
	PProfPort     int
	PProfBindAddr string

	// Security
	TrustProxy         bool
	CORSAllowedOrigins []string
	AllowLocalProxies  bool

	// API key authentication (optional)
	APIKeyEnabled bool
	APIKey        string

	// Selectors (detection provider table hot-reload)
	SelectorsPath      string
	SelectorsHotReload bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	return Config{
		Host:        getEnvString("HOST", "0.0.0.0"),
		Port:        getEnvInt("PORT", 3000),
		CORSEnabled: getEnvBool("CORS_ENABLED", true),

		Headless:                  getEnvBool("HEADLESS", true),
		IgnoreCertErrors:          getEnvBool("IGNORE_CERT_ERRORS", false),
		PoolMinBrowsers:           getEnvInt("POOL_MIN_BROWSERS", 1),
		PoolMaxBrowsers:           getEnvInt("POOL_MAX_BROWSERS", 3),
		PoolMaxContextsPerBrowser: getEnvInt("POOL_MAX_CONTEXTS", 5),
		BrowserIdleTimeout:        getEnvDuration("BROWSER_IDLE_TIMEOUT", 5*time.Minute),
		HealthCheckInterval:       getEnvDuration("HEALTH_CHECK_INTERVAL", 30*time.Second),
		BrowserPath:               getEnvString("BROWSER_PATH", ""),

		RateLimitEnabled:     getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitMaxRequests: getEnvInt("RATE_LIMIT_MAX_REQUESTS", 30),

		ProxyURL:      getEnvString("PROXY_URL", ""),
		ProxyUsername: getEnvString("PROXY_USERNAME", ""),
		ProxyPassword: getEnvString("PROXY_PASSWORD", ""),

		LogLevel:    getEnvString("LOG_LEVEL", "info"),
		Development: getEnvBool("DEVELOPMENT", false),

		PProfEnabled:  getEnvBool("PPROF_ENABLED", false),
		PProfPort:     getEnvInt("PPROF_PORT", 6060),
		PProfBindAddr: getEnvString("PPROF_BIND_ADDR", "127.0.0.1"),

		TrustProxy:         getEnvBool("TRUST_PROXY", false),
		CORSAllowedOrigins: getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),
		AllowLocalProxies:  getEnvBool("ALLOW_LOCAL_PROXIES", false),

		APIKeyEnabled: getEnvBool("API_KEY_ENABLED", false),
		APIKey:        getEnvString("API_KEY", ""),

		SelectorsPath:      getEnvString("SELECTORS_PATH", ""),
		SelectorsHotReload: getEnvBool("SELECTORS_HOT_RELOAD", false),
	}.withRateLimitWindowMs()
}

// withRateLimitWindowMs reads RATE_LIMIT_WINDOW_MS (an integer millisecond
// count) separately since getEnvDuration expects Go duration syntax.
func (c Config) withRateLimitWindowMs() *Config {
	ms := getEnvInt("RATE_LIMIT_WINDOW_MS", 60000)
	c.RateLimitWindow = time.Duration(ms) * time.Millisecond
	return &c
}

// HasDefaultProxy returns true if a default proxy is configured.
func (c *Config) HasDefaultProxy() bool {
	return c.ProxyURL != ""
}

// Validate checks configuration values and corrects out-of-range values to
// sensible defaults, logging a warning for every correction.
func (c *Config) Validate() {
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("invalid port, using default 3000")
		c.Port = 3000
	}

	if c.BrowserPath != "" {
		if strings.Contains(c.BrowserPath, "..") {
			log.Error().Str("path", c.BrowserPath).Msg("browser path contains path traversal sequence, ignoring")
			c.BrowserPath = ""
		} else if !strings.HasPrefix(c.BrowserPath, "/") && !strings.HasPrefix(c.BrowserPath, "C:") && !strings.HasPrefix(c.BrowserPath, "c:") {
			log.Warn().Str("path", c.BrowserPath).Msg("browser path should be absolute")
		}
	}

	if c.PoolMinBrowsers < 0 {
		log.Warn().Int("min", c.PoolMinBrowsers).Msg("invalid min browsers, using 1")
		c.PoolMinBrowsers = 1
	}
	if c.PoolMaxBrowsers < 1 {
		log.Warn().Int("max", c.PoolMaxBrowsers).Msg("invalid max browsers, using 3")
		c.PoolMaxBrowsers = 3
	} else if c.PoolMaxBrowsers > maxMaxBrowsers {
		log.Warn().Int("max", c.PoolMaxBrowsers).Int("cap", maxMaxBrowsers).Msg("max browsers too large, capping")
		c.PoolMaxBrowsers = maxMaxBrowsers
	}
	if c.PoolMinBrowsers > c.PoolMaxBrowsers {
		log.Warn().Int("min", c.PoolMinBrowsers).Int("max", c.PoolMaxBrowsers).Msg("min browsers exceeds max, adjusting")
		c.PoolMinBrowsers = c.PoolMaxBrowsers
	}
	if c.PoolMaxContextsPerBrowser < 1 {
		log.Warn().Int("max_contexts", c.PoolMaxContextsPerBrowser).Msg("invalid max contexts per browser, using 5")
		c.PoolMaxContextsPerBrowser = 5
	} else if c.PoolMaxContextsPerBrowser > maxMaxContextsPerBrowser {
		log.Warn().Int("max_contexts", c.PoolMaxContextsPerBrowser).Msg("max contexts per browser too large, capping")
		c.PoolMaxContextsPerBrowser = maxMaxContextsPerBrowser
	}

	if c.BrowserIdleTimeout < time.Second {
		log.Warn().Dur("idle", c.BrowserIdleTimeout).Msg("idle timeout too short, using 5m")
		c.BrowserIdleTimeout = 5 * time.Minute
	} else if c.BrowserIdleTimeout > maxIdleTimeout {
		c.BrowserIdleTimeout = maxIdleTimeout
	}
	if c.HealthCheckInterval < time.Second {
		log.Warn().Dur("interval", c.HealthCheckInterval).Msg("health check interval too short, using 30s")
		c.HealthCheckInterval = 30 * time.Second
	} else if c.HealthCheckInterval > maxHealthCheckInterval {
		c.HealthCheckInterval = maxHealthCheckInterval
	}

	if c.RateLimitWindow < 100*time.Millisecond {
		log.Warn().Dur("window", c.RateLimitWindow).Msg("rate limit window too short, using 60s")
		c.RateLimitWindow = 60 * time.Second
	} else if c.RateLimitWindow > maxRateLimitWindow {
		c.RateLimitWindow = maxRateLimitWindow
	}
	if c.RateLimitMaxRequests < 1 {
		log.Warn().Int("max", c.RateLimitMaxRequests).Msg("invalid rate limit max requests, using 30")
		c.RateLimitMaxRequests = 30
	} else if c.RateLimitMaxRequests > maxRateLimitMaxRequests {
		c.RateLimitMaxRequests = maxRateLimitMaxRequests
	}

	if c.ProxyURL != "" {
		lower := strings.ToLower(c.ProxyURL)
		if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") && !strings.HasPrefix(lower, "socks5://") {
			log.Warn().Str("proxy_url", c.ProxyURL).Msg("default proxy url has unrecognized scheme")
		}
		if (c.ProxyUsername == "") != (c.ProxyPassword == "") {
			log.Warn().Msg("default proxy has only one of username/password set, clearing credentials")
			c.ProxyUsername = ""
			c.ProxyPassword = ""
		}
	}

	if c.APIKeyEnabled && len(c.APIKey) < minAPIKeyLength {
		log.Error().Int("length", len(c.APIKey)).Int("min", minAPIKeyLength).Msg("api key too short for the configured minimum, disabling api key auth")
		c.APIKeyEnabled = false
	}

	if len(c.CORSAllowedOrigins) == 0 && c.CORSEnabled {
		log.Warn().Msg("CORS is enabled with no allowed origins configured; cross-origin requests will be rejected")
	}

	if c.PProfEnabled && c.PProfPort == c.Port {
		log.Warn().Int("port", c.Port).Msg("pprof port conflicts with main server port, using 6060")
		c.PProfPort = 6060
	}
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().Str("key", key).Str("value", value).Err(err).Int("default", defaultValue).Msg("invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().Str("key", key).Str("value", value).Err(err).Bool("default", defaultValue).Msg("invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().Str("key", key).Str("value", value).Msg("duration must be positive, using default")
			return defaultValue
		}
		log.Warn().Str("key", key).Str("value", value).Err(err).Msg("invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
