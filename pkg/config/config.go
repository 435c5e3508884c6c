package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores relay runtime configuration.
type Config struct {
	ServerPort string
	LogLevel   string

	Auth AuthConfig

	Discovery DiscoveryConfig

	Loki LokiConfig

	Proxy ProxyConfig

	RateLimit RateLimitConfig

	NATS NATSConfig

	// Shipping configures the relay's own log transport.
	Shipping ShippingConfig
}

// AuthConfig controls relay authentication behavior.
type AuthConfig struct {
	Enabled     bool
	BearerToken string
}

// DiscoveryConfig controls Loki service discovery.
type DiscoveryConfig struct {
	Enabled             bool
	Namespace           string
	RefreshInterval     time.Duration
	LokiServiceSelector string
}

// LokiConfig holds the server-side Loki endpoint and credentials.
type LokiConfig struct {
	URL      string
	Username string
	Password string
	TenantID string
	Gzip     bool
	Timeout  time.Duration
}

// ProxyConfig limits what browsers may send to the relay.
type ProxyConfig struct {
	MaxBodyBytes   int64
	AllowedOrigins []string
}

// RateLimitConfig controls global and per-IP limits.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// NATSConfig controls publishing of forwarded-batch events.
type NATSConfig struct {
	Enabled bool
	URL     string
	Subject string
}

// ShippingConfig configures a log transport.
type ShippingConfig struct {
	Enabled          bool
	Endpoint         string
	ViaProxy         bool
	Username         string
	Password         string
	Tenant           string
	App              string
	Version          string
	Environment      string
	BatchSize        int
	FlushInterval    time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
	LocalDevelopment bool
	Gzip             bool
}

// Load reads relay configuration from the environment and an optional
// .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort: getEnv("SERVER_PORT", "8090"),
		LogLevel:   strings.ToLower(getEnv("LOG_LEVEL", "info")),
		Auth: AuthConfig{
			Enabled:     getEnvBool("AUTH_ENABLED", false),
			BearerToken: getEnv("AUTH_BEARER_TOKEN", ""),
		},
		Discovery: DiscoveryConfig{
			Enabled:             getEnvBool("K8S_DISCOVERY_ENABLED", false),
			Namespace:           getEnv("K8S_NAMESPACE", "default"),
			RefreshInterval:     getEnvDuration("K8S_DISCOVERY_REFRESH_INTERVAL", 30*time.Second),
			LokiServiceSelector: getEnv("K8S_SERVICE_SELECTOR_LOKI", "app.kubernetes.io/name=loki"),
		},
		Loki: LokiConfig{
			URL:      getEnv("LOKI_URL", ""),
			Username: getEnv("LOKI_USERNAME", ""),
			Password: getEnv("LOKI_PASSWORD", ""),
			TenantID: getEnv("LOKI_TENANT_ID", ""),
			Gzip:     getEnvBool("LOKI_GZIP", false),
			Timeout:  getEnvDuration("UPSTREAM_REQUEST_TIMEOUT", 8*time.Second),
		},
		Proxy: ProxyConfig{
			MaxBodyBytes:   int64(getEnvInt("PROXY_MAX_BODY_BYTES", 1<<20)),
			AllowedOrigins: splitCSV(getEnv("ALLOWED_ORIGINS", "")),
		},
		RateLimit: RateLimitConfig{
			RPS:   getEnvFloat("RATE_LIMIT_RPS", 100),
			Burst: getEnvInt("RATE_LIMIT_BURST", 200),
		},
		NATS: NATSConfig{
			Enabled: getEnvBool("NATS_ENABLED", false),
			URL:     getEnv("NATS_URL", "nats://localhost:4222"),
			Subject: getEnv("NATS_SUBJECT", "logrelay.forwarded"),
		},
		Shipping: loadShipping(false),
	}

	if cfg.Auth.Enabled && cfg.Auth.BearerToken == "" {
		return nil, fmt.Errorf("AUTH_ENABLED=true requires AUTH_BEARER_TOKEN")
	}

	if cfg.Discovery.Enabled && cfg.Discovery.RefreshInterval <= 0 {
		return nil, fmt.Errorf("K8S_DISCOVERY_REFRESH_INTERVAL must be positive")
	}

	if !cfg.Discovery.Enabled && cfg.Loki.URL != "" {
		if err := validateURL(cfg.Loki.URL); err != nil {
			return nil, fmt.Errorf("invalid LOKI_URL: %w", err)
		}
	}

	if cfg.Loki.Timeout <= 0 {
		return nil, fmt.Errorf("UPSTREAM_REQUEST_TIMEOUT must be positive")
	}

	if cfg.Proxy.MaxBodyBytes <= 0 {
		return nil, fmt.Errorf("PROXY_MAX_BODY_BYTES must be positive")
	}

	if cfg.RateLimit.RPS <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_RPS must be positive")
	}
	if cfg.RateLimit.Burst <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_BURST must be positive")
	}

	if cfg.NATS.Enabled && cfg.NATS.URL == "" {
		return nil, fmt.Errorf("NATS_ENABLED=true requires NATS_URL")
	}

	return cfg, nil
}

// LoadShipping reads only the transport settings. Sending is enabled by
// default.
func LoadShipping() ShippingConfig {
	_ = godotenv.Load()
	return loadShipping(true)
}

func loadShipping(enabledByDefault bool) ShippingConfig {
	return ShippingConfig{
		Enabled:          getEnvBool("LOKI_ENABLED", enabledByDefault),
		Endpoint:         getEnv("LOKI_URL", ""),
		ViaProxy:         getEnvBool("LOKI_VIA_PROXY", false),
		Username:         getEnv("LOKI_USERNAME", ""),
		Password:         getEnv("LOKI_PASSWORD", ""),
		Tenant:           getEnv("LOKI_TENANT_ID", ""),
		App:              getEnv("APP_NAME", "logrelay"),
		Version:          getEnv("APP_VERSION", "unknown"),
		Environment:      getEnv("APP_ENV", "development"),
		BatchSize:        getEnvInt("LOKI_BATCH_SIZE", 10),
		FlushInterval:    getEnvDuration("LOKI_FLUSH_INTERVAL", 5*time.Second),
		MaxRetries:       getEnvInt("LOKI_MAX_RETRIES", 3),
		RetryDelay:       getEnvDuration("LOKI_RETRY_DELAY", time.Second),
		LocalDevelopment: getEnvBool("LOKI_LOCAL_DEVELOPMENT", false),
		Gzip:             getEnvBool("LOKI_GZIP", false),
	}
}

// ShipsToSelf reports whether self-shipping would post the relay's logs
// back to this relay's own listener. Each shipped batch logs a request,
// so such a setup never drains.
func (c *Config) ShipsToSelf() bool {
	if !c.Shipping.Enabled || c.Shipping.Endpoint == "" {
		return false
	}

	parsed, err := url.Parse(c.Shipping.Endpoint)
	if err != nil {
		return false
	}
	port := parsed.Port()
	if port == "" {
		switch parsed.Scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}
	if port != c.ServerPort {
		return false
	}

	host := parsed.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
