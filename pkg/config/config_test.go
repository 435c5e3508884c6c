package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ServerPort != "8090" || cfg.LogLevel != "info" {
		t.Fatalf("server = %q/%q", cfg.ServerPort, cfg.LogLevel)
	}
	if cfg.Proxy.MaxBodyBytes != 1<<20 || len(cfg.Proxy.AllowedOrigins) != 0 {
		t.Fatalf("proxy = %+v", cfg.Proxy)
	}
	if cfg.Loki.Timeout != 8*time.Second || cfg.Auth.Enabled || cfg.Discovery.Enabled || cfg.NATS.Enabled {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Shipping.Enabled {
		t.Fatal("relay self-shipping enabled by default")
	}
	s := cfg.Shipping
	if s.BatchSize != 10 || s.FlushInterval != 5*time.Second || s.MaxRetries != 3 || s.RetryDelay != time.Second {
		t.Fatalf("shipping defaults = %+v", s)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LOKI_URL", "https://logs.example.com")
	t.Setenv("LOKI_USERNAME", "loki")
	t.Setenv("LOKI_PASSWORD", "s3cret")
	t.Setenv("LOKI_TENANT_ID", "acme")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com,")
	t.Setenv("LOKI_BATCH_SIZE", "25")
	t.Setenv("LOKI_FLUSH_INTERVAL", "250ms")
	t.Setenv("LOKI_ENABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ServerPort != "9000" || cfg.LogLevel != "debug" {
		t.Fatalf("server = %q/%q", cfg.ServerPort, cfg.LogLevel)
	}
	if cfg.Loki.URL != "https://logs.example.com" || cfg.Loki.TenantID != "acme" {
		t.Fatalf("loki = %+v", cfg.Loki)
	}
	if len(cfg.Proxy.AllowedOrigins) != 2 || cfg.Proxy.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("origins = %v", cfg.Proxy.AllowedOrigins)
	}
	if !cfg.Shipping.Enabled || cfg.Shipping.BatchSize != 25 || cfg.Shipping.FlushInterval != 250*time.Millisecond {
		t.Fatalf("shipping = %+v", cfg.Shipping)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "auth without token", env: map[string]string{"AUTH_ENABLED": "true"}},
		{name: "bad loki url", env: map[string]string{"LOKI_URL": "loki:3100"}},
		{name: "zero timeout", env: map[string]string{"UPSTREAM_REQUEST_TIMEOUT": "0s"}},
		{name: "negative body cap", env: map[string]string{"PROXY_MAX_BODY_BYTES": "-1"}},
		{name: "zero rps", env: map[string]string{"RATE_LIMIT_RPS": "0"}},
		{name: "zero burst", env: map[string]string{"RATE_LIMIT_BURST": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadShippingEnabledByDefault(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LOKI_URL", "https://relay.example.com/api/loki-proxy")
	t.Setenv("LOKI_VIA_PROXY", "true")
	t.Setenv("APP_NAME", "checkout")

	s := LoadShipping()
	if !s.Enabled || !s.ViaProxy || s.App != "checkout" || s.Endpoint != "https://relay.example.com/api/loki-proxy" {
		t.Fatalf("shipping = %+v", s)
	}
}

func TestGetEnvFallbacks(t *testing.T) {
	t.Setenv("LOGRELAY_TEST_INT", "not-a-number")
	t.Setenv("LOGRELAY_TEST_BOOL", "maybe")
	t.Setenv("LOGRELAY_TEST_DURATION", "soon")
	t.Setenv("LOGRELAY_TEST_BLANK", "   ")

	if got := getEnvInt("LOGRELAY_TEST_INT", 7); got != 7 {
		t.Errorf("getEnvInt() = %d", got)
	}
	if got := getEnvBool("LOGRELAY_TEST_BOOL", true); !got {
		t.Errorf("getEnvBool() = %v", got)
	}
	if got := getEnvDuration("LOGRELAY_TEST_DURATION", time.Minute); got != time.Minute {
		t.Errorf("getEnvDuration() = %v", got)
	}
	if got := getEnv("LOGRELAY_TEST_BLANK", "fallback"); got != "fallback" {
		t.Errorf("getEnv() = %q", got)
	}
}

func TestShipsToSelf(t *testing.T) {
	tests := []struct {
		name     string
		enabled  bool
		endpoint string
		want     bool
	}{
		{name: "own push route", enabled: true, endpoint: "http://localhost:8090/api/loki-proxy", want: true},
		{name: "loopback ip", enabled: true, endpoint: "http://127.0.0.1:8090", want: true},
		{name: "ipv6 loopback", enabled: true, endpoint: "http://[::1]:8090/loki/api/v1/push", want: true},
		{name: "unspecified", enabled: true, endpoint: "http://0.0.0.0:8090", want: true},
		{name: "shipping disabled", enabled: false, endpoint: "http://localhost:8090", want: false},
		{name: "other port", enabled: true, endpoint: "http://localhost:3100", want: false},
		{name: "default port", enabled: true, endpoint: "http://localhost", want: false},
		{name: "remote loki", enabled: true, endpoint: "https://loki.example.com:8090", want: false},
		{name: "no endpoint", enabled: true, endpoint: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				ServerPort: "8090",
				Shipping:   ShippingConfig{Enabled: tt.enabled, Endpoint: tt.endpoint},
			}
			if got := cfg.ShipsToSelf(); got != tt.want {
				t.Fatalf("ShipsToSelf() = %v, want %v", got, tt.want)
			}
		})
	}
}
