package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreschagin/logrelay/internal/auth"
	"github.com/dreschagin/logrelay/internal/discovery"
	k8sdiscovery "github.com/dreschagin/logrelay/internal/discovery/k8s"
	"github.com/dreschagin/logrelay/internal/events"
	"github.com/dreschagin/logrelay/internal/httpx"
	relaymetrics "github.com/dreschagin/logrelay/internal/metrics"
	"github.com/dreschagin/logrelay/internal/proxy"
	"github.com/dreschagin/logrelay/internal/ratelimit"
	"github.com/dreschagin/logrelay/internal/routing"
	"github.com/dreschagin/logrelay/internal/transport"
	"github.com/dreschagin/logrelay/pkg/config"
	"github.com/dreschagin/logrelay/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	stdoutLogger := logger.New(cfg.LogLevel)

	metricsRegistry := prometheus.NewRegistry()
	metrics := relaymetrics.New(metricsRegistry)

	log, shipper := newLogger(cfg, stdoutLogger, metrics)

	resolver, err := buildResolver(cfg)
	if err != nil {
		log.Error("failed to initialize service discovery", "error", err)
		os.Exit(1)
	}

	discoveryManager := discovery.NewManager(resolver, cfg.Discovery.RefreshInterval, metrics)

	initialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := discoveryManager.Refresh(initialCtx); err != nil {
		log.Error("initial discovery failed", "error", err)
	} else if !discoveryManager.Ready() {
		log.Warn("no loki endpoint configured, push requests will be rejected")
	} else {
		log.Info("initial discovery completed")
	}
	cancel()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Discovery.Enabled {
		go discoveryManager.Run(ctx, log)
	}

	publisher := buildPublisher(cfg, log)

	proxyHandler := proxy.NewHandler(discoveryManager, proxy.Config{
		Username:     cfg.Loki.Username,
		Password:     cfg.Loki.Password,
		Tenant:       cfg.Loki.TenantID,
		Timeout:      cfg.Loki.Timeout,
		MaxBodyBytes: cfg.Proxy.MaxBodyBytes,
		Gzip:         cfg.Loki.Gzip,
	}, log, metrics, publisher)
	limiter := ratelimit.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	mux := http.NewServeMux()
	mux.HandleFunc(routing.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc(routing.ReadyPath, func(w http.ResponseWriter, _ *http.Request) {
		if !discoveryManager.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.Handle(routing.MetricsPath, promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))

	var pushHandler http.Handler = proxyHandler
	pushHandler = auth.Middleware(cfg.Auth.Enabled, cfg.Auth.BearerToken, metrics, pushHandler)
	pushHandler = limiter.Middleware(metrics, pushHandler)
	pushHandler = httpx.WithBodyLimit(cfg.Proxy.MaxBodyBytes, pushHandler)
	pushHandler = httpx.WithCORS(cfg.Proxy.AllowedOrigins, pushHandler)
	pushHandler = metrics.Middleware(pushHandler)
	pushHandler = httpx.WithRequestID(pushHandler)
	pushHandler = httpx.WithLogging(log, pushHandler)

	mux.Handle(routing.PushPath, pushHandler)
	mux.Handle(routing.BrowserPushPath, pushHandler)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Loki.Timeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("relay server started", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("relay server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shutdown relay server", "error", err)
	}
	if err := publisher.Close(); err != nil {
		stdoutLogger.Error("failed to close event publisher", "error", err)
	}
	if shipper != nil {
		if err := shipper.Close(shutdownCtx); err != nil {
			stdoutLogger.Error("final log flush failed", "error", err)
		}
	}
}

// newLogger tees relay logs into a transport when self-shipping is on.
// The transport reports its own problems to stdout only.
func newLogger(cfg *config.Config, stdout *slog.Logger, metrics *relaymetrics.Metrics) (*slog.Logger, *transport.Transport) {
	if !cfg.Shipping.Enabled {
		return stdout, nil
	}
	if cfg.ShipsToSelf() {
		stdout.Warn("LOKI_URL points at this relay, self-shipping disabled", "endpoint", cfg.Shipping.Endpoint)
		return stdout, nil
	}

	shipper := transport.New(transport.ConfigFrom(cfg.Shipping), stdout, transport.WithMetrics(metrics))
	if !shipper.Active() {
		return stdout, shipper
	}

	handler := logger.Fanout{
		stdout.Handler(),
		transport.NewHandler(shipper, transport.HandlerOptions{Level: logger.ParseLevel(cfg.LogLevel)}),
	}
	return slog.New(handler), shipper
}

func buildResolver(cfg *config.Config) (discovery.Resolver, error) {
	if cfg.Discovery.Enabled {
		return k8sdiscovery.NewInClusterResolver(cfg.Discovery.Namespace, cfg.Discovery.LokiServiceSelector)
	}

	return discovery.NewStaticResolver(cfg.Loki.URL)
}

func buildPublisher(cfg *config.Config, log *slog.Logger) events.Publisher {
	if !cfg.NATS.Enabled {
		return events.Noop{}
	}

	publisher, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject, log)
	if err != nil {
		log.Error("nats unavailable, forwarded events disabled", "error", err)
		return events.Noop{}
	}
	return publisher
}
