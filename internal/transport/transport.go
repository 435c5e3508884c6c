package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dreschagin/logrelay/internal/loki"
	"github.com/dreschagin/logrelay/internal/metrics"
	"k8s.io/utils/clock"
)

// ErrMissingEndpoint is returned by Enable when no endpoint is configured.
var ErrMissingEndpoint = errors.New("log transport endpoint is not configured")

const (
	// A failed batch of this many lines or more is dropped instead of
	// being returned to the buffer.
	requeueLimit = 100

	defaultBatchSize     = 10
	defaultFlushInterval = 5 * time.Second
	defaultMaxRetries    = 3
	defaultRetryDelay    = time.Second
)

// Config holds the transport settings.
type Config struct {
	Enabled  bool
	Endpoint string
	// ViaProxy marks Endpoint as a forwarding proxy that adds credentials.
	ViaProxy bool

	Username string
	Password string
	Tenant   string

	App         string
	Version     string
	Environment string

	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	RetryDelay    time.Duration

	// LocalDevelopment turns sending off even when the transport is
	// configured, for hosts where the endpoint is known to be unreachable.
	LocalDevelopment bool
	Gzip             bool
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	return c
}

// Status is a point-in-time view of a Transport.
type Status struct {
	Enabled          bool          `json:"enabled"`
	Active           bool          `json:"active"`
	LocalDevelopment bool          `json:"local_development"`
	Endpoint         string        `json:"endpoint"`
	ViaProxy         bool          `json:"via_proxy"`
	Tenant           string        `json:"tenant,omitempty"`
	BatchSize        int           `json:"batch_size"`
	FlushInterval    time.Duration `json:"flush_interval"`
	MaxRetries       int           `json:"max_retries"`
	RetryDelay       time.Duration `json:"retry_delay"`

	Buffered       int  `json:"buffered"`
	FlushScheduled bool `json:"flush_scheduled"`

	Pushed        uint64 `json:"pushed"`
	Sent          uint64 `json:"sent"`
	Requeued      uint64 `json:"requeued"`
	Dropped       uint64 `json:"dropped"`
	FailedFlushes uint64 `json:"failed_flushes"`

	LastError string `json:"last_error,omitempty"`
	LastState string `json:"last_state"`
}

type counters struct {
	pushed        uint64
	sent          uint64
	requeued      uint64
	dropped       uint64
	failedFlushes uint64
}

// Option customizes a Transport.
type Option func(*Transport)

// WithClock replaces the real clock, mainly for tests.
func WithClock(c clock.WithDelayedExecution) Option {
	return func(t *Transport) { t.clock = c }
}

// WithHTTPClient replaces the default 10s-timeout HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.httpClient = c }
}

// WithMetrics records line outcomes and send attempts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// Transport buffers log lines and ships them to Loki in batches.
//
// Push never blocks on the network. A background goroutine performs
// flushes triggered by the batch size or the flush timer; at most one
// flush runs at a time.
type Transport struct {
	cfg        Config
	formatter  loki.Formatter
	client     *loki.Client
	clock      clock.WithDelayedExecution
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu        sync.Mutex
	enabled   bool
	closed    bool
	buffer    []loki.Line
	timer     clock.Timer
	stats     counters
	lastErr   string
	lastState loki.State

	flushSlot chan struct{}
	kick      chan struct{}
	stopCh    chan struct{}
	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup

	closeOnce   sync.Once
	devWarnOnce sync.Once
}

// New creates a transport and starts its background flusher. logger
// receives the transport's own diagnostics; it must not feed back into
// this transport.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Transport {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	t := &Transport{
		cfg:       cfg,
		clock:     clock.RealClock{},
		logger:    logger,
		enabled:   cfg.Enabled,
		flushSlot: make(chan struct{}, 1),
		kick:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	t.formatter = loki.Formatter{
		App:         cfg.App,
		Version:     cfg.Version,
		Environment: cfg.Environment,
		Tenant:      cfg.Tenant,
		Now:         t.clock.Now,
	}
	t.client = loki.NewClient(loki.ClientConfig{
		Endpoint:   cfg.Endpoint,
		ViaProxy:   cfg.ViaProxy,
		Username:   cfg.Username,
		Password:   cfg.Password,
		Tenant:     cfg.Tenant,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Gzip:       cfg.Gzip,
		Observer:   t.observe,
	}, t.httpClient, t.clock)

	switch {
	case cfg.LocalDevelopment:
		t.warnLocalDevelopment()
	case cfg.Enabled && cfg.Endpoint == "":
		t.logger.Warn("log transport enabled without an endpoint, sending is off")
	}

	t.runCtx, t.cancelRun = context.WithCancel(context.Background())
	t.wg.Add(1)
	go t.run()

	return t
}

// Push formats entry and buffers it. It is a no-op while the transport is
// inactive and never reports delivery errors to the caller.
func (t *Transport) Push(entry loki.Entry) {
	if !t.Active() {
		return
	}

	line, err := t.formatter.Format(entry)
	if err != nil {
		t.logger.Warn("dropping log entry that cannot be formatted", "error", err)
		t.mu.Lock()
		t.stats.dropped++
		t.mu.Unlock()
		t.metrics.ObserveLines("dropped", 1)
		return
	}

	t.mu.Lock()
	if !t.activeLocked() {
		t.mu.Unlock()
		return
	}
	t.buffer = append(t.buffer, line)
	t.stats.pushed++
	full := len(t.buffer) >= t.cfg.BatchSize
	if full {
		t.cancelScheduledLocked()
	} else {
		t.scheduleLocked()
	}
	t.mu.Unlock()

	t.metrics.ObserveLines("pushed", 1)
	if full {
		t.signal()
	}
}

// Flush sends the buffered lines. An immediate flush makes one attempt and
// drops the batch on failure; otherwise a failed batch of fewer than 100
// lines goes back to the front of the buffer. The returned error is
// informational, the outcome has already been handled.
func (t *Transport) Flush(ctx context.Context, immediate bool) error {
	select {
	case t.flushSlot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-t.flushSlot }()

	t.mu.Lock()
	t.cancelScheduledLocked()
	if len(t.buffer) == 0 {
		t.mu.Unlock()
		return nil
	}
	logs := t.buffer
	t.buffer = nil
	t.mu.Unlock()

	err := t.client.Push(ctx, logs, immediate)

	t.mu.Lock()
	if err == nil {
		t.stats.sent += uint64(len(logs))
		t.lastErr = ""
		t.mu.Unlock()
		t.metrics.ObserveLines("sent", len(logs))
		t.logger.Debug("log batch sent", "lines", len(logs))
		return nil
	}

	t.stats.failedFlushes++
	t.lastErr = err.Error()
	requeue := !immediate && len(logs) < requeueLimit && t.enabled && !t.closed
	if requeue {
		t.buffer = append(logs, t.buffer...)
		t.stats.requeued += uint64(len(logs))
		t.scheduleLocked()
	} else {
		t.stats.dropped += uint64(len(logs))
	}
	t.mu.Unlock()

	if requeue {
		t.metrics.ObserveLines("requeued", len(logs))
		t.logger.Warn("log batch failed, requeued for next flush", "lines", len(logs), "error", err)
	} else {
		t.metrics.ObserveLines("dropped", len(logs))
		t.logger.Error("log batch failed, dropped", "lines", len(logs), "immediate", immediate, "error", err)
	}
	return err
}

// OnVisibilityHidden requests a normal flush without waiting for it.
func (t *Transport) OnVisibilityHidden() {
	t.signal()
}

// OnUnload makes a single best-effort delivery attempt of the buffer.
func (t *Transport) OnUnload(ctx context.Context) error {
	return t.Flush(ctx, true)
}

// Enable turns sending on. It fails without changing state when no
// endpoint is configured.
func (t *Transport) Enable() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cfg.Endpoint == "" {
		return ErrMissingEndpoint
	}
	t.enabled = true
	if t.cfg.LocalDevelopment {
		t.warnLocalDevelopment()
	}
	return nil
}

// Disable turns sending off, cancels the scheduled flush and discards the
// buffer.
func (t *Transport) Disable() {
	t.mu.Lock()
	t.enabled = false
	t.cancelScheduledLocked()
	discarded := len(t.buffer)
	t.buffer = nil
	t.stats.dropped += uint64(discarded)
	t.mu.Unlock()

	t.metrics.ObserveLines("dropped", discarded)
}

// Active reports whether pushes are currently accepted.
func (t *Transport) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeLocked()
}

// Status returns a snapshot of configuration and state.
func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Status{
		Enabled:          t.enabled,
		Active:           t.activeLocked(),
		LocalDevelopment: t.cfg.LocalDevelopment,
		Endpoint:         t.cfg.Endpoint,
		ViaProxy:         t.cfg.ViaProxy,
		Tenant:           t.cfg.Tenant,
		BatchSize:        t.cfg.BatchSize,
		FlushInterval:    t.cfg.FlushInterval,
		MaxRetries:       t.cfg.MaxRetries,
		RetryDelay:       t.cfg.RetryDelay,
		Buffered:         len(t.buffer),
		FlushScheduled:   t.timer != nil,
		Pushed:           t.stats.pushed,
		Sent:             t.stats.sent,
		Requeued:         t.stats.requeued,
		Dropped:          t.stats.dropped,
		FailedFlushes:    t.stats.failedFlushes,
		LastError:        t.lastErr,
		LastState:        t.lastState.String(),
	}
}

// Close stops the background flusher, interrupting an in-flight send, and
// makes a final immediate flush. Later pushes are ignored.
func (t *Transport) Close(ctx context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stopCh)
		t.cancelRun()
		t.wg.Wait()

		t.mu.Lock()
		t.closed = true
		t.cancelScheduledLocked()
		t.mu.Unlock()

		err = t.Flush(ctx, true)
	})
	return err
}

func (t *Transport) run() {
	defer t.wg.Done()

	for {
		select {
		case <-t.kick:
			// Errors are logged by Flush.
			_ = t.Flush(t.runCtx, false)
		case <-t.stopCh:
			return
		}
	}
}

// signal wakes the flusher. Pending signals coalesce.
func (t *Transport) signal() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

func (t *Transport) scheduleLocked() {
	if t.timer != nil {
		return
	}
	t.timer = t.clock.AfterFunc(t.cfg.FlushInterval, t.signal)
}

func (t *Transport) cancelScheduledLocked() {
	if t.timer == nil {
		return
	}
	t.timer.Stop()
	t.timer = nil
}

func (t *Transport) activeLocked() bool {
	return t.enabled && !t.closed && t.cfg.Endpoint != "" && !t.cfg.LocalDevelopment
}

func (t *Transport) observe(state loki.State, _ int) {
	t.mu.Lock()
	previous := t.lastState
	t.lastState = state
	t.mu.Unlock()

	switch state {
	case loki.StateSucceeded:
		t.metrics.ObserveAttempt("success")
	case loki.StateBackoffWait:
		t.metrics.ObserveAttempt("failure")
	case loki.StateFailed:
		if previous == loki.StateSending {
			t.metrics.ObserveAttempt("failure")
		}
	}
}

func (t *Transport) warnLocalDevelopment() {
	t.devWarnOnce.Do(func() {
		t.logger.Warn("log transport disabled in local development mode", "endpoint", t.cfg.Endpoint)
	})
}
