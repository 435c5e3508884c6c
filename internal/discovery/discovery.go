package discovery

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreschagin/logrelay/internal/metrics"
)

const refreshTimeout = 10 * time.Second

// Snapshot holds the currently resolved Loki endpoint.
type Snapshot struct {
	// LokiURL is the Loki base URL. Nil when none is configured.
	LokiURL    *url.URL
	ResolvedAt time.Time
}

// Resolver discovers the current Loki endpoint.
type Resolver interface {
	Resolve(ctx context.Context) (Snapshot, error)
}

// Manager periodically refreshes and stores discovery snapshots.
type Manager struct {
	resolver        Resolver
	refreshInterval time.Duration
	metrics         *metrics.Metrics

	snapshot atomic.Pointer[Snapshot]
	ready    atomic.Bool

	lastErrMu sync.RWMutex
	lastErr   error
}

// NewManager creates a manager. metrics may be nil.
func NewManager(resolver Resolver, refreshInterval time.Duration, m *metrics.Metrics) *Manager {
	return &Manager{
		resolver:        resolver,
		refreshInterval: refreshInterval,
		metrics:         m,
	}
}

// Refresh resolves once. On failure the previous snapshot is kept but the
// manager reports not ready.
func (m *Manager) Refresh(ctx context.Context) error {
	if m.metrics != nil {
		m.metrics.DiscoveryRefreshes.Inc()
	}

	snapshot, err := m.resolver.Resolve(ctx)
	if err != nil {
		if m.metrics != nil {
			m.metrics.DiscoveryErrors.Inc()
		}
		m.ready.Store(false)
		m.setLastErr(err)
		return err
	}
	snapshot.ResolvedAt = time.Now().UTC()
	m.snapshot.Store(&snapshot)
	m.ready.Store(snapshot.LokiURL != nil)
	m.setLastErr(nil)
	return nil
}

// Run refreshes on every interval tick until ctx is done.
func (m *Manager) Run(ctx context.Context, logger *slog.Logger) {
	ticker := time.NewTicker(m.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
			err := m.Refresh(refreshCtx)
			cancel()
			if err != nil {
				logger.Error("discovery refresh failed", "error", err)
				continue
			}
			logger.Debug("discovery snapshot refreshed")
		}
	}
}

func (m *Manager) Snapshot() (Snapshot, bool) {
	current := m.snapshot.Load()
	if current == nil {
		return Snapshot{}, false
	}
	return *current, m.ready.Load()
}

// LokiURL returns the last resolved Loki base URL, if any.
func (m *Manager) LokiURL() (*url.URL, bool) {
	current := m.snapshot.Load()
	if current == nil || current.LokiURL == nil {
		return nil, false
	}
	return current.LokiURL, true
}

func (m *Manager) Ready() bool {
	return m.ready.Load()
}

func (m *Manager) LastError() error {
	m.lastErrMu.RLock()
	defer m.lastErrMu.RUnlock()
	return m.lastErr
}

func (m *Manager) setLastErr(err error) {
	m.lastErrMu.Lock()
	defer m.lastErrMu.Unlock()
	m.lastErr = err
}
