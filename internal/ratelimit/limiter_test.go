package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dreschagin/logrelay/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/time/rate"
)

func TestMiddlewarePerClientBurst(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	limiter := &Limiter{
		global: rate.NewLimiter(rate.Inf, 0),
		perIP:  make(map[string]*clientLimiter),
		rps:    rate.Limit(0.001),
		burst:  2,
		now:    time.Now,
	}
	handler := limiter.Middleware(m, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(forwardedFor string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/loki-proxy", nil)
		req.Header.Set("X-Forwarded-For", forwardedFor)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := range 2 {
		if code := send("203.0.113.1"); code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, code)
		}
	}
	if code := send("203.0.113.1"); code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 after burst", code)
	}
	if code := send("203.0.113.2"); code != http.StatusOK {
		t.Fatalf("other client status = %d, want 200", code)
	}
	if got := testutil.ToFloat64(m.RateLimitDropped); got != 1 {
		t.Fatalf("dropped = %v, want 1", got)
	}
}

func TestAllowGlobalLimit(t *testing.T) {
	limiter := New(0.001, 1)
	if !limiter.Allow("a") {
		t.Fatal("first request rejected")
	}
	if limiter.Allow("b") {
		t.Fatal("global budget not enforced across clients")
	}
}

func TestCleanupDropsIdleClients(t *testing.T) {
	limiter := New(100, 100)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return base }
	limiter.Allow("idle")

	limiter.mu.Lock()
	limiter.cleanupLocked(base.Add(time.Minute))
	_, ok := limiter.perIP["idle"]
	limiter.mu.Unlock()

	if ok {
		t.Fatal("idle client not removed")
	}
}
