package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dreschagin/logrelay/internal/loki"
	clocktesting "k8s.io/utils/clock/testing"
)

type lokiRecorder struct {
	requests chan loki.PushRequest
	status   atomic.Int32
	hold     atomic.Bool
	release  chan struct{}
}

func newLokiRecorder(t *testing.T) (*httptest.Server, *lokiRecorder) {
	t.Helper()

	rec := &lokiRecorder{
		requests: make(chan loki.PushRequest, 200),
		release:  make(chan struct{}),
	}
	rec.status.Store(http.StatusNoContent)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body loki.PushRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode push body: %v", err)
		}
		rec.requests <- body
		if rec.hold.Load() {
			<-rec.release
		}
		w.WriteHeader(int(rec.status.Load()))
	}))
	t.Cleanup(srv.Close)

	return srv, rec
}

func newTestTransport(t *testing.T, srv *httptest.Server, mutate func(*Config)) (*Transport, *clocktesting.FakeClock) {
	t.Helper()

	cfg := Config{
		Enabled:       true,
		Endpoint:      srv.URL,
		App:           "rentals",
		BatchSize:     10,
		FlushInterval: 5 * time.Second,
		MaxRetries:    1,
		RetryDelay:    time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	fakeClock := clocktesting.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	tr := New(cfg, nil, WithClock(fakeClock), WithHTTPClient(srv.Client()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tr.Close(ctx)
	})

	return tr, fakeClock
}

func push(tr *Transport, messages ...string) {
	for _, msg := range messages {
		tr.Push(loki.Entry{Level: loki.LevelInfo, Message: msg, SessionID: "s-1"})
	}
}

func nextRequest(t *testing.T, rec *lokiRecorder) loki.PushRequest {
	t.Helper()
	select {
	case body := <-rec.requests:
		return body
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push request")
		return loki.PushRequest{}
	}
}

func messages(t *testing.T, body loki.PushRequest) []string {
	t.Helper()
	var out []string
	for _, stream := range body.Streams {
		for _, value := range stream.Values {
			var payload struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal([]byte(value[1]), &payload); err != nil {
				t.Fatalf("decode payload %q: %v", value[1], err)
			}
			out = append(out, payload.Message)
		}
	}
	return out
}

func eventually(t *testing.T, cond func(Status) bool, tr *Transport) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		st := tr.Status()
		if cond(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met, status = %+v", st)
		}
		time.Sleep(time.Millisecond)
	}
}

func assertMessages(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("messages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("messages = %v, want %v", got, want)
		}
	}
}

func TestPushBelowBatchSizeWaitsForInterval(t *testing.T) {
	srv, rec := newLokiRecorder(t)
	tr, fakeClock := newTestTransport(t, srv, nil)

	push(tr, "a", "b", "c")

	st := tr.Status()
	if st.Buffered != 3 || !st.FlushScheduled {
		t.Fatalf("status = %+v, want 3 buffered with a flush scheduled", st)
	}

	fakeClock.Step(5*time.Second - time.Millisecond)
	if len(rec.requests) != 0 {
		t.Fatal("flushed before the interval elapsed")
	}

	fakeClock.Step(time.Millisecond)
	body := nextRequest(t, rec)
	if len(body.Streams) != 1 {
		t.Fatalf("streams = %d, want 1", len(body.Streams))
	}
	assertMessages(t, messages(t, body), "a", "b", "c")

	st = eventually(t, func(s Status) bool { return s.Sent == 3 }, tr)
	if st.Buffered != 0 || st.FlushScheduled {
		t.Fatalf("status after flush = %+v", st)
	}
	if st.LastState != "succeeded" {
		t.Fatalf("LastState = %q, want succeeded", st.LastState)
	}
	if fakeClock.HasWaiters() {
		t.Fatal("timer still pending with an empty buffer")
	}
}

func TestPushReachingBatchSizeFlushesWithoutTimer(t *testing.T) {
	srv, rec := newLokiRecorder(t)
	tr, _ := newTestTransport(t, srv, func(c *Config) { c.BatchSize = 3 })

	push(tr, "a", "b", "c")

	assertMessages(t, messages(t, nextRequest(t, rec)), "a", "b", "c")
	st := eventually(t, func(s Status) bool { return s.Sent == 3 }, tr)
	if st.FlushScheduled {
		t.Fatal("size-triggered flush left a timer scheduled")
	}
}

func TestFailedFlushRequeuesAheadOfNewerEntries(t *testing.T) {
	srv, rec := newLokiRecorder(t)
	tr, _ := newTestTransport(t, srv, nil)
	rec.status.Store(http.StatusInternalServerError)

	push(tr, "a", "b")
	if err := tr.Flush(context.Background(), false); err == nil {
		t.Fatal("expected flush error")
	}
	nextRequest(t, rec)

	st := tr.Status()
	if st.Buffered != 2 || st.Requeued != 2 || st.FailedFlushes != 1 {
		t.Fatalf("status = %+v, want 2 requeued lines", st)
	}
	if !st.FlushScheduled {
		t.Fatal("requeue must schedule a flush")
	}
	if st.LastError == "" {
		t.Fatal("LastError not recorded")
	}

	push(tr, "c")
	rec.status.Store(http.StatusNoContent)
	if err := tr.Flush(context.Background(), false); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	assertMessages(t, messages(t, nextRequest(t, rec)), "a", "b", "c")
	if st := tr.Status(); st.LastError != "" || st.Sent != 3 {
		t.Fatalf("status = %+v", st)
	}
}

func TestFailedFlushRequeueLimit(t *testing.T) {
	tests := []struct {
		name         string
		lines        int
		wantBuffered int
		wantDropped  uint64
	}{
		{name: "below limit is requeued", lines: 99, wantBuffered: 99},
		{name: "at limit is dropped", lines: 100, wantDropped: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, rec := newLokiRecorder(t)
			tr, _ := newTestTransport(t, srv, func(c *Config) { c.BatchSize = 1000 })
			rec.status.Store(http.StatusServiceUnavailable)

			for range tt.lines {
				push(tr, "line")
			}
			if err := tr.Flush(context.Background(), false); err == nil {
				t.Fatal("expected flush error")
			}

			st := tr.Status()
			if st.Buffered != tt.wantBuffered || st.Dropped != tt.wantDropped {
				t.Fatalf("status = %+v, want buffered %d dropped %d", st, tt.wantBuffered, tt.wantDropped)
			}
		})
	}
}

func TestImmediateFlushFailureDropsBatch(t *testing.T) {
	srv, rec := newLokiRecorder(t)
	tr, fakeClock := newTestTransport(t, srv, func(c *Config) { c.MaxRetries = 3 })
	rec.status.Store(http.StatusBadGateway)

	push(tr, "a", "b")
	err := tr.OnUnload(context.Background())

	var statusErr *loki.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("OnUnload() error = %v, want StatusError 502", err)
	}
	nextRequest(t, rec)
	if len(rec.requests) != 0 {
		t.Fatal("immediate flush retried")
	}
	if st := tr.Status(); st.Buffered != 0 || st.Dropped != 2 {
		t.Fatalf("status = %+v, want batch dropped", st)
	}
	if fakeClock.HasWaiters() {
		t.Fatal("dropped batch left a timer pending")
	}
}

func TestPushDuringInflightFlushStaysBuffered(t *testing.T) {
	srv, rec := newLokiRecorder(t)
	rec.hold.Store(true)
	tr, _ := newTestTransport(t, srv, func(c *Config) { c.BatchSize = 3 })

	push(tr, "a", "b", "c")
	assertMessages(t, messages(t, nextRequest(t, rec)), "a", "b", "c")

	push(tr, "d")
	if st := tr.Status(); st.Buffered != 1 {
		t.Fatalf("Buffered = %d during in-flight flush, want 1", st.Buffered)
	}

	close(rec.release)
	eventually(t, func(s Status) bool { return s.Sent == 3 }, tr)

	if err := tr.Flush(context.Background(), false); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	assertMessages(t, messages(t, nextRequest(t, rec)), "d")
}

func TestVisibilityHiddenTriggersFlush(t *testing.T) {
	srv, rec := newLokiRecorder(t)
	tr, _ := newTestTransport(t, srv, nil)

	push(tr, "a")
	tr.OnVisibilityHidden()

	assertMessages(t, messages(t, nextRequest(t, rec)), "a")
}

func TestDisableAndEnable(t *testing.T) {
	srv, rec := newLokiRecorder(t)
	tr, fakeClock := newTestTransport(t, srv, func(c *Config) { c.Enabled = false })

	push(tr, "ignored")
	if st := tr.Status(); st.Buffered != 0 || st.Active || st.Pushed != 0 {
		t.Fatalf("disabled transport buffered: %+v", st)
	}
	if fakeClock.HasWaiters() {
		t.Fatal("disabled transport scheduled a flush")
	}

	if err := tr.Enable(); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	push(tr, "a", "b")
	if st := tr.Status(); st.Buffered != 2 || !st.FlushScheduled {
		t.Fatalf("status = %+v", st)
	}

	tr.Disable()
	st := tr.Status()
	if st.Buffered != 0 || st.FlushScheduled || st.Enabled || st.Dropped != 2 {
		t.Fatalf("status after Disable = %+v", st)
	}
	if fakeClock.HasWaiters() {
		t.Fatal("Disable left a timer pending")
	}
	if len(rec.requests) != 0 {
		t.Fatal("disabled transport sent a request")
	}
}

func TestEnableWithoutEndpoint(t *testing.T) {
	tr := New(Config{Enabled: false}, nil)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })

	if err := tr.Enable(); !errors.Is(err, ErrMissingEndpoint) {
		t.Fatalf("Enable() error = %v, want ErrMissingEndpoint", err)
	}
	if st := tr.Status(); st.Enabled || st.Active {
		t.Fatalf("status = %+v, want unchanged", st)
	}
}

func TestEnabledWithoutEndpointIsInactive(t *testing.T) {
	tr := New(Config{Enabled: true}, nil)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })

	tr.Push(loki.Entry{Message: "x"})
	if st := tr.Status(); st.Active || st.Buffered != 0 {
		t.Fatalf("status = %+v, want inactive", st)
	}
}

func TestLocalDevelopmentSuppressesSending(t *testing.T) {
	srv, rec := newLokiRecorder(t)
	tr, _ := newTestTransport(t, srv, func(c *Config) { c.LocalDevelopment = true })

	push(tr, "a")
	if err := tr.Flush(context.Background(), false); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	st := tr.Status()
	if st.Active || !st.LocalDevelopment || !st.Enabled || st.Buffered != 0 {
		t.Fatalf("status = %+v", st)
	}
	if len(rec.requests) != 0 {
		t.Fatal("local development transport sent a request")
	}
}

func TestStatusReportsConfiguration(t *testing.T) {
	tr := New(Config{
		Enabled:  true,
		Endpoint: "https://proxy.example.com/api/loki-proxy",
		ViaProxy: true,
		Tenant:   "acme",
	}, nil)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })

	st := tr.Status()
	if !st.Active || !st.ViaProxy || st.Tenant != "acme" {
		t.Fatalf("status = %+v", st)
	}
	if st.BatchSize != 10 || st.FlushInterval != 5*time.Second || st.MaxRetries != 3 || st.RetryDelay != time.Second {
		t.Fatalf("defaults not applied: %+v", st)
	}
	if st.LastState != "idle" {
		t.Fatalf("LastState = %q, want idle", st.LastState)
	}
}

func TestCloseFlushesRemainingEntries(t *testing.T) {
	srv, rec := newLokiRecorder(t)
	tr, _ := newTestTransport(t, srv, nil)

	push(tr, "a", "b")
	if err := tr.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	assertMessages(t, messages(t, nextRequest(t, rec)), "a", "b")

	push(tr, "late")
	if st := tr.Status(); st.Active || st.Buffered != 0 {
		t.Fatalf("closed transport accepted a push: %+v", st)
	}
	if err := tr.Close(context.Background()); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
