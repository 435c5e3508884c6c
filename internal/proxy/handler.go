package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/dreschagin/logrelay/internal/discovery"
	"github.com/dreschagin/logrelay/internal/events"
	"github.com/dreschagin/logrelay/internal/httpx"
	"github.com/dreschagin/logrelay/internal/loki"
	"github.com/dreschagin/logrelay/internal/metrics"
	"github.com/klauspost/compress/gzip"
	"github.com/valyala/fastjson"
)

// UserAgent identifies the relay to Loki.
const UserAgent = "logrelay-proxy/1.0"

const (
	defaultTimeout = 8 * time.Second
	// Downstream error bodies are truncated to this many bytes.
	maxErrorBodyBytes = 4 << 10
)

// Error kinds reported for unexpected forwarding failures.
const (
	KindNetwork = "network"
	KindFetch   = "fetch"
	KindUnknown = "unknown"
)

// Config holds the server-side Loki credentials.
type Config struct {
	Username string
	Password string
	Tenant   string
	Timeout  time.Duration
	// MaxBodyBytes caps the accepted body, counted after gzip decoding.
	MaxBodyBytes int64
	// Gzip compresses forwarded bodies.
	Gzip bool
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type downstreamErrorResponse struct {
	Error   string `json:"error"`
	Status  int    `json:"status"`
	Details string `json:"details"`
}

type unexpectedErrorResponse struct {
	Error     string `json:"error"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type successResponse struct {
	Success          bool   `json:"success"`
	StreamsForwarded int    `json:"streamsForwarded"`
	LogsForwarded    int    `json:"logsForwarded"`
	Timestamp        string `json:"timestamp"`
}

// Handler relays push batches to Loki, adding credentials held by the
// server. It keeps no state between requests.
type Handler struct {
	discovery *discovery.Manager
	cfg       Config
	client    *http.Client
	logger    *slog.Logger
	metrics   *metrics.Metrics
	events    events.Publisher
	parsers   fastjson.ParserPool
	now       func() time.Time
}

// NewHandler creates a relay handler. metrics and publisher may be nil.
func NewHandler(discoveryManager *discovery.Manager, cfg Config, logger *slog.Logger, m *metrics.Metrics, publisher events.Publisher) *Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = httpx.DefaultMaxBodyBytes
	}
	if publisher == nil {
		publisher = events.Noop{}
	}

	return &Handler{
		discovery: discoveryManager,
		cfg:       cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: cfg.Timeout, KeepAlive: 30 * time.Second}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          200,
				MaxIdleConnsPerHost:   64,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   5 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
		logger:  logger,
		metrics: m,
		events:  publisher,
		now:     time.Now,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		httpx.WriteJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "Method not allowed"})
		return
	}

	lokiURL, missing := h.target()
	if len(missing) > 0 {
		h.logger.Error("loki configuration incomplete", "missing", missing)
		httpx.WriteJSON(w, http.StatusInternalServerError, errorResponse{
			Error:   "Loki configuration incomplete",
			Details: "missing " + strings.Join(missing, ", "),
		})
		return
	}

	body, err := h.readBody(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.WriteJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "Request body too large"})
			return
		}
		httpx.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body", Details: err.Error()})
		return
	}

	streams, lines, err := h.inspect(body)
	if err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body", Details: err.Error()})
		return
	}

	status, details, err := h.forward(r, lokiURL, body)
	if err != nil {
		kind := classify(err)
		h.upstreamError(kind)
		h.logger.Error("forward to loki failed", "error", err, "type", kind, "request_id", r.Header.Get(httpx.RequestIDHeader))
		httpx.WriteJSON(w, http.StatusInternalServerError, unexpectedErrorResponse{
			Error:     "Internal server error",
			Type:      kind,
			Message:   err.Error(),
			Timestamp: h.timestamp(),
		})
		return
	}
	if status < 200 || status > 299 {
		h.upstreamError("status")
		h.logger.Warn("loki rejected batch", "status", status, "details", details, "request_id", r.Header.Get(httpx.RequestIDHeader))
		httpx.WriteJSON(w, http.StatusBadGateway, downstreamErrorResponse{
			Error:   "Failed to forward logs to Loki",
			Status:  status,
			Details: details,
		})
		return
	}

	if h.metrics != nil {
		h.metrics.StreamsForwarded.Add(float64(streams))
		h.metrics.LinesForwarded.Add(float64(lines))
	}
	h.publish(r, streams, lines, len(body))

	httpx.WriteJSON(w, http.StatusOK, successResponse{
		Success:          true,
		StreamsForwarded: streams,
		LogsForwarded:    lines,
		Timestamp:        h.timestamp(),
	})
}

// target returns the Loki base URL, or the names of the missing settings.
func (h *Handler) target() (*url.URL, []string) {
	var missing []string
	lokiURL, ok := h.discovery.LokiURL()
	if !ok {
		missing = append(missing, "LOKI_URL")
	}
	if h.cfg.Username == "" {
		missing = append(missing, "LOKI_USERNAME")
	}
	if h.cfg.Password == "" {
		missing = append(missing, "LOKI_PASSWORD")
	}
	return lokiURL, missing
}

func (h *Handler) readBody(r *http.Request) ([]byte, error) {
	if !strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		return readLimited(r.Body, h.cfg.MaxBodyBytes)
	}

	zr, err := gzip.NewReader(r.Body)
	if err != nil {
		return nil, fmt.Errorf("decode gzip body: %w", err)
	}
	defer zr.Close()

	body, err := readLimited(zr, h.cfg.MaxBodyBytes)
	var tooLarge *http.MaxBytesError
	if err != nil && !errors.As(err, &tooLarge) {
		return nil, fmt.Errorf("decode gzip body: %w", err)
	}
	return body, err
}

// readLimited reads at most limit bytes and fails with *http.MaxBytesError
// past that.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, &http.MaxBytesError{Limit: limit}
	}
	return body, nil
}

// inspect checks that body carries a streams array and counts streams and
// lines.
func (h *Handler) inspect(body []byte) (int, int, error) {
	p := h.parsers.Get()
	defer h.parsers.Put(p)

	v, err := p.ParseBytes(body)
	if err != nil {
		return 0, 0, fmt.Errorf("parse JSON: %w", err)
	}
	if v.Type() != fastjson.TypeObject {
		return 0, 0, errors.New("body must be a JSON object")
	}

	streamsValue := v.Get("streams")
	if streamsValue == nil {
		return 0, 0, errors.New("missing streams field")
	}
	streams, err := streamsValue.Array()
	if err != nil {
		return 0, 0, errors.New("streams must be an array")
	}

	lines := 0
	for _, stream := range streams {
		lines += len(stream.GetArray("values"))
	}
	return len(streams), lines, nil
}

// forward posts body to Loki and returns the downstream status with its
// truncated body text.
func (h *Handler) forward(r *http.Request, lokiURL *url.URL, body []byte) (int, string, error) {
	payload := body
	if h.cfg.Gzip {
		compressed, err := loki.Compress(body)
		if err != nil {
			return 0, "", err
		}
		payload = compressed
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loki.PushURL(lokiURL.String()), bytes.NewReader(payload))
	if err != nil {
		return 0, "", fmt.Errorf("build loki request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.SetBasicAuth(h.cfg.Username, h.cfg.Password)
	if h.cfg.Tenant != "" {
		req.Header.Set(loki.TenantHeader, h.cfg.Tenant)
	}
	if h.cfg.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	req.Header.Set(httpx.ForwardedForHeader, forwardedFor(r))
	if requestID := r.Header.Get(httpx.RequestIDHeader); requestID != "" {
		req.Header.Set(httpx.RequestIDHeader, requestID)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	details := strings.TrimSpace(string(text))
	if details == "" {
		details = http.StatusText(resp.StatusCode)
	}
	return resp.StatusCode, details, nil
}

func (h *Handler) publish(r *http.Request, streams, lines, size int) {
	err := h.events.PublishForwarded(r.Context(), events.ForwardedEvent{
		RequestID:        r.Header.Get(httpx.RequestIDHeader),
		Tenant:           h.cfg.Tenant,
		StreamsForwarded: streams,
		LogsForwarded:    lines,
		BodyBytes:        size,
		ForwardedAt:      h.now().UTC(),
	})
	if err != nil {
		h.logger.Warn("publish forwarded event failed", "error", err)
	}
}

func (h *Handler) upstreamError(kind string) {
	if h.metrics != nil {
		h.metrics.UpstreamErrors.WithLabelValues(kind).Inc()
	}
}

func (h *Handler) timestamp() string {
	return h.now().UTC().Format(time.RFC3339Nano)
}

// forwardedFor keeps an inbound X-Forwarded-For chain and appends the
// immediate peer.
func forwardedFor(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if prior := strings.TrimSpace(r.Header.Get(httpx.ForwardedForHeader)); prior != "" {
		if peer == "" {
			return prior
		}
		return prior + ", " + peer
	}
	return peer
}

// classify maps a forwarding error to network, fetch or unknown.
func classify(err error) string {
	var dnsErr *net.DNSError
	var opErr *net.OpError
	switch {
	case errors.As(err, &dnsErr),
		errors.As(err, &opErr),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET):
		return KindNetwork
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindFetch
	}
	return KindUnknown
}
