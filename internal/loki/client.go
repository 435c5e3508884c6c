package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"k8s.io/utils/clock"
)

const (
	// PushPath is the Loki HTTP push endpoint.
	PushPath = "/loki/api/v1/push"

	// TenantHeader scopes a push to a Loki tenant.
	TenantHeader = "X-Scope-OrgID"

	defaultMaxRetries = 3
	defaultRetryDelay = time.Second

	// maxErrorBody caps how much of a failed response is kept in StatusError.
	maxErrorBody = 4096
)

// State is a step of a push attempt cycle.
type State int

const (
	StateIdle State = iota
	StateSending
	StateBackoffWait
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSending:
		return "sending"
	case StateBackoffWait:
		return "backoff_wait"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Observer is notified of every state transition. attempt is 1-based and
// 0 for StateIdle.
type Observer func(state State, attempt int)

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("loki responded with HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("loki responded with HTTP %d: %s", e.StatusCode, e.Body)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// Endpoint is the Loki base URL, or the forwarding proxy URL when
	// ViaProxy is set.
	Endpoint string
	ViaProxy bool

	Username string
	Password string
	Tenant   string

	MaxRetries int
	RetryDelay time.Duration
	Gzip       bool

	Observer Observer
}

// Client sends batches to a Loki push endpoint with exponential backoff.
type Client struct {
	cfg        ClientConfig
	url        string
	httpClient *http.Client
	clock      clock.Clock
}

// NewClient creates a push client. A nil httpClient or clk falls back to
// a 10s-timeout client and the real clock.
func NewClient(cfg ClientConfig, httpClient *http.Client, clk clock.Clock) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	target := cfg.Endpoint
	if !cfg.ViaProxy {
		target = PushURL(cfg.Endpoint)
	}

	return &Client{
		cfg:        cfg,
		url:        target,
		httpClient: httpClient,
		clock:      clk,
	}
}

// PushURL appends the push path to a Loki base URL.
func PushURL(base string) string {
	return strings.TrimRight(base, "/") + PushPath
}

// URL returns the address batches are sent to.
func (c *Client) URL() string {
	return c.url
}

// Push groups lines into one batch and sends it. An immediate push makes a
// single attempt; otherwise up to MaxRetries attempts are made, waiting
// RetryDelay*2^i after the i-th failure.
func (c *Client) Push(ctx context.Context, lines []Line, immediate bool) error {
	if len(lines) == 0 {
		return nil
	}

	body, err := json.Marshal(BuildPushRequest(lines))
	if err != nil {
		return fmt.Errorf("marshal push request: %w", err)
	}
	if c.cfg.Gzip {
		if body, err = Compress(body); err != nil {
			return err
		}
	}

	attempts := c.cfg.MaxRetries
	if immediate {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		c.notify(StateSending, attempt+1)

		lastErr = c.send(ctx, body)
		if lastErr == nil {
			c.notify(StateSucceeded, attempt+1)
			return nil
		}

		if attempt < attempts-1 {
			c.notify(StateBackoffWait, attempt+1)
			if err := c.wait(ctx, c.cfg.RetryDelay*time.Duration(1<<attempt)); err != nil {
				c.notify(StateFailed, attempt+1)
				return fmt.Errorf("push aborted after %d attempt(s): %w", attempt+1, err)
			}
		}
	}

	c.notify(StateFailed, attempts)
	return fmt.Errorf("push failed after %d attempt(s): %w", attempts, lastErr)
}

func (c *Client) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send push request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(text))}
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}

	// The proxy holds the credentials.
	if c.cfg.ViaProxy {
		return
	}
	if c.cfg.Username != "" && c.cfg.Password != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	if c.cfg.Tenant != "" {
		req.Header.Set(TenantHeader, c.cfg.Tenant)
	}
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	timer := c.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) notify(state State, attempt int) {
	if c.cfg.Observer != nil {
		c.cfg.Observer(state, attempt)
	}
}

// Compress gzips a push body.
func Compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("gzip push body: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip push body: %w", err)
	}
	return buf.Bytes(), nil
}
