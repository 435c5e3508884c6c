package discovery

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// StaticResolver keeps a fixed Loki URL for non-cluster environments.
type StaticResolver struct {
	lokiURL *url.URL
}

// NewStaticResolver parses lokiURL. An empty value is accepted and
// resolves to no endpoint.
func NewStaticResolver(lokiURL string) (*StaticResolver, error) {
	lokiURL = strings.TrimSpace(lokiURL)
	if lokiURL == "" {
		return &StaticResolver{}, nil
	}

	parsed, err := url.Parse(lokiURL)
	if err != nil {
		return nil, fmt.Errorf("parse LOKI_URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("parse LOKI_URL: unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("parse LOKI_URL: missing host")
	}

	return &StaticResolver{lokiURL: parsed}, nil
}

func (r *StaticResolver) Resolve(_ context.Context) (Snapshot, error) {
	return Snapshot{LokiURL: r.lokiURL}, nil
}
