package routing

import "github.com/dreschagin/logrelay/internal/loki"

// Target defines what an incoming path is served by.
type Target string

const (
	TargetPush  Target = "push"
	TargetProbe Target = "probe"
)

const (
	// PushPath mirrors the Loki push API so shippers can point at the relay
	// as if it were Loki.
	PushPath = loki.PushPath
	// BrowserPushPath is the path browser clients post batches to.
	BrowserPushPath = "/api/loki-proxy"

	HealthPath  = "/healthz"
	ReadyPath   = "/readyz"
	MetricsPath = "/metrics"
)

// Match resolves an incoming path to its target.
func Match(path string) (Target, bool) {
	switch path {
	case PushPath, BrowserPushPath:
		return TargetPush, true
	case HealthPath, ReadyPath, MetricsPath:
		return TargetProbe, true
	default:
		return "", false
	}
}

// Label returns a bounded route label for metrics.
func Label(path string) string {
	if _, ok := Match(path); ok {
		return path
	}
	return "other"
}
