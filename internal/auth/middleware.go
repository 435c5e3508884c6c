package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/dreschagin/logrelay/internal/httpx"
	"github.com/dreschagin/logrelay/internal/metrics"
	"github.com/dreschagin/logrelay/internal/routing"
)

// SubjectHeader carries the authenticated subject to inner handlers.
const SubjectHeader = "X-Auth-Subject"

// Middleware requires a shared bearer token on push routes. Probes are
// always reachable.
func Middleware(enabled bool, bearerToken string, m *metrics.Metrics, next http.Handler) http.Handler {
	if !enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if target, ok := routing.Match(r.URL.Path); ok && target == routing.TargetProbe {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearer(r.Header.Get("Authorization"))
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(bearerToken)) != 1 {
			if m != nil {
				m.AuthFailures.Inc()
			}
			httpx.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}

		r.Header.Set(SubjectHeader, "relay-shared-token")
		next.ServeHTTP(w, r)
	})
}

func bearer(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return token, token != ""
}
