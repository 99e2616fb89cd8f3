package middleware

import (
	"net/http"
	"strings"

	"github.com/flywheelhq/flywheel/internal/audit"
)

// ActorExtractor attributes the request to an actor for audit records.
// It checks the X-Actor header, then the actor query parameter, and
// falls back to "api" for anonymous HTTP callers.
func ActorExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get("X-Actor"))
		if actor == "" {
			actor = strings.TrimSpace(r.URL.Query().Get("actor"))
		}
		if actor == "" {
			actor = "api"
		}
		next.ServeHTTP(w, r.WithContext(audit.WithActor(r.Context(), actor)))
	})
}
