package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/flemzord/toolgate/internal/security"
)

// authMiddleware guards the /v1 API with a bearer token or basic auth,
// compared in constant time. Browsers cannot set headers on a WebSocket
// handshake, so a bearer token is also accepted in the access_token query
// parameter for upgrade requests only.
func authMiddleware(cfg AuthConfig, audit *security.AuditLogger, limiter *security.RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter != nil {
				if err := limiter.Allow(security.KindAuth); err != nil {
					emitAuthEvent(audit, security.EventRateLimit, r, err.Error())
					writeResult(w, rateLimited(err))
					return
				}
			}

			if method, ok := authenticate(cfg, r); ok {
				emitAuthEvent(audit, security.EventAuthSuccess, r, method)
				next.ServeHTTP(w, r)
				return
			}

			detail := "invalid credentials"
			if r.Header.Get("Authorization") == "" {
				detail = "missing authorization header"
			}
			emitAuthEvent(audit, security.EventAuthFailure, r, detail)
			w.Header().Set("WWW-Authenticate", `Bearer realm="toolgate"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		})
	}
}

func authenticate(cfg AuthConfig, r *http.Request) (string, bool) {
	if cfg.BearerToken != "" {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok && isUpgrade(r) {
			token, ok = r.URL.Query().Get("access_token"), true
		}
		if ok && constantTimeEqual(token, cfg.BearerToken) {
			return "bearer", true
		}
	}
	if cfg.BasicUser != "" && cfg.BasicPass != "" {
		user, pass, ok := r.BasicAuth()
		if ok && constantTimeEqual(user, cfg.BasicUser) && constantTimeEqual(pass, cfg.BasicPass) {
			return "basic", true
		}
	}
	return "", false
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// emitAuthEvent logs an auth event to the audit logger if available.
func emitAuthEvent(logger *security.AuditLogger, eventType security.EventType, r *http.Request, detail string) {
	logger.Log(security.AuditEvent{
		Type:   eventType,
		Detail: detail,
		Metadata: map[string]string{
			"remote_addr": r.RemoteAddr,
			"method":      r.Method,
			"path":        r.URL.Path,
		},
	})
}

// constantTimeEqual compares two strings in constant time.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
