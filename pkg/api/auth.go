package api

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"github.com/psaab/dyntrack/pkg/config"
)

// AuthConfig holds API credentials and the access class of each.
type AuthConfig struct {
	Users   map[string]config.APIUser
	APIKeys map[string]config.AccessClass
}

// principal is the authenticated caller of a request.
type principal struct {
	name  string
	class config.AccessClass
}

type principalKey struct{}

// principalName returns who issued r, for audit logs.
func principalName(r *http.Request) string {
	if p, ok := r.Context().Value(principalKey{}).(principal); ok {
		return p.name
	}
	return "anonymous"
}

// mutating reports whether r changes dynamic state (flush, rule delete).
func mutating(r *http.Request) bool {
	return r.Method != http.MethodGet && r.Method != http.MethodHead
}

// authMiddleware authenticates every request except /health and
// /metrics. Read-only credentials get 403 on requests that change the
// table.
func authMiddleware(cfg AuthConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		p, ok := cfg.authenticate(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="dyntrack API"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if mutating(r) && p.class != config.ClassOperator {
			slog.Warn("API: state change refused",
				"principal", p.name, "class", p.class, "method", r.Method, "path", r.URL.Path)
			writeError(w, http.StatusForbidden, "operator access required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func (cfg AuthConfig) authenticate(r *http.Request) (principal, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return cfg.keyPrincipal(token)
		}
		if enc, ok := strings.CutPrefix(auth, "Basic "); ok {
			return cfg.userPrincipal(enc)
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return cfg.keyPrincipal(key)
	}
	return principal{}, false
}

func (cfg AuthConfig) keyPrincipal(key string) (principal, bool) {
	class, ok := cfg.APIKeys[key]
	if !ok {
		return principal{}, false
	}
	return principal{name: "api-key", class: class}, true
}

func (cfg AuthConfig) userPrincipal(enc string) (principal, bool) {
	payload, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return principal{}, false
	}
	user, pass, ok := strings.Cut(string(payload), ":")
	if !ok {
		return principal{}, false
	}
	u, exists := cfg.Users[user]
	if !exists || subtle.ConstantTimeCompare([]byte(pass), []byte(u.Password)) != 1 {
		return principal{}, false
	}
	return principal{name: user, class: u.Class}, true
}
