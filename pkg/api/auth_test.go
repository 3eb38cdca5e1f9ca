package api

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/psaab/dyntrack/pkg/config"
)

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

var testAuth = AuthConfig{
	Users: map[string]config.APIUser{
		"admin":  {Password: "secret123", Class: config.ClassOperator},
		"viewer": {Password: "look", Class: config.ClassReadOnly},
	},
	APIKeys: map[string]config.AccessClass{
		"op-key":     config.ClassOperator,
		"scrape-key": config.ClassReadOnly,
	},
}

func TestAuthPrincipal(t *testing.T) {
	var seen string
	handler := authMiddleware(testAuth, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = principalName(r)
	}))

	tests := []struct {
		name   string
		method string
		path   string
		header map[string]string
		code   int
		who    string
	}{
		{"health is public", "GET", "/health", nil, http.StatusOK, "anonymous"},
		{"metrics is public", "GET", "/metrics", nil, http.StatusOK, "anonymous"},
		{"no credentials", "GET", "/api/v1/status", nil, http.StatusUnauthorized, ""},
		{"basic operator", "GET", "/api/v1/dynamic/sessions",
			map[string]string{"Authorization": basicAuth("admin", "secret123")}, http.StatusOK, "admin"},
		{"basic wrong password", "GET", "/api/v1/dynamic/sessions",
			map[string]string{"Authorization": basicAuth("admin", "nope")}, http.StatusUnauthorized, ""},
		{"basic unknown user", "GET", "/api/v1/dynamic/sessions",
			map[string]string{"Authorization": basicAuth("nobody", "look")}, http.StatusUnauthorized, ""},
		{"basic malformed", "GET", "/api/v1/dynamic/sessions",
			map[string]string{"Authorization": "Basic !!!"}, http.StatusUnauthorized, ""},
		{"bearer read-only", "GET", "/api/v1/dynamic/summary",
			map[string]string{"Authorization": "Bearer scrape-key"}, http.StatusOK, "api-key"},
		{"bearer unknown", "GET", "/api/v1/dynamic/summary",
			map[string]string{"Authorization": "Bearer other"}, http.StatusUnauthorized, ""},
		{"x-api-key", "GET", "/api/v1/dynamic/rules",
			map[string]string{"X-API-Key": "op-key"}, http.StatusOK, "api-key"},
		{"read-only flush", "POST", "/api/v1/dynamic/flush",
			map[string]string{"Authorization": basicAuth("viewer", "look")}, http.StatusForbidden, ""},
		{"read-only key deletes rule", "DELETE", "/api/v1/dynamic/rules/1",
			map[string]string{"X-API-Key": "scrape-key"}, http.StatusForbidden, ""},
		{"operator flush", "POST", "/api/v1/dynamic/flush",
			map[string]string{"Authorization": basicAuth("admin", "secret123")}, http.StatusOK, "admin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(tt.method, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.code {
				t.Fatalf("status = %d, want %d", w.Code, tt.code)
			}
			if seen != tt.who {
				t.Errorf("principal = %q, want %q", seen, tt.who)
			}
			if tt.code == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 without WWW-Authenticate")
			}
		})
	}
}

func TestReadOnlyCannotChangeTable(t *testing.T) {
	env := newTestEnv(t)
	env.openSessions(t)
	auth := testAuth
	env.srv = NewServer(Config{Engine: env.engine, Auth: &auth})

	do := func(method, path string, creds string) int {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Authorization", creds)
		w := httptest.NewRecorder()
		env.srv.Handler().ServeHTTP(w, req)
		return w.Code
	}
	viewer := basicAuth("viewer", "look")

	if code := do("GET", "/api/v1/dynamic/sessions", viewer); code != http.StatusOK {
		t.Fatalf("read-only list = %d", code)
	}
	if code := do("POST", "/api/v1/dynamic/flush", viewer); code != http.StatusForbidden {
		t.Fatalf("read-only flush = %d, want 403", code)
	}
	if code := do("DELETE", "/api/v1/dynamic/rules/1", viewer); code != http.StatusForbidden {
		t.Fatalf("read-only delete = %d, want 403", code)
	}
	if env.table.Len() != 2 || env.rules.Len() != 2 {
		t.Fatalf("refused requests changed state: entries=%d rules=%d", env.table.Len(), env.rules.Len())
	}

	if code := do("DELETE", "/api/v1/dynamic/rules/1", "Bearer op-key"); code != http.StatusOK {
		t.Fatalf("operator delete = %d", code)
	}
	if env.rules.Len() != 1 || env.table.Len() != 1 {
		t.Fatalf("after delete: entries=%d rules=%d", env.table.Len(), env.rules.Len())
	}
}
