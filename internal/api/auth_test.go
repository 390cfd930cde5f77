package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func testKeys(t *testing.T, keys map[string]string) map[string]string {
	t.Helper()
	hashed := make(map[string]string, len(keys))
	for name, key := range keys {
		h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("failed to hash key: %v", err)
		}
		hashed[name] = string(h)
	}
	return hashed
}

func serveAuth(config AuthConfig, setup func(*http.Request)) (*httptest.ResponseRecorder, string) {
	var name string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name = GetAPIKeyName(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/test", nil)
	if setup != nil {
		setup(req)
	}
	rr := httptest.NewRecorder()
	NewAuthMiddleware(config)(handler).ServeHTTP(rr, req)
	return rr, name
}

func TestNewAuthMiddleware_Disabled(t *testing.T) {
	rr, _ := serveAuth(AuthConfig{Enabled: false}, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
}

func TestNewAuthMiddleware(t *testing.T) {
	config := AuthConfig{
		Enabled: true,
		APIKeys: testKeys(t, map[string]string{"ops": "ops-secret-key", "ci": "ci-secret-key"}),
	}

	tests := []struct {
		name     string
		setup    func(*http.Request)
		wantCode int
		wantName string
	}{
		{
			name:     "missing key",
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "invalid key",
			setup:    func(r *http.Request) { r.Header.Set("X-API-Key", "nope") },
			wantCode: http.StatusForbidden,
		},
		{
			name:     "x-api-key header",
			setup:    func(r *http.Request) { r.Header.Set("X-API-Key", "ops-secret-key") },
			wantCode: http.StatusOK,
			wantName: "ops",
		},
		{
			name:     "bearer token",
			setup:    func(r *http.Request) { r.Header.Set("Authorization", "Bearer ci-secret-key") },
			wantCode: http.StatusOK,
			wantName: "ci",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, name := serveAuth(config, tt.setup)
			if rr.Code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, rr.Code)
			}
			if name != tt.wantName {
				t.Errorf("expected key name %q, got %q", tt.wantName, name)
			}
		})
	}
}

func TestExtractAPIKey(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		value    string
		expected string
	}{
		{"X-API-Key header", "X-API-Key", "my_key", "my_key"},
		{"Bearer token", "Authorization", "Bearer my_token", "my_token"},
		{"ApiKey token", "Authorization", "ApiKey my_apikey", "my_apikey"},
		{"Basic auth ignored", "Authorization", "Basic dXNlcjpwYXNz", ""},
		{"No header", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			if got := extractAPIKey(req); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestHashAPIKey(t *testing.T) {
	hash, err := HashAPIKey("secret")
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")) != nil {
		t.Error("hash does not match key")
	}
}
