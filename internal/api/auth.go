package api

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

type contextKey string

// APIKeyContextKey is the context key for the name of the authenticated API key.
const APIKeyContextKey contextKey = "apiKey"

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// Enabled determines if authentication is required.
	Enabled bool
	// APIKeys maps a key name to the bcrypt hash of the key.
	APIKeys map[string]string
}

// HashAPIKey returns the bcrypt hash to store for key.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// NewAuthMiddleware creates an authentication middleware.
func NewAuthMiddleware(config AuthConfig) func(http.Handler) http.Handler {
	names := make([]string, 0, len(config.APIKeys))
	for name := range config.APIKeys {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			apiKey := extractAPIKey(r)
			if apiKey == "" {
				http.Error(w, `{"error":"unauthorized","message":"API key required"}`, http.StatusUnauthorized)
				return
			}

			for _, name := range names {
				if bcrypt.CompareHashAndPassword([]byte(config.APIKeys[name]), []byte(apiKey)) == nil {
					ctx := context.WithValue(r.Context(), APIKeyContextKey, name)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
			http.Error(w, `{"error":"forbidden","message":"invalid API key"}`, http.StatusForbidden)
		})
	}
}

// extractAPIKey extracts the API key from the request.
// Supports: X-API-Key header, Authorization: Bearer token, Authorization: ApiKey token
func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}

	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if strings.HasPrefix(auth, "ApiKey ") {
		return strings.TrimPrefix(auth, "ApiKey ")
	}
	return ""
}

// GetAPIKeyName retrieves the name of the authenticated API key from the request context.
func GetAPIKeyName(ctx context.Context) string {
	name, _ := ctx.Value(APIKeyContextKey).(string)
	return name
}
