// Package auth tags every request with an ID and optionally enforces a
// static gateway key. The gateway itself is single-tenant; upstream provider
// credentials live in the registry, not here.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type Middleware func(next http.Handler) http.Handler

type contextKey string

const requestIDKey contextKey = "request_id"

// NewMiddleware builds the request middleware. When gatewayKey is empty the
// gateway is open and only request IDs are assigned; otherwise callers must
// present the key as a Bearer token or x-api-key header.
func NewMiddleware(gatewayKey string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			if gatewayKey != "" && !keyMatches(r, gatewayKey) {
				http.Error(w, "Unauthorized: missing or invalid API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func keyMatches(r *http.Request, gatewayKey string) bool {
	presented := r.Header.Get("x-api-key")
	if presented == "" {
		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			presented = strings.TrimPrefix(authHeader, "Bearer ")
		}
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(gatewayKey)) == 1
}

// Helpers to extract from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helper for testing
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
