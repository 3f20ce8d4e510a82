package server

import (
	"net/http"
	"strings"
)

// BearerSecretMiddleware gates a route group behind a shared secret carried
// as a bearer token. An empty secret leaves the group open.
func BearerSecretMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ExtractBearer(r) != secret {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ExtractBearer returns the token from an "Authorization: Bearer" header,
// or an empty string when the header is absent or not a bearer credential.
func ExtractBearer(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
}
