// Package middleware provides HTTP middleware for the vault guardian API.
package middleware

import (
	"net/http"
	"slices"
	"strings"
)

var (
	allowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions}
	allowedHeaders = []string{"Content-Type", "X-Wallet-Address", "X-Admin-Token", "Last-Event-ID"}
)

// CORS returns middleware that handles CORS headers.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	methods := strings.Join(allowedMethods, ", ")
	headers := strings.Join(allowedHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			explicit := origin != "" && slices.Contains(allowedOrigins, origin)
			wildcard := slices.Contains(allowedOrigins, "*")

			if origin != "" && (explicit || wildcard) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", headers)
				w.Header().Add("Vary", "Origin")
				// Credentials only for explicit origins; echoing a wildcard with credentials enables CSRF.
				if explicit {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
