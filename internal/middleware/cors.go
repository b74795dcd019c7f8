// Package middleware provides HTTP middleware for the portal
package middleware

import (
	"net/http"
	"strings"
)

const corsAllowedMethods = "GET,HEAD,PUT,PATCH,POST,DELETE"

// CORSMiddleware handles Cross-Origin Resource Sharing
type CORSMiddleware struct {
	allowedOrigins []string
	allowAll       bool
}

// NewCORSMiddleware creates a new CORS middleware. With a single origin it
// is always advertised; with several, a listed request origin is echoed.
func NewCORSMiddleware(allowedOrigins []string) *CORSMiddleware {
	allowAll := false
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
			break
		}
	}

	return &CORSMiddleware{
		allowedOrigins: allowedOrigins,
		allowAll:       allowAll,
	}
}

// Handler returns the CORS middleware handler
func (m *CORSMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowOrigin := m.allowOrigin(r.Header.Get("Origin")); allowOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Expose-Headers", "X-Trace-ID")
		}
		if !m.allowAll {
			w.Header().Add("Vary", "Origin")
		}

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
			if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
				w.Header().Set("Access-Control-Allow-Headers", requested)
				w.Header().Add("Vary", "Access-Control-Request-Headers")
			}
			w.Header().Set("Content-Length", "0")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, or "".
func (m *CORSMiddleware) allowOrigin(origin string) string {
	if m.allowAll {
		return "*"
	}
	if len(m.allowedOrigins) == 1 {
		return m.allowedOrigins[0]
	}
	origin = strings.TrimRight(origin, "/")
	for _, allowed := range m.allowedOrigins {
		if allowed == origin {
			return origin
		}
	}
	return ""
}
