package middleware

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Chain composes stages so the first one runs outermost. A stage that
// writes a response without calling next stops the chain there.
func Chain(stages ...mux.MiddlewareFunc) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		for i := len(stages) - 1; i >= 0; i-- {
			next = stages[i](next)
		}
		return next
	}
}

// NewGate is the two-stage gate for protected route groups: identity, then stats.
func NewGate(identity *AuthMiddleware, stats *StatsMiddleware) mux.MiddlewareFunc {
	return Chain(identity.Handler, stats.Handler)
}
