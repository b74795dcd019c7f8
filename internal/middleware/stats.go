package middleware

import (
	"net/http"

	"github.com/R3E-Network/ticket_portal/internal/errors"
	"github.com/R3E-Network/ticket_portal/internal/httputil"
	"github.com/R3E-Network/ticket_portal/internal/logging"
	"github.com/R3E-Network/ticket_portal/internal/quota"
)

// StatsMiddleware is the authorization stage. It runs after the identity
// stage and asks the quota checker whether the caller may proceed.
type StatsMiddleware struct {
	checker  quota.Checker
	logger   *logging.Logger
	recorder DenialRecorder
}

func NewStatsMiddleware(checker quota.Checker, logger *logging.Logger, recorder DenialRecorder) *StatsMiddleware {
	return &StatsMiddleware{
		checker:  checker,
		logger:   logger,
		recorder: recorder,
	}
}

// Handler returns the middleware handler
func (m *StatsMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		if !ok {
			m.deny(w, r, errors.Unauthorized("Identity required"))
			return
		}

		allowed, err := m.checker.Allow(r.Context(), id.UserID)
		if err != nil {
			m.deny(w, r, errors.Internal("Authorization check failed", err))
			return
		}
		if !allowed {
			m.logger.LogSecurityEvent(r.Context(), "quota_exceeded", map[string]interface{}{
				"path":   r.URL.Path,
				"method": r.Method,
			})
			m.deny(w, r, errors.QuotaExceeded(id.UserID))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *StatsMiddleware) deny(w http.ResponseWriter, r *http.Request, serviceErr *errors.ServiceError) {
	httputil.WriteServiceError(w, r, serviceErr)

	if m.recorder != nil {
		m.recorder.RecordGateDenial(StageStats, serviceErr.HTTPStatus)
	}
	entry := m.logger.WithContext(r.Context()).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"status": serviceErr.HTTPStatus,
		"stage":  StageStats,
	})
	if serviceErr.Err != nil {
		entry.WithError(serviceErr.Err).Error("Authorization check failed")
		return
	}
	entry.Warn("Authorization denied")
}
