package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/R3E-Network/ticket_portal/internal/errors"
	"github.com/R3E-Network/ticket_portal/internal/logging"
)

// ErrorResponse is the JSON body of every error the portal itself produces.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
	TraceID string                 `json:"trace_id,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// WriteErrorResponse writes a JSON error body, tagging it with the request trace ID.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]interface{}) {
	resp := ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	}
	if r != nil {
		resp.TraceID = logging.GetTraceID(r.Context())
	}
	WriteJSON(w, status, resp)
}

// WriteServiceError writes err, mapping anything that is not a ServiceError to 500.
func WriteServiceError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := errors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = errors.Internal("Internal server error", err)
	}
	WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)
}

// NotFound writes the JSON 404 used when no route matched.
func NotFound(w http.ResponseWriter, r *http.Request) {
	err := errors.NotFound("Cannot " + r.Method + " " + r.URL.Path)
	WriteErrorResponse(w, r, err.HTTPStatus, string(err.Code), err.Message, nil)
}
