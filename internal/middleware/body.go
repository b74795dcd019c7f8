package middleware

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/ticket_portal/internal/errors"
	"github.com/R3E-Network/ticket_portal/internal/httputil"
)

type jsonBodyKey struct{}

// BodyParser validates JSON request bodies before routing. Bodies over
// limit get 413; anything that is not a JSON object or array gets 400.
// The raw body is restored for the handler and the parsed document is
// available through JSONBody.
func BodyParser(limit int64) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Body == http.NoBody || !isJSONContent(r.Header.Get("Content-Type")) {
				next.ServeHTTP(w, r)
				return
			}

			data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
			r.Body.Close()
			if err != nil {
				httputil.WriteServiceError(w, r, errors.BadRequest("Failed to read request body", err))
				return
			}
			if int64(len(data)) > limit {
				httputil.WriteServiceError(w, r, errors.PayloadTooLarge(limit))
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(data))
			r.ContentLength = int64(len(data))

			trimmed := bytes.TrimSpace(data)
			if len(trimmed) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			// strict mode: only objects and arrays at the top level
			if (trimmed[0] != '{' && trimmed[0] != '[') || !gjson.ValidBytes(trimmed) {
				httputil.WriteServiceError(w, r, errors.BadRequest("Invalid JSON body", nil))
				return
			}

			ctx := context.WithValue(r.Context(), jsonBodyKey{}, gjson.ParseBytes(trimmed))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// JSONBody returns the document parsed by BodyParser.
func JSONBody(ctx context.Context) (gjson.Result, bool) {
	body, ok := ctx.Value(jsonBodyKey{}).(gjson.Result)
	return body, ok
}

func isJSONContent(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
