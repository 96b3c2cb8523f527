// Package api is the HTTP surface of the service: the chi router, its
// middleware stack and the handlers for auth, customers, sync and status.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/posbridge/posbridge/internal/apperr"
	"github.com/posbridge/posbridge/internal/observability"
)

// failure is the uniform error body. Code carries the HTTP status so
// clients can branch without parsing the status line.
type failure struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// writeJSON writes a JSON response. Encode failures cannot be reported to
// the client once the status line is out, so they are only logged.
func writeJSON(w http.ResponseWriter, logger observability.Logger, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("encoding response", observability.Error(err))
	}
}

// writeRawJSON writes a pre-serialized JSON payload.
func writeRawJSON(w http.ResponseWriter, logger observability.Logger, statusCode int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if _, err := w.Write([]byte(body)); err != nil {
		logger.Error("writing response", observability.Error(err))
	}
}

// handleError is the single place mapping error kinds onto status codes.
// Internal details never leak for unclassified errors.
func handleError(w http.ResponseWriter, logger observability.Logger, err error) {
	kind := apperr.KindOf(err)
	status := kind.HTTPStatus()

	message := err.Error()
	if kind == apperr.KindInternal {
		logger.Error("request failed", observability.Error(err))
		message = "internal server error"
	} else if status >= http.StatusInternalServerError {
		logger.Error("request failed", observability.Error(err))
	} else {
		logger.Warn("request rejected",
			observability.String("kind", kind.String()),
			observability.Error(err))
	}

	writeJSON(w, logger, status, failure{
		Success: false,
		Message: message,
		Code:    status,
	})
}
