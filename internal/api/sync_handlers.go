package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/posbridge/posbridge/internal/apperr"
)

type syncResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Processed int    `json:"processed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Errors    string `json:"errors,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		handleError(w, s.logger, apperr.Wrap(apperr.KindInvalidRequest, "decoding sync body", err))
		return
	}

	result, err := s.sync.Sync(r.Context(), entity, payload)
	if err != nil {
		handleError(w, s.logger, err)
		return
	}

	message := "sync complete"
	if !result.OK() {
		message = "sync completed with failures"
	}
	writeJSON(w, s.logger, http.StatusOK, syncResponse{
		Success:   result.OK(),
		Message:   message,
		Processed: result.TotalProcessed,
		Succeeded: result.SuccessCount,
		Failed:    result.FailCount,
		Errors:    result.ErrorSummary(),
	})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	since := r.URL.Query().Get("lastSync")

	body, err := s.sync.GetChanges(r.Context(), entity, since)
	if err != nil {
		handleError(w, s.logger, err)
		return
	}
	writeRawJSON(w, s.logger, http.StatusOK, body)
}
