package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/posbridge/posbridge/internal/apperr"
	"github.com/posbridge/posbridge/internal/customers"
)

// customerID parses the id path parameter, which must be a positive integer.
func customerID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Newf(apperr.KindInvalidParameter, "id %q must be a positive integer", raw)
	}
	return id, nil
}

func (s *Server) handleListCustomers(w http.ResponseWriter, r *http.Request) {
	body, err := s.customers.List(r.Context(), r.URL.Query())
	if err != nil {
		handleError(w, s.logger, err)
		return
	}
	writeRawJSON(w, s.logger, http.StatusOK, body)
}

func (s *Server) handleGetCustomer(w http.ResponseWriter, r *http.Request) {
	id, err := customerID(r)
	if err != nil {
		handleError(w, s.logger, err)
		return
	}

	body, err := s.customers.Get(r.Context(), id)
	if err != nil {
		handleError(w, s.logger, err)
		return
	}
	writeRawJSON(w, s.logger, http.StatusOK, body)
}

func (s *Server) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	var in customers.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		handleError(w, s.logger, apperr.Wrap(apperr.KindInvalidRequest, "decoding customer body", err))
		return
	}

	id, err := s.customers.Create(r.Context(), in)
	if err != nil {
		handleError(w, s.logger, err)
		return
	}

	writeJSON(w, s.logger, http.StatusCreated, map[string]any{
		"success": true,
		"message": "customer created",
		"id":      id,
	})
}

func (s *Server) handleUpdateCustomer(w http.ResponseWriter, r *http.Request) {
	id, err := customerID(r)
	if err != nil {
		handleError(w, s.logger, err)
		return
	}

	var in customers.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		handleError(w, s.logger, apperr.Wrap(apperr.KindInvalidRequest, "decoding customer body", err))
		return
	}

	if err := s.customers.Update(r.Context(), id, in); err != nil {
		handleError(w, s.logger, err)
		return
	}

	writeJSON(w, s.logger, http.StatusOK, map[string]any{
		"success": true,
		"message": "customer updated",
	})
}

func (s *Server) handleDeleteCustomer(w http.ResponseWriter, r *http.Request) {
	id, err := customerID(r)
	if err != nil {
		handleError(w, s.logger, err)
		return
	}

	if err := s.customers.SoftDelete(r.Context(), id); err != nil {
		handleError(w, s.logger, err)
		return
	}

	writeJSON(w, s.logger, http.StatusOK, map[string]any{
		"success": true,
		"message": "customer deactivated",
	})
}
