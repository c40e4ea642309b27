package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/phanzl/storewatch/internal/store"
)

// PaymentsHandler handles payment result endpoints.
type PaymentsHandler struct {
	store store.Store
}

// NewPaymentsHandler creates a new payments handler.
func NewPaymentsHandler(st store.Store) *PaymentsHandler {
	return &PaymentsHandler{store: st}
}

// Get returns the deduplicated payment events and summary for a session.
func (h *PaymentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing session ID")
		return
	}

	events, summary, err := h.store.GetPaymentResults(r.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "no payment results for session")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load payment results")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"events":  events,
		"summary": summary,
	})
}
