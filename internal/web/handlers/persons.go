package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/phanzl/storewatch/internal/store"
)

// PersonsHandler handles identity endpoints.
type PersonsHandler struct {
	store store.Store
}

// NewPersonsHandler creates a new persons handler.
func NewPersonsHandler(st store.Store) *PersonsHandler {
	return &PersonsHandler{store: st}
}

// List returns every known person.
func (h *PersonsHandler) List(w http.ResponseWriter, r *http.Request) {
	persons, err := h.store.ListPersons(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list persons")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"persons": persons,
		"count":   len(persons),
	})
}

// Get returns a single person by token.
func (h *PersonsHandler) Get(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		respondError(w, http.StatusBadRequest, "missing person token")
		return
	}

	p, err := h.store.GetPerson(r.Context(), token)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "person not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load person")
		return
	}
	respondJSON(w, http.StatusOK, p)
}
