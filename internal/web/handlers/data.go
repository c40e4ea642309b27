package handlers

import (
	"log"
	"net/http"

	"github.com/phanzl/storewatch/internal/store"
)

// DataHandler handles bulk data management endpoints.
type DataHandler struct {
	store store.Store
	jobs  *JobManager
}

// NewDataHandler creates a new data handler.
func NewDataHandler(st store.Store, jobs *JobManager) *DataHandler {
	return &DataHandler{store: st, jobs: jobs}
}

// Clear wipes every session, person, reference crop and payment record.
// Refused while a job is running.
func (h *DataHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if job := h.jobs.GetActiveJob(); job != nil && !isJobTerminal(job.GetStatus()) {
		respondError(w, http.StatusConflict, "a job is still running")
		return
	}

	if err := h.store.ClearAll(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to clear data")
		return
	}

	log.Println("All stored data cleared")
	respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
