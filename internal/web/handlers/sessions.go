package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/phanzl/storewatch/internal/session"
	"github.com/phanzl/storewatch/internal/store"
	"github.com/phanzl/storewatch/internal/video"
)

// SessionsHandler handles session lifecycle endpoints.
type SessionsHandler struct {
	store  store.Store
	runner *session.Runner
	jobs   *JobManager
}

// NewSessionsHandler creates a new sessions handler.
func NewSessionsHandler(st store.Store, runner *session.Runner, jobs *JobManager) *SessionsHandler {
	return &SessionsHandler{store: st, runner: runner, jobs: jobs}
}

// List returns all sessions, newest first.
func (h *SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListSessions(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// Get returns a single session.
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.findSession(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// Delete removes a session. A session with a running job cannot be deleted;
// stop it first.
func (h *SessionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.findSession(w, r)
	if !ok {
		return
	}

	if job := h.jobs.GetJobBySession(sess.ID); job != nil && !isJobTerminal(job.GetStatus()) {
		respondError(w, http.StatusConflict, "session is being processed")
		return
	}

	if err := h.store.DeleteSession(r.Context(), sess.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// StartRequest selects the processing mode for a session run.
type StartRequest struct {
	Mode string `json:"mode"`
}

// Start selects the mode and launches the analysis job for a session. Only
// one job runs at a time; starting while another session is processing
// returns 409.
func (h *SessionsHandler) Start(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.findSession(w, r)
	if !ok {
		return
	}

	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	switch req.Mode {
	case store.ModeDetect, store.ModeIdentify, store.ModeMixed, store.ModePayment:
	default:
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", req.Mode))
		return
	}

	if sess.State == store.StateProcessing {
		respondError(w, http.StatusConflict, "session is already processing")
		return
	}

	job, err := h.launch(r.Context(), sess, req.Mode)
	if errors.Is(err, errJobConflict) {
		respondError(w, http.StatusConflict, "another job is already running")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update session")
		return
	}

	log.Printf("Started %s job %s for session %s", req.Mode, job.ID, sanitizeForLog(sess.ID))
	respondJSON(w, http.StatusAccepted, job)
}

// errJobConflict reports that another analysis job is still running.
var errJobConflict = errors.New("another job is already running")

// launch installs a pending job for the session and starts the run in the
// background. Only one job runs at a time.
func (h *SessionsHandler) launch(ctx context.Context, sess *store.Session, mode string) (*AnalysisJob, error) {
	if active := h.jobs.GetActiveJob(); active != nil {
		if !isJobTerminal(active.GetStatus()) {
			return nil, errJobConflict
		}
		h.jobs.ClearActiveJob()
	}

	sess.Mode = mode
	sess.State = store.StateModeSelected
	sess.UpdatedAt = time.Now()
	if err := h.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	job := &AnalysisJob{
		ID:        uuid.New().String(),
		SessionID: sess.ID,
		Mode:      mode,
		Status:    JobStatusPending,
		StartedAt: time.Now(),
	}
	h.jobs.SetActiveJob(job)

	go h.runAnalysisJob(job, sess)
	return job, nil
}

// Resume relaunches an interrupted session under its previously selected
// mode, keeping the session identity. The run restarts from the first frame.
func (h *SessionsHandler) Resume(sess *store.Session) (*AnalysisJob, error) {
	if sess.Mode == "" {
		return nil, errors.New("session has no mode selected")
	}
	job, err := h.launch(context.Background(), sess, sess.Mode)
	if err != nil {
		return nil, err
	}
	log.Printf("Resumed %s job %s for session %s", sess.Mode, job.ID, sanitizeForLog(sess.ID))
	return job, nil
}

// Stop cancels the running job for a session.
func (h *SessionsHandler) Stop(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	job := h.jobs.GetJobBySession(sessionID)
	if job == nil {
		respondError(w, http.StatusNotFound, "no active job for session")
		return
	}
	if isJobTerminal(job.GetStatus()) {
		respondError(w, http.StatusConflict, "job already finished")
		return
	}

	job.Cancel()
	respondJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

// Events streams job progress for a session via server-sent events.
func (h *SessionsHandler) Events(w http.ResponseWriter, r *http.Request) {
	streamSSEEvents(w, r, h.jobs.GetJobBySession)
}

func (h *SessionsHandler) findSession(w http.ResponseWriter, r *http.Request) (*store.Session, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "missing session ID")
		return nil, false
	}

	sess, err := h.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load session")
		return nil, false
	}
	return sess, true
}

// runAnalysisJob executes the session run in the background, feeding job
// progress to SSE listeners.
func (h *SessionsHandler) runAnalysisJob(job *AnalysisJob, sess *store.Session) {
	ctx, cancel := context.WithCancel(context.Background())
	job.cancel = cancel
	defer cancel()

	src, err := video.NewFFmpegSource(ctx, sess.VideoPath)
	if err != nil {
		h.failJob(job, sess, fmt.Errorf("failed to open video: %w", err))
		return
	}
	defer src.Close()

	job.mu.Lock()
	job.Status = JobStatusRunning
	job.mu.Unlock()
	job.SendEvent(JobEvent{Type: "started", Message: "Processing started"})

	err = h.runner.Run(ctx, sess, src, func(p session.ProgressInfo) {
		job.mu.Lock()
		job.Frame = p.Frame
		job.Identities = p.Identities
		if sess.Mode == store.ModePayment {
			tally := p.Payment
			job.Payment = &tally
		}
		job.mu.Unlock()
		job.SendEvent(JobEvent{Type: "progress", Data: p})
	})

	now := time.Now()
	job.mu.Lock()
	job.CompletedAt = &now
	job.mu.Unlock()

	switch {
	case err != nil:
		h.failJob(job, sess, err)
	case sess.State == store.StateStopped:
		// Cancel already set the terminal status and event.
	default:
		job.mu.Lock()
		job.Status = JobStatusCompleted
		job.mu.Unlock()
		job.SendEvent(JobEvent{Type: "completed", Message: "Processing completed", Data: sess})
	}
}

func (h *SessionsHandler) failJob(job *AnalysisJob, sess *store.Session, err error) {
	log.Printf("Job %s for session %s failed: %v", job.ID, sanitizeForLog(sess.ID), err)

	job.mu.Lock()
	job.Status = JobStatusFailed
	job.Error = err.Error()
	if job.CompletedAt == nil {
		now := time.Now()
		job.CompletedAt = &now
	}
	job.mu.Unlock()
	job.SendEvent(JobEvent{Type: "failed", Message: err.Error()})
}
