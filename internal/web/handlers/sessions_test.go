package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/phanzl/storewatch/internal/config"
	"github.com/phanzl/storewatch/internal/session"
	"github.com/phanzl/storewatch/internal/store"
	"github.com/phanzl/storewatch/internal/store/mock"
)

func seedSession(t *testing.T, st *mock.Store, id, state string) *store.Session {
	t.Helper()
	sess := &store.Session{
		ID:        id,
		VideoName: "shop.mp4",
		VideoHash: "hash-" + id,
		State:     state,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := st.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}
	return sess
}

func TestSessionsHandler_List(t *testing.T) {
	st := mock.New()
	seedSession(t, st, "s1", store.StateCompleted)
	seedSession(t, st, "s2", store.StateUploaded)
	handler := NewSessionsHandler(st, nil, NewJobManager())

	req := httptest.NewRequest("GET", "/api/v1/sessions", nil)
	recorder := httptest.NewRecorder()

	handler.List(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	assertContentType(t, recorder, "application/json")

	var resp struct {
		Sessions []store.Session `json:"sessions"`
		Count    int             `json:"count"`
	}
	parseJSONResponse(t, recorder, &resp)
	if resp.Count != 2 || len(resp.Sessions) != 2 {
		t.Errorf("count = %d, sessions = %d, want 2", resp.Count, len(resp.Sessions))
	}
}

func TestSessionsHandler_Get(t *testing.T) {
	st := mock.New()
	seedSession(t, st, "s1", store.StateUploaded)
	handler := NewSessionsHandler(st, nil, NewJobManager())

	req := httptest.NewRequest("GET", "/api/v1/sessions/s1", nil)
	req = requestWithChiParams(req, map[string]string{"id": "s1"})
	recorder := httptest.NewRecorder()

	handler.Get(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)

	var sess store.Session
	parseJSONResponse(t, recorder, &sess)
	if sess.ID != "s1" {
		t.Errorf("session ID = %s, want s1", sess.ID)
	}
}

func TestSessionsHandler_Get_NotFound(t *testing.T) {
	handler := NewSessionsHandler(mock.New(), nil, NewJobManager())

	req := httptest.NewRequest("GET", "/api/v1/sessions/missing", nil)
	req = requestWithChiParams(req, map[string]string{"id": "missing"})
	recorder := httptest.NewRecorder()

	handler.Get(recorder, req)

	assertStatusCode(t, recorder, http.StatusNotFound)
}

func TestSessionsHandler_Start_UnknownMode(t *testing.T) {
	st := mock.New()
	seedSession(t, st, "s1", store.StateUploaded)
	handler := NewSessionsHandler(st, nil, NewJobManager())

	req := httptest.NewRequest("POST", "/api/v1/sessions/s1/start", strings.NewReader(`{"mode":"bogus"}`))
	req = requestWithChiParams(req, map[string]string{"id": "s1"})
	recorder := httptest.NewRecorder()

	handler.Start(recorder, req)

	assertStatusCode(t, recorder, http.StatusBadRequest)
}

func TestSessionsHandler_Start_ConflictWithRunningJob(t *testing.T) {
	st := mock.New()
	seedSession(t, st, "s1", store.StateUploaded)
	seedSession(t, st, "s2", store.StateUploaded)

	jobs := NewJobManager()
	jobs.SetActiveJob(&AnalysisJob{ID: "j1", SessionID: "s2", Status: JobStatusRunning})
	handler := NewSessionsHandler(st, nil, jobs)

	req := httptest.NewRequest("POST", "/api/v1/sessions/s1/start", strings.NewReader(`{"mode":"detect"}`))
	req = requestWithChiParams(req, map[string]string{"id": "s1"})
	recorder := httptest.NewRecorder()

	handler.Start(recorder, req)

	assertStatusCode(t, recorder, http.StatusConflict)
}

func TestSessionsHandler_Stop(t *testing.T) {
	st := mock.New()
	seedSession(t, st, "s1", store.StateProcessing)

	jobs := NewJobManager()
	job := &AnalysisJob{ID: "j1", SessionID: "s1", Status: JobStatusRunning}
	jobs.SetActiveJob(job)
	handler := NewSessionsHandler(st, nil, jobs)

	req := httptest.NewRequest("POST", "/api/v1/sessions/s1/stop", nil)
	req = requestWithChiParams(req, map[string]string{"id": "s1"})
	recorder := httptest.NewRecorder()

	handler.Stop(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	if job.GetStatus() != JobStatusCancelled {
		t.Errorf("job status = %s, want cancelled", job.GetStatus())
	}
}

func TestSessionsHandler_Stop_NoJob(t *testing.T) {
	handler := NewSessionsHandler(mock.New(), nil, NewJobManager())

	req := httptest.NewRequest("POST", "/api/v1/sessions/s1/stop", nil)
	req = requestWithChiParams(req, map[string]string{"id": "s1"})
	recorder := httptest.NewRecorder()

	handler.Stop(recorder, req)

	assertStatusCode(t, recorder, http.StatusNotFound)
}

func TestSessionsHandler_Delete_RunningJobConflict(t *testing.T) {
	st := mock.New()
	seedSession(t, st, "s1", store.StateProcessing)

	jobs := NewJobManager()
	jobs.SetActiveJob(&AnalysisJob{ID: "j1", SessionID: "s1", Status: JobStatusRunning})
	handler := NewSessionsHandler(st, nil, jobs)

	req := httptest.NewRequest("DELETE", "/api/v1/sessions/s1", nil)
	req = requestWithChiParams(req, map[string]string{"id": "s1"})
	recorder := httptest.NewRecorder()

	handler.Delete(recorder, req)

	assertStatusCode(t, recorder, http.StatusConflict)
}

func TestSessionsHandler_Delete(t *testing.T) {
	st := mock.New()
	seedSession(t, st, "s1", store.StateCompleted)
	handler := NewSessionsHandler(st, nil, NewJobManager())

	req := httptest.NewRequest("DELETE", "/api/v1/sessions/s1", nil)
	req = requestWithChiParams(req, map[string]string{"id": "s1"})
	recorder := httptest.NewRecorder()

	handler.Delete(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	if _, err := st.GetSession(context.Background(), "s1"); err != store.ErrNotFound {
		t.Errorf("expected session to be deleted, got err = %v", err)
	}
}

func TestSessionsHandler_Resume(t *testing.T) {
	st := mock.New()
	sess := seedSession(t, st, "s1", store.StateInterrupted)
	sess.Mode = store.ModeDetect

	jobs := NewJobManager()
	// A runner without detectors fails the background run immediately; the
	// launch-time behavior under test is unaffected.
	runner := session.NewRunner(st, nil, nil, config.LoadTuning())
	handler := NewSessionsHandler(st, runner, jobs)

	job, err := handler.Resume(sess)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if job.SessionID != "s1" || job.Mode != store.ModeDetect {
		t.Errorf("job session = %s mode = %s, want s1 detect", job.SessionID, job.Mode)
	}
	if jobs.GetJobBySession("s1") == nil {
		t.Error("expected resumed job to be the active job")
	}

	stored, err := st.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if stored.Mode != store.ModeDetect {
		t.Errorf("stored mode = %s, want detect", stored.Mode)
	}
}

func TestSessionsHandler_Resume_RequiresMode(t *testing.T) {
	st := mock.New()
	sess := seedSession(t, st, "s1", store.StateInterrupted)
	handler := NewSessionsHandler(st, nil, NewJobManager())

	if _, err := handler.Resume(sess); err == nil {
		t.Error("expected error for session without a selected mode")
	}
}

func TestSessionsHandler_Resume_ConflictWithRunningJob(t *testing.T) {
	st := mock.New()
	sess := seedSession(t, st, "s1", store.StateInterrupted)
	sess.Mode = store.ModeDetect

	jobs := NewJobManager()
	jobs.SetActiveJob(&AnalysisJob{ID: "j1", SessionID: "s2", Status: JobStatusRunning})
	handler := NewSessionsHandler(st, nil, jobs)

	if _, err := handler.Resume(sess); err == nil {
		t.Error("expected error while another job is running")
	}
}

func TestSessionsHandler_Events_NoJob(t *testing.T) {
	handler := NewSessionsHandler(mock.New(), nil, NewJobManager())

	req := httptest.NewRequest("GET", "/api/v1/sessions/s1/events", nil)
	req = requestWithChiParams(req, map[string]string{"id": "s1"})
	recorder := httptest.NewRecorder()

	handler.Events(recorder, req)

	assertStatusCode(t, recorder, http.StatusNotFound)
}

func TestSessionsHandler_Events_StreamsUntilTerminal(t *testing.T) {
	st := mock.New()
	seedSession(t, st, "s1", store.StateProcessing)

	jobs := NewJobManager()
	job := &AnalysisJob{ID: "j1", SessionID: "s1", Status: JobStatusRunning}
	jobs.SetActiveJob(job)
	handler := NewSessionsHandler(st, nil, jobs)

	req := httptest.NewRequest("GET", "/api/v1/sessions/s1/events", nil)
	req = requestWithChiParams(req, map[string]string{"id": "s1"})
	recorder := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		handler.Events(recorder, req)
		close(done)
	}()

	// Wait for the stream to subscribe, then drive it to a terminal state.
	deadline := time.After(2 * time.Second)
	for {
		job.mu.RLock()
		subscribed := len(job.listeners) > 0
		job.mu.RUnlock()
		if subscribed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("SSE stream never subscribed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	job.SendEvent(JobEvent{Type: "progress", Data: map[string]int{"frame": 5}})
	job.mu.Lock()
	job.Status = JobStatusCompleted
	job.mu.Unlock()
	job.SendEvent(JobEvent{Type: "completed", Message: "Processing completed"})

	select {
	case <-done:
	case <-deadline:
		t.Fatal("SSE stream did not terminate")
	}

	body := recorder.Body.String()
	if !strings.Contains(body, "event: status") {
		t.Error("expected initial status event in stream")
	}
	if !strings.Contains(body, "event: progress") {
		t.Error("expected progress event in stream")
	}
	if !strings.Contains(body, "event: completed") {
		t.Error("expected completed event in stream")
	}
	assertContentType(t, recorder, "text/event-stream")
}
