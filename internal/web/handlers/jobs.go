package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/phanzl/storewatch/internal/payment"
)

// eventChannelBuffer is the buffer size for job event channels.
const eventChannelBuffer = 100

// JobStatus represents the status of an async job.
type JobStatus string

// JobStatus constants define the lifecycle states of an async job.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// JobEvent represents an event from a job.
type JobEvent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// AnalysisJob represents an async video analysis run for one session.
type AnalysisJob struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"session_id"`
	Mode        string           `json:"mode"`
	Status      JobStatus        `json:"status"`
	Frame       int              `json:"frame"`
	Identities  int              `json:"identities"`
	Payment     *payment.Summary `json:"payment,omitempty"`
	Error       string           `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`

	cancel    context.CancelFunc
	listeners []chan JobEvent
	mu        sync.RWMutex
}

// GetStatus returns the current job status.
func (j *AnalysisJob) GetStatus() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// AddListener adds an event listener to the job.
func (j *AnalysisJob) AddListener() chan JobEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	ch := make(chan JobEvent, eventChannelBuffer)
	j.listeners = append(j.listeners, ch)
	return ch
}

// RemoveListener removes an event listener from the job.
func (j *AnalysisJob) RemoveListener(ch chan JobEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, listener := range j.listeners {
		if listener == ch {
			j.listeners = append(j.listeners[:i], j.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// SendEvent sends an event to all listeners.
func (j *AnalysisJob) SendEvent(event JobEvent) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	for _, listener := range j.listeners {
		select {
		case listener <- event:
		default:
			// Listener buffer full, skip.
		}
	}
}

// Cancel stops the analysis run.
func (j *AnalysisJob) Cancel() {
	if j.cancel != nil {
		j.cancel()
	}
	j.mu.Lock()
	j.Status = JobStatusCancelled
	j.mu.Unlock()
	j.SendEvent(JobEvent{Type: "cancelled", Message: "Job cancelled by user"})
}

// JobManager manages analysis jobs. Only one runs at a time; frame decoding
// and detector calls saturate the machine on their own.
type JobManager struct {
	activeJob *AnalysisJob
	mu        sync.RWMutex
}

// NewJobManager creates a new job manager.
func NewJobManager() *JobManager {
	return &JobManager{}
}

// GetActiveJob returns the currently active job, nil when idle.
func (m *JobManager) GetActiveJob() *AnalysisJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeJob
}

// GetJob retrieves the active job if it matches the given ID.
func (m *JobManager) GetJob(id string) *AnalysisJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.activeJob != nil && m.activeJob.ID == id {
		return m.activeJob
	}
	return nil
}

// GetJobBySession retrieves the active job if it runs the given session.
func (m *JobManager) GetJobBySession(sessionID string) *AnalysisJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.activeJob != nil && m.activeJob.SessionID == sessionID {
		return m.activeJob
	}
	return nil
}

// SetActiveJob installs the job as the single active one.
func (m *JobManager) SetActiveJob(job *AnalysisJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeJob = job
}

// ClearActiveJob removes the active job.
func (m *JobManager) ClearActiveJob() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeJob = nil
}

// isJobTerminal returns true if the job status is a terminal state.
func isJobTerminal(status JobStatus) bool {
	return status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled
}
