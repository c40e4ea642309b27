package handlers

import (
	"net/http"

	"github.com/phanzl/storewatch/internal/session"
)

// maxUploadSize is the maximum video upload size in bytes (500MB).
const maxUploadSize = 500 << 20

// VideosHandler handles video upload endpoints.
type VideosHandler struct {
	intake *session.Intake
}

// NewVideosHandler creates a new videos handler.
func NewVideosHandler(intake *session.Intake) *VideosHandler {
	return &VideosHandler{intake: intake}
}

// UploadResponse is returned for an accepted video upload.
type UploadResponse struct {
	SessionID     string `json:"session_id"`
	VideoName     string `json:"video_name"`
	VideoHash     string `json:"video_hash"`
	State         string `json:"state"`
	Duplicate     bool   `json:"duplicate"`
	SuggestedMode string `json:"suggested_mode"`
}

// Upload accepts a multipart video upload and creates its session.
func (h *VideosHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}

	file, header, err := r.FormFile("video")
	if err != nil {
		respondError(w, http.StatusBadRequest, "no video file provided")
		return
	}
	defer file.Close()

	result, err := h.intake.Accept(r.Context(), header.Filename, file)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to store video")
		return
	}

	respondJSON(w, http.StatusCreated, UploadResponse{
		SessionID:     result.Session.ID,
		VideoName:     result.Session.VideoName,
		VideoHash:     result.Session.VideoHash,
		State:         result.Session.State,
		Duplicate:     result.Duplicate,
		SuggestedMode: result.SuggestedMode,
	})
}
