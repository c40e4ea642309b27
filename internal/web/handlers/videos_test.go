package handlers

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/phanzl/storewatch/internal/session"
	"github.com/phanzl/storewatch/internal/store/mock"
)

func multipartVideoRequest(t *testing.T, field, filename string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	fw.Write(content)
	mw.Close()

	req := httptest.NewRequest("POST", "/api/v1/videos", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestVideosHandler_Upload(t *testing.T) {
	st := mock.New()
	handler := NewVideosHandler(session.NewIntake(st, t.TempDir()))

	req := multipartVideoRequest(t, "video", "shop.mp4", []byte("fake video bytes"))
	recorder := httptest.NewRecorder()

	handler.Upload(recorder, req)

	assertStatusCode(t, recorder, http.StatusCreated)

	var resp UploadResponse
	parseJSONResponse(t, recorder, &resp)
	if resp.SessionID == "" {
		t.Error("expected a session ID")
	}
	if resp.State != "uploaded" {
		t.Errorf("state = %s, want uploaded", resp.State)
	}
	if resp.Duplicate {
		t.Error("first upload must not be a duplicate")
	}
	if resp.SuggestedMode != "detect" {
		t.Errorf("suggested mode = %s, want detect", resp.SuggestedMode)
	}
}

func TestVideosHandler_Upload_DuplicateDetected(t *testing.T) {
	st := mock.New()
	handler := NewVideosHandler(session.NewIntake(st, t.TempDir()))

	recorder := httptest.NewRecorder()
	handler.Upload(recorder, multipartVideoRequest(t, "video", "shop.mp4", []byte("same bytes")))
	assertStatusCode(t, recorder, http.StatusCreated)

	recorder = httptest.NewRecorder()
	handler.Upload(recorder, multipartVideoRequest(t, "video", "copy.mp4", []byte("same bytes")))
	assertStatusCode(t, recorder, http.StatusCreated)

	var resp UploadResponse
	parseJSONResponse(t, recorder, &resp)
	if !resp.Duplicate {
		t.Error("identical bytes must be flagged as duplicate")
	}
}

func TestVideosHandler_Upload_MissingFile(t *testing.T) {
	handler := NewVideosHandler(session.NewIntake(mock.New(), t.TempDir()))

	req := multipartVideoRequest(t, "wrong_field", "shop.mp4", []byte("bytes"))
	recorder := httptest.NewRecorder()

	handler.Upload(recorder, req)

	assertStatusCode(t, recorder, http.StatusBadRequest)
}
