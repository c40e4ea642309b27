package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/phanzl/storewatch/internal/geometry"
)

const defaultTimeout = 30 * time.Second

// HTTPDetector calls an external model server over HTTP. The server receives
// the frame as base64 JPEG and answers with a JSON list of boxes.
type HTTPDetector struct {
	name   string
	url    string
	client *http.Client
}

func NewHTTPDetector(name, url string, timeout time.Duration) *HTTPDetector {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPDetector{
		name:   name,
		url:    strings.TrimSuffix(url, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDetector) Name() string {
	return d.name
}

// detectRequest represents a request to the model server
type detectRequest struct {
	Image string `json:"image"` // base64 encoded JPEG
}

// detectResponse represents a response from the model server
type detectResponse struct {
	Detections []struct {
		X1         int     `json:"x1"`
		Y1         int     `json:"y1"`
		X2         int     `json:"x2"`
		Y2         int     `json:"y2"`
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
	} `json:"detections"`
}

func (d *HTTPDetector) Detect(ctx context.Context, frameIndex int, frameJPEG []byte) ([]Detection, error) {
	body, err := json.Marshal(detectRequest{
		Image: base64.StdEncoding.EncodeToString(frameJPEG),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s detector request failed: %w", d.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%s detector returned status %d: %s", d.name, resp.StatusCode, string(msg))
	}

	var parsed detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode %s detector response: %w", d.name, err)
	}

	dets := make([]Detection, 0, len(parsed.Detections))
	for _, raw := range parsed.Detections {
		box, err := geometry.NewBox(raw.X1, raw.Y1, raw.X2, raw.Y2)
		if err != nil {
			// Degenerate boxes are a model server artifact, skip them.
			fmt.Printf("Warning: skipping invalid box from %s detector: %v\n", d.name, err)
			continue
		}
		dets = append(dets, Detection{
			Box:        box,
			Label:      raw.Label,
			Confidence: raw.Confidence,
		})
	}
	return dets, nil
}
