package detector

import (
	"context"

	"github.com/phanzl/storewatch/internal/geometry"
)

// Detection is a single object reported by a detector backend.
type Detection struct {
	Box        geometry.Box `json:"box"`
	Label      string       `json:"label"`
	Confidence float64      `json:"confidence"`
}

// Detector locates objects in a single video frame. Implementations must be
// safe for sequential reuse across frames; they do not need to be safe for
// concurrent calls.
type Detector interface {
	// Detect returns the objects found in the JPEG-encoded frame.
	// frameIndex is the zero-based position of the frame in its video.
	Detect(ctx context.Context, frameIndex int, frameJPEG []byte) ([]Detection, error)
	Name() string
}

// Merged fans a frame out to several backends and concatenates their
// detections. Overlap between backends is resolved later by suppression.
type Merged struct {
	backends []Detector
}

func NewMerged(backends ...Detector) *Merged {
	return &Merged{backends: backends}
}

func (m *Merged) Name() string {
	return "merged"
}

func (m *Merged) Detect(ctx context.Context, frameIndex int, frameJPEG []byte) ([]Detection, error) {
	var all []Detection
	for _, b := range m.backends {
		dets, err := b.Detect(ctx, frameIndex, frameJPEG)
		if err != nil {
			return nil, err
		}
		all = append(all, dets...)
	}
	return all, nil
}
