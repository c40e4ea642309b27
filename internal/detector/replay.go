package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Replay serves pre-computed detections from a JSON file keyed by frame
// index. Used for offline reprocessing and for exercising the pipeline
// without a model server.
type Replay struct {
	frames map[int][]Detection
}

// NewReplay loads a detection dump. The file maps frame index (as a string
// key) to a list of detections.
func NewReplay(path string) (*Replay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read detection dump: %w", err)
	}

	var raw map[string][]Detection
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse detection dump: %w", err)
	}

	frames := make(map[int][]Detection, len(raw))
	for key, dets := range raw {
		idx, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("invalid frame key %q in detection dump", key)
		}
		frames[idx] = dets
	}

	return &Replay{frames: frames}, nil
}

// NewReplayFromFrames builds a replay detector directly from an in-memory map.
func NewReplayFromFrames(frames map[int][]Detection) *Replay {
	return &Replay{frames: frames}
}

func (r *Replay) Name() string {
	return "replay"
}

func (r *Replay) Detect(ctx context.Context, frameIndex int, frameJPEG []byte) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.frames[frameIndex], nil
}
