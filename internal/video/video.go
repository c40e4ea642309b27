package video

import (
	"context"
)

// Frame is a single decoded position in a video stream. JPEG holds the
// encoded frame; callers decode it only when pixel access is needed.
type Frame struct {
	Index int
	JPEG  []byte
}

// Source yields video frames in order. Next returns io.EOF after the last
// frame. Total reports the frame count when the container knows it, 0
// otherwise. Sources are not safe for concurrent use.
type Source interface {
	Next(ctx context.Context) (*Frame, error)
	Total() int
	Close() error
}
