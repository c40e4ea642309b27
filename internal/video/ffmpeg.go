package video

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

// FFmpegSource decodes a video file by piping it through ffmpeg as an MJPEG
// stream and splitting the output on JPEG frame markers.
type FFmpegSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	reader *bufio.Reader
	total  int
	index  int
	done   bool
}

// probeFrameCount asks ffprobe for the video stream's packet count. Returns
// 0 when ffprobe is unavailable or the container does not carry the count.
func probeFrameCount(ctx context.Context, path string) int {
	out, err := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-count_packets",
		"-show_entries", "stream=nb_read_packets",
		"-of", "csv=p=0",
		path,
	).Output()
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// NewFFmpegSource starts an ffmpeg process for the given video file. The
// process is killed when the context is cancelled or Close is called.
func NewFFmpegSource(ctx context.Context, path string) (*FFmpegSource, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-i", path,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "2",
		"pipe:1",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open ffmpeg stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	return &FFmpegSource{
		cmd:    cmd,
		stdout: stdout,
		reader: bufio.NewReaderSize(stdout, 1<<20),
		total:  probeFrameCount(ctx, path),
	}, nil
}

func (s *FFmpegSource) Total() int {
	return s.total
}

func (s *FFmpegSource) Next(ctx context.Context) (*Frame, error) {
	if s.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := readJPEG(s.reader)
	if err == io.EOF {
		s.done = true
		if werr := s.cmd.Wait(); werr != nil {
			return nil, fmt.Errorf("ffmpeg exited with error: %w", werr)
		}
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read frame %d: %w", s.index, err)
	}

	frame := &Frame{Index: s.index, JPEG: data}
	s.index++
	return frame, nil
}

func (s *FFmpegSource) Close() error {
	if s.cmd.Process != nil && !s.done {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
		s.done = true
	}
	return nil
}

// readJPEG extracts one JPEG image from the stream, from the SOI marker
// (0xFFD8) through the matching EOI marker (0xFFD9).
func readJPEG(r *bufio.Reader) ([]byte, error) {
	// Find SOI.
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != 0xFF {
			continue
		}
		next, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if next == 0xD8 {
			break
		}
	}

	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xD8})

	// Copy until EOI.
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("truncated frame: %w", err)
		}
		buf.WriteByte(b)
		if b != 0xFF {
			continue
		}
		next, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("truncated frame: %w", err)
		}
		buf.WriteByte(next)
		if next == 0xD9 {
			return buf.Bytes(), nil
		}
	}
}
