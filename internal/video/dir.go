package video

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DirSource yields frames from a directory of still images in lexical
// filename order. Useful for frame dumps and test fixtures.
type DirSource struct {
	paths []string
	index int
}

func NewDirSource(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	if len(paths) == 0 {
		return nil, fmt.Errorf("no image files in %s", dir)
	}

	return &DirSource{paths: paths}, nil
}

func (s *DirSource) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.index >= len(s.paths) {
		return nil, io.EOF
	}

	data, err := os.ReadFile(s.paths[s.index])
	if err != nil {
		return nil, fmt.Errorf("failed to read frame file: %w", err)
	}

	frame := &Frame{Index: s.index, JPEG: data}
	s.index++
	return frame, nil
}

func (s *DirSource) Total() int {
	return len(s.paths)
}

func (s *DirSource) Close() error {
	return nil
}

// MemorySource yields pre-loaded frames. Test helper and resume buffer.
type MemorySource struct {
	frames [][]byte
	index  int
}

func NewMemorySource(frames [][]byte) *MemorySource {
	return &MemorySource{frames: frames}
}

func (s *MemorySource) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.index >= len(s.frames) {
		return nil, io.EOF
	}

	frame := &Frame{Index: s.index, JPEG: s.frames[s.index]}
	s.index++
	return frame, nil
}

func (s *MemorySource) Total() int {
	return len(s.frames)
}

func (s *MemorySource) Close() error {
	return nil
}
