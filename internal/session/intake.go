package session

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/phanzl/storewatch/internal/store"
)

// Intake accepts uploaded videos: it persists the bytes, hashes them and
// creates the session record in the Uploaded state.
type Intake struct {
	store      store.Store
	uploadsDir string
}

func NewIntake(st store.Store, uploadsDir string) *Intake {
	return &Intake{store: st, uploadsDir: uploadsDir}
}

// AcceptResult describes an accepted upload. When the same video bytes were
// processed before, Duplicate is true and SuggestedMode tells the caller how
// a re-run would normally proceed: identify when known persons exist,
// otherwise detect.
type AcceptResult struct {
	Session       *store.Session
	Duplicate     bool
	SuggestedMode string
}

// Accept stores the uploaded video and creates its session. The video is
// hashed with MD5 while being written; the hash is the dedup key across
// uploads.
func (i *Intake) Accept(ctx context.Context, videoName string, r io.Reader) (*AcceptResult, error) {
	if err := os.MkdirAll(i.uploadsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create uploads directory: %w", err)
	}

	id := uuid.New().String()[:8]
	path := filepath.Join(i.uploadsDir, id+filepath.Ext(videoName))

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create video file: %w", err)
	}

	hasher := md5.New()
	written, err := io.Copy(io.MultiWriter(f, hasher), r)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to store video: %w", err)
	}
	if written == 0 {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, errors.New("empty video upload")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to store video: %w", err)
	}
	hash := hex.EncodeToString(hasher.Sum(nil))

	result := &AcceptResult{SuggestedMode: store.ModeDetect}

	if _, err := i.store.FindSessionByHash(ctx, hash); err == nil {
		result.Duplicate = true
	} else if !errors.Is(err, store.ErrNotFound) {
		_ = os.Remove(path)
		return nil, err
	}

	if result.Duplicate {
		persons, err := i.store.ListPersons(ctx)
		if err != nil {
			_ = os.Remove(path)
			return nil, err
		}
		if len(persons) > 0 {
			result.SuggestedMode = store.ModeIdentify
		}
	}

	now := time.Now()
	sess := &store.Session{
		ID:        id,
		VideoName: videoName,
		VideoHash: hash,
		VideoPath: path,
		State:     store.StateUploaded,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := i.store.CreateSession(ctx, sess); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	result.Session = sess
	return result, nil
}

// HashVideo computes the MD5 content hash used as the upload dedup key.
func HashVideo(r io.Reader) (string, error) {
	hasher := md5.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("failed to hash video: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
