package fsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/phanzl/storewatch/internal/payment"
	"github.com/phanzl/storewatch/internal/store"
)

// Store keeps all records as JSON files under a data directory:
//
//	<root>/sessions/<id>.json
//	<root>/persons/<token>.json
//	<root>/crops/<token>/<session>_<label>.jpg
//	<root>/payments/<session>.json
//
// A single mutex serializes writers; the session runner is the only heavy
// writer so contention is not a concern.
type Store struct {
	mu   sync.Mutex
	root string
}

type paymentRecord struct {
	Events  []payment.Event `json:"events"`
	Summary payment.Summary `json:"summary"`
}

func New(root string) (*Store, error) {
	for _, dir := range []string{"sessions", "persons", "crops", "payments", "uploads"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	return &Store{root: root}, nil
}

// UploadsDir returns the directory where raw video files are kept.
func (s *Store) UploadsDir() string {
	return filepath.Join(s.root, "uploads")
}

func (s *Store) CreateSession(ctx context.Context, sess *store.Session) error {
	return s.writeJSON(s.sessionPath(sess.ID), sess)
}

func (s *Store) UpdateSession(ctx context.Context, sess *store.Session) error {
	path := s.sessionPath(sess.ID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return store.ErrNotFound
	}
	return s.writeJSON(path, sess)
}

func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	var sess store.Session
	if err := s.readJSON(s.sessionPath(id), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) FindSessionByHash(ctx context.Context, hash string) (*store.Session, error) {
	sessions, err := s.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	var found *store.Session
	for i := range sessions {
		if sessions[i].VideoHash != hash {
			continue
		}
		if found == nil || sessions[i].CreatedAt.After(found.CreatedAt) {
			found = &sessions[i]
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]store.Session, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "sessions"))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := make([]store.Session, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var sess store.Session
		if err := s.readJSON(filepath.Join(s.root, "sessions", e.Name()), &sess); err != nil {
			fmt.Printf("Warning: skipping unreadable session file %s: %v\n", e.Name(), err)
			continue
		}
		sessions = append(sessions, sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	path := s.sessionPath(id)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return store.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	_ = os.Remove(filepath.Join(s.root, "payments", id+".json"))
	return nil
}

func (s *Store) SavePerson(ctx context.Context, p *store.Person) error {
	return s.writeJSON(s.personPath(p.Token), p)
}

func (s *Store) GetPerson(ctx context.Context, token string) (*store.Person, error) {
	var p store.Person
	if err := s.readJSON(s.personPath(token), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPersons(ctx context.Context) ([]store.Person, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "persons"))
	if err != nil {
		return nil, fmt.Errorf("failed to list persons: %w", err)
	}

	persons := make([]store.Person, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var p store.Person
		if err := s.readJSON(filepath.Join(s.root, "persons", e.Name()), &p); err != nil {
			fmt.Printf("Warning: skipping unreadable person file %s: %v\n", e.Name(), err)
			continue
		}
		persons = append(persons, p)
	}

	sort.Slice(persons, func(i, j int) bool {
		return persons[i].Token < persons[j].Token
	})
	return persons, nil
}

func (s *Store) AppendReferenceImage(ctx context.Context, img *store.ReferenceImage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, "crops", img.Token)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create crop directory: %w", err)
	}

	name := fmt.Sprintf("%s_%s.jpg", img.SessionID, img.Label)
	if err := os.WriteFile(filepath.Join(dir, name), img.JPEG, 0o644); err != nil {
		return fmt.Errorf("failed to write crop: %w", err)
	}
	return nil
}

func (s *Store) ReferenceLibrary(ctx context.Context) (map[string][]store.ReferenceImage, error) {
	cropsDir := filepath.Join(s.root, "crops")
	entries, err := os.ReadDir(cropsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list crops: %w", err)
	}

	library := make(map[string][]store.ReferenceImage)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		token := e.Name()
		files, err := os.ReadDir(filepath.Join(cropsDir, token))
		if err != nil {
			return nil, fmt.Errorf("failed to list crops for %s: %w", token, err)
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".jpg") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(cropsDir, token, f.Name()))
			if err != nil {
				fmt.Printf("Warning: skipping unreadable crop %s/%s: %v\n", token, f.Name(), err)
				continue
			}
			base := strings.TrimSuffix(f.Name(), ".jpg")
			sessionID, label, _ := strings.Cut(base, "_")
			library[token] = append(library[token], store.ReferenceImage{
				Token:     token,
				SessionID: sessionID,
				Label:     label,
				JPEG:      data,
			})
		}
	}
	return library, nil
}

func (s *Store) SavePaymentResults(ctx context.Context, sessionID string, events []payment.Event, summary payment.Summary) error {
	return s.writeJSON(
		filepath.Join(s.root, "payments", sessionID+".json"),
		paymentRecord{Events: events, Summary: summary},
	)
}

func (s *Store) GetPaymentResults(ctx context.Context, sessionID string) ([]payment.Event, *payment.Summary, error) {
	var rec paymentRecord
	if err := s.readJSON(filepath.Join(s.root, "payments", sessionID+".json"), &rec); err != nil {
		return nil, nil, err
	}
	return rec.Events, &rec.Summary, nil
}

func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, dir := range []string{"sessions", "persons", "crops", "payments", "uploads"} {
		path := filepath.Join(s.root, dir)
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("failed to clear %s: %w", dir, err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("failed to recreate %s: %w", dir, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) sessionPath(id string) string {
	return filepath.Join(s.root, "sessions", id+".json")
}

func (s *Store) personPath(token string) string {
	return filepath.Join(s.root, "persons", token+".json")
}

func (s *Store) writeJSON(path string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	// Write-and-rename keeps readers from seeing partial files.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *Store) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
