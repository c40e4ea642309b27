package mock

import (
	"context"
	"sort"
	"sync"

	"github.com/phanzl/storewatch/internal/payment"
	"github.com/phanzl/storewatch/internal/store"
)

type paymentRecord struct {
	events  []payment.Event
	summary payment.Summary
}

// Store is an in-memory implementation of store.Store for tests.
type Store struct {
	mu       sync.Mutex
	sessions map[string]store.Session
	persons  map[string]store.Person
	crops    map[string][]store.ReferenceImage
	payments map[string]paymentRecord
}

func New() *Store {
	return &Store{
		sessions: make(map[string]store.Session),
		persons:  make(map[string]store.Person),
		crops:    make(map[string][]store.ReferenceImage),
		payments: make(map[string]paymentRecord),
	}
}

func (s *Store) CreateSession(ctx context.Context, sess *store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return store.ErrNotFound
	}
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sess, nil
}

func (s *Store) FindSessionByHash(ctx context.Context, hash string) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *store.Session
	for id := range s.sessions {
		sess := s.sessions[id]
		if sess.VideoHash != hash {
			continue
		}
		if found == nil || sess.CreatedAt.After(found.CreatedAt) {
			found = &sess
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := make([]store.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.sessions, id)
	delete(s.payments, id)
	return nil
}

func (s *Store) SavePerson(ctx context.Context, p *store.Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persons[p.Token] = *p
	return nil
}

func (s *Store) GetPerson(ctx context.Context, token string) (*store.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.persons[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) ListPersons(ctx context.Context) ([]store.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	persons := make([]store.Person, 0, len(s.persons))
	for _, p := range s.persons {
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
	s.crops[img.Token] = append(s.crops[img.Token], *img)
	return nil
}

func (s *Store) ReferenceLibrary(ctx context.Context) (map[string][]store.ReferenceImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	library := make(map[string][]store.ReferenceImage, len(s.crops))
	for token, imgs := range s.crops {
		library[token] = append([]store.ReferenceImage(nil), imgs...)
	}
	return library, nil
}

func (s *Store) SavePaymentResults(ctx context.Context, sessionID string, events []payment.Event, summary payment.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[sessionID] = paymentRecord{events: events, summary: summary}
	return nil
}

func (s *Store) GetPaymentResults(ctx context.Context, sessionID string) ([]payment.Event, *payment.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.payments[sessionID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	summary := rec.summary
	return rec.events, &summary, nil
}

func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]store.Session)
	s.persons = make(map[string]store.Person)
	s.crops = make(map[string][]store.ReferenceImage)
	s.payments = make(map[string]paymentRecord)
	return nil
}

func (s *Store) Close() error {
	return nil
}
