package store

import (
	"context"
	"errors"
	"time"

	"github.com/phanzl/storewatch/internal/payment"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Processing modes.
const (
	ModeDetect   = "detect"
	ModeIdentify = "identify"
	ModeMixed    = "mixed"
	ModePayment  = "payment"
)

// Session lifecycle states.
const (
	StateUploaded     = "uploaded"
	StateModeSelected = "mode_selected"
	StateProcessing   = "processing"
	StateCompleted    = "completed"
	StateStopped      = "stopped"
	StateInterrupted  = "interrupted"
)

// Person record types.
const (
	PersonDetected   = "detected"
	PersonIdentified = "identified"
)

// Session is one video analysis run.
type Session struct {
	ID              string           `json:"id"`
	VideoName       string           `json:"video_name"`
	VideoHash       string           `json:"video_hash"` // MD5 of the video bytes
	VideoPath       string           `json:"video_path"`
	Mode            string           `json:"mode,omitempty"`
	State           string           `json:"state"`
	FramesProcessed int              `json:"frames_processed"`
	PersonCount     int              `json:"person_count"`
	Payment         *payment.Summary `json:"payment,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Person is a tracked identity, durable across sessions.
type Person struct {
	Token       string    `json:"token"`
	Type        string    `json:"type"` // detected or identified
	FirstSeen   int       `json:"first_seen"`
	LastSeen    int       `json:"last_seen"`
	Appearances int       `json:"appearances"`
	Sessions    int       `json:"sessions"` // number of sessions the person was seen in
	UpdatedAt   time.Time `json:"updated_at"`
}

// ReferenceImage is a stored head crop for a person.
type ReferenceImage struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Label     string `json:"label"`
	JPEG      []byte `json:"-"`
}

// SessionRepository persists session lifecycle state.
type SessionRepository interface {
	CreateSession(ctx context.Context, s *Session) error
	UpdateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	// FindSessionByHash returns the most recent session with the given video
	// hash, or ErrNotFound.
	FindSessionByHash(ctx context.Context, hash string) (*Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// PersonRepository persists identities and their reference crops.
type PersonRepository interface {
	// SavePerson inserts or updates a person keyed by token.
	SavePerson(ctx context.Context, p *Person) error
	GetPerson(ctx context.Context, token string) (*Person, error)
	ListPersons(ctx context.Context) ([]Person, error)
	AppendReferenceImage(ctx context.Context, img *ReferenceImage) error
	// ReferenceLibrary returns every stored crop grouped by person token.
	ReferenceLibrary(ctx context.Context) (map[string][]ReferenceImage, error)
}

// PaymentRepository persists per-session payment results.
type PaymentRepository interface {
	SavePaymentResults(ctx context.Context, sessionID string, events []payment.Event, summary payment.Summary) error
	GetPaymentResults(ctx context.Context, sessionID string) ([]payment.Event, *payment.Summary, error)
}

// Store is the full persistence surface.
type Store interface {
	SessionRepository
	PersonRepository
	PaymentRepository

	// ClearAll wipes every session, person, crop and payment record.
	ClearAll(ctx context.Context) error
	Close() error
}
