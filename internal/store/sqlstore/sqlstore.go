package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/phanzl/storewatch/internal/payment"
	"github.com/phanzl/storewatch/internal/store"
)

// Store persists records in PostgreSQL or MySQL. The dialect is chosen from
// the DSN: postgres:// and postgresql:// URLs use lib/pq, anything else is
// treated as a MySQL DSN (which needs parseTime=true for timestamp scans).
type Store struct {
	db      *sql.DB
	dialect dialect
}

type dialect int

const (
	dialectPostgres dialect = iota
	dialectMySQL
)

func Open(dsn string, maxOpenConns, maxIdleConns int) (*Store, error) {
	d := dialectMySQL
	driver := "mysql"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		d = dialectPostgres
		driver = "postgres"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, dialect: d}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	blob := "BYTEA"
	autoID := "BIGSERIAL PRIMARY KEY"
	if s.dialect == dialectMySQL {
		blob = "LONGBLOB"
		autoID = "BIGINT AUTO_INCREMENT PRIMARY KEY"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR(64) PRIMARY KEY,
			video_name VARCHAR(255) NOT NULL,
			video_hash VARCHAR(64) NOT NULL,
			video_path VARCHAR(512) NOT NULL,
			mode VARCHAR(16) NOT NULL DEFAULT '',
			state VARCHAR(16) NOT NULL,
			frames_processed INT NOT NULL DEFAULT 0,
			person_count INT NOT NULL DEFAULT 0,
			payment_json TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_video_hash ON sessions (video_hash)`,
		`CREATE TABLE IF NOT EXISTS persons (
			token VARCHAR(64) PRIMARY KEY,
			type VARCHAR(16) NOT NULL,
			first_seen INT NOT NULL DEFAULT 0,
			last_seen INT NOT NULL DEFAULT 0,
			appearances INT NOT NULL DEFAULT 0,
			sessions INT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS reference_images (
			id %s,
			token VARCHAR(64) NOT NULL,
			session_id VARCHAR(64) NOT NULL,
			label VARCHAR(64) NOT NULL,
			jpeg %s NOT NULL
		)`, autoID, blob),
		`CREATE INDEX IF NOT EXISTS idx_reference_images_token ON reference_images (token)`,
		`CREATE TABLE IF NOT EXISTS payment_results (
			session_id VARCHAR(64) PRIMARY KEY,
			events_json TEXT NOT NULL,
			summary_json TEXT NOT NULL
		)`,
	}

	for _, stmt := range statements {
		// MySQL before 8.0.29 rejects IF NOT EXISTS on CREATE INDEX; a
		// duplicate index error on rerun is harmless there.
		if _, err := s.db.Exec(stmt); err != nil {
			if s.dialect == dialectMySQL && strings.HasPrefix(stmt, "CREATE INDEX") {
				continue
			}
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect == dialectMySQL {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) CreateSession(ctx context.Context, sess *store.Session) error {
	paymentJSON, err := marshalPayment(sess.Payment)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sessions (id, video_name, video_hash, video_path, mode, state,
			frames_processed, person_count, payment_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sess.ID, sess.VideoName, sess.VideoHash, sess.VideoPath, sess.Mode, sess.State,
		sess.FramesProcessed, sess.PersonCount, paymentJSON, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *store.Session) error {
	paymentJSON, err := marshalPayment(sess.Payment)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE sessions SET video_name = ?, video_hash = ?, video_path = ?, mode = ?,
			state = ?, frames_processed = ?, person_count = ?, payment_json = ?, updated_at = ?
		WHERE id = ?`),
		sess.VideoName, sess.VideoHash, sess.VideoPath, sess.Mode, sess.State,
		sess.FramesProcessed, sess.PersonCount, paymentJSON, sess.UpdatedAt, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

const sessionColumns = `id, video_name, video_hash, video_path, mode, state,
	frames_processed, person_count, payment_json, created_at, updated_at`

func (s *Store) scanSession(row interface{ Scan(...any) error }) (*store.Session, error) {
	var sess store.Session
	var paymentJSON sql.NullString
	err := row.Scan(&sess.ID, &sess.VideoName, &sess.VideoHash, &sess.VideoPath,
		&sess.Mode, &sess.State, &sess.FramesProcessed, &sess.PersonCount,
		&paymentJSON, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	if paymentJSON.Valid && paymentJSON.String != "" {
		var summary payment.Summary
		if err := json.Unmarshal([]byte(paymentJSON.String), &summary); err != nil {
			return nil, fmt.Errorf("failed to parse payment summary: %w", err)
		}
		sess.Payment = &summary
	}
	return &sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	return s.scanSession(row)
}

func (s *Store) FindSessionByHash(ctx context.Context, hash string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE video_hash = ? ORDER BY created_at DESC LIMIT 1`), hash)
	return s.scanSession(row)
}

func (s *Store) ListSessions(ctx context.Context) ([]store.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []store.Session
	for rows.Next() {
		sess, err := s.scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	_, _ = s.db.ExecContext(ctx, s.rebind(`DELETE FROM payment_results WHERE session_id = ?`), id)
	return nil
}

func (s *Store) SavePerson(ctx context.Context, p *store.Person) error {
	var query string
	if s.dialect == dialectPostgres {
		query = `
			INSERT INTO persons (token, type, first_seen, last_seen, appearances, sessions, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (token) DO UPDATE SET
				type = EXCLUDED.type,
				first_seen = EXCLUDED.first_seen,
				last_seen = EXCLUDED.last_seen,
				appearances = EXCLUDED.appearances,
				sessions = EXCLUDED.sessions,
				updated_at = EXCLUDED.updated_at`
	} else {
		query = `
			INSERT INTO persons (token, type, first_seen, last_seen, appearances, sessions, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				type = VALUES(type),
				first_seen = VALUES(first_seen),
				last_seen = VALUES(last_seen),
				appearances = VALUES(appearances),
				sessions = VALUES(sessions),
				updated_at = VALUES(updated_at)`
	}

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		p.Token, p.Type, p.FirstSeen, p.LastSeen, p.Appearances, p.Sessions, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save person: %w", err)
	}
	return nil
}

func (s *Store) GetPerson(ctx context.Context, token string) (*store.Person, error) {
	var p store.Person
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT token, type, first_seen, last_seen, appearances, sessions, updated_at
		FROM persons WHERE token = ?`), token).
		Scan(&p.Token, &p.Type, &p.FirstSeen, &p.LastSeen, &p.Appearances, &p.Sessions, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get person: %w", err)
	}
	return &p, nil
}

func (s *Store) ListPersons(ctx context.Context) ([]store.Person, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, type, first_seen, last_seen, appearances, sessions, updated_at
		FROM persons ORDER BY token`)
	if err != nil {
		return nil, fmt.Errorf("failed to list persons: %w", err)
	}
	defer rows.Close()

	var persons []store.Person
	for rows.Next() {
		var p store.Person
		if err := rows.Scan(&p.Token, &p.Type, &p.FirstSeen, &p.LastSeen,
			&p.Appearances, &p.Sessions, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan person: %w", err)
		}
		persons = append(persons, p)
	}
	return persons, rows.Err()
}

func (s *Store) AppendReferenceImage(ctx context.Context, img *store.ReferenceImage) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO reference_images (token, session_id, label, jpeg)
		VALUES (?, ?, ?, ?)`),
		img.Token, img.SessionID, img.Label, img.JPEG)
	if err != nil {
		return fmt.Errorf("failed to append reference image: %w", err)
	}
	return nil
}

func (s *Store) ReferenceLibrary(ctx context.Context) (map[string][]store.ReferenceImage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, session_id, label, jpeg FROM reference_images ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load reference library: %w", err)
	}
	defer rows.Close()

	library := make(map[string][]store.ReferenceImage)
	for rows.Next() {
		var img store.ReferenceImage
		if err := rows.Scan(&img.Token, &img.SessionID, &img.Label, &img.JPEG); err != nil {
			return nil, fmt.Errorf("failed to scan reference image: %w", err)
		}
		library[img.Token] = append(library[img.Token], img)
	}
	return library, rows.Err()
}

func (s *Store) SavePaymentResults(ctx context.Context, sessionID string, events []payment.Event, summary payment.Summary) error {
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to marshal payment events: %w", err)
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal payment summary: %w", err)
	}

	var query string
	if s.dialect == dialectPostgres {
		query = `
			INSERT INTO payment_results (session_id, events_json, summary_json)
			VALUES (?, ?, ?)
			ON CONFLICT (session_id) DO UPDATE SET
				events_json = EXCLUDED.events_json,
				summary_json = EXCLUDED.summary_json`
	} else {
		query = `
			INSERT INTO payment_results (session_id, events_json, summary_json)
			VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE
				events_json = VALUES(events_json),
				summary_json = VALUES(summary_json)`
	}

	if _, err := s.db.ExecContext(ctx, s.rebind(query), sessionID, string(eventsJSON), string(summaryJSON)); err != nil {
		return fmt.Errorf("failed to save payment results: %w", err)
	}
	return nil
}

func (s *Store) GetPaymentResults(ctx context.Context, sessionID string) ([]payment.Event, *payment.Summary, error) {
	var eventsJSON, summaryJSON string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT events_json, summary_json FROM payment_results WHERE session_id = ?`), sessionID).
		Scan(&eventsJSON, &summaryJSON)
	if err == sql.ErrNoRows {
		return nil, nil, store.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get payment results: %w", err)
	}

	var events []payment.Event
	if err := json.Unmarshal([]byte(eventsJSON), &events); err != nil {
		return nil, nil, fmt.Errorf("failed to parse payment events: %w", err)
	}
	var summary payment.Summary
	if err := json.Unmarshal([]byte(summaryJSON), &summary); err != nil {
		return nil, nil, fmt.Errorf("failed to parse payment summary: %w", err)
	}
	return events, &summary, nil
}

func (s *Store) ClearAll(ctx context.Context) error {
	for _, table := range []string{"payment_results", "reference_images", "persons", "sessions"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func marshalPayment(summary *payment.Summary) (sql.NullString, error) {
	if summary == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal payment summary: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
