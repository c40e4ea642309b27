package session

import (
	"context"
	"fmt"
	"time"

	"github.com/phanzl/storewatch/internal/store"
)

// ResumeFreshness is how recent an interrupted session's last progress write
// must be for the session to be offered for resumption.
const ResumeFreshness = 10 * time.Minute

// RecoverInterrupted marks sessions left in the Processing state, for example
// after a crash, as Interrupted. Call once on startup before accepting work.
// Returns the sessions that were transitioned.
func RecoverInterrupted(ctx context.Context, st store.Store) ([]store.Session, error) {
	sessions, err := st.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}

	var recovered []store.Session
	for i := range sessions {
		sess := &sessions[i]
		if sess.State != store.StateProcessing {
			continue
		}
		// UpdatedAt keeps the crashed run's last progress write so the
		// resume freshness window is measured from actual progress.
		sess.State = store.StateInterrupted
		if err := st.UpdateSession(ctx, sess); err != nil {
			fmt.Printf("Warning: failed to mark session %s interrupted: %v\n", sess.ID, err)
			continue
		}
		recovered = append(recovered, *sess)
	}
	return recovered, nil
}

// Resumable reports whether an interrupted session is still fresh enough to
// resume. Resumption restarts frame consumption from the beginning but keeps
// the session identity, so already persisted results are overwritten rather
// than duplicated.
func Resumable(sess *store.Session, now time.Time) bool {
	if sess.State != store.StateInterrupted {
		return false
	}
	return now.Sub(sess.UpdatedAt) <= ResumeFreshness
}
