// Package audit writes an append-only trail of step transitions and
// submission outcomes to Postgres. Audit failures are logged and swallowed;
// a broken trail must never block an applicant mid-signup.
package audit

import (
	"context"
	"time"

	"adhesion-flow/internal/common/database"
	"adhesion-flow/internal/common/logger"
	"adhesion-flow/internal/flow"
)

// Event is one audited occurrence in a signup session.
type Event struct {
	SessionID string
	Step      flow.Step
	Kind      string // step_change, submission, resume, resend, reset
	Outcome   string
	ErrorCode string
	Detail    string
}

// Trail records events. The nil-safe methods let callers skip wiring a
// database in environments without one.
type Trail struct {
	db     *database.PostgresClient
	logger logger.Logger
}

func NewTrail(db *database.PostgresClient, log logger.Logger) *Trail {
	return &Trail{db: db, logger: log}
}

const insertEventSQL = `
	INSERT INTO flow_audit_events
		(session_id, step, kind, outcome, error_code, detail, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// Record appends one event. Errors are logged, not returned.
func (t *Trail) Record(ctx context.Context, ev Event) {
	if t == nil || t.db == nil {
		return
	}
	_, err := t.db.Exec(ctx, insertEventSQL,
		ev.SessionID,
		ev.Step.String(),
		ev.Kind,
		ev.Outcome,
		ev.ErrorCode,
		ev.Detail,
		time.Now().UTC(),
	)
	if err != nil {
		t.logger.Warn("Audit event dropped", map[string]interface{}{
			"sessionId": ev.SessionID,
			"kind":      ev.Kind,
			"error":     err.Error(),
		})
	}
}

// CountEvents returns how many events a session produced, used by
// operational tooling.
func (t *Trail) CountEvents(ctx context.Context, sessionID string) (int, error) {
	var n int
	row := t.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM flow_audit_events WHERE session_id = $1`, sessionID)
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
