// internal/audit/postgres.go
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"fleet-compiler/internal/common/logger"
)

const schemaSQL = `CREATE TABLE IF NOT EXISTS audit_events (
	id                TEXT PRIMARY KEY,
	event_type        TEXT NOT NULL,
	interpretation_id TEXT NOT NULL,
	session_id        TEXT,
	user_id           TEXT,
	payload           JSONB,
	recorded_at       TIMESTAMPTZ NOT NULL
)`

const insertSQL = `INSERT INTO audit_events (id, event_type, interpretation_id, session_id, user_id, payload, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

const historySQL = `SELECT id, event_type, interpretation_id, session_id, user_id, payload, recorded_at
FROM audit_events WHERE interpretation_id = $1 ORDER BY recorded_at, id`

// PostgresRecorder writes events to the audit_events table.
type PostgresRecorder struct {
	db     *sql.DB
	logger logger.Logger
}

func NewPostgresRecorder(db *sql.DB, log logger.Logger) *PostgresRecorder {
	return &PostgresRecorder{db: db, logger: logger.Component(log, "audit")}
}

// EnsureSchema creates the audit table if it does not exist.
func (p *PostgresRecorder) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create audit table: %w", err)
	}
	return nil
}

func (p *PostgresRecorder) Record(ctx context.Context, e Event) error {
	e = stamp(e)
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}

	_, err = p.db.ExecContext(ctx, insertSQL,
		e.ID, string(e.Type), e.InterpretationID,
		nullable(e.SessionID), nullable(e.UserID), payload, e.RecordedAt)
	if err != nil {
		p.logger.Error("audit insert failed", map[string]interface{}{
			"eventType":        e.Type,
			"interpretationId": e.InterpretationID,
			"error":            err.Error(),
		})
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (p *PostgresRecorder) History(ctx context.Context, interpretationID string) ([]Event, error) {
	rows, err := p.db.QueryContext(ctx, historySQL, interpretationID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e             Event
			eventType     string
			session, user sql.NullString
			payload       []byte
		)
		if err := rows.Scan(&e.ID, &eventType, &e.InterpretationID, &session, &user, &payload, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Type = EventType(eventType)
		e.SessionID = session.String
		e.UserID = user.String
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("decode audit payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
