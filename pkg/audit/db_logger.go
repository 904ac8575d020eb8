package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// DBLogger persists audit events to the audit_events table.
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a database-backed audit sink.
func NewDBLogger(db *sql.DB) *DBLogger {
	return &DBLogger{db: db}
}

// Schema returns the DDL for the audit table.
func Schema() string {
	return `
		CREATE TABLE IF NOT EXISTS audit_events (
			id BIGSERIAL PRIMARY KEY,
			actor_id VARCHAR(255),
			action VARCHAR(255) NOT NULL,
			category VARCHAR(64) NOT NULL,
			entity_type VARCHAR(255),
			entity_id VARCHAR(255),
			ip VARCHAR(64),
			ua TEXT,
			meta JSONB NOT NULL DEFAULT '{}',
			occurred_at TIMESTAMP NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action);
		CREATE INDEX IF NOT EXISTS idx_audit_events_occurred_at ON audit_events(occurred_at);
	`
}

// Log inserts one event row.
func (l *DBLogger) Log(ctx context.Context, event Event) error {
	if l.db == nil {
		return fmt.Errorf("audit database is not configured")
	}

	meta := event.Meta
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal audit meta: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO audit_events (actor_id, action, category, entity_type, entity_id, ip, ua, meta, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, nullable(event.ActorID), string(event.Action), string(event.Category),
		nullable(event.EntityType), nullable(event.EntityID),
		nullable(event.IP), nullable(event.UserAgent), string(metaJSON), event.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
