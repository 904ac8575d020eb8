package audit

import (
	"context"

	"github.com/Grunticus03/phpGRC-sub000/pkg/observability"
)

// SlogLogger writes audit events to the structured application log. Useful
// in development and as a fallback sink when the database logger is not
// configured.
type SlogLogger struct {
	logger *observability.Logger
}

// NewSlogLogger builds an audit sink over the application logger.
func NewSlogLogger(logger *observability.Logger) *SlogLogger {
	return &SlogLogger{logger: logger}
}

// Log writes one audit event at info level.
func (l *SlogLogger) Log(ctx context.Context, event Event) error {
	l.logger.WithFields(map[string]interface{}{
		"audit_action": string(event.Action),
		"category":     string(event.Category),
		"actor_id":     event.ActorID,
		"entity_type":  event.EntityType,
		"entity_id":    event.EntityID,
		"ip":           event.IP,
		"user_agent":   event.UserAgent,
		"meta":         event.Meta,
		"occurred_at":  event.OccurredAt,
	}).Info("audit event")
	return nil
}
