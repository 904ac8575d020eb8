// Package audit defines the structured audit event sink used by the
// federation subsystem. Emission is always best-effort: a failing sink must
// never affect the authentication result.
package audit

import (
	"context"
	"time"
)

// Action identifies what happened.
type Action string

const (
	ActionLdapLogin       Action = "auth.ldap.login"
	ActionOidcLogin       Action = "auth.oidc.login"
	ActionOidcLoginFailed Action = "auth.oidc.login.failed"
	ActionSamlLogin       Action = "auth.saml.login"
	ActionLoginFailed     Action = "auth.login.failed"
	ActionLoginLocked     Action = "auth.login.locked"
)

// Category groups actions for filtering.
type Category string

const (
	CategoryAuth     Category = "AUTH"
	CategorySecurity Category = "SECURITY"
)

// Event is a single audit record.
type Event struct {
	ActorID    string                 `json:"actor_id,omitempty"`
	Action     Action                 `json:"action"`
	Category   Category               `json:"category"`
	EntityType string                 `json:"entity_type,omitempty"`
	EntityID   string                 `json:"entity_id,omitempty"`
	IP         string                 `json:"ip,omitempty"`
	UserAgent  string                 `json:"ua,omitempty"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// Logger is the audit sink interface.
type Logger interface {
	Log(ctx context.Context, event Event) error
}

// NopLogger discards every event.
type NopLogger struct{}

func (NopLogger) Log(ctx context.Context, event Event) error { return nil }

// Emit writes the event to the sink, stamping OccurredAt, and swallows any
// sink error. This is the only call sites should use.
func Emit(ctx context.Context, logger Logger, event Event) {
	if logger == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.Category == "" {
		event.Category = CategoryAuth
	}
	// Fire and forget. Audit failures never abort authentication.
	_ = logger.Log(ctx, event)
}
