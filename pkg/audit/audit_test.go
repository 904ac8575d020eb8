package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Grunticus03/phpGRC-sub000/pkg/observability"
)

type recordingLogger struct {
	events []Event
	err    error
}

func (r *recordingLogger) Log(ctx context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestEmitStampsDefaults(t *testing.T) {
	sink := &recordingLogger{}
	Emit(context.Background(), sink, Event{Action: ActionLdapLogin})

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.False(t, ev.OccurredAt.IsZero(), "OccurredAt was not stamped")
	assert.Equal(t, CategoryAuth, ev.Category)
}

func TestEmitPreservesExplicitFields(t *testing.T) {
	sink := &recordingLogger{}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	Emit(context.Background(), sink, Event{
		Action:     ActionLoginLocked,
		Category:   CategorySecurity,
		OccurredAt: at,
	})

	ev := sink.events[0]
	assert.Equal(t, CategorySecurity, ev.Category)
	assert.True(t, ev.OccurredAt.Equal(at))
}

func TestEmitSwallowsSinkErrors(t *testing.T) {
	sink := &recordingLogger{err: errors.New("sink down")}
	Emit(context.Background(), sink, Event{Action: ActionLoginFailed})
	assert.Len(t, sink.events, 1)

	// Nil sink is a no-op, not a panic.
	Emit(context.Background(), nil, Event{Action: ActionLoginFailed})
}

func TestDBLoggerInsertsRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs("user-1", "auth.oidc.login", "AUTH", "user", "user-1",
			"10.0.0.5", "Mozilla/5.0", `{"provider":"corp-oidc"}`, at).
		WillReturnResult(sqlmock.NewResult(1, 1))

	l := NewDBLogger(db)
	err = l.Log(context.Background(), Event{
		ActorID:    "user-1",
		Action:     ActionOidcLogin,
		Category:   CategoryAuth,
		EntityType: "user",
		EntityID:   "user-1",
		IP:         "10.0.0.5",
		UserAgent:  "Mozilla/5.0",
		Meta:       map[string]interface{}{"provider": "corp-oidc"},
		OccurredAt: at,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBLoggerNullsEmptyFields(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Now().UTC()
	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(nil, "auth.login.failed", "AUTH", nil, nil, nil, nil, "{}", at).
		WillReturnResult(sqlmock.NewResult(1, 1))

	l := NewDBLogger(db)
	require.NoError(t, l.Log(context.Background(), Event{
		Action:     ActionLoginFailed,
		Category:   CategoryAuth,
		OccurredAt: at,
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBLoggerRequiresDatabase(t *testing.T) {
	l := NewDBLogger(nil)
	assert.Error(t, l.Log(context.Background(), Event{Action: ActionLdapLogin}))
}

func TestSlogLoggerWritesStructuredEvent(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogLogger(observability.NewLogger(observability.InfoLevel, &buf))

	err := l.Log(context.Background(), Event{
		ActorID:  "user-1",
		Action:   ActionSamlLogin,
		Category: CategoryAuth,
		IP:       "10.0.0.5",
	})
	require.NoError(t, err)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line), "log output is not JSON: %q", buf.String())
	assert.Equal(t, "auth.saml.login", line["audit_action"])
	assert.Equal(t, "user-1", line["actor_id"])
	assert.Equal(t, "10.0.0.5", line["ip"])
	assert.Equal(t, "audit event", line["msg"])
}

func TestSchemaCreatesAuditTable(t *testing.T) {
	ddl := Schema()
	for _, want := range []string{"CREATE TABLE IF NOT EXISTS audit_events", "occurred_at", "idx_audit_events_action"} {
		assert.Contains(t, ddl, want)
	}
}
