package idp

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the identity federation schema migrations.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create identity_providers table",
			SQL: `
				CREATE TABLE IF NOT EXISTS identity_providers (
					id UUID PRIMARY KEY,
					key VARCHAR(255) NOT NULL UNIQUE,
					name VARCHAR(255) NOT NULL,
					driver VARCHAR(32) NOT NULL,
					enabled BOOLEAN NOT NULL DEFAULT TRUE,
					evaluation_order INT NOT NULL,
					config JSONB NOT NULL DEFAULT '{}',
					meta JSONB NOT NULL DEFAULT '{}',
					last_health_at TIMESTAMP,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(evaluation_order)
				);

				CREATE INDEX idx_identity_providers_key ON identity_providers(key);
				CREATE INDEX idx_identity_providers_enabled ON identity_providers(enabled);
			`,
		},
		{
			Version:     2,
			Description: "Create users and roles tables for JIT provisioning",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id UUID PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					email VARCHAR(255) NOT NULL UNIQUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					last_login_at TIMESTAMP
				);

				CREATE TABLE IF NOT EXISTS roles (
					id VARCHAR(255) PRIMARY KEY,
					name VARCHAR(255) NOT NULL
				);

				CREATE TABLE IF NOT EXISTS user_roles (
					user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					role_id VARCHAR(255) NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					PRIMARY KEY (user_id, role_id)
				);

				CREATE INDEX idx_users_email_lower ON users(LOWER(email));
			`,
		},
	}
}

// RunMigrations applies pending migrations in version order.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS idp_schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range GetMigrations() {
		var applied bool
		err := db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM idp_schema_migrations WHERE version = $1)`, m.Version).Scan(&applied)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", m.Version, err)
		}
		if applied {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO idp_schema_migrations (version) VALUES ($1)`, m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}
