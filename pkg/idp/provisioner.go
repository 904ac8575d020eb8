package idp

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is the local account a federation login resolves to.
type User struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Email       string     `json:"email"`
	Roles       []string   `json:"roles,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// Provisioner performs JIT user creation/update and role sync, shared by the
// LDAP, OIDC, and SAML authenticators.
type Provisioner struct {
	db *sql.DB
}

// NewProvisioner creates a new user provisioner.
func NewProvisioner(db *sql.DB) *Provisioner {
	return &Provisioner{db: db}
}

// Provision resolves email to a local user, creating one when the provider's
// JIT settings allow it, then syncs the resolved roles. With create_users
// disabled an unknown email is a validation error and no row is written.
func (p *Provisioner) Provision(ctx context.Context, email, displayName string, jit JitSettings, roles []string) (*User, error) {
	if p.db == nil {
		return nil, Configf("user store is not configured").WithCause(ErrNoStore)
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, Authf("no usable email address in identity provider response")
	}
	if displayName = strings.TrimSpace(displayName); displayName == "" {
		displayName = email
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, Internalf("begin transaction").WithCause(err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	user := &User{}
	err = tx.QueryRowContext(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM users
		WHERE LOWER(email) = $1
	`, email).Scan(&user.ID, &user.Name, &user.Email, &user.CreatedAt, &user.UpdatedAt)

	switch {
	case err == sql.ErrNoRows:
		if !jit.CreateUsers {
			return nil, Validationf("email", "no local account exists for this identity and provisioning is disabled")
		}
		user.ID = uuid.NewString()
		user.Name = displayName
		user.Email = email
		user.CreatedAt = now
		user.UpdatedAt = now
		_, err = tx.ExecContext(ctx, `
			INSERT INTO users (id, name, email, created_at, updated_at, last_login_at)
			VALUES ($1, $2, $3, $4, $4, $4)
		`, user.ID, user.Name, user.Email, now)
		if err != nil {
			return nil, Internalf("create user").WithCause(err)
		}
	case err != nil:
		return nil, Internalf("look up user").WithCause(err)
	default:
		// Only rewrite the display name when it materially differs; IdPs echo
		// back cosmetic variations on every login.
		newName := user.Name
		if displayName != email && !strings.EqualFold(displayName, user.Name) {
			newName = displayName
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE users SET name = $1, updated_at = $2, last_login_at = $2 WHERE id = $3
		`, newName, now, user.ID)
		if err != nil {
			return nil, Internalf("update user").WithCause(err)
		}
		user.Name = newName
		user.UpdatedAt = now
	}

	attached, err := syncRoles(ctx, tx, user.ID, roles)
	if err != nil {
		return nil, err
	}
	user.Roles = attached
	user.LastLoginAt = &now

	if err := tx.Commit(); err != nil {
		return nil, Internalf("commit provisioning").WithCause(err)
	}
	return user, nil
}

// syncRoles replaces the user's role set with the resolved one. Role ids that
// do not exist in the role store are dropped silently.
func syncRoles(ctx context.Context, tx *sql.Tx, userID string, roles []string) ([]string, error) {
	var known []string
	for _, roleID := range roles {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM roles WHERE id = $1)`, roleID).Scan(&exists); err != nil {
			return nil, Internalf("check role %s", roleID).WithCause(err)
		}
		if exists {
			known = append(known, roleID)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM user_roles WHERE user_id = $1`, userID); err != nil {
		return nil, Internalf("clear user roles").WithCause(err)
	}
	for _, roleID := range known {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)`, userID, roleID); err != nil {
			return nil, Internalf("attach role %s", roleID).WithCause(err)
		}
	}
	return known, nil
}
