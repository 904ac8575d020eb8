package idp

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Registry handles identity provider persistence and maintains the
// evaluation-order invariant: live providers always hold exactly the
// contiguous range 1..N, no gaps, no duplicates.
type Registry struct {
	db *sql.DB
}

// NewRegistry creates a provider registry backed by the given database.
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// CreateAttrs are the caller-supplied fields for a new provider.
type CreateAttrs struct {
	Key             string
	Name            string
	Driver          string
	Enabled         *bool
	EvaluationOrder *int
	Config          map[string]interface{}
	Meta            map[string]interface{}
}

// UpdateAttrs are the mutable fields of an existing provider. Nil pointers
// leave the stored value untouched.
type UpdateAttrs struct {
	Name            *string
	Enabled         *bool
	EvaluationOrder *int
	Config          map[string]interface{}
	Meta            map[string]interface{}
}

const providerColumns = `id, key, name, driver, enabled, evaluation_order, config, meta, last_health_at, created_at, updated_at`

// Create inserts a provider at the requested evaluation order, shifting
// siblings up to keep the 1..N permutation. The shift is processed
// highest-order-first under row locks so the unique constraint never sees a
// transient collision.
func (r *Registry) Create(ctx context.Context, attrs CreateAttrs) (*Provider, error) {
	if r.db == nil {
		return nil, Configf("identity provider store is not configured").WithCause(ErrNoStore)
	}

	key := NormalizeKey(attrs.Key)
	if key == "" {
		return nil, Validationf("key", "key is required")
	}
	driver := NormalizeDriver(attrs.Driver)
	if !driver.Valid() {
		return nil, Validationf("driver", "unsupported driver %q", attrs.Driver)
	}
	if attrs.Config == nil {
		return nil, Validationf("config", "config is required")
	}
	if err := ValidateConfig(driver, attrs.Config); err != nil {
		return nil, err
	}

	name := attrs.Name
	if name == "" {
		name = key
	}
	enabled := true
	if attrs.Enabled != nil {
		enabled = *attrs.Enabled
	}

	configJSON, metaJSON, err := marshalProviderJSON(attrs.Config, attrs.Meta)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, Internalf("begin transaction").WithCause(err)
	}
	defer tx.Rollback()

	count, err := lockAndCount(ctx, tx)
	if err != nil {
		return nil, err
	}

	target := count + 1
	if attrs.EvaluationOrder != nil {
		target = clamp(*attrs.EvaluationOrder, 1, count+1)
	}

	if err := shiftUpFrom(ctx, tx, target); err != nil {
		return nil, err
	}

	p := &Provider{
		ID:              uuid.NewString(),
		Key:             key,
		Name:            name,
		Driver:          driver,
		Enabled:         enabled,
		EvaluationOrder: target,
		Config:          attrs.Config,
		Meta:            attrs.Meta,
	}

	now := time.Now().UTC()
	err = tx.QueryRowContext(ctx, `
		INSERT INTO identity_providers (id, key, name, driver, enabled, evaluation_order, config, meta, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING created_at, updated_at
	`, p.ID, p.Key, p.Name, string(p.Driver), p.Enabled, p.EvaluationOrder, configJSON, metaJSON, now).
		Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, Internalf("insert identity provider").WithCause(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, Internalf("commit identity provider create").WithCause(err)
	}
	return p, nil
}

// Update applies attrs to the provider. When the evaluation order moves, the
// row is parked at the 0 sentinel, the half-open range between old and new
// positions is shifted by one, and the row then takes its new slot, all inside
// one transaction with the affected range locked.
func (r *Registry) Update(ctx context.Context, p *Provider, attrs UpdateAttrs) (*Provider, error) {
	if r.db == nil {
		return nil, Configf("identity provider store is not configured").WithCause(ErrNoStore)
	}
	if p == nil || p.ID == "" {
		return nil, Internalf("update requires a persisted provider")
	}

	cfg := p.Config
	if attrs.Config != nil {
		if err := ValidateConfig(p.Driver, attrs.Config); err != nil {
			return nil, err
		}
		cfg = attrs.Config
	}
	meta := p.Meta
	if attrs.Meta != nil {
		meta = attrs.Meta
	}
	name := p.Name
	if attrs.Name != nil && *attrs.Name != "" {
		name = *attrs.Name
	}
	enabled := p.Enabled
	if attrs.Enabled != nil {
		enabled = *attrs.Enabled
	}

	configJSON, metaJSON, err := marshalProviderJSON(cfg, meta)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, Internalf("begin transaction").WithCause(err)
	}
	defer tx.Rollback()

	count, err := lockAndCount(ctx, tx)
	if err != nil {
		return nil, err
	}

	oldOrder := p.EvaluationOrder
	newOrder := oldOrder
	if attrs.EvaluationOrder != nil {
		newOrder = clamp(*attrs.EvaluationOrder, 1, count)
	}

	if newOrder != oldOrder {
		// Park the moved row outside the live range so the shift below never
		// collides with the unique constraint.
		if _, err := tx.ExecContext(ctx,
			`UPDATE identity_providers SET evaluation_order = 0 WHERE id = $1`, p.ID); err != nil {
			return nil, Internalf("park provider order").WithCause(err)
		}
		if newOrder < oldOrder {
			if err := shiftRange(ctx, tx, newOrder, oldOrder-1, +1); err != nil {
				return nil, err
			}
		} else {
			if err := shiftRange(ctx, tx, oldOrder+1, newOrder, -1); err != nil {
				return nil, err
			}
		}
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE identity_providers
		SET name = $1, enabled = $2, evaluation_order = $3, config = $4, meta = $5, updated_at = $6
		WHERE id = $7
	`, name, enabled, newOrder, configJSON, metaJSON, now, p.ID)
	if err != nil {
		return nil, Internalf("update identity provider").WithCause(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, Internalf("commit identity provider update").WithCause(err)
	}

	updated := *p
	updated.Name = name
	updated.Enabled = enabled
	updated.EvaluationOrder = newOrder
	updated.Config = cfg
	updated.Meta = meta
	updated.UpdatedAt = now
	return &updated, nil
}

// Delete removes the provider and collapses the gap it leaves, shifting every
// higher-ordered sibling down by one.
func (r *Registry) Delete(ctx context.Context, p *Provider) error {
	if r.db == nil {
		return Configf("identity provider store is not configured").WithCause(ErrNoStore)
	}
	if p == nil || p.ID == "" {
		return Internalf("delete requires a persisted provider")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Internalf("begin transaction").WithCause(err)
	}
	defer tx.Rollback()

	if _, err := lockAndCount(ctx, tx); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM identity_providers WHERE id = $1`, p.ID); err != nil {
		return Internalf("delete identity provider").WithCause(err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, evaluation_order FROM identity_providers
		WHERE evaluation_order > $1
		ORDER BY evaluation_order ASC
	`, p.EvaluationOrder)
	if err != nil {
		return Internalf("scan providers after delete").WithCause(err)
	}
	type slot struct {
		id    string
		order int
	}
	var toShift []slot
	for rows.Next() {
		var s slot
		if err := rows.Scan(&s.id, &s.order); err != nil {
			rows.Close()
			return Internalf("scan provider row").WithCause(err)
		}
		toShift = append(toShift, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Internalf("scan provider rows").WithCause(err)
	}

	for _, s := range toShift {
		next := s.order - 1
		if next < 1 {
			// Defensive clamp; only reachable if the invariant was already broken.
			next = 1
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE identity_providers SET evaluation_order = $1 WHERE id = $2`, next, s.id); err != nil {
			return Internalf("collapse evaluation order gap").WithCause(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Internalf("commit identity provider delete").WithCause(err)
	}
	return nil
}

// FindByIDOrKey resolves a provider by uuid or by normalized key slug.
func (r *Registry) FindByIDOrKey(ctx context.Context, idOrKey string) (*Provider, error) {
	if r.db == nil {
		return nil, Configf("identity provider store is not configured").WithCause(ErrNoStore)
	}
	if idOrKey == "" {
		return nil, Internalf("provider identifier is required")
	}

	row := r.db.QueryRowContext(ctx, `
		SELECT `+providerColumns+`
		FROM identity_providers
		WHERE id = $1 OR key = $2
		LIMIT 1
	`, idOrKey, NormalizeKey(idOrKey))

	p, err := scanProvider(row)
	if err == sql.ErrNoRows {
		return nil, Validationf("provider", "identity provider %q not found", idOrKey)
	}
	if err != nil {
		return nil, Internalf("load identity provider").WithCause(err)
	}
	return p, nil
}

// List returns all providers in evaluation order.
func (r *Registry) List(ctx context.Context) ([]*Provider, error) {
	if r.db == nil {
		return nil, Configf("identity provider store is not configured").WithCause(ErrNoStore)
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+providerColumns+`
		FROM identity_providers
		ORDER BY evaluation_order ASC
	`)
	if err != nil {
		return nil, Internalf("list identity providers").WithCause(err)
	}
	defer rows.Close()

	var out []*Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, Internalf("scan identity provider").WithCause(err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// HasEnabledProvider reports whether at least one provider is enabled.
func (r *Registry) HasEnabledProvider(ctx context.Context) (bool, error) {
	if r.db == nil {
		return false, Configf("identity provider store is not configured").WithCause(ErrNoStore)
	}
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM identity_providers WHERE enabled = true)`).Scan(&exists)
	if err != nil {
		return false, Internalf("check enabled providers").WithCause(err)
	}
	return exists, nil
}

// TouchHealth records a successful use of the provider.
func (r *Registry) TouchHealth(ctx context.Context, providerID string) error {
	if r.db == nil {
		return Configf("identity provider store is not configured").WithCause(ErrNoStore)
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE identity_providers SET last_health_at = $1 WHERE id = $2`,
		time.Now().UTC(), providerID)
	if err != nil {
		return Internalf("touch provider health").WithCause(err)
	}
	return nil
}

// lockAndCount takes row locks on every provider and returns the live count.
// Concurrent create/update/delete serialize here, which is what preserves the
// contiguous permutation invariant.
func lockAndCount(ctx context.Context, tx *sql.Tx) (int, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM identity_providers ORDER BY evaluation_order FOR UPDATE`)
	if err != nil {
		return 0, Internalf("lock identity providers").WithCause(err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, Internalf("scan provider lock row").WithCause(err)
		}
		count++
	}
	return count, rows.Err()
}

// shiftUpFrom moves every provider at or above position p up by one,
// highest-order-first.
func shiftUpFrom(ctx context.Context, tx *sql.Tx, p int) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, evaluation_order FROM identity_providers
		WHERE evaluation_order >= $1
		ORDER BY evaluation_order DESC
	`, p)
	if err != nil {
		return Internalf("scan providers for shift").WithCause(err)
	}
	type slot struct {
		id    string
		order int
	}
	var toShift []slot
	for rows.Next() {
		var s slot
		if err := rows.Scan(&s.id, &s.order); err != nil {
			rows.Close()
			return Internalf("scan provider row").WithCause(err)
		}
		toShift = append(toShift, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Internalf("scan provider rows").WithCause(err)
	}

	for _, s := range toShift {
		if _, err := tx.ExecContext(ctx,
			`UPDATE identity_providers SET evaluation_order = $1 WHERE id = $2`, s.order+1, s.id); err != nil {
			return Internalf("shift evaluation order").WithCause(err)
		}
	}
	return nil
}

// shiftRange moves providers with lo <= order <= hi by delta. Rows are
// processed in the direction that keeps intermediate states collision-free.
func shiftRange(ctx context.Context, tx *sql.Tx, lo, hi, delta int) error {
	if lo > hi {
		return nil
	}
	direction := "ASC"
	if delta > 0 {
		direction = "DESC"
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT id, evaluation_order FROM identity_providers
		WHERE evaluation_order >= $1 AND evaluation_order <= $2
		ORDER BY evaluation_order `+direction, lo, hi)
	if err != nil {
		return Internalf("scan providers for shift").WithCause(err)
	}
	type slot struct {
		id    string
		order int
	}
	var toShift []slot
	for rows.Next() {
		var s slot
		if err := rows.Scan(&s.id, &s.order); err != nil {
			rows.Close()
			return Internalf("scan provider row").WithCause(err)
		}
		toShift = append(toShift, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Internalf("scan provider rows").WithCause(err)
	}

	for _, s := range toShift {
		if _, err := tx.ExecContext(ctx,
			`UPDATE identity_providers SET evaluation_order = $1 WHERE id = $2`, s.order+delta, s.id); err != nil {
			return Internalf("shift evaluation order").WithCause(err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProvider(row rowScanner) (*Provider, error) {
	var (
		p          Provider
		driver     string
		configJSON []byte
		metaJSON   []byte
		lastHealth sql.NullTime
	)
	err := row.Scan(&p.ID, &p.Key, &p.Name, &driver, &p.Enabled, &p.EvaluationOrder,
		&configJSON, &metaJSON, &lastHealth, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Driver = Driver(driver)
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &p.Config); err != nil {
			return nil, fmt.Errorf("unmarshal provider config: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &p.Meta); err != nil {
			return nil, fmt.Errorf("unmarshal provider meta: %w", err)
		}
	}
	if lastHealth.Valid {
		t := lastHealth.Time
		p.LastHealthAt = &t
	}
	return &p, nil
}

func marshalProviderJSON(cfg, meta map[string]interface{}) (string, string, error) {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", "", Validationf("config", "config is not serializable")
	}
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", "", Validationf("meta", "meta is not serializable")
	}
	return string(configJSON), string(metaJSON), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
