// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/menza-app/menza/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveReport appends a report to the journal.
func (r *SQLRepository) SaveReport(ctx context.Context, restaurantID string, rec domain.ReportRecord) error {
	if restaurantID == "" || rec.ID == "" {
		return fmt.Errorf("%w: restaurantID and report id are required", ErrInvalidInput)
	}
	if !rec.Level.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidInput, domain.ErrInvalidLevel)
	}

	query := `
		INSERT INTO crowd_reports (id, restaurant_id, user_id, at_ms, level, weight)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, restaurantID, rec.UserID, rec.At, string(rec.Level), rec.Weight,
	)
	return err
}

// ListReportsSince returns a restaurant's journaled reports at or after since,
// oldest first.
func (r *SQLRepository) ListReportsSince(ctx context.Context, restaurantID string, since time.Time) ([]domain.ReportRecord, error) {
	if restaurantID == "" {
		return nil, fmt.Errorf("%w: restaurantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, user_id, at_ms, level, weight
		FROM crowd_reports
		WHERE restaurant_id = ? AND at_ms >= ?
		ORDER BY at_ms ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), restaurantID, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.ReportRecord
	for rows.Next() {
		var rec domain.ReportRecord
		var level string

		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.At, &level, &rec.Weight); err != nil {
			return nil, err
		}

		rec.Level = domain.CrowdLevel(level)
		records = append(records, rec)
	}

	return records, rows.Err()
}

// ListRestaurantIDsWithReports returns the restaurants that have journaled
// reports at or after since.
func (r *SQLRepository) ListRestaurantIDsWithReports(ctx context.Context, since time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT restaurant_id
		FROM crowd_reports
		WHERE at_ms >= ?
		ORDER BY restaurant_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// PruneReports deletes journaled reports older than before.
func (r *SQLRepository) PruneReports(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM crowd_reports WHERE at_ms < ?`), before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// SaveAnomaly stores a restaurant's anomaly deadline. A stored deadline is
// never moved backwards.
func (r *SQLRepository) SaveAnomaly(ctx context.Context, restaurantID string, until time.Time) error {
	if restaurantID == "" {
		return fmt.Errorf("%w: restaurantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO anomalies (restaurant_id, until_ms) VALUES (?, ?)
		ON CONFLICT(restaurant_id) DO UPDATE SET
			until_ms = CASE
				WHEN excluded.until_ms > anomalies.until_ms THEN excluded.until_ms
				ELSE anomalies.until_ms
			END
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query), restaurantID, until.UnixMilli())
	return err
}

// GetAnomalies returns every stored anomaly deadline.
func (r *SQLRepository) GetAnomalies(ctx context.Context) (map[string]time.Time, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT restaurant_id, until_ms FROM anomalies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	anomalies := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var untilMs int64
		if err := rows.Scan(&id, &untilMs); err != nil {
			return nil, err
		}
		anomalies[id] = time.UnixMilli(untilMs).UTC()
	}

	return anomalies, rows.Err()
}

// GetProfile retrieves a user's trust profile.
func (r *SQLRepository) GetProfile(ctx context.Context, userID string) (*domain.UserTrustProfile, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		SELECT points, crowd_reports, reviews, premium
		FROM user_profiles
		WHERE user_id = ?
	`

	var p domain.UserTrustProfile
	var premium int

	err := r.db.QueryRowContext(ctx, r.rebind(query), userID).Scan(
		&p.Points, &p.CrowdReportsSubmitted, &p.ReviewsCount, &premium,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.IsPremium = premium == 1
	return &p, nil
}

// SaveProfile creates or replaces a user's trust profile.
func (r *SQLRepository) SaveProfile(ctx context.Context, userID string, profile *domain.UserTrustProfile) error {
	if userID == "" || profile == nil {
		return fmt.Errorf("%w: userID and profile are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO user_profiles (user_id, points, crowd_reports, reviews, premium, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			points = excluded.points,
			crowd_reports = excluded.crowd_reports,
			reviews = excluded.reviews,
			premium = excluded.premium,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		userID, profile.Points, profile.CrowdReportsSubmitted, profile.ReviewsCount,
		boolToInt(profile.IsPremium), time.Now().UTC(),
	)
	return err
}

// SaveSpikeRule creates or updates a spike rule.
func (r *SQLRepository) SaveSpikeRule(ctx context.Context, rule *domain.SpikeRule) error {
	if rule == nil || rule.ID == "" || rule.Expression == "" {
		return fmt.Errorf("%w: rule id and expression are required", ErrInvalidInput)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO spike_rules (
			id, name, description, expression, reason, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			reason = excluded.reason,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Expression, rule.Reason,
		boolToInt(rule.Enabled), now, now,
	)
	return err
}

// GetSpikeRule retrieves a spike rule by ID, enabled or not.
func (r *SQLRepository) GetSpikeRule(ctx context.Context, ruleID string) (*domain.SpikeRule, error) {
	query := `
		SELECT id, name, description, expression, reason, enabled, created_at, updated_at
		FROM spike_rules
		WHERE id = ?
	`

	rule, err := scanSpikeRule(r.db.QueryRowContext(ctx, r.rebind(query), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListSpikeRules retrieves all spike rules ordered by name.
func (r *SQLRepository) ListSpikeRules(ctx context.Context) ([]*domain.SpikeRule, error) {
	query := `
		SELECT id, name, description, expression, reason, enabled, created_at, updated_at
		FROM spike_rules
		ORDER BY name, id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.SpikeRule
	for rows.Next() {
		rule, err := scanSpikeRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpikeRule(row rowScanner) (*domain.SpikeRule, error) {
	var rule domain.SpikeRule
	var description, reason sql.NullString
	var enabled int

	if err := row.Scan(
		&rule.ID, &rule.Name, &description, &rule.Expression, &reason,
		&enabled, &rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rule.Description = description.String
	rule.Reason = reason.String
	rule.Enabled = enabled == 1
	return &rule, nil
}

// SetVerified sets the staff-verified flag of a restaurant.
func (r *SQLRepository) SetVerified(ctx context.Context, restaurantID string, verified bool) error {
	if restaurantID == "" {
		return fmt.Errorf("%w: restaurantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO verified_restaurants (restaurant_id, verified, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(restaurant_id) DO UPDATE SET
			verified = excluded.verified,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query), restaurantID, boolToInt(verified), time.Now().UTC())
	return err
}

// ListVerified returns the restaurants currently flagged as verified.
func (r *SQLRepository) ListVerified(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT restaurant_id FROM verified_restaurants WHERE verified = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	verified := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		verified[id] = true
	}

	return verified, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
