// Package domain defines the core interfaces and types for the menza crowd service.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// The crowd core itself is in-memory; the repository journals reports so the
// store can be rebuilt on restart, and holds operator and profile data.
type Repository interface {
	// Report journal
	SaveReport(ctx context.Context, restaurantID string, rec ReportRecord) error
	ListReportsSince(ctx context.Context, restaurantID string, since time.Time) ([]ReportRecord, error)
	ListRestaurantIDsWithReports(ctx context.Context, since time.Time) ([]string, error)
	PruneReports(ctx context.Context, before time.Time) (int64, error)

	// Anomaly windows
	SaveAnomaly(ctx context.Context, restaurantID string, until time.Time) error
	GetAnomalies(ctx context.Context) (map[string]time.Time, error)

	// Gamification profiles
	GetProfile(ctx context.Context, userID string) (*UserTrustProfile, error)
	SaveProfile(ctx context.Context, userID string, profile *UserTrustProfile) error

	// Spike rule configuration
	SaveSpikeRule(ctx context.Context, rule *SpikeRule) error
	GetSpikeRule(ctx context.Context, ruleID string) (*SpikeRule, error)
	ListSpikeRules(ctx context.Context) ([]*SpikeRule, error)

	// Staff verification flags
	SetVerified(ctx context.Context, restaurantID string, verified bool) error
	ListVerified(ctx context.Context) (map[string]bool, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
