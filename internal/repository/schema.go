package repository

// Schema definitions for the menza database.
// Compatible with both SQLite and PostgreSQL.

const schemaCrowdReports = `
CREATE TABLE IF NOT EXISTS crowd_reports (
    id TEXT PRIMARY KEY,
    restaurant_id TEXT NOT NULL,
    user_id TEXT NOT NULL DEFAULT '',
    at_ms BIGINT NOT NULL,
    level TEXT NOT NULL,
    weight REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_crowd_reports_restaurant ON crowd_reports(restaurant_id, at_ms);
CREATE INDEX IF NOT EXISTS idx_crowd_reports_at ON crowd_reports(at_ms);
`

const schemaAnomalies = `
CREATE TABLE IF NOT EXISTS anomalies (
    restaurant_id TEXT PRIMARY KEY,
    until_ms BIGINT NOT NULL
);
`

const schemaUserProfiles = `
CREATE TABLE IF NOT EXISTS user_profiles (
    user_id TEXT PRIMARY KEY,
    points INTEGER NOT NULL DEFAULT 0,
    crowd_reports INTEGER NOT NULL DEFAULT 0,
    reviews INTEGER NOT NULL DEFAULT 0,
    premium INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL
);
`

// schemaSpikeRules defines operator CEL rules that can open anomaly windows.
const schemaSpikeRules = `
CREATE TABLE IF NOT EXISTS spike_rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    reason TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_spike_rules_enabled ON spike_rules(enabled);
`

const schemaVerifiedRestaurants = `
CREATE TABLE IF NOT EXISTS verified_restaurants (
    restaurant_id TEXT PRIMARY KEY,
    verified INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCrowdReports,
		schemaAnomalies,
		schemaUserProfiles,
		schemaSpikeRules,
		schemaVerifiedRestaurants,
	}
}
