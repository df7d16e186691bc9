// harei/database/migrations.go
package database

// migration represents a single database schema migration.
type migration struct {
	Version uint
	Query   string
}

// allMigrations holds all schema changes in order.
var allMigrations = []migration{
	{
		Version: 1,
		Query: `
-- Pruning scans by age
CREATE INDEX IF NOT EXISTS idx_client_state_updated ON client_state(updated_at);
		`,
	},
}
