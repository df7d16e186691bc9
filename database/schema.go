package database

const schema = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at DATETIME NOT NULL
);
-- One row per (browser client, storage key); mirrors origin-scoped local storage.
CREATE TABLE IF NOT EXISTS client_state (
	client_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (client_id, key)
);
`
