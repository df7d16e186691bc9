// harei/database/database.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"harei/utils"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// DatabaseService is the central struct for all client-state operations.
type DatabaseService struct {
	DB     *sql.DB
	logger *zap.Logger
}

// InitDB connects to the database and runs migrations.
func InitDB(dataSourceName string, logger *zap.Logger) (*DatabaseService, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}

	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute base schema: %w", err)
	}

	if err := runMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	logger.Info("Database initialized")
	return &DatabaseService{DB: db, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (ds *DatabaseService) Close() error {
	return ds.DB.Close()
}

// GetValue returns the stored value for key in the client's namespace.
func (ds *DatabaseService) GetValue(ctx context.Context, clientID, key string) (string, bool, error) {
	var value string
	err := ds.DB.QueryRowContext(ctx,
		"SELECT value FROM client_state WHERE client_id = ? AND key = ?", clientID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// SetValue inserts or replaces key in the client's namespace.
func (ds *DatabaseService) SetValue(ctx context.Context, clientID, key, value string) error {
	_, err := ds.DB.ExecContext(ctx, `
		INSERT INTO client_state (client_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(client_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		clientID, key, value, utils.GetSQLTime())
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// DeleteValues removes the given keys from the client's namespace.
func (ds *DatabaseService) DeleteValues(ctx context.Context, clientID string, keys ...string) error {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && rerr != sql.ErrTxDone {
			ds.logger.Error("Failed to rollback delete", zap.Error(rerr))
		}
	}()
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, "DELETE FROM client_state WHERE client_id = ? AND key = ?", clientID, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// PruneStale removes every value not written since cutoff.
func (ds *DatabaseService) PruneStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := ds.DB.ExecContext(ctx, "DELETE FROM client_state WHERE updated_at < ?", cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// runMigrations applies all un-applied migrations.
func runMigrations(db *sql.DB, logger *zap.Logger) error {
	var latestVersion uint
	err := db.QueryRow("SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1").Scan(&latestVersion)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("could not get db version: %w", err)
	}

	logger.Info("Current database schema version", zap.Uint("version", latestVersion))

	for _, m := range allMigrations {
		if m.Version <= latestVersion {
			continue
		}
		logger.Info("Applying migration", zap.Uint("version", m.Version))
		tx, err := db.Begin()
		if err != nil {
			return err
		}

		if _, err := tx.Exec(m.Query); err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				logger.Error("Failed to rollback migration", zap.Uint("version", m.Version), zap.Error(rerr))
			}
			return fmt.Errorf("failed to apply migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", m.Version, utils.GetSQLTime()); err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				logger.Error("Failed to rollback migration record", zap.Uint("version", m.Version), zap.Error(rerr))
			}
			return fmt.Errorf("failed to record migration v%d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration v%d: %w", m.Version, err)
		}
		logger.Info("Successfully applied migration", zap.Uint("version", m.Version))
	}
	return nil
}
