package repository

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mir00r/capability-router/internal/domain"
	"github.com/mir00r/capability-router/pkg/logger"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS instances (
	id         TEXT PRIMARY KEY,
	group_name TEXT NOT NULL,
	payload    TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_group ON instances(group_name);
CREATE TABLE IF NOT EXISTS "groups" (
	name       TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

const sqliteComponent = "sqlite_store"

// SQLiteStore persists records in a SQLite database with one JSON payload
// column per row
type SQLiteStore struct {
	db     *sql.DB
	logger *logger.Logger
}

var _ domain.Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the database at path
func NewSQLiteStore(ctx context.Context, path string, log *logger.Logger) (*SQLiteStore, error) {
	if path == "" {
		path = "capability-router.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storeError(err, sqliteComponent, "open database")
	}
	// one writer at a time avoids SQLITE_BUSY under concurrent registrations
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, storeError(err, sqliteComponent, "configure database")
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, storeError(err, sqliteComponent, "initialize schema")
	}

	store := &SQLiteStore{db: db, logger: log.StoreLogger("sqlite")}
	store.logger.WithField("path", path).Info("Opened SQLite store")
	return store, nil
}

// Save upserts an instance record
func (s *SQLiteStore) Save(ctx context.Context, meta domain.InstanceMetadata) error {
	if err := requireID(sqliteComponent, "instance id", meta.ID); err != nil {
		return err
	}
	payload, err := encode(sqliteComponent, meta)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (id, group_name, payload, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET group_name = excluded.group_name, payload = excluded.payload, updated_at = excluded.updated_at`,
		meta.ID, meta.Group, string(payload), time.Now().UTC(),
	)
	if err != nil {
		return storeError(err, sqliteComponent, "save instance")
	}
	return nil
}

// Remove deletes an instance record
func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id); err != nil {
		return storeError(err, sqliteComponent, "remove instance")
	}
	return nil
}

// LoadAll returns every instance record, oldest first
func (s *SQLiteStore) LoadAll(ctx context.Context) ([]domain.InstanceMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM instances`)
	if err != nil {
		return nil, storeError(err, sqliteComponent, "load instances")
	}
	defer rows.Close()

	var out []domain.InstanceMetadata
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, storeError(err, sqliteComponent, "scan instance")
		}
		meta, err := decodeInstance(sqliteComponent, []byte(payload))
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(err, sqliteComponent, "load instances")
	}
	sortInstances(out)
	return out, nil
}

// SaveGroup upserts a group configuration
func (s *SQLiteStore) SaveGroup(ctx context.Context, cfg domain.BackendGroupConfig) error {
	if err := requireID(sqliteComponent, "group name", cfg.Name); err != nil {
		return err
	}
	payload, err := encode(sqliteComponent, cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO "groups" (name, payload, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		cfg.Name, string(payload), time.Now().UTC(),
	)
	if err != nil {
		return storeError(err, sqliteComponent, "save group")
	}
	return nil
}

// RemoveGroup deletes a group configuration
func (s *SQLiteStore) RemoveGroup(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM "groups" WHERE name = ?`, name); err != nil {
		return storeError(err, sqliteComponent, "remove group")
	}
	return nil
}

// LoadGroups returns every group configuration sorted by name
func (s *SQLiteStore) LoadGroups(ctx context.Context) ([]domain.BackendGroupConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM "groups" ORDER BY name`)
	if err != nil {
		return nil, storeError(err, sqliteComponent, "load groups")
	}
	defer rows.Close()

	var out []domain.BackendGroupConfig
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, storeError(err, sqliteComponent, "scan group")
		}
		cfg, err := decodeGroup(sqliteComponent, []byte(payload))
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(err, sqliteComponent, "load groups")
	}
	return out, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
