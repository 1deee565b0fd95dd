package models

import (
	"database/sql"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

// migrateDB runs all migrations on a single database.
// DDL is idempotent (IF NOT EXISTS) so restarts are safe.
func migrateDB(db *sql.DB) error {
	// Create sequences for auto-incrementing IDs in DuckDB
	sequences := []string{
		"CREATE SEQUENCE IF NOT EXISTS tasks_id_seq START 1",
		"CREATE SEQUENCE IF NOT EXISTS users_id_seq START 1",
		"CREATE SEQUENCE IF NOT EXISTS groups_id_seq START 1",
		"CREATE SEQUENCE IF NOT EXISTS task_history_id_seq START 1",
		"CREATE SEQUENCE IF NOT EXISTS sync_conflicts_id_seq START 1",
	}

	for _, seqSQL := range sequences {
		if _, err := db.Exec(seqSQL); err != nil {
			logger.LogErr(err, "failed to create sequence", "sql", seqSQL)
			// Continue even if sequence exists
		}
	}

	// The entity tables, the assignment/history tables, and the
	// outbox/metadata tables receive UPDATEs or delete-and-reinsert rewrites,
	// and DuckDB executes an UPDATE on an indexed table as delete + insert:
	// with a primary-key index the reinsert of the key raises a spurious
	// duplicate-key constraint error (likewise a delete and reinsert of the
	// same key inside one transaction). Rewritten tables therefore carry no
	// unique index; id uniqueness comes from the sequences, and lookups go
	// through plain indexes below. Insert-only tables keep their keys.
	tables := []struct {
		name string
		ddl  string
	}{
		{"groups", `
	CREATE TABLE IF NOT EXISTS groups (
		id BIGINT DEFAULT nextval('groups_id_seq'),
		name VARCHAR(128) NOT NULL,
		enabled BOOLEAN DEFAULT true,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		deleted_at TIMESTAMP NULL
	)`},
		{"users", `
	CREATE TABLE IF NOT EXISTS users (
		id BIGINT DEFAULT nextval('users_id_seq'),
		name VARCHAR(128) NOT NULL,
		email VARCHAR(255),
		password_hash VARCHAR(128),
		enabled BOOLEAN DEFAULT true,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		deleted_at TIMESTAMP NULL
	)`},
		{"tasks", `
	CREATE TABLE IF NOT EXISTS tasks (
		id BIGINT DEFAULT nextval('tasks_id_seq'),
		name VARCHAR(255) NOT NULL,
		notes TEXT,
		completed BOOLEAN DEFAULT false,
		enabled BOOLEAN DEFAULT true,
		recurrence VARCHAR(64),
		group_id BIGINT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		deleted_at TIMESTAMP NULL
	)`},
		{"task_users", `
	CREATE TABLE IF NOT EXISTS task_users (
		task_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL,
		assigned_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`},
		{"task_history", `
	CREATE TABLE IF NOT EXISTS task_history (
		id BIGINT DEFAULT nextval('task_history_id_seq'),
		task_id BIGINT NOT NULL,
		action VARCHAR(20) NOT NULL,
		action_timestamp TIMESTAMP NOT NULL,
		iteration_date DATE NULL,
		metadata VARCHAR NULL
	)`},
		{"app_metadata", `
	CREATE TABLE IF NOT EXISTS app_metadata (
		key VARCHAR(64) NOT NULL,
		value TIMESTAMP NOT NULL
	)`},
		{"sync_events", `
	CREATE TABLE IF NOT EXISTS sync_events (
		guid VARCHAR(40) PRIMARY KEY,
		entity_type VARCHAR(16) NOT NULL,
		entity_id BIGINT,
		event_type VARCHAR(16) NOT NULL,
		event_timestamp TIMESTAMP NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`},
		{"sync_outbox", `
	CREATE TABLE IF NOT EXISTS sync_outbox (
		guid VARCHAR(40) NOT NULL,
		entity_type VARCHAR(16) NOT NULL,
		entity_id BIGINT,
		event_type VARCHAR(16) NOT NULL,
		event_timestamp TIMESTAMP NOT NULL,
		client_hash VARCHAR(64),
		changes VARCHAR,
		attempts INTEGER DEFAULT 0,
		queued_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`},
		{"sync_conflicts", `
	CREATE TABLE IF NOT EXISTS sync_conflicts (
		id BIGINT PRIMARY KEY DEFAULT nextval('sync_conflicts_id_seq'),
		entity_type VARCHAR(16) NOT NULL,
		entity_id BIGINT NOT NULL,
		client_hash VARCHAR(64),
		server_hash VARCHAR(64),
		winner VARCHAR(8) NOT NULL,
		rule VARCHAR(24) NOT NULL,
		client_updated_at TIMESTAMP,
		server_updated_at TIMESTAMP,
		resolved_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`},
	}

	for _, t := range tables {
		if _, err := db.Exec(t.ddl); err != nil {
			return serr.Wrap(err, "failed to create table "+t.name)
		}
	}

	// Indexes for the hot sync-path queries. Entity id and outbox/metadata
	// key lookups use plain indexes since those tables have no primary key.
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_tasks_id ON tasks(id)",
		"CREATE INDEX IF NOT EXISTS idx_users_id ON users(id)",
		"CREATE INDEX IF NOT EXISTS idx_groups_id ON groups(id)",
		"CREATE INDEX IF NOT EXISTS idx_sync_outbox_guid ON sync_outbox(guid)",
		"CREATE INDEX IF NOT EXISTS idx_app_metadata_key ON app_metadata(key)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_users_updated ON users(updated_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_groups_updated ON groups(updated_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_task_users_task ON task_users(task_id)",
		"CREATE INDEX IF NOT EXISTS idx_task_users_user ON task_users(user_id)",
		"CREATE INDEX IF NOT EXISTS idx_task_history_task ON task_history(task_id)",
		"CREATE INDEX IF NOT EXISTS idx_task_history_ts ON task_history(action_timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_sync_conflicts_entity ON sync_conflicts(entity_type, entity_id)",
	}

	for _, indexSQL := range indexes {
		if _, err := db.Exec(indexSQL); err != nil {
			logger.LogErr(err, "failed to create index", "sql", indexSQL)
			// Continue with other indexes even if one fails
		}
	}

	logger.Info("Database migration completed successfully")
	return nil
}
