package store

// Schema definitions for the local SQLite database

const (
	// Schema version for migrations
	CurrentSchemaVersion = 2

	createRecordsTableSQL = `
		CREATE TABLE IF NOT EXISTS records (
			tbl TEXT NOT NULL,
			id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			body TEXT NOT NULL,
			sync_status TEXT NOT NULL DEFAULT 'pending',
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (tbl, id)
		);
	`

	createTombstonesTableSQL = `
		CREATE TABLE IF NOT EXISTS tombstones (
			tbl TEXT NOT NULL,
			id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			deleted_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			sync_status TEXT NOT NULL DEFAULT 'pending',
			PRIMARY KEY (tbl, id)
		);
	`

	createSyncStateTableSQL = `
		CREATE TABLE IF NOT EXISTS sync_state (
			workspace_id TEXT PRIMARY KEY,
			last_sync_at TEXT NOT NULL
		);
	`

	createKeyringTableSQL = `
		CREATE TABLE IF NOT EXISTS keyring (
			username TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			salt BLOB NOT NULL,
			wrapped_dek TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`

	createSchemaMigrationsTableSQL = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`

	createRecordsSyncStatusIndexSQL = `
		CREATE INDEX IF NOT EXISTS idx_records_sync_status ON records(sync_status);
	`

	createRecordsWorkspaceIndexSQL = `
		CREATE INDEX IF NOT EXISTS idx_records_workspace ON records(workspace_id);
	`

	createTombstonesSyncStatusIndexSQL = `
		CREATE INDEX IF NOT EXISTS idx_tombstones_sync_status ON tombstones(sync_status);
	`

	createKeyringWorkspaceIndexSQL = `
		CREATE INDEX IF NOT EXISTS idx_keyring_workspace ON keyring(workspace_id);
	`

	insertMigrationSQL = `
		INSERT INTO schema_migrations (version) VALUES (?);
	`

	getCurrentVersionSQL = `
		SELECT COALESCE(MAX(version), 0) FROM schema_migrations;
	`
)
