package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// Register SQLite driver for database/sql
	_ "modernc.org/sqlite"
)

// RecordRow is the physical shape of a record in the records table. The body
// is the domain fields as JSON, with configured fields already encrypted by
// the middleware before the row reaches this layer.
type RecordRow struct {
	Table       string
	ID          string
	WorkspaceID string
	Body        []byte
	SyncStatus  SyncStatus
	UpdatedAt   time.Time
}

// DB is the SQLite-backed physical storage layer.
type DB struct {
	db *sql.DB
}

func NewDB(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err = db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &DB{db: db}

	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return d, nil
}

func (d *DB) migrate() error {
	ctx := context.Background()
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, createSchemaMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	var currentVersion int
	err = tx.QueryRowContext(ctx, getCurrentVersionSQL).Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     []string
	}{
		{
			version: 1,
			sql: []string{
				createRecordsTableSQL,
				createTombstonesTableSQL,
				createSyncStateTableSQL,
				createRecordsSyncStatusIndexSQL,
				createRecordsWorkspaceIndexSQL,
				createTombstonesSyncStatusIndexSQL,
			},
		},
		{
			version: 2,
			sql: []string{
				createKeyringTableSQL,
				createKeyringWorkspaceIndexSQL,
			},
		},
	}

	for _, migration := range migrations {
		if currentVersion >= migration.version {
			continue
		}

		for _, statement := range migration.sql {
			if _, err := tx.ExecContext(ctx, statement); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", migration.version, err)
			}
		}

		if _, err := tx.ExecContext(ctx, insertMigrationSQL, migration.version); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", migration.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}

func (d *DB) Close() error {
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}

	return nil
}

func (d *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return tx, nil
}

// execer covers both *sql.DB and *sql.Tx so every statement has a plain and
// an in-transaction form without duplicating the SQL.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanRecordRow(scanner interface{ Scan(dest ...any) error }) (*RecordRow, error) {
	row := &RecordRow{}
	err := scanner.Scan(
		&row.Table, &row.ID, &row.WorkspaceID, &row.Body,
		&row.SyncStatus, &row.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return row, nil
}

func upsertRecord(ctx context.Context, e execer, row *RecordRow) error {
	query := `
		INSERT INTO records (tbl, id, workspace_id, body, sync_status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tbl, id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			body = excluded.body,
			sync_status = excluded.sync_status,
			updated_at = excluded.updated_at
	`

	_, err := e.ExecContext(ctx, query,
		row.Table, row.ID, row.WorkspaceID, row.Body, row.SyncStatus, row.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}

	return nil
}

func (d *DB) UpsertRecord(ctx context.Context, row *RecordRow) error {
	return upsertRecord(ctx, d.db, row)
}

func (d *DB) UpsertRecordInTx(ctx context.Context, tx *sql.Tx, row *RecordRow) error {
	return upsertRecord(ctx, tx, row)
}

func (d *DB) GetRecord(ctx context.Context, workspaceID, table, id string) (*RecordRow, error) {
	query := `
		SELECT tbl, id, workspace_id, body, sync_status, updated_at
		FROM records
		WHERE tbl = ? AND id = ? AND workspace_id = ?
	`

	row, err := scanRecordRow(d.db.QueryRowContext(ctx, query, table, id, workspaceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, table, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	return row, nil
}

func listRecordRows(ctx context.Context, e execer, query string, args ...any) ([]*RecordRow, error) {
	rows, err := e.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var result []*RecordRow
	for rows.Next() {
		row, err := scanRecordRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		result = append(result, row)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return result, nil
}

func (d *DB) ListRecords(ctx context.Context, workspaceID, table string) ([]*RecordRow, error) {
	query := `
		SELECT tbl, id, workspace_id, body, sync_status, updated_at
		FROM records
		WHERE tbl = ? AND workspace_id = ?
		ORDER BY updated_at DESC
	`

	return listRecordRows(ctx, d.db, query, table, workspaceID)
}

// ListPendingRecords returns every pending record of the workspace across
// all tables.
func (d *DB) ListPendingRecords(ctx context.Context, workspaceID string) ([]*RecordRow, error) {
	query := `
		SELECT tbl, id, workspace_id, body, sync_status, updated_at
		FROM records
		WHERE workspace_id = ? AND sync_status = ?
		ORDER BY tbl, updated_at
	`

	return listRecordRows(ctx, d.db, query, workspaceID, SyncStatusPending)
}

func (d *DB) DeleteRecordInTx(ctx context.Context, tx *sql.Tx, workspaceID, table, id string) error {
	query := `DELETE FROM records WHERE tbl = ? AND id = ? AND workspace_id = ?`

	result, err := tx.ExecContext(ctx, query, table, id, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s/%s", ErrRecordNotFound, table, id)
	}

	return nil
}

// MarkRecordSyncedInTx flips a record's sync_status to synced without
// touching its body. The asOf guard keeps a record pending when it was
// edited again while the push was in flight.
func (d *DB) MarkRecordSyncedInTx(ctx context.Context, tx *sql.Tx, workspaceID, table, id string, asOf time.Time) error {
	query := `
		UPDATE records
		SET sync_status = ?
		WHERE tbl = ? AND id = ? AND workspace_id = ? AND updated_at = ?
	`

	if _, err := tx.ExecContext(ctx, query, SyncStatusSynced, table, id, workspaceID, asOf); err != nil {
		return fmt.Errorf("failed to mark record synced: %w", err)
	}

	return nil
}

func (d *DB) InsertTombstoneInTx(ctx context.Context, tx *sql.Tx, ts *Tombstone) error {
	query := `
		INSERT INTO tombstones (tbl, id, workspace_id, deleted_at, sync_status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tbl, id) DO UPDATE SET
			deleted_at = excluded.deleted_at,
			sync_status = excluded.sync_status
	`

	_, err := tx.ExecContext(ctx, query, ts.Table, ts.ID, ts.WorkspaceID, ts.DeletedAt, ts.SyncStatus)
	if err != nil {
		return fmt.Errorf("failed to insert tombstone: %w", err)
	}

	return nil
}

func (d *DB) DeleteTombstoneInTx(ctx context.Context, tx *sql.Tx, workspaceID, table, id string) error {
	query := `DELETE FROM tombstones WHERE tbl = ? AND id = ? AND workspace_id = ?`

	if _, err := tx.ExecContext(ctx, query, table, id, workspaceID); err != nil {
		return fmt.Errorf("failed to delete tombstone: %w", err)
	}

	return nil
}

func (d *DB) ListPendingTombstones(ctx context.Context, workspaceID string) ([]*Tombstone, error) {
	query := `
		SELECT tbl, id, workspace_id, deleted_at, sync_status
		FROM tombstones
		WHERE workspace_id = ? AND sync_status = ?
		ORDER BY deleted_at
	`

	rows, err := d.db.QueryContext(ctx, query, workspaceID, SyncStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to query tombstones: %w", err)
	}
	defer rows.Close()

	var tombstones []*Tombstone
	for rows.Next() {
		ts := &Tombstone{}
		if err := rows.Scan(&ts.Table, &ts.ID, &ts.WorkspaceID, &ts.DeletedAt, &ts.SyncStatus); err != nil {
			return nil, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		tombstones = append(tombstones, ts)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tombstones: %w", err)
	}

	return tombstones, nil
}

func (d *DB) CountTombstones(ctx context.Context, workspaceID string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tombstones WHERE workspace_id = ?`, workspaceID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count tombstones: %w", err)
	}

	return count, nil
}

// GetLastSync returns the pull cursor for a workspace, defaulting to the
// zero time when no sync has happened yet.
func (d *DB) GetLastSync(ctx context.Context, workspaceID string) (time.Time, error) {
	var raw string
	err := d.db.QueryRowContext(ctx,
		`SELECT last_sync_at FROM sync_state WHERE workspace_id = ?`, workspaceID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last sync: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last sync timestamp: %w", err)
	}

	return t, nil
}

func (d *DB) SetLastSyncInTx(ctx context.Context, tx *sql.Tx, workspaceID string, at time.Time) error {
	query := `
		INSERT INTO sync_state (workspace_id, last_sync_at)
		VALUES (?, ?)
		ON CONFLICT (workspace_id) DO UPDATE SET last_sync_at = excluded.last_sync_at
	`

	if _, err := tx.ExecContext(ctx, query, workspaceID, at.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to set last sync: %w", err)
	}

	return nil
}

func (d *DB) CreateUserKey(ctx context.Context, key *UserKey) error {
	if key.UpdatedAt.IsZero() {
		key.UpdatedAt = time.Now()
	}

	query := `
		INSERT INTO keyring (username, workspace_id, salt, wrapped_dek, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := d.db.ExecContext(ctx, query,
		key.Username, key.WorkspaceID, key.Salt, key.WrappedDEK, key.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create user key: %w", err)
	}

	return nil
}

func (d *DB) GetUserKey(ctx context.Context, username string) (*UserKey, error) {
	query := `
		SELECT username, workspace_id, salt, wrapped_dek, updated_at
		FROM keyring
		WHERE username = ?
	`

	key := &UserKey{}
	err := d.db.QueryRowContext(ctx, query, username).Scan(
		&key.Username, &key.WorkspaceID, &key.Salt, &key.WrappedDEK, &key.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user key: %w", err)
	}

	return key, nil
}

// ReplaceUserKey swaps a user's (salt, wrapped_dek) pair in a single
// statement, so a password change is atomic: either both values change or
// neither does.
func (d *DB) ReplaceUserKey(ctx context.Context, username string, salt []byte, wrappedDEK string) error {
	query := `
		UPDATE keyring
		SET salt = ?, wrapped_dek = ?, updated_at = ?
		WHERE username = ?
	`

	result, err := d.db.ExecContext(ctx, query, salt, wrappedDEK, time.Now(), username)
	if err != nil {
		return fmt.Errorf("failed to replace user key: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}

	return nil
}
