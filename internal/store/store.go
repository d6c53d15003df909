package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Azeem-Mughal-Code/IMS-AND-POS-sub001/internal/session"
)

// Store is the durable keyed-table record store. All reads and writes pass
// through the encryption middleware and are scoped to the session's
// workspace; a foreign workspace id is not expressible through this API.
type Store struct {
	db   *DB
	mw   *Middleware
	sess *session.Session
}

func New(db *DB, sess *session.Session) *Store {
	return &Store{
		db:   db,
		mw:   NewMiddleware(DefaultPolicy(), sess),
		sess: sess,
	}
}

// NewWithPolicy is used by tests and by deployments with a custom
// encrypted-field mapping.
func NewWithPolicy(db *DB, sess *session.Session, policy CryptoPolicy) *Store {
	return &Store{
		db:   db,
		mw:   NewMiddleware(policy, sess),
		sess: sess,
	}
}

// Unlock sets the active DEK. No validation happens: a wrong key yields
// undecryptable field values on later reads instead of an error.
func (s *Store) Unlock(dek []byte) {
	s.sess.Unlock(dek)
}

// Lock clears the active DEK; encrypted fields read after this come back in
// their at-rest form.
func (s *Store) Lock() {
	s.sess.Lock()
}

func (s *Store) workspace() (string, error) {
	ws := s.sess.Workspace()
	if ws == "" {
		return "", ErrNoWorkspace
	}
	return ws, nil
}

// Put upserts a record into a table, marking it pending for the next sync
// cycle. The record is encrypted as one unit before anything is written.
func (s *Store) Put(ctx context.Context, table string, rec Record) error {
	ws, err := s.workspace()
	if err != nil {
		return err
	}

	id, err := validateID(rec)
	if err != nil {
		return err
	}

	encrypted, err := s.mw.EncryptBatch(table, []Record{rec})
	if err != nil {
		return fmt.Errorf("failed to encrypt record: %w", err)
	}

	row, err := toRow(table, ws, id, encrypted[0], SyncStatusPending, time.Now())
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := s.db.UpsertRecordInTx(ctx, tx, row); err != nil {
		return err
	}

	// Re-creating an id that was deleted locally supersedes its tombstone;
	// a record and its tombstone never coexist.
	if err := s.db.DeleteTombstoneInTx(ctx, tx, ws, table, id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit put: %w", err)
	}

	return nil
}

// Get returns a record by id, decrypted when a key is active. Absent records
// and structurally invalid ids both yield (nil, nil) rather than an error.
func (s *Store) Get(ctx context.Context, table, id string) (Record, error) {
	ws, err := s.workspace()
	if err != nil {
		return nil, err
	}

	if id == "" {
		return nil, nil
	}

	row, err := s.db.GetRecord(ctx, ws, table, id)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec, err := toRecord(row)
	if err != nil {
		return nil, err
	}

	return s.mw.DecryptBatch(table, []Record{rec})[0], nil
}

// Query returns all records of a table matching the predicate, decrypted
// before the predicate runs so callers never see still-encrypted values once
// a key is active. A nil predicate matches everything.
func (s *Store) Query(ctx context.Context, table string, predicate func(Record) bool) ([]Record, error) {
	ws, err := s.workspace()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.ListRecords(ctx, ws, table)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := toRecord(row)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	records = s.mw.DecryptBatch(table, records)

	if predicate == nil {
		return records, nil
	}

	matched := records[:0]
	for _, rec := range records {
		if predicate(rec) {
			matched = append(matched, rec)
		}
	}

	return matched, nil
}

// Delete removes a record and appends a pending tombstone in the same
// transaction; both happen or neither does.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	ws, err := s.workspace()
	if err != nil {
		return err
	}

	if id == "" {
		return ErrInvalidRecordID
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := s.db.DeleteRecordInTx(ctx, tx, ws, table, id); err != nil {
		return err
	}

	ts := &Tombstone{
		ID:          id,
		Table:       table,
		WorkspaceID: ws,
		DeletedAt:   time.Now(),
		SyncStatus:  SyncStatusPending,
	}
	if err := s.db.InsertTombstoneInTx(ctx, tx, ts); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	return nil
}

// PendingRecords returns every pending record grouped by table, in its
// at-rest (still encrypted) form. Sync transmits exactly what is stored;
// plaintext never leaves the device for configured fields.
func (s *Store) PendingRecords(ctx context.Context) (map[string][]Record, error) {
	ws, err := s.workspace()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.ListPendingRecords(ctx, ws)
	if err != nil {
		return nil, err
	}

	pending := make(map[string][]Record)
	for _, row := range rows {
		rec, err := toRecord(row)
		if err != nil {
			return nil, err
		}
		pending[row.Table] = append(pending[row.Table], rec)
	}

	return pending, nil
}

// PendingTombstones returns the deletions awaiting remote acknowledgement.
func (s *Store) PendingTombstones(ctx context.Context) ([]*Tombstone, error) {
	ws, err := s.workspace()
	if err != nil {
		return nil, err
	}

	return s.db.ListPendingTombstones(ctx, ws)
}

// MarkSynced records a successful push: every pushed record flips to synced
// (status only, bodies untouched) and every pushed tombstone is consumed,
// all in one transaction. A crash between the network success and this
// commit causes a redundant retransmission next cycle, never data loss.
func (s *Store) MarkSynced(ctx context.Context, pushed map[string][]Record, tombstones []*Tombstone) error {
	ws, err := s.workspace()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for table, records := range pushed {
		for _, rec := range records {
			id, ok := rec.ID()
			if !ok {
				continue
			}
			asOf, _ := rec[FieldUpdatedAt].(time.Time)
			if err := s.db.MarkRecordSyncedInTx(ctx, tx, ws, table, id, asOf); err != nil {
				return err
			}
		}
	}

	for _, ts := range tombstones {
		if err := s.db.DeleteTombstoneInTx(ctx, tx, ws, ts.Table, ts.ID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync status update: %w", err)
	}

	return nil
}

// Deletion identifies a record removed by the remote authority.
type Deletion struct {
	ID    string `json:"id"`
	Table string `json:"table"`
}

// ApplyRemote folds a pull response into the store: changed records are
// bulk-upserted as synced (remote is authoritative, whole-record
// last-writer-wins), remote deletions remove local records without creating
// tombstones, and the cursor advances — one transaction across all tables,
// so a partially-applied pull is never observable.
func (s *Store) ApplyRemote(ctx context.Context, changes map[string][]Record, deleted []Deletion, cursor time.Time) error {
	ws, err := s.workspace()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for table, records := range changes {
		for _, rec := range records {
			id, ok := rec.ID()
			if !ok {
				logrus.WithField("table", table).Warn("skipping remote record with invalid id")
				continue
			}

			row, err := toRow(table, ws, id, rec, SyncStatusSynced, remoteUpdatedAt(rec))
			if err != nil {
				return err
			}

			if err := s.db.UpsertRecordInTx(ctx, tx, row); err != nil {
				return err
			}

			// The remote upsert supersedes any local tombstone for this id
			if err := s.db.DeleteTombstoneInTx(ctx, tx, ws, table, id); err != nil {
				return err
			}
		}
	}

	for _, del := range deleted {
		if err := s.db.DeleteRecordInTx(ctx, tx, ws, del.Table, del.ID); err != nil {
			// Already absent locally is fine, the deletion converged earlier
			if !errors.Is(err, ErrRecordNotFound) {
				return err
			}
		}
		// No tombstone for a deletion we did not originate: the remote
		// already knows. A pending local tombstone for the same id is
		// redundant now as well.
		if err := s.db.DeleteTombstoneInTx(ctx, tx, ws, del.Table, del.ID); err != nil {
			return err
		}
	}

	if err := s.db.SetLastSyncInTx(ctx, tx, ws, cursor); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pull: %w", err)
	}

	return nil
}

// LastSync returns the workspace's pull cursor; zero means never synced.
func (s *Store) LastSync(ctx context.Context) (time.Time, error) {
	ws, err := s.workspace()
	if err != nil {
		return time.Time{}, err
	}

	return s.db.GetLastSync(ctx, ws)
}

// Status summarizes local sync state for display.
type Status struct {
	PendingRecords    int
	PendingTombstones int
	LastSyncAt        time.Time
}

func (s *Store) SyncStatus(ctx context.Context) (*Status, error) {
	pending, err := s.PendingRecords(ctx)
	if err != nil {
		return nil, err
	}

	tombstones, err := s.PendingTombstones(ctx)
	if err != nil {
		return nil, err
	}

	lastSync, err := s.LastSync(ctx)
	if err != nil {
		return nil, err
	}

	status := &Status{
		PendingTombstones: len(tombstones),
		LastSyncAt:        lastSync,
	}
	for _, records := range pending {
		status.PendingRecords += len(records)
	}

	return status, nil
}

// Reencrypt rewrites the records of a table through the middleware,
// upgrading legacy plaintext values to the encrypted format. It works on the
// at-rest rows: values already carrying the encrypted marker are left exactly
// as stored, never decrypted and re-encrypted, so existing ciphertext
// survives regardless of which key is active. Only records that actually
// changed are rewritten, marked pending so the upgraded form propagates on
// the next push.
func (s *Store) Reencrypt(ctx context.Context, table string) error {
	ws, err := s.workspace()
	if err != nil {
		return err
	}

	if !s.sess.Unlocked() {
		return fmt.Errorf("cannot reencrypt while locked")
	}

	rows, err := s.db.ListRecords(ctx, ws, table)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, row := range rows {
		rec, err := toRecord(row)
		if err != nil {
			return err
		}

		encrypted, err := s.mw.EncryptBatch(table, []Record{rec})
		if err != nil {
			return fmt.Errorf("failed to encrypt record: %w", err)
		}

		if reflect.DeepEqual(rec, encrypted[0]) {
			continue
		}

		newRow, err := toRow(table, ws, row.ID, encrypted[0], SyncStatusPending, time.Now())
		if err != nil {
			return err
		}
		if err := s.db.UpsertRecordInTx(ctx, tx, newRow); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reencrypt: %w", err)
	}

	return nil
}

// toRow serializes a record body for storage, keeping the sync-control
// attributes in their own columns.
func toRow(table, workspaceID, id string, rec Record, status SyncStatus, updatedAt time.Time) (*RecordRow, error) {
	body := rec.Clone()
	delete(body, FieldSyncStatus)
	delete(body, FieldUpdatedAt)
	delete(body, FieldWorkspace)

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize record body: %w", err)
	}

	return &RecordRow{
		Table:       table,
		ID:          id,
		WorkspaceID: workspaceID,
		Body:        data,
		SyncStatus:  status,
		UpdatedAt:   updatedAt,
	}, nil
}

func toRecord(row *RecordRow) (Record, error) {
	var rec Record
	if err := json.Unmarshal(row.Body, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse record body: %w", err)
	}

	rec[FieldID] = row.ID
	rec[FieldSyncStatus] = string(row.SyncStatus)
	rec[FieldUpdatedAt] = row.UpdatedAt
	rec[FieldWorkspace] = row.WorkspaceID

	return rec, nil
}

// remoteUpdatedAt reads the advisory updated_at a remote record arrived
// with; a missing or unparseable value falls back to now.
func remoteUpdatedAt(rec Record) time.Time {
	switch v := rec[FieldUpdatedAt].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}

	return time.Now()
}
