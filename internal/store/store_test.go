package store

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Azeem-Mughal-Code/IMS-AND-POS-sub001/internal/crypto"
	"github.com/Azeem-Mughal-Code/IMS-AND-POS-sub001/internal/session"
)

// setupTestStore creates a store over a temp database, scoped to a test
// workspace, with no active key.
func setupTestStore(t *testing.T) (*Store, *DB, *session.Session) {
	t.Helper()

	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})

	sess := session.New(filepath.Join(t.TempDir(), "session.json"))
	sess.WorkspaceID = "ws-test"

	return New(db, sess), db, sess
}

func testKey(t *testing.T) []byte {
	t.Helper()

	dek, err := crypto.GenerateDataKey()
	if err != nil {
		t.Fatalf("GenerateDataKey() error = %v", err)
	}
	return dek
}

func sampleProduct(id string) Record {
	return Record{
		"id":        id,
		"name":      "Espresso Beans 1kg",
		"price":     float64(18.50),
		"costPrice": float64(11.20),
		"variants": []any{
			map[string]any{"sku": "EB1-DARK", "costPrice": float64(11.00)},
			map[string]any{"sku": "EB1-LIGHT", "costPrice": float64(11.40)},
		},
	}
}

func TestDatabaseUsesWAL(t *testing.T) {
	_, db, _ := setupTestStore(t)

	var mode string
	if err := db.db.QueryRowContext(context.Background(), "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("PRAGMA journal_mode error = %v", err)
	}
	if !strings.EqualFold(mode, "wal") {
		t.Errorf("journal_mode = %s, want wal", mode)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s, _, _ := setupTestStore(t)
	ctx := context.Background()

	s.Unlock(testKey(t))

	if err := s.Put(ctx, "products", sampleProduct("p1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	rec, err := s.Get(ctx, "products", "p1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec == nil {
		t.Fatal("Get() returned absent for an existing record")
	}

	if rec["costPrice"] != float64(11.20) {
		t.Errorf("costPrice = %v, want 11.20", rec["costPrice"])
	}
	if rec[FieldSyncStatus] != string(SyncStatusPending) {
		t.Errorf("sync_status = %v, want pending", rec[FieldSyncStatus])
	}
	if rec[FieldWorkspace] != "ws-test" {
		t.Errorf("workspaceId = %v, want ws-test", rec[FieldWorkspace])
	}
}

func TestEncryptedAtRest(t *testing.T) {
	s, db, _ := setupTestStore(t)
	ctx := context.Background()

	s.Unlock(testKey(t))

	if err := s.Put(ctx, "products", sampleProduct("p1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	row, err := db.GetRecord(ctx, "ws-test", "products", "p1")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}

	body := string(row.Body)
	if !strings.Contains(body, crypto.FieldMarker) {
		t.Error("stored body carries no encrypted field marker")
	}
	if strings.Contains(body, "11.2") {
		t.Error("stored body contains the plaintext cost price")
	}
	// Unconfigured fields stay readable
	if !strings.Contains(body, "Espresso Beans 1kg") {
		t.Error("stored body should keep unconfigured fields in plaintext")
	}
}

func TestLockedReadReturnsRaw(t *testing.T) {
	s, _, _ := setupTestStore(t)
	ctx := context.Background()

	s.Unlock(testKey(t))
	if err := s.Put(ctx, "products", sampleProduct("p1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	s.Lock()

	rec, err := s.Get(ctx, "products", "p1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	cost, ok := rec["costPrice"].(string)
	if !ok || !strings.HasPrefix(cost, crypto.FieldMarker) {
		t.Errorf("locked read should return the at-rest value, got %v", rec["costPrice"])
	}
}

func TestWrongKeyYieldsSentinel(t *testing.T) {
	s, _, _ := setupTestStore(t)
	ctx := context.Background()

	s.Unlock(testKey(t))
	if err := s.Put(ctx, "products", sampleProduct("p1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// Unlocking with a wrong key must not error, reads degrade instead
	s.Lock()
	s.Unlock(testKey(t))

	rec, err := s.Get(ctx, "products", "p1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if rec["costPrice"] != crypto.UndecryptableValue {
		t.Errorf("costPrice = %v, want undecryptable sentinel", rec["costPrice"])
	}
	// Plaintext fields remain readable, the store stays browsable
	if rec["name"] != "Espresso Beans 1kg" {
		t.Errorf("name = %v, want plaintext value", rec["name"])
	}
}

func TestRelockWithCorrectKeyRestoresPlaintext(t *testing.T) {
	s, _, _ := setupTestStore(t)
	ctx := context.Background()

	dek := testKey(t)

	s.Unlock(dek)
	if err := s.Put(ctx, "customers", Record{"id": "c1", "name": "Ana", "phone": "+351900000001"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	s.Lock()
	s.Unlock(testKey(t)) // wrong key

	rec, err := s.Get(ctx, "customers", "c1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec["phone"] != crypto.UndecryptableValue {
		t.Fatalf("phone = %v, want sentinel under wrong key", rec["phone"])
	}

	s.Lock()
	s.Unlock(dek) // correct key again

	rec, err = s.Get(ctx, "customers", "c1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec["phone"] != "+351900000001" {
		t.Errorf("phone = %v, want original plaintext", rec["phone"])
	}
}

func TestGetAbsent(t *testing.T) {
	s, _, _ := setupTestStore(t)

	rec, err := s.Get(context.Background(), "products", "nope")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec != nil {
		t.Errorf("Get() = %v, want absent", rec)
	}
}

func TestInvalidIDGuard(t *testing.T) {
	s, _, _ := setupTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "products", Record{"name": "no id"}); !errors.Is(err, ErrInvalidRecordID) {
		t.Errorf("Put() without id error = %v, want ErrInvalidRecordID", err)
	}

	if err := s.Put(ctx, "products", Record{"id": 42}); !errors.Is(err, ErrInvalidRecordID) {
		t.Errorf("Put() with non-string id error = %v, want ErrInvalidRecordID", err)
	}

	rec, err := s.Get(ctx, "products", "")
	if err != nil || rec != nil {
		t.Errorf("Get() with empty id = (%v, %v), want (nil, nil)", rec, err)
	}
}

func TestQuery(t *testing.T) {
	s, _, _ := setupTestStore(t)
	ctx := context.Background()

	s.Unlock(testKey(t))

	for _, id := range []string{"p1", "p2", "p3"} {
		p := sampleProduct(id)
		if id == "p2" {
			p["price"] = float64(99)
		}
		if err := s.Put(ctx, "products", p); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	all, err := s.Query(ctx, "products", nil)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Query(nil) returned %d records, want 3", len(all))
	}

	expensive, err := s.Query(ctx, "products", func(r Record) bool {
		price, _ := r["price"].(float64)
		return price > 50
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(expensive) != 1 {
		t.Fatalf("Query(predicate) returned %d records, want 1", len(expensive))
	}
	if id, _ := expensive[0].ID(); id != "p2" {
		t.Errorf("Query(predicate) returned %s, want p2", id)
	}

	// Predicates run over decrypted values
	decrypted, err := s.Query(ctx, "products", func(r Record) bool {
		cost, _ := r["costPrice"].(float64)
		return cost > 11
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(decrypted) != 3 {
		t.Errorf("Query over encrypted field matched %d records, want 3", len(decrypted))
	}
}

func TestDeleteCreatesTombstone(t *testing.T) {
	s, _, _ := setupTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "products", sampleProduct("p1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if err := s.Delete(ctx, "products", "p1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	rec, err := s.Get(ctx, "products", "p1")
	if err != nil || rec != nil {
		t.Errorf("Get() after delete = (%v, %v), want absent", rec, err)
	}

	tombstones, err := s.PendingTombstones(ctx)
	if err != nil {
		t.Fatalf("PendingTombstones() error = %v", err)
	}
	if len(tombstones) != 1 {
		t.Fatalf("got %d tombstones, want exactly 1", len(tombstones))
	}
	ts := tombstones[0]
	if ts.ID != "p1" || ts.Table != "products" || ts.SyncStatus != SyncStatusPending {
		t.Errorf("tombstone = %+v, want pending products/p1", ts)
	}
	if ts.DeletedAt.IsZero() {
		t.Error("tombstone has no deletion time")
	}
}

func TestDeleteAbsentRecord(t *testing.T) {
	s, _, _ := setupTestStore(t)

	err := s.Delete(context.Background(), "products", "ghost")
	if !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Delete() of absent record error = %v, want ErrRecordNotFound", err)
	}

	// The failed delete must not have left a tombstone behind
	tombstones, err := s.PendingTombstones(context.Background())
	if err != nil {
		t.Fatalf("PendingTombstones() error = %v", err)
	}
	if len(tombstones) != 0 {
		t.Errorf("got %d tombstones after failed delete, want 0", len(tombstones))
	}
}

func TestRecreateSupersedesTombstone(t *testing.T) {
	s, _, _ := setupTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "products", sampleProduct("p1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Delete(ctx, "products", "p1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Put(ctx, "products", sampleProduct("p1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	tombstones, err := s.PendingTombstones(ctx)
	if err != nil {
		t.Fatalf("PendingTombstones() error = %v", err)
	}
	if len(tombstones) != 0 {
		t.Error("record and tombstone coexist after re-creating the id")
	}
}

func TestWorkspaceScoping(t *testing.T) {
	s, db, _ := setupTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "products", sampleProduct("p1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	other := session.New(filepath.Join(t.TempDir(), "session.json"))
	other.WorkspaceID = "ws-other"
	foreign := New(db, other)

	rec, err := foreign.Get(ctx, "products", "p1")
	if err != nil || rec != nil {
		t.Errorf("foreign workspace Get() = (%v, %v), want absent", rec, err)
	}

	records, err := foreign.Query(ctx, "products", nil)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("foreign workspace Query() returned %d records, want 0", len(records))
	}
}

func TestNoWorkspace(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB() error = %v", err)
	}
	defer db.Close()

	s := New(db, session.New(filepath.Join(t.TempDir(), "session.json")))

	if err := s.Put(context.Background(), "products", sampleProduct("p1")); !errors.Is(err, ErrNoWorkspace) {
		t.Errorf("Put() without workspace error = %v, want ErrNoWorkspace", err)
	}
}

func TestMarkSynced(t *testing.T) {
	s, _, _ := setupTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "products", sampleProduct("p1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Put(ctx, "products", sampleProduct("p2")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Delete(ctx, "products", "p2"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	pending, err := s.PendingRecords(ctx)
	if err != nil {
		t.Fatalf("PendingRecords() error = %v", err)
	}
	tombstones, err := s.PendingTombstones(ctx)
	if err != nil {
		t.Fatalf("PendingTombstones() error = %v", err)
	}

	if err := s.MarkSynced(ctx, pending, tombstones); err != nil {
		t.Fatalf("MarkSynced() error = %v", err)
	}

	rec, err := s.Get(ctx, "products", "p1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec[FieldSyncStatus] != string(SyncStatusSynced) {
		t.Errorf("sync_status = %v, want synced", rec[FieldSyncStatus])
	}

	remaining, err := s.PendingTombstones(ctx)
	if err != nil {
		t.Fatalf("PendingTombstones() error = %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("got %d tombstones after MarkSynced, want 0", len(remaining))
	}
}

func TestMarkSyncedKeepsConcurrentEditPending(t *testing.T) {
	s, _, _ := setupTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "products", sampleProduct("p1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	pending, err := s.PendingRecords(ctx)
	if err != nil {
		t.Fatalf("PendingRecords() error = %v", err)
	}

	// Simulate an edit landing while the push is in flight
	time.Sleep(5 * time.Millisecond)
	edited := sampleProduct("p1")
	edited["price"] = float64(20)
	if err := s.Put(ctx, "products", edited); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if err := s.MarkSynced(ctx, pending, nil); err != nil {
		t.Fatalf("MarkSynced() error = %v", err)
	}

	rec, err := s.Get(ctx, "products", "p1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec[FieldSyncStatus] != string(SyncStatusPending) {
		t.Errorf("concurrently edited record was marked %v, want pending", rec[FieldSyncStatus])
	}
}

func TestApplyRemote(t *testing.T) {
	s, _, _ := setupTestStore(t)
	ctx := context.Background()

	// A locally pending record that the remote also deleted
	if err := s.Put(ctx, "products", sampleProduct("gone")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	cursor := time.Now().Add(1 * time.Minute).Truncate(time.Second)

	changes := map[string][]Record{
		"products": {
			{"id": "r1", "name": "Remote Product", "updated_at": time.Now().Format(time.RFC3339)},
		},
	}
	deleted := []Deletion{{ID: "gone", Table: "products"}}

	if err := s.ApplyRemote(ctx, changes, deleted, cursor); err != nil {
		t.Fatalf("ApplyRemote() error = %v", err)
	}

	rec, err := s.Get(ctx, "products", "r1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec == nil {
		t.Fatal("remote record was not applied")
	}
	if rec[FieldSyncStatus] != string(SyncStatusSynced) {
		t.Errorf("remote record sync_status = %v, want synced", rec[FieldSyncStatus])
	}

	// The remote deletion removed the record even though it was pending
	gone, err := s.Get(ctx, "products", "gone")
	if err != nil || gone != nil {
		t.Errorf("Get() after remote deletion = (%v, %v), want absent", gone, err)
	}

	// No tombstone for a deletion we did not originate
	tombstones, err := s.PendingTombstones(ctx)
	if err != nil {
		t.Fatalf("PendingTombstones() error = %v", err)
	}
	if len(tombstones) != 0 {
		t.Errorf("remote deletion created %d tombstones, want 0", len(tombstones))
	}

	lastSync, err := s.LastSync(ctx)
	if err != nil {
		t.Fatalf("LastSync() error = %v", err)
	}
	if !lastSync.Equal(cursor) {
		t.Errorf("LastSync() = %v, want %v", lastSync, cursor)
	}
}

func TestApplyRemoteSupersedesLocalTombstone(t *testing.T) {
	s, _, _ := setupTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "products", sampleProduct("p1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Delete(ctx, "products", "p1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	changes := map[string][]Record{
		"products": {{"id": "p1", "name": "Resurrected remotely"}},
	}
	if err := s.ApplyRemote(ctx, changes, nil, time.Now()); err != nil {
		t.Fatalf("ApplyRemote() error = %v", err)
	}

	rec, err := s.Get(ctx, "products", "p1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec == nil {
		t.Fatal("remote upsert did not restore the record")
	}

	tombstones, err := s.PendingTombstones(ctx)
	if err != nil {
		t.Fatalf("PendingTombstones() error = %v", err)
	}
	if len(tombstones) != 0 {
		t.Error("record and tombstone coexist after remote upsert")
	}
}

func TestLastSyncDefaultsToZero(t *testing.T) {
	s, _, _ := setupTestStore(t)

	lastSync, err := s.LastSync(context.Background())
	if err != nil {
		t.Fatalf("LastSync() error = %v", err)
	}
	if !lastSync.IsZero() {
		t.Errorf("LastSync() = %v, want zero before first sync", lastSync)
	}
}

func TestPendingRecordsKeepAtRestForm(t *testing.T) {
	s, _, _ := setupTestStore(t)
	ctx := context.Background()

	s.Unlock(testKey(t))
	if err := s.Put(ctx, "customers", Record{"id": "c1", "name": "Ana", "phone": "+351900000001"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	pending, err := s.PendingRecords(ctx)
	if err != nil {
		t.Fatalf("PendingRecords() error = %v", err)
	}

	phone, ok := pending["customers"][0]["phone"].(string)
	if !ok || !strings.HasPrefix(phone, crypto.FieldMarker) {
		t.Errorf("pending record leaks plaintext phone: %v", pending["customers"][0]["phone"])
	}
}

func TestReencryptUpgradesLegacyPlaintext(t *testing.T) {
	s, db, _ := setupTestStore(t)
	ctx := context.Background()

	// A row written before encryption was introduced
	legacy := &RecordRow{
		Table:       "customers",
		ID:          "c1",
		WorkspaceID: "ws-test",
		Body:        []byte(`{"id":"c1","name":"Ana","phone":"+351900000001"}`),
		SyncStatus:  SyncStatusSynced,
		UpdatedAt:   time.Now(),
	}
	if err := db.UpsertRecord(ctx, legacy); err != nil {
		t.Fatalf("UpsertRecord() error = %v", err)
	}

	dek := testKey(t)
	s.Unlock(dek)

	// Legacy value passes through decryption unchanged
	rec, err := s.Get(ctx, "customers", "c1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec["phone"] != "+351900000001" {
		t.Fatalf("legacy phone = %v, want plaintext passthrough", rec["phone"])
	}

	if err := s.Reencrypt(ctx, "customers"); err != nil {
		t.Fatalf("Reencrypt() error = %v", err)
	}

	row, err := db.GetRecord(ctx, "ws-test", "customers", "c1")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if !strings.Contains(string(row.Body), crypto.FieldMarker) {
		t.Error("Reencrypt() did not upgrade the legacy value")
	}
	if row.SyncStatus != SyncStatusPending {
		t.Errorf("reencrypted row sync_status = %v, want pending", row.SyncStatus)
	}

	rec, err = s.Get(ctx, "customers", "c1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec["phone"] != "+351900000001" {
		t.Errorf("phone after reencrypt = %v, want original plaintext", rec["phone"])
	}
}

func TestReencryptUnderWrongKeyLeavesCiphertext(t *testing.T) {
	s, db, _ := setupTestStore(t)
	ctx := context.Background()

	dek := testKey(t)
	s.Unlock(dek)
	if err := s.Put(ctx, "customers", Record{"id": "c1", "name": "Ana", "phone": "+351900000001"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	before, err := db.GetRecord(ctx, "ws-test", "customers", "c1")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}

	s.Lock()
	s.Unlock(testKey(t)) // wrong key

	if err := s.Reencrypt(ctx, "customers"); err != nil {
		t.Fatalf("Reencrypt() error = %v", err)
	}

	// The stored ciphertext is untouched and the row was not rewritten
	after, err := db.GetRecord(ctx, "ws-test", "customers", "c1")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if !bytes.Equal(before.Body, after.Body) {
		t.Error("reencrypt under a wrong key rewrote stored ciphertext")
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("reencrypt under a wrong key touched an unchanged row")
	}

	// The original value is still readable under the correct key
	s.Lock()
	s.Unlock(dek)

	rec, err := s.Get(ctx, "customers", "c1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec["phone"] != "+351900000001" {
		t.Errorf("phone = %v, want original plaintext after correct re-unlock", rec["phone"])
	}
}

func TestReencryptSkipsUnchangedRecords(t *testing.T) {
	s, db, _ := setupTestStore(t)
	ctx := context.Background()

	dek := testKey(t)
	s.Unlock(dek)
	if err := s.Put(ctx, "customers", Record{"id": "c1", "name": "Ana", "phone": "+351900000001"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	pending, err := s.PendingRecords(ctx)
	if err != nil {
		t.Fatalf("PendingRecords() error = %v", err)
	}
	if err := s.MarkSynced(ctx, pending, nil); err != nil {
		t.Fatalf("MarkSynced() error = %v", err)
	}

	if err := s.Reencrypt(ctx, "customers"); err != nil {
		t.Fatalf("Reencrypt() error = %v", err)
	}

	row, err := db.GetRecord(ctx, "ws-test", "customers", "c1")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if row.SyncStatus != SyncStatusSynced {
		t.Errorf("fully-encrypted record was marked %v by reencrypt, want synced", row.SyncStatus)
	}
}
