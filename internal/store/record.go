package store

import (
	"errors"
	"time"
)

// SyncStatus distinguishes locally-originated unsynced writes from
// reconciled state.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
)

// Reserved field names injected into every record read from the store.
const (
	FieldID         = "id"
	FieldSyncStatus = "sync_status"
	FieldUpdatedAt  = "updated_at"
	FieldWorkspace  = "workspaceId"
)

var (
	ErrRecordNotFound  = errors.New("record not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidRecordID = errors.New("invalid record id")
	ErrNoWorkspace     = errors.New("session has no workspace")
)

// Record is a single row of a synchronized table: domain fields plus the
// sync-control attributes listed above.
type Record map[string]any

// ID returns the record's primary key, or false when the key is missing or
// structurally invalid. The guard runs before any value reaches the SQL
// layer.
func (r Record) ID() (string, bool) {
	id, ok := r[FieldID].(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Clone returns a deep copy of the record. Encryption always works on a
// clone so the caller's value is never mutated.
func (r Record) Clone() Record {
	return Record(cloneValue(map[string]any(r)).(map[string]any))
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// Tombstone records a local deletion until the remote authority acknowledges
// it. A tombstone and its referent record are never simultaneously present.
type Tombstone struct {
	ID          string     `json:"id"`
	Table       string     `json:"table"`
	WorkspaceID string     `json:"-"`
	DeletedAt   time.Time  `json:"deletedAt"`
	SyncStatus  SyncStatus `json:"-"`
}

// UserKey is a keyring row: one user's wrapped copy of the shared workspace
// DEK, together with the salt their KEK is derived from.
type UserKey struct {
	Username    string
	WorkspaceID string
	Salt        []byte
	WrappedDEK  string
	UpdatedAt   time.Time
}
