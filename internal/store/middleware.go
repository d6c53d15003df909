package store

import (
	"github.com/sirupsen/logrus"

	"github.com/Azeem-Mughal-Code/IMS-AND-POS-sub001/internal/crypto"
	"github.com/Azeem-Mughal-Code/IMS-AND-POS-sub001/internal/session"
)

// FieldPolicy names the fields of a table that are encrypted at rest.
// Nested maps a list-valued field to the fields encrypted inside each of its
// elements (product variants, sale line items).
type FieldPolicy struct {
	Fields []string
	Nested map[string][]string
}

// CryptoPolicy is the static table -> encrypted-fields mapping the
// middleware applies on every write and read.
type CryptoPolicy map[string]FieldPolicy

// DefaultPolicy covers the tables synchronized by the POS application.
func DefaultPolicy() CryptoPolicy {
	return CryptoPolicy{
		"products": {
			Fields: []string{"costPrice", "supplierName", "supplierNotes"},
			Nested: map[string][]string{
				"variants": {"costPrice"},
			},
		},
		"customers": {
			Fields: []string{"phone", "email", "notes"},
		},
		"sales": {
			Fields: []string{"customerName"},
			Nested: map[string][]string{
				"lineItems": {"costPrice"},
			},
		},
	}
}

// Middleware sits between the RecordStore and the physical layer and makes
// field encryption transparent to callers. It never derives key material;
// the active DEK is read from the session that whoever holds the login
// injected it into.
type Middleware struct {
	policy CryptoPolicy
	sess   *session.Session
}

func NewMiddleware(policy CryptoPolicy, sess *session.Session) *Middleware {
	return &Middleware{
		policy: policy,
		sess:   sess,
	}
}

// EncryptBatch clones every record and encrypts the configured fields of the
// whole batch before anything is written. Returning the complete batch (or
// an error before any write happens) is what keeps a record from ever being
// persisted half-encrypted. With no active key the batch passes through
// unchanged and is stored as legacy plaintext.
func (m *Middleware) EncryptBatch(table string, records []Record) ([]Record, error) {
	policy, configured := m.policy[table]
	dek := m.sess.DataKey()

	out := make([]Record, 0, len(records))
	for _, rec := range records {
		clone := rec.Clone()

		if configured && dek != nil {
			if err := encryptRecord(clone, policy, dek); err != nil {
				return nil, err
			}
		}

		out = append(out, clone)
	}

	return out, nil
}

// DecryptBatch decrypts every configured field of every record. With no
// active key the still-encrypted values are returned unchanged, so the store
// stays browsable while locked. Per-field decrypt failures degrade to the
// undecryptable sentinel inside crypto.DecryptField and never surface as
// errors.
func (m *Middleware) DecryptBatch(table string, records []Record) []Record {
	policy, configured := m.policy[table]
	dek := m.sess.DataKey()
	if !configured || dek == nil {
		return records
	}

	for _, rec := range records {
		decryptRecord(rec, policy, dek)
	}

	return records
}

func encryptRecord(rec Record, policy FieldPolicy, dek []byte) error {
	if err := encryptFields(rec, policy.Fields, dek); err != nil {
		return err
	}

	for listField, fields := range policy.Nested {
		items, ok := rec[listField].([]any)
		if !ok {
			continue
		}
		for _, item := range items {
			nested, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if err := encryptFields(nested, fields, dek); err != nil {
				return err
			}
		}
	}

	return nil
}

func encryptFields(fields map[string]any, names []string, dek []byte) error {
	for _, name := range names {
		value, present := fields[name]
		if !present || value == nil {
			continue
		}
		// Already-encrypted values (remote-originated rows) stay as they are
		if crypto.IsEncrypted(value) {
			continue
		}

		encrypted, err := crypto.EncryptField(value, dek)
		if err != nil {
			return err
		}
		fields[name] = encrypted
	}

	return nil
}

func decryptRecord(rec Record, policy FieldPolicy, dek []byte) {
	decryptFields(rec, policy.Fields, dek)

	for listField, fields := range policy.Nested {
		items, ok := rec[listField].([]any)
		if !ok {
			continue
		}
		for _, item := range items {
			if nested, ok := item.(map[string]any); ok {
				decryptFields(nested, fields, dek)
			}
		}
	}
}

func decryptFields(fields map[string]any, names []string, dek []byte) {
	for _, name := range names {
		value, present := fields[name]
		if !present || value == nil {
			continue
		}
		fields[name] = crypto.DecryptField(value, dek)
	}
}

// validateID is the primary-key guard: structurally invalid keys are
// filtered here and never reach the SQL layer.
func validateID(rec Record) (string, error) {
	id, ok := rec.ID()
	if !ok {
		logrus.WithField("record", rec).Debug("rejecting record with invalid primary key")
		return "", ErrInvalidRecordID
	}

	return id, nil
}
