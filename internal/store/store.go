// Package store implements the durable pending-approval table and the
// append-only audit log (spec §4.E, §4.F) on top of an embedded,
// transactional key-value engine (go.etcd.io/bbolt). Pending-record
// timestamps (created_at, expires_at) are stored as RFC3339 text; audit
// entries keep their epoch-float timestamps and are not converted.
package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/TorbenWetter/agent-gate/internal/model"
)

var (
	bucketPending         = []byte("pending_requests")
	bucketPendingByExpiry = []byte("pending_by_expiry")
	bucketAudit           = []byte("audit_log")
	bucketAuditByTool     = []byte("audit_by_tool")
)

// Store is the durable persistence boundary: one bbolt database holding
// the pending-requests and audit-log tables of spec §6.2.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the store at path, with file mode 0600
// on create, and initializes its bucket schema.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, &model.ConfigError{Msg: fmt.Sprintf("opening store %q: %v", path, err)}
	}
	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketPending, bucketPendingByExpiry, bucketAudit, bucketAuditByTool} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
}

// Close releases the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

// ---------------------------------------------------------------------
// Pending requests
// ---------------------------------------------------------------------

// InsertPending writes a new PendingRecord for an in-flight ask request.
func (s *Store) InsertPending(requestID, toolName string, args map[string]any, signature string, expiresAt time.Time) error {
	now := time.Now().UTC()
	rec := model.PendingRecord{
		RequestID: requestID,
		ToolName:  toolName,
		Args:      args,
		Signature: signature,
		CreatedAt: now.Format(time.RFC3339),
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	}
	return s.putPending(rec)
}

func (s *Store) putPending(rec model.PendingRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	expiresAt, err := time.Parse(time.RFC3339, rec.ExpiresAt)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketPending).Put([]byte(rec.RequestID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketPendingByExpiry).Put(expiryKey(expiresAt, rec.RequestID), []byte(rec.RequestID))
	})
}

// GetPending returns the record for requestID, or nil if none exists.
func (s *Store) GetPending(requestID string) (*model.PendingRecord, error) {
	var rec *model.PendingRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPending).Get([]byte(requestID))
		if data == nil {
			return nil
		}
		var r model.PendingRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		rec = &r
		return nil
	})
	return rec, err
}

// SetMessageID records the messenger message id once send_approval returns.
func (s *Store) SetMessageID(requestID, messageID string) error {
	rec, err := s.GetPending(requestID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	rec.MessageID = &messageID
	return s.putPending(*rec)
}

// SetResult enqueues a resolved result on a pending record, for delivery
// the next time the agent calls get_pending_results. The orchestrator
// calls it on every resolution; when the result is delivered live, the
// receiving request deletes the record afterwards.
func (s *Store) SetResult(requestID string, result json.RawMessage) error {
	rec, err := s.GetPending(requestID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no pending record for %s", requestID)
	}
	rec.Result = result
	return s.putPending(*rec)
}

// DrainResultsForAgent returns and deletes every pending record whose
// result is set, for delivery on agent reconnect. A second call
// immediately after returns an empty slice.
func (s *Store) DrainResultsForAgent() ([]model.PendingRecord, error) {
	var drained []model.PendingRecord
	err := s.db.Update(func(tx *bbolt.Tx) error {
		pb := tx.Bucket(bucketPending)
		eb := tx.Bucket(bucketPendingByExpiry)

		var toDelete []model.PendingRecord
		c := pb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r model.PendingRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Result != nil {
				toDelete = append(toDelete, r)
			}
		}
		for _, r := range toDelete {
			if err := deletePendingLocked(pb, eb, r); err != nil {
				return err
			}
			drained = append(drained, r)
		}
		return nil
	})
	return drained, err
}

// DeletePending removes a resolved pending record and its expiry index
// entry. A no-op if the record is already gone.
func (s *Store) DeletePending(requestID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		pb := tx.Bucket(bucketPending)
		eb := tx.Bucket(bucketPendingByExpiry)

		data := pb.Get([]byte(requestID))
		if data == nil {
			return nil
		}
		var r model.PendingRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		return deletePendingLocked(pb, eb, r)
	})
}

func deletePendingLocked(pb, eb *bbolt.Bucket, r model.PendingRecord) error {
	if err := pb.Delete([]byte(r.RequestID)); err != nil {
		return err
	}
	expiresAt, err := time.Parse(time.RFC3339, r.ExpiresAt)
	if err != nil {
		return err
	}
	return eb.Delete(expiryKey(expiresAt, r.RequestID))
}

// CleanupStale deletes pending records (not yet resolved — Result is
// nil) whose expires_at has passed, returning them so the caller can
// emit audit entries and edit messenger messages. Idempotent: a second
// call with no new insertions returns an empty slice.
func (s *Store) CleanupStale(now time.Time) ([]model.PendingRecord, error) {
	var expired []model.PendingRecord
	err := s.db.Update(func(tx *bbolt.Tx) error {
		pb := tx.Bucket(bucketPending)
		eb := tx.Bucket(bucketPendingByExpiry)

		cutoff := expiryPrefix(now)
		c := eb.Cursor()
		var staleIndexKeys [][]byte
		for k, v := c.First(); k != nil && lessThan(k, cutoff); k, v = c.Next() {
			requestID := string(v)
			data := pb.Get([]byte(requestID))
			if data == nil {
				staleIndexKeys = append(staleIndexKeys, append([]byte{}, k...))
				continue
			}
			var r model.PendingRecord
			if err := json.Unmarshal(data, &r); err != nil {
				return err
			}
			staleIndexKeys = append(staleIndexKeys, append([]byte{}, k...))
			if r.Result == nil {
				expired = append(expired, r)
				if err := pb.Delete([]byte(requestID)); err != nil {
					return err
				}
			}
		}
		for _, k := range staleIndexKeys {
			if err := eb.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return expired, err
}

// ListLive returns every pending record that is neither resolved
// (Result set) nor past its expires_at, for re-arming on startup.
func (s *Store) ListLive(now time.Time) ([]model.PendingRecord, error) {
	var live []model.PendingRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketPending).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r model.PendingRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Result != nil {
				continue
			}
			expiresAt, err := time.Parse(time.RFC3339, r.ExpiresAt)
			if err != nil {
				return err
			}
			if expiresAt.After(now) {
				live = append(live, r)
			}
		}
		return nil
	})
	return live, err
}

// ---------------------------------------------------------------------
// Audit log
// ---------------------------------------------------------------------

// Log appends an audit entry. Entries are never updated after insert.
//
// Timestamp and ResolvedAt are stored as the epoch floats model.AuditEntry
// already carries, not converted to RFC3339 the way PendingRecord's
// CreatedAt/ExpiresAt are: the entry is persisted in its JSON shape
// unchanged, and its chronological order comes from auditKey.
func (s *Store) Log(entry model.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := auditKey(entry.Timestamp, entry.RequestID)
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketAudit).Put(key, data); err != nil {
			return err
		}
		toolKey := append(append([]byte(entry.ToolName), 0x00), key...)
		return tx.Bucket(bucketAuditByTool).Put(toolKey, key)
	})
}

// Query returns up to limit audit entries, newest first.
func (s *Store) Query(limit int) ([]model.AuditEntry, error) {
	var entries []model.AuditEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var e model.AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// QueryByTool returns up to limit audit entries for a specific tool,
// newest first, using the audit_by_tool index.
func (s *Store) QueryByTool(tool string, limit int) ([]model.AuditEntry, error) {
	var entries []model.AuditEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := append([]byte(tool), 0x00)
		ab := tx.Bucket(bucketAudit)
		c := tx.Bucket(bucketAuditByTool).Cursor()

		var keys [][]byte
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			keys = append(keys, append([]byte{}, v...))
		}
		for i := len(keys) - 1; i >= 0 && len(entries) < limit; i-- {
			data := ab.Get(keys[i])
			if data == nil {
				continue
			}
			var e model.AuditEntry
			if err := json.Unmarshal(data, &e); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// ---------------------------------------------------------------------
// Key encoding
// ---------------------------------------------------------------------

// expiryKey is a big-endian Unix-seconds prefix followed by the request
// id, giving the pending_by_expiry bucket a natural ascending-time scan
// order without a separate index structure.
func expiryKey(t time.Time, requestID string) []byte {
	key := expiryPrefix(t)
	return append(key, []byte(requestID)...)
}

func expiryPrefix(t time.Time) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t.Unix()))
	return b
}

// auditKey is a big-endian epoch-nanoseconds prefix followed by the
// request id, so the audit_log bucket's natural key order is
// chronological and Query can walk it in reverse for "newest first".
func auditKey(timestamp float64, requestID string) []byte {
	nanos := uint64(timestamp * 1e9)
	b := make([]byte, 8, 8+len(requestID))
	binary.BigEndian.PutUint64(b, nanos)
	return append(b, []byte(requestID)...)
}

func lessThan(key, prefix []byte) bool {
	n := len(prefix)
	if len(key) < n {
		return bytes.Compare(key, prefix) < 0
	}
	return bytes.Compare(key[:n], prefix) < 0
}

func hasPrefix(key, prefix []byte) bool {
	return bytes.HasPrefix(key, prefix)
}
