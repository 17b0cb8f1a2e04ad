package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/bark-labs/apns-relay/internal/storage"
	bolt "go.etcd.io/bbolt"
)

var _ storage.Store = (*Store)(nil)

var (
	bucketBlacklist   = []byte("blacklist")
	bucketPushHistory = []byte("push_history")
)

// Store is a BoltDB-backed Store implementation.
type Store struct {
	db *bolt.DB
}

// New initialises the Bolt store.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketBlacklist); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketPushHistory)
		return err
	}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes underlying Bolt DB.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertBlacklistedToken stores or refreshes a blacklist record keyed by the
// canonical token.
func (s *Store) UpsertBlacklistedToken(ctx context.Context, record *storage.BlacklistedToken) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketBlacklist)
		return bkt.Put([]byte(record.Token), payload)
	})
}

// GetBlacklistedToken fetches one blacklist record.
func (s *Store) GetBlacklistedToken(ctx context.Context, token string) (*storage.BlacklistedToken, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	var result *storage.BlacklistedToken
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketBlacklist)
		raw := bkt.Get([]byte(token))
		if raw == nil {
			return nil
		}
		var record storage.BlacklistedToken
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		result = &record
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, storage.ErrNotFound
	}
	return result, nil
}

// ListBlacklistedTokens returns every blacklist record.
func (s *Store) ListBlacklistedTokens(ctx context.Context) ([]*storage.BlacklistedToken, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	var records []*storage.BlacklistedToken
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketBlacklist)
		return bkt.ForEach(func(_, v []byte) error {
			var record storage.BlacklistedToken
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			copied := record
			records = append(records, &copied)
			return nil
		})
	})
	return records, err
}

// DeleteBlacklistedToken removes one blacklist record; pruning is the
// collaborator's call, the delivery core never does it.
func (s *Store) DeleteBlacklistedToken(ctx context.Context, token string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketBlacklist)
		return bkt.Delete([]byte(token))
	})
}

// AppendPushRecord stores one delivery-attempt outcome.
func (s *Store) AppendPushRecord(ctx context.Context, record *storage.PushRecord) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketPushHistory)
		id, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		record.ID = id
		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, id)
		return bkt.Put(key, payload)
	})
}

// ListPushRecords returns the push history in insertion order.
func (s *Store) ListPushRecords(ctx context.Context) ([]*storage.PushRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	var records []*storage.PushRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketPushHistory)
		return bkt.ForEach(func(_, v []byte) error {
			var record storage.PushRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			copied := record
			records = append(records, &copied)
			return nil
		})
	})
	return records, err
}
