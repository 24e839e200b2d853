package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/wegman-software/osm-mirror/internal/entity"
)

var historyBucket = []byte("history")

// BoltStore keeps records in an embedded bbolt database, one bucket per kind.
// The value replaced by the latest Write or Remove of a key is kept in the
// history bucket and served by ReadHistorical.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates a bolt database at path
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, kind := range entity.Kinds {
			if _, err := tx.CreateBucketIfNotExists([]byte(kind.Dir())); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucketIfNotExists(historyBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// idKey encodes an id so that byte order matches numeric order
func idKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id)^(1<<63))
	return key
}

func keyID(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key) ^ (1 << 63))
}

func historyKey(kind entity.Kind, id int64) []byte {
	return append([]byte(kind.Dir()+"/"), idKey(id)...)
}

// Read implements Store
func (s *BoltStore) Read(ctx context.Context, kind entity.Kind, id int64) (entity.Record, error) {
	var rec entity.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(kind.Dir())).Get(idKey(id))
		if data == nil {
			return notFound(kind, id)
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

// ReadHistorical implements Store
func (s *BoltStore) ReadHistorical(ctx context.Context, kind entity.Kind, id int64) (entity.Record, error) {
	var rec entity.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(historyBucket).Get(historyKey(kind, id))
		if data == nil {
			return notFound(kind, id)
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

// Write implements Store
func (s *BoltStore) Write(ctx context.Context, kind entity.Kind, id int64, rec entity.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode %s %d: %w", kind, id, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind.Dir()))
		key := idKey(id)
		if old := b.Get(key); old != nil {
			if err := tx.Bucket(historyBucket).Put(historyKey(kind, id), copyBytes(old)); err != nil {
				return err
			}
		}
		return b.Put(key, data)
	})
}

// Remove implements Store
func (s *BoltStore) Remove(ctx context.Context, kind entity.Kind, id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind.Dir()))
		key := idKey(id)
		old := b.Get(key)
		if old == nil {
			return notFound(kind, id)
		}
		if err := tx.Bucket(historyBucket).Put(historyKey(kind, id), copyBytes(old)); err != nil {
			return err
		}
		return b.Delete(key)
	})
}

// Rename implements Store. Source removal, target creation and the history move
// happen in one transaction.
func (s *BoltStore) Rename(ctx context.Context, kind entity.Kind, oldID, newID int64) error {
	if oldID == newID {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind.Dir()))
		data := b.Get(idKey(oldID))
		if data == nil {
			return notFound(kind, oldID)
		}
		if b.Get(idKey(newID)) != nil {
			return renameConflict(kind, oldID, newID)
		}
		if err := b.Put(idKey(newID), copyBytes(data)); err != nil {
			return err
		}
		if err := b.Delete(idKey(oldID)); err != nil {
			return err
		}

		h := tx.Bucket(historyBucket)
		if prev := h.Get(historyKey(kind, oldID)); prev != nil {
			if err := h.Put(historyKey(kind, newID), copyBytes(prev)); err != nil {
				return err
			}
			return h.Delete(historyKey(kind, oldID))
		}
		return nil
	})
}

// List implements Store
func (s *BoltStore) List(ctx context.Context, kind entity.Kind) ([]int64, error) {
	var ids []int64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(kind.Dir())).ForEach(func(k, _ []byte) error {
			ids = append(ids, keyID(k))
			return nil
		})
	})
	return ids, err
}

// Close implements Store
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func copyBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}
