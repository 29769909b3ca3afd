package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/enrolld/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketEntities = []byte("entities")
	bucketCA       = []byte("ca")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store rooted at dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "enrolld.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEntities, bucketCA} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// PutEntity upserts an entity record keyed by its Key field.
func (s *BoltStore) PutEntity(entity *types.EntityRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntities)
		data, err := json.Marshal(entity)
		if err != nil {
			return err
		}
		return b.Put([]byte(entity.Key), data)
	})
}

// GetEntity returns the entity stored under key.
func (s *BoltStore) GetEntity(key string) (*types.EntityRecord, error) {
	var entity types.EntityRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntities)
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("entity not found: %s", key)
		}
		return json.Unmarshal(data, &entity)
	})
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

// DeleteEntity removes the entity stored under key, if present.
func (s *BoltStore) DeleteEntity(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntities)
		return b.Delete([]byte(key))
	})
}

// ListEntities returns every entity in key order.
func (s *BoltStore) ListEntities() ([]*types.EntityRecord, error) {
	var entities []*types.EntityRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntities)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entity types.EntityRecord
			if err := json.Unmarshal(v, &entity); err != nil {
				return err
			}
			entities = append(entities, &entity)
		}
		return nil
	})
	return entities, err
}

// ListEntitiesInRange returns entities whose key falls in [r.Start, r.End),
// using bbolt's cursor Seek so a bisection step never scans the full table.
// An empty r.End means "no upper bound".
func (s *BoltStore) ListEntitiesInRange(r types.SyncRange) ([]*types.EntityRecord, error) {
	var entities []*types.EntityRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntities)
		c := b.Cursor()
		for k, v := c.Seek([]byte(r.Start)); k != nil; k, v = c.Next() {
			if r.End != "" && string(k) >= r.End {
				break
			}
			var entity types.EntityRecord
			if err := json.Unmarshal(v, &entity); err != nil {
				return err
			}
			entities = append(entities, &entity)
		}
		return nil
	})
	return entities, err
}

// CountEntities returns the number of entities in the table.
func (s *BoltStore) CountEntities() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketEntities).Stats().KeyN
		return nil
	})
	return count, err
}

// SaveCA persists the authority's CA material.
func (s *BoltStore) SaveCA(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCA)
		return b.Put([]byte("ca"), data)
	})
}

// GetCA loads the authority's CA material.
func (s *BoltStore) GetCA() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCA)
		v := b.Get([]byte("ca"))
		if v == nil {
			return fmt.Errorf("CA not found")
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	return data, err
}
