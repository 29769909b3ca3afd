package storage

import (
	"github.com/cuemby/enrolld/pkg/types"
)

// Store defines the interface for the authority's durable state: the
// Integrity Synchronizer's entity table and the certificate authority's
// root key material. Implemented by BoltDB-backed storage.
type Store interface {
	// Entities (Integrity Synchronizer local table)
	PutEntity(entity *types.EntityRecord) error
	GetEntity(key string) (*types.EntityRecord, error)
	DeleteEntity(key string) error
	ListEntities() ([]*types.EntityRecord, error)
	ListEntitiesInRange(r types.SyncRange) ([]*types.EntityRecord, error)
	CountEntities() (int, error)

	// Certificate Authority
	SaveCA(data []byte) error
	GetCA() ([]byte, error)

	Close() error
}
