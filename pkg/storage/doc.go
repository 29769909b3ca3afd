/*
Package storage provides BoltDB-backed persistence for the integrity
synchronizer's local entity table and for the certificate authority's root
key material.

The storage package implements the Store interface on top of bbolt,
giving ACID transactions without an external database dependency. Entity
records are serialized as JSON and kept in one bucket, ordered by key so
that range scans used during bisection can seek directly to a start key
instead of walking the whole table.

	┌─────────────────── BOLTDB STORE ───────────────────┐
	│  entities  (key -> EntityRecord JSON, sorted)       │
	│  ca        (fixed key "ca" -> encrypted CAData)     │
	└──────────────────────────────────────────────────────┘

The on-disk format of the entity table is intentionally left to this one
implementation; nothing above Store depends on bbolt directly.
*/
package storage
