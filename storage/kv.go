package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned by Read when no entry exists for a key.
var ErrNotFound = errors.New("entry not found")

// KVConfig contains settings specific to BadgerDB connections
type KVConfig struct {
	StorageDirPath string        `yaml:"storageDir" json:"storageDir"`
	KeyTTLDuration time.Duration `yaml:"keyTTL" json:"keyTTL"`
}

// KeyValue exposes a common interface for performing CRUD operations on
// an underlying storage layer. Assumes some kind of persistent KV store
// holding cache records keyed under namespace prefixes.
//
// Implementations need to include connection logic in code to
// initialize a store.
type KeyValue interface {
	// Replace the value of an entry or create a new one if it doesn't
	// exist
	Put(KVEntry) error
	// Return an entry given its key. Read returns ErrNotFound when the
	// key is absent.
	Read(key []byte) (KVEntry, error)
	// Delete removes an entry. Deleting an absent key is not an error.
	Delete(key []byte) error
	// ScanPrefix returns every entry whose key starts with prefix.
	ScanPrefix(prefix []byte) ([]KVEntry, error)
	// DeletePrefix removes every entry whose key starts with prefix,
	// leaving unrelated keys untouched.
	DeletePrefix(prefix []byte) error
	// Cleanup performs routine deletion of old records. We assign
	// TTLs to KV pairs and delete them periodically.
	Cleanup() error
	// Drain/tear down the connection, or something analogous for
	// an embedded database
	Close() error
}

// KVEntry is what we'll write to and read from the KV store
type KVEntry struct {
	Key   []byte
	Value []byte
}
