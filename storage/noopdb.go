package storage

// NoOpDB is used when we need to avoid touching the storage layer while
// still preserving our interactions with an abstract database. The
// strategy is to return whatever value will prevent the calling context
// from further interacting with the storage layer.
//
// Puts silently drop their data and reads always miss, so a cache built
// over a NoOpDB degrades to its memory tier alone.
//
// For database-wide operations, such as cleaning up or closing the
// database, we always return a nil error. This is because, since there
// is nothing to close or clean up, the operation is always successful.
type NoOpDB struct{}

// Put silently drops the entry.
func (n *NoOpDB) Put(KVEntry) error {
	return nil
}

// Read always returns ErrNotFound so callers fall through to the
// network path.
func (n *NoOpDB) Read(key []byte) (KVEntry, error) {
	return KVEntry{}, ErrNotFound
}

// Delete always returns nil since there is never anything to remove.
func (n *NoOpDB) Delete(key []byte) error {
	return nil
}

// ScanPrefix always returns an empty result.
func (n *NoOpDB) ScanPrefix(prefix []byte) ([]KVEntry, error) {
	return nil, nil
}

// DeletePrefix always returns nil.
func (n *NoOpDB) DeletePrefix(prefix []byte) error {
	return nil
}

// Cleanup always returns nil in order to prevent retries or panics,
// since we want to keep the program humming along without touching the
// storage layer.
func (n *NoOpDB) Cleanup() error {
	return nil
}

// Close is no-op
func (n *NoOpDB) Close() error {
	return nil
}
