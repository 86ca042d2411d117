package msgcache

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudvar/cloudchat/storage"
)

func testDB(t *testing.T) *storage.BadgerDB {
	t.Helper()
	db, err := storage.NewBadgerDB(&storage.KVConfig{
		StorageDirPath: t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Error(err)
		}
	})
	return db
}

func testCache(t *testing.T, db storage.KeyValue, conf Config) *Cache {
	t.Helper()
	conf.Logger = zerolog.Nop()
	c, err := New(db, conf)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// putRecord writes a raw persisted record, bypassing the cache, so
// tests can plant stale entries.
func putRecord(t *testing.T, db storage.KeyValue, key string, rec record) {
	t.Helper()
	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Put(storage.KVEntry{Key: []byte(key), Value: raw}); err != nil {
		t.Fatal(err)
	}
}

func TestSetThenGetServesFromMemory(t *testing.T) {
	db := testDB(t)
	c := testCache(t, db, Config{})

	want := map[string]string{"msg-1": "1700000000"}
	if err := c.Set("room-1", want); err != nil {
		t.Fatal(err)
	}

	got, ok := c.Get("room-1")
	if !ok {
		t.Fatal("expected a hit right after Set")
	}
	if len(got) != 1 || got["msg-1"] != "1700000000" {
		t.Fatalf("expected %v but got %v", want, got)
	}
}

func TestPersistedHitIsPromoted(t *testing.T) {
	db := testDB(t)
	c1 := testCache(t, db, Config{})
	if err := c1.Set("room-1", map[string]string{"msg-1": "1"}); err != nil {
		t.Fatal(err)
	}

	// A second cache over the same database simulates a restart: the
	// memory tier is cold but the persisted tier holds the record.
	c2 := testCache(t, db, Config{})
	got, ok := c2.Get("room-1")
	if !ok {
		t.Fatal("expected a persisted hit after a restart")
	}
	if got["msg-1"] != "1" {
		t.Fatalf("unexpected data: %v", got)
	}
}

func TestVersionMismatchIsEvictedOnRead(t *testing.T) {
	db := testDB(t)
	c := testCache(t, db, Config{Version: 2})

	key := DefaultNamespace + "room-1"
	putRecord(t, db, key, record{
		Data:      map[string]string{"msg-1": "1"},
		Timestamp: time.Now().UnixMilli(),
		Version:   1,
	})

	if _, ok := c.Get("room-1"); ok {
		t.Fatal("a version-mismatched record must never be returned")
	}
	if _, err := db.Read([]byte(key)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected the stale record to be deleted, got %v", err)
	}
}

func TestExpiredRecordIsEvictedOnRead(t *testing.T) {
	db := testDB(t)
	c := testCache(t, db, Config{Expiry: time.Hour})

	key := DefaultNamespace + "room-1"
	putRecord(t, db, key, record{
		Data:      map[string]string{"msg-1": "1"},
		Timestamp: time.Now().Add(-2 * time.Hour).UnixMilli(),
	})

	if _, ok := c.Get("room-1"); ok {
		t.Fatal("an expired record must never be returned")
	}
	if _, err := db.Read([]byte(key)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected the expired record to be deleted, got %v", err)
	}
}

func TestMemoryTierEvictsLeastRecentlyUsed(t *testing.T) {
	// A NoOpDB keeps the persisted tier out of the picture so only the
	// LRU answers.
	c := testCache(t, &storage.NoOpDB{}, Config{Capacity: 2})

	if err := c.Set("1", map[string]string{"a": "1"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Set("2", map[string]string{"b": "2"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get("1"); !ok {
		t.Fatal("key 1 should still be cached")
	}
	// The cache is full and 2 is now least recently used.
	if err := c.Set("3", map[string]string{"c": "3"}); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get("2"); ok {
		t.Fatal("key 2 should have been evicted")
	}
	if _, ok := c.Get("1"); !ok {
		t.Fatal("key 1 should have survived the eviction")
	}
	if _, ok := c.Get("3"); !ok {
		t.Fatal("key 3 should be cached")
	}
}

func TestClearRemovesBothTiers(t *testing.T) {
	db := testDB(t)
	c := testCache(t, db, Config{})

	if err := c.Set("room-1", map[string]string{"a": "1"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Clear("room-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get("room-1"); ok {
		t.Fatal("expected a miss after Clear")
	}
}

func TestClearAllLeavesUnrelatedDataAlone(t *testing.T) {
	db := testDB(t)
	c := testCache(t, db, Config{})

	unrelated := storage.KVEntry{Key: []byte("other-app/key"), Value: []byte("keep me")}
	if err := db.Put(unrelated); err != nil {
		t.Fatal(err)
	}
	if err := c.Set("room-1", map[string]string{"a": "1"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Set("room-2", map[string]string{"b": "2"}); err != nil {
		t.Fatal(err)
	}

	if err := c.ClearAll(); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get("room-1"); ok {
		t.Fatal("expected room-1 to be gone")
	}
	if _, ok := c.Get("room-2"); ok {
		t.Fatal("expected room-2 to be gone")
	}
	got, err := db.Read(unrelated.Key)
	if err != nil {
		t.Fatalf("unrelated data must survive ClearAll: %v", err)
	}
	if string(got.Value) != "keep me" {
		t.Fatalf("unrelated data was modified: %q", got.Value)
	}
}

func TestStartupSweepPrunesStaleRecords(t *testing.T) {
	db := testDB(t)

	putRecord(t, db, DefaultNamespace+"stale-version", record{
		Data:      map[string]string{"a": "1"},
		Timestamp: time.Now().UnixMilli(),
		Version:   9,
	})
	putRecord(t, db, DefaultNamespace+"expired", record{
		Data:      map[string]string{"b": "2"},
		Timestamp: time.Now().Add(-48 * time.Hour).UnixMilli(),
	})
	putRecord(t, db, DefaultNamespace+"live", record{
		Data:      map[string]string{"c": "3"},
		Timestamp: time.Now().UnixMilli(),
	})

	// New runs the sweep.
	testCache(t, db, Config{Expiry: time.Hour})

	entries, err := db.ScanPrefix([]byte(DefaultNamespace))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the live record to survive, got %d entries", len(entries))
	}
	if string(entries[0].Key) != DefaultNamespace+"live" {
		t.Fatalf("the wrong record survived: %q", entries[0].Key)
	}
}
