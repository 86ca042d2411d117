package msgcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/cloudvar/cloudchat/metrics"
	"github.com/cloudvar/cloudchat/storage"
)

const (
	// DefaultNamespace prefixes every persisted record so ClearAll and
	// the startup sweep can operate without touching unrelated data in
	// a shared database.
	DefaultNamespace = "cloudchat/messages/"

	defaultCapacity = 32
	defaultExpiry   = 24 * time.Hour
)

// Config controls both tiers of the message cache.
type Config struct {
	// Capacity is the number of resource ids the memory tier holds
	// before evicting the least recently used one.
	Capacity int
	// Expiry is how long a persisted record stays readable. Older
	// records are treated as absent and deleted on read.
	Expiry time.Duration
	// Version is the active configuration version. Persisted records
	// written under any other version are treated as absent and
	// deleted on read.
	Version int
	// Namespace is the persisted key prefix. Defaults to
	// DefaultNamespace.
	Namespace string
	// Logger receives storage-layer trouble, which the cache downgrades
	// to misses rather than propagating.
	Logger zerolog.Logger
	// Metrics, when non-nil, counts hits per tier and misses.
	Metrics *metrics.ClientMetrics
}

func (c *Config) checkAndSetDefaults() error {
	if c.Capacity == 0 {
		c.Capacity = defaultCapacity
	}
	if c.Capacity < 0 {
		return fmt.Errorf("cache capacity must be positive, got %d", c.Capacity)
	}
	if c.Expiry <= 0 {
		c.Expiry = defaultExpiry
	}
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	return nil
}

// record is the persisted form of one enumeration, as laid out on disk:
// the mapping itself plus the write time and the configuration version
// it was written under.
type record struct {
	Data      map[string]string `json:"data"`
	Timestamp int64             `json:"timestamp"` // epoch milliseconds
	Version   int               `json:"version"`
}

// Cache is the two-tier message cache: a fixed-capacity LRU in memory
// in front of a persisted tier that survives restarts. Reads check
// memory first and promote persisted hits; writes always land in both
// tiers. Safe for concurrent use; the persisted tier is shared
// process-wide state and is only eventually consistent across users.
type Cache struct {
	conf Config
	mem  *lru.Cache[string, map[string]string]
	db   storage.KeyValue
	log  zerolog.Logger
}

// New builds a Cache over db and sweeps the persisted namespace,
// pruning every record that is expired or carries a stale version. The
// caller keeps ownership of db and is responsible for closing it.
func New(db storage.KeyValue, conf Config) (*Cache, error) {
	if err := conf.checkAndSetDefaults(); err != nil {
		return nil, err
	}
	mem, err := lru.New[string, map[string]string](conf.Capacity)
	if err != nil {
		return nil, fmt.Errorf("can't build the memory tier: %v", err)
	}
	c := &Cache{
		conf: conf,
		mem:  mem,
		db:   db,
		log:  conf.Logger,
	}
	if err := c.Sweep(); err != nil {
		// A failed sweep leaves stale records for read-time eviction to
		// handle; not worth refusing to start over.
		c.log.Warn().Err(err).Msg("startup sweep of the persisted cache failed")
	}
	return c, nil
}

func (c *Cache) key(id string) []byte {
	return []byte(c.conf.Namespace + id)
}

// Get returns the cached enumeration for id, or ok=false when neither
// tier holds a live record. A persisted hit is promoted into the memory
// tier. Stale persisted records (wrong version or past expiry) count as
// absent and are deleted as a side effect of the read.
func (c *Cache) Get(id string) (map[string]string, bool) {
	if data, ok := c.mem.Get(id); ok {
		c.conf.Metrics.ObserveCacheHit("memory")
		return data, true
	}

	entry, err := c.db.Read(c.key(id))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.log.Warn().Err(err).Str("id", id).Msg("persisted cache read failed")
		}
		c.conf.Metrics.ObserveCacheMiss()
		return nil, false
	}

	var rec record
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		c.log.Warn().Err(err).Str("id", id).Msg("deleting an unreadable persisted cache record")
		c.deleteQuietly(id)
		c.conf.Metrics.ObserveCacheMiss()
		return nil, false
	}
	if !c.live(rec) {
		c.deleteQuietly(id)
		c.conf.Metrics.ObserveCacheMiss()
		return nil, false
	}

	c.mem.Add(id, rec.Data)
	c.conf.Metrics.ObserveCacheHit("persisted")
	return rec.Data, true
}

// Set stores data for id in both tiers.
func (c *Cache) Set(id string, data map[string]string) error {
	c.mem.Add(id, data)

	raw, err := json.Marshal(record{
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Version:   c.conf.Version,
	})
	if err != nil {
		return fmt.Errorf("can't encode the cache record: %v", err)
	}
	if err := c.db.Put(storage.KVEntry{Key: c.key(id), Value: raw}); err != nil {
		return fmt.Errorf("can't persist the cache record: %v", err)
	}
	return nil
}

// Clear removes id from both tiers.
func (c *Cache) Clear(id string) error {
	c.mem.Remove(id)
	if err := c.db.Delete(c.key(id)); err != nil {
		return fmt.Errorf("can't delete the persisted record: %v", err)
	}
	return nil
}

// ClearAll wipes the memory tier and every persisted record under this
// cache's namespace, leaving unrelated persisted data untouched.
func (c *Cache) ClearAll() error {
	c.mem.Purge()
	if err := c.db.DeletePrefix([]byte(c.conf.Namespace)); err != nil {
		return fmt.Errorf("can't clear the persisted namespace: %v", err)
	}
	return nil
}

// Sweep prunes every persisted record under the namespace that is
// expired, version-mismatched, or unreadable. Run at startup so old
// records don't linger until someone happens to read them.
func (c *Cache) Sweep() error {
	entries, err := c.db.ScanPrefix([]byte(c.conf.Namespace))
	if err != nil {
		return fmt.Errorf("can't scan the persisted namespace: %v", err)
	}
	pruned := 0
	for _, entry := range entries {
		var rec record
		if err := json.Unmarshal(entry.Value, &rec); err == nil && c.live(rec) {
			continue
		}
		if err := c.db.Delete(entry.Key); err != nil {
			c.log.Warn().Err(err).Bytes("key", entry.Key).Msg("can't prune a stale cache record")
			continue
		}
		pruned++
	}
	if pruned > 0 {
		c.log.Info().Int("pruned", pruned).Msg("pruned stale persisted cache records")
	}
	return nil
}

// live reports whether a persisted record may still be served.
func (c *Cache) live(rec record) bool {
	if rec.Version != c.conf.Version {
		return false
	}
	age := time.Since(time.UnixMilli(rec.Timestamp))
	return age <= c.conf.Expiry
}

func (c *Cache) deleteQuietly(id string) {
	if err := c.db.Delete(c.key(id)); err != nil {
		c.log.Warn().Err(err).Str("id", id).Msg("can't delete a stale cache record")
	}
}
