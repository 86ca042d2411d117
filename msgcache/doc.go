package msgcache

// msgcache caches full channel enumerations across a longer horizon
// than the client's short read TTL: a fixed-capacity LRU in memory,
// backed by a persisted tier that survives restarts. Persisted records
// carry a write timestamp and a configuration version; anything stale
// is treated as absent and pruned, either on read or by the startup
// sweep.
