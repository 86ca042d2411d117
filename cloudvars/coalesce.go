package cloudvars

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// defaultReadTTL is how long a successful enumeration may answer
// subsequent reads without touching the network.
const defaultReadTTL = 2000 * time.Millisecond

type ttlEntry struct {
	data map[string]string
	at   time.Time
}

// coalescer absorbs bursts of near-simultaneous reads: a fresh cached
// result is returned synchronously, concurrent callers join the one
// in-flight enumeration, and only a cold id starts a new walk. Each
// client owns its own instance so lifetimes and test isolation stay
// explicit.
type coalescer struct {
	ttl    time.Duration
	flight singleflight.Group

	mu     sync.Mutex
	cached map[string]ttlEntry
}

func newCoalescer(ttl time.Duration) *coalescer {
	if ttl <= 0 {
		ttl = defaultReadTTL
	}
	return &coalescer{
		ttl:    ttl,
		cached: make(map[string]ttlEntry),
	}
}

// getAll returns the enumeration for id, starting fetch only when
// neither the TTL cache nor an in-flight walk can serve the call. The
// second return reports whether the call was coalesced (served without
// starting its own fetch).
func (co *coalescer) getAll(id string, fetch func() (map[string]string, error)) (map[string]string, bool, error) {
	co.mu.Lock()
	if e, ok := co.cached[id]; ok && time.Since(e.at) <= co.ttl {
		co.mu.Unlock()
		return e.data, true, nil
	}
	co.mu.Unlock()

	v, err, shared := co.flight.Do(id, func() (interface{}, error) {
		data, err := fetch()
		if err != nil {
			return nil, err
		}
		co.mu.Lock()
		co.cached[id] = ttlEntry{data: data, at: time.Now()}
		co.mu.Unlock()
		return data, nil
	})
	if err != nil {
		return nil, shared, err
	}
	return v.(map[string]string), shared, nil
}

// invalidate drops the TTL entry for id so the next read re-fetches.
// Called on every write submission, before the ack: a write that later
// fails still leaves this tier cold, which costs a re-fetch but never
// serves pre-write data as current.
func (co *coalescer) invalidate(id string) {
	co.mu.Lock()
	delete(co.cached, id)
	co.mu.Unlock()
}
