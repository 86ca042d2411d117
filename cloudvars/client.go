package cloudvars

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cloudvar/cloudchat/metrics"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultReadTimeout  = 10 * time.Second
	defaultBatchTimeout = 15 * time.Second

	// defaultMaxPayload bounds one serialized message record. The
	// remote store silently truncates huge variable names, so refusing
	// upfront is kinder than storing garbage.
	defaultMaxPayload = 100 * 1024
)

// Options configures a Client. Endpoint and ProjectID are required;
// everything else has a default.
type Options struct {
	// Endpoint is the websocket URL of the variable store, e.g.
	// "wss://clouddata.example.com".
	Endpoint string
	// User is the fixed identifier sent with every request. If empty, a
	// random one is generated, since the remote requires some identity
	// but never verifies it.
	User string
	// ProjectID is the resource id (partition key) this client reads
	// and writes.
	ProjectID string
	// WriteTimeout bounds one write round trip, including the dial.
	WriteTimeout time.Duration
	// ReadTimeout bounds one full enumeration walk. Hitting it is a
	// valid completion, not an error.
	ReadTimeout time.Duration
	// BatchTimeout bounds a whole SendBatch call.
	BatchTimeout time.Duration
	// MaxPayload is the largest accepted payload (name) size in bytes.
	MaxPayload int64
	// ReadTTL is how long a successful enumeration answers subsequent
	// GetAll calls without re-fetching.
	ReadTTL time.Duration
	// Dialer overrides the websocket dialer, mainly for tests.
	Dialer *websocket.Dialer
	// Logger receives connection and protocol events.
	Logger zerolog.Logger
	// Metrics, when non-nil, counts traffic and cache effectiveness.
	Metrics *metrics.ClientMetrics
}

func (o *Options) checkAndSetDefaults() error {
	if o.Endpoint == "" {
		return fmt.Errorf("%w: an endpoint is required", ErrInvalidArgument)
	}
	if o.ProjectID == "" {
		return fmt.Errorf("%w: a project id is required", ErrInvalidArgument)
	}
	if o.User == "" {
		o.User = "cloudchat-" + uuid.New().String()[:8]
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = defaultBatchTimeout
	}
	if o.MaxPayload <= 0 {
		o.MaxPayload = defaultMaxPayload
	}
	return nil
}

// Client reads and writes one resource id on the variable store. Writes
// share a single lazily-dialed socket and settle strictly in submission
// order; each read enumerates over its own private socket, deduplicated
// through the coalescer. Safe for concurrent use.
type Client struct {
	opts  Options
	log   zerolog.Logger
	queue *writeQueue
	co    *coalescer

	mu   sync.Mutex
	conn *connManager // nil until the first write; replaced after close
}

// NewClient validates opts and returns a Client. No connection is
// opened until the first write.
func NewClient(opts Options) (*Client, error) {
	if err := opts.checkAndSetDefaults(); err != nil {
		return nil, err
	}
	log := opts.Logger.With().
		Str("projectID", opts.ProjectID).
		Logger()
	return &Client{
		opts:  opts,
		log:   log,
		queue: newWriteQueue(),
		co:    newCoalescer(opts.ReadTTL),
	}, nil
}

func (c *Client) dialer() *websocket.Dialer {
	if c.opts.Dialer != nil {
		return c.opts.Dialer
	}
	return websocket.DefaultDialer
}

// writeConn returns the live connection manager, creating a fresh one
// if none exists or the previous one was torn down.
func (c *Client) writeConn() *connManager {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.closed() {
		cm := newConnManager(c.opts.Endpoint, c.opts.Dialer, c.log, func(err error) {
			// Queued tasks can't complete once the socket is gone;
			// reject them all rather than leaking their handles.
			if !errors.Is(err, ErrConnClosed) {
				err = fmt.Errorf("%w: %v", ErrConnClosed, err)
			}
			c.queue.drain(err)
		})
		c.conn = cm
	}
	return c.conn
}

// Send stores value under name, waiting for the remote ack. An empty
// value fails with ErrInvalidArgument before any connection is opened.
// timeout <= 0 uses the configured default.
func (c *Client) Send(name, value string, timeout time.Duration) error {
	if value == "" {
		return fmt.Errorf("%w: empty write value", ErrInvalidArgument)
	}
	if int64(len(name)) > c.opts.MaxPayload {
		return fmt.Errorf("%w: payload of %d bytes exceeds the %d byte limit",
			ErrInvalidArgument, len(name), c.opts.MaxPayload)
	}
	if timeout <= 0 {
		timeout = c.opts.WriteTimeout
	}

	// Invalidate at submission, not on ack, so a read issued between
	// the two never gets pre-write data from the TTL tier.
	c.co.invalidate(c.opts.ProjectID)

	done := c.queue.enqueue(func() error {
		return c.sendOne(name, value, timeout)
	})
	err := <-done
	c.observeWrite(err)
	return err
}

// sendOne performs a single write round trip. Runs only inside the
// queue's processing loop.
func (c *Client) sendOne(name, value string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	cm := c.writeConn()
	if _, err := cm.ensure(time.Until(deadline)); err != nil {
		return err
	}
	in, err := cm.roundTripAck(
		setFrame(c.opts.User, c.opts.ProjectID, name, value),
		time.Until(deadline),
	)
	if err != nil {
		return err
	}
	if in.reply != "OK" {
		return fmt.Errorf("%w: reply %q", ErrRemoteRejected, in.reply)
	}
	return nil
}

// SendBatch stores every entry of values, sequentially, inside one
// queue slot, against one overall timeout. The returned map holds the
// outcome of every attempted key (nil on success); keys never attempted
// because a sub-send timed out are absent. A sub-send timeout completes
// the batch with partial results rather than failing it; the error
// return is non-nil only when the batch never ran (e.g. the queue was
// drained by a connection close).
func (c *Client) SendBatch(values map[string]string, timeout time.Duration) (map[string]error, error) {
	if len(values) == 0 {
		return map[string]error{}, nil
	}
	if timeout <= 0 {
		timeout = c.opts.BatchTimeout
	}

	names := make([]string, 0, len(values))
	outcomes := make(map[string]error, len(values))
	dialNeeded := false
	for name, value := range values {
		if value == "" {
			outcomes[name] = fmt.Errorf("%w: empty write value", ErrInvalidArgument)
			continue
		}
		if int64(len(name)) > c.opts.MaxPayload {
			outcomes[name] = fmt.Errorf("%w: payload of %d bytes exceeds the %d byte limit",
				ErrInvalidArgument, len(name), c.opts.MaxPayload)
			continue
		}
		names = append(names, name)
		dialNeeded = true
	}
	if !dialNeeded {
		return outcomes, nil
	}
	// Deterministic sub-send order; the caller's map has none.
	sort.Strings(names)

	c.co.invalidate(c.opts.ProjectID)

	done := c.queue.enqueue(func() error {
		deadline := time.Now().Add(timeout)
		for _, name := range names {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil
			}
			err := c.sendOne(name, values[name], remaining)
			outcomes[name] = err
			c.observeWrite(err)
			if errors.Is(err, ErrConnTimeout) {
				// Abort the remaining sub-sends; the batch still
				// completes with what was gathered so far.
				c.log.Warn().
					Str("name", name).
					Int("attempted", len(outcomes)).
					Msg("batch sub-send timed out, aborting the rest")
				return nil
			}
		}
		return nil
	})
	if err := <-done; err != nil {
		return nil, err
	}
	return outcomes, nil
}

// GetAll returns the full enumeration for the client's resource id.
// Bursts of concurrent calls share one underlying walk, and a result
// younger than the read TTL is served without any network traffic.
// timeout <= 0 uses the configured default.
func (c *Client) GetAll(timeout time.Duration) (map[string]string, error) {
	if timeout <= 0 {
		timeout = c.opts.ReadTimeout
	}
	data, coalesced, err := c.co.getAll(c.opts.ProjectID, func() (map[string]string, error) {
		start := time.Now()
		data, err := c.fetchAll(timeout)
		if err != nil {
			return nil, err
		}
		c.opts.Metrics.ObserveEnumeration(time.Since(start).Seconds(), len(data))
		return data, nil
	})
	if coalesced {
		c.opts.Metrics.ObserveCoalescedRead()
	}
	return data, err
}

// Find looks name up in the current enumeration. ok is false when the
// enumeration succeeded but does not contain name.
func (c *Client) Find(name string, timeout time.Duration) (value string, ok bool, err error) {
	data, err := c.GetAll(timeout)
	if err != nil {
		return "", false, err
	}
	value, ok = data[name]
	return value, ok, nil
}

// InvalidateRead drops the short-TTL read cache so the next GetAll
// re-fetches. Writes through this client do it automatically.
func (c *Client) InvalidateRead() {
	c.co.invalidate(c.opts.ProjectID)
}

// Close tears down the write socket, rejecting queued writes with
// ErrConnClosed. The client stays usable: the next write dials again.
func (c *Client) Close() {
	c.mu.Lock()
	cm := c.conn
	c.mu.Unlock()
	if cm != nil {
		cm.closeWith(ErrConnClosed)
	}
}

func (c *Client) observeWrite(err error) {
	switch {
	case err == nil:
		c.opts.Metrics.ObserveWrite("ok")
	case errors.Is(err, ErrRemoteRejected):
		c.opts.Metrics.ObserveWrite("rejected")
	default:
		c.opts.Metrics.ObserveWrite("failed")
	}
}
