// Package poller keeps the two-tier message cache warm: on every tick
// it enumerates each configured channel through the cloud-variable
// client and stores the result, so readers are served from cache
// between polls.
package poller

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudvar/cloudchat/cloudvars"
	"github.com/cloudvar/cloudchat/metrics"
	"github.com/cloudvar/cloudchat/msgcache"
	"github.com/cloudvar/cloudchat/storage"
	"github.com/cloudvar/cloudchat/userconfig"
)

// Config controls the polling loop itself, not what gets polled.
type Config struct {
	// For time.Ticker ticks
	TickCh <-chan time.Time
	// ErrCh receives per-round errors. The loop keeps running; a failed
	// poll just means the cache stays as it was.
	ErrCh chan error
	// Number of polling rounds to perform before stopping the loop.
	// Used for testing. Zero means no limit.
	IterationLimit uint
	// Run one round, then return.
	OneOff bool
}

// Service owns one client per configured channel plus the shared
// two-tier cache they populate.
type Service struct {
	clients map[string]*cloudvars.Client
	cache   *msgcache.Cache
	db      storage.KeyValue
	timeout time.Duration
	log     zerolog.Logger
}

// New wires clients and the message cache from the validated config.
// The caller keeps ownership of db and closes it after Close.
func New(conf *userconfig.Meta, db storage.KeyValue, m *metrics.ClientMetrics, log zerolog.Logger) (*Service, error) {
	cache, err := msgcache.New(db, msgcache.Config{
		Capacity: conf.Cache.Capacity,
		Expiry:   conf.Cache.Expiry,
		Version:  conf.Cache.Version,
		Logger:   log,
		Metrics:  m,
	})
	if err != nil {
		return nil, fmt.Errorf("can't build the message cache: %v", err)
	}

	clients := make(map[string]*cloudvars.Client, len(conf.Remote.Channels))
	for _, ch := range conf.Remote.Channels {
		c, err := cloudvars.NewClient(cloudvars.Options{
			Endpoint:     conf.Remote.Endpoint,
			User:         conf.Remote.User,
			ProjectID:    ch,
			WriteTimeout: conf.Remote.WriteTimeout,
			ReadTimeout:  conf.Remote.ReadTimeout,
			BatchTimeout: conf.Remote.BatchTimeout,
			MaxPayload:   conf.Remote.MaxPayloadSize,
			Logger:       log,
			Metrics:      m,
		})
		if err != nil {
			return nil, fmt.Errorf("can't build the client for channel %q: %v", ch, err)
		}
		clients[ch] = c
	}

	return &Service{
		clients: clients,
		cache:   cache,
		db:      db,
		timeout: conf.Remote.ReadTimeout,
		log:     log,
	}, nil
}

// Run conducts a single polling round across every channel and returns
// the first error encountered. Channels are polled concurrently; each
// successful enumeration replaces the channel's cache entry in both
// tiers.
func (s *Service) Run() error {
	var wg sync.WaitGroup
	// buffer the per-channel errors so no goroutine blocks on send
	errCh := make(chan error, len(s.clients))

	wg.Add(len(s.clients))
	for ch, client := range s.clients {
		go func(ch string, client *cloudvars.Client) {
			defer wg.Done()
			data, err := client.GetAll(s.timeout)
			if err != nil {
				errCh <- fmt.Errorf("polling channel %q: %w", ch, err)
				return
			}
			if err := s.cache.Set(ch, data); err != nil {
				errCh <- fmt.Errorf("caching channel %q: %w", ch, err)
				return
			}
			s.log.Debug().
				Str("channel", ch).
				Int("messages", len(data)).
				Msg("refreshed a channel")
		}(ch, client)
	}
	wg.Wait()

	// Reclaim cache records whose TTL lapsed since the last round.
	if err := s.db.Cleanup(); err != nil {
		s.log.Error().Err(err).Msg("error cleaning up the database")
	}

	select {
	case err := <-errCh:
		return err
	default:
	}
	s.log.Info().Int("channels", len(s.clients)).Msg("done with one polling round")
	return nil
}

// Messages returns the cached enumeration for a channel. ok is false
// when neither cache tier holds a live entry, e.g. before the first
// successful poll.
func (s *Service) Messages(channel string) (map[string]string, bool) {
	return s.cache.Get(channel)
}

// Send stores a message payload on a channel and drops that channel's
// cache entry so the next poll is the source of truth.
func (s *Service) Send(channel, payload, value string) error {
	client, ok := s.clients[channel]
	if !ok {
		return fmt.Errorf("%w: unknown channel %q", cloudvars.ErrInvalidArgument, channel)
	}
	if err := client.Send(payload, value, 0); err != nil {
		return err
	}
	if err := s.cache.Clear(channel); err != nil {
		s.log.Warn().Err(err).Str("channel", channel).Msg("can't clear the cache after a write")
	}
	return nil
}

// ClearCache removes one channel from both cache tiers and drops the
// channel client's short-TTL read cache, so the next poll enumerates
// the remote rather than replaying a recent result.
func (s *Service) ClearCache(channel string) error {
	if client, ok := s.clients[channel]; ok {
		client.InvalidateRead()
	}
	return s.cache.Clear(channel)
}

// ClearAllCache wipes both cache tiers for every channel, leaving
// unrelated persisted data untouched. Every client's read cache is
// dropped as well.
func (s *Service) ClearAllCache() error {
	for _, client := range s.clients {
		client.InvalidateRead()
	}
	return s.cache.ClearAll()
}

// Close tears down every client's write socket. The cache and its
// database stay usable until the caller closes the database.
func (s *Service) Close() {
	for _, client := range s.clients {
		client.Close()
	}
}

// StartLoop begins the main sequence of polling every channel each
// interval (defined by c.TickCh). If a c.ErrCh is provided, sends any
// errors to it; the loop itself only stops on the iteration limit or
// in one-off mode.
func StartLoop(c *Config, s *Service) error {
	// Run the first round immediately
	if err := s.Run(); err != nil {
		if c.ErrCh != nil {
			c.ErrCh <- err
		}
	}

	if c.OneOff {
		return nil
	}

	// Implement the iteration limit by replacing the tick channel with
	// a buffered channel pre-loaded with ticks.
	tickCh := c.TickCh
	if c.IterationLimit > 0 {
		ch := make(chan time.Time, c.IterationLimit)
		for i := uint(0); i < c.IterationLimit; i++ {
			ch <- time.Time{}
		}
		close(ch)
		tickCh = ch
	}

	for range tickCh {
		if err := s.Run(); err != nil {
			if c.ErrCh != nil {
				c.ErrCh <- err
			}
		}
	}
	return nil
}
