package userconfig

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	units "github.com/docker/go-units"
	yaml "gopkg.in/yaml.v2"
)

// Polls must take place at a minimum every second. Chat needs a short
// interval, but 1s is a failsafe to make sure we're not accidentally
// DOSing the variable store.
const minDurationMS int64 = 1000 // using MS since it's an int not a float

// Meta represents all current config options that the application can
// use, i.e., after validation and parsing
type Meta struct {
	Remote  Remote  `yaml:"remote"`
	Cache   Cache   `yaml:"cache"`
	Polling Polling `yaml:"polling"`
	Metrics Metrics `yaml:"metrics"`
}

// Remote describes the variable store endpoint and the channels
// (resource ids) to synchronize against it.
type Remote struct {
	Endpoint string
	// User is the fixed identifier sent with every request. Optional;
	// the client generates one when empty.
	User string
	// Channels are the project ids polled for messages.
	Channels []string
	// Zero timeouts fall back to the client defaults.
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	BatchTimeout time.Duration
	// MaxPayloadSize caps one serialized message record, in bytes.
	MaxPayloadSize int64
}

// Cache holds the two-tier message cache settings.
type Cache struct {
	StorageDirPath string
	Capacity       int
	Expiry         time.Duration
	// Version invalidates every persisted record written under a
	// different value. Bump it when the record layout changes.
	Version int
}

// Polling contains config options that apply to the poll loop.
type Polling struct {
	Interval time.Duration
	// Run one polling round, then exit
	OneOff bool
}

// Metrics configures the optional prometheus listener. An empty address
// disables it.
type Metrics struct {
	ListenAddress string `yaml:"listenAddress"`
}

// UnmarshalYAML parses the user-provided remote section, returning any
// parsing errors.
func (r *Remote) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v struct {
		Endpoint       string   `yaml:"endpoint"`
		User           string   `yaml:"user"`
		Channels       []string `yaml:"channels"`
		WriteTimeout   string   `yaml:"writeTimeout"`
		ReadTimeout    string   `yaml:"readTimeout"`
		BatchTimeout   string   `yaml:"batchTimeout"`
		MaxPayloadSize string   `yaml:"maxPayloadSize"`
	}
	if err := unmarshal(&v); err != nil {
		return fmt.Errorf("can't parse the remote config: %v", err)
	}

	r.Endpoint = v.Endpoint
	r.User = v.User
	r.Channels = v.Channels

	for _, d := range []struct {
		raw  string
		into *time.Duration
		name string
	}{
		{v.WriteTimeout, &r.WriteTimeout, "writeTimeout"},
		{v.ReadTimeout, &r.ReadTimeout, "readTimeout"},
		{v.BatchTimeout, &r.BatchTimeout, "batchTimeout"},
	} {
		if d.raw == "" {
			continue
		}
		pd, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("can't parse %v as a duration: %v", d.name, err)
		}
		*d.into = pd
	}

	if v.MaxPayloadSize != "" {
		n, err := units.RAMInBytes(v.MaxPayloadSize)
		if err != nil {
			return fmt.Errorf("can't parse maxPayloadSize as a size: %v", err)
		}
		r.MaxPayloadSize = n
	}

	return nil
}

// CheckAndSetDefaults validates r and either returns a copy of r with
// default settings applied or returns an error due to an invalid
// configuration
func (r *Remote) CheckAndSetDefaults() (Remote, error) {
	if r.Endpoint == "" {
		return Remote{}, errors.New(
			"user-provided config does not include a remote endpoint",
		)
	}
	u, err := url.Parse(r.Endpoint)
	if err != nil {
		return Remote{}, fmt.Errorf("can't parse the remote endpoint as a URL: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return Remote{}, fmt.Errorf(
			"the remote endpoint must use the ws or wss scheme, got %q", u.Scheme,
		)
	}
	if len(r.Channels) == 0 {
		return Remote{}, errors.New(
			"user-provided config does not include any channels",
		)
	}
	return *r, nil
}

// UnmarshalYAML parses the user-provided cache section, returning any
// parsing errors.
func (c *Cache) UnmarshalYAML(unmarshal func(interface{}) error) error {
	v := make(map[string]string)
	if err := unmarshal(&v); err != nil {
		return fmt.Errorf("can't parse the cache config: %v", err)
	}

	c.StorageDirPath = v["storageDir"]

	if raw, ok := v["capacity"]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("can't parse the cache capacity as an integer: %v", err)
		}
		c.Capacity = n
	}

	if raw, ok := v["expiry"]; ok {
		pd, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("can't parse the cache expiry as a duration: %v", err)
		}
		c.Expiry = pd
	}

	if raw, ok := v["version"]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("can't parse the cache version as an integer: %v", err)
		}
		c.Version = n
	}

	return nil
}

// CheckAndSetDefaults validates c and either returns a copy of c with
// default settings applied or returns an error due to an invalid
// configuration
func (c *Cache) CheckAndSetDefaults() (Cache, error) {
	if c.Capacity < 0 {
		return Cache{}, fmt.Errorf("the cache capacity can't be negative, got %d", c.Capacity)
	}
	if c.Expiry < 0 {
		return Cache{}, errors.New("the cache expiry can't be negative")
	}
	// An empty StorageDirPath is allowed: the application runs with the
	// no-op persisted tier.
	return *c, nil
}

// UnmarshalYAML parses the user-provided polling section, returning any
// parsing errors.
func (p *Polling) UnmarshalYAML(unmarshal func(interface{}) error) error {
	v := make(map[string]string)
	if err := unmarshal(&v); err != nil {
		return fmt.Errorf("can't parse the polling config: %v", err)
	}

	d, ok := v["interval"]
	if !ok {
		d = "0s"
	}

	pd, err := time.ParseDuration(d)
	if err != nil {
		return fmt.Errorf(
			"can't parse the user-provided polling interval as a duration: %v",
			err,
		)
	}
	p.Interval = pd

	return nil
}

// CheckAndSetDefaults validates p and either returns a copy of p with
// default settings applied or returns an error due to an invalid
// configuration
func (p *Polling) CheckAndSetDefaults() (Polling, error) {
	i := p.Interval.Milliseconds()
	if i == 0 {
		return Polling{}, errors.New(
			"user-provided config does not include a polling interval",
		)
	}
	if i < minDurationMS {
		return Polling{}, fmt.Errorf(
			"polling interval must be at least %v second", minDurationMS/1000,
		)
	}
	return *p, nil
}

// CheckAndSetDefaults validates m and either returns a copy of m with
// default settings applied or returns an error due to an invalid
// configuration
func (m *Meta) CheckAndSetDefaults() (Meta, error) {
	c := Meta{Metrics: m.Metrics}

	r, err := m.Remote.CheckAndSetDefaults()
	if err != nil {
		return Meta{}, err
	}
	c.Remote = r

	ca, err := m.Cache.CheckAndSetDefaults()
	if err != nil {
		return Meta{}, err
	}
	c.Cache = ca

	p, err := m.Polling.CheckAndSetDefaults()
	if err != nil {
		return Meta{}, err
	}
	c.Polling = p

	return c, nil
}

// Parse generates usable configurations from possibly arbitrary user
// input. An error indicates a problem with parsing or validation. The
// Reader r can be either JSON or YAML.
func Parse(r io.Reader) (*Meta, error) {
	var m Meta
	if err := yaml.NewDecoder(r).Decode(&m); err != nil {
		return &Meta{}, fmt.Errorf("can't read the config file as YAML: %v", err)
	}

	if m.Remote.Endpoint == "" && len(m.Remote.Channels) == 0 {
		return &Meta{}, errors.New("must include a \"remote\" section")
	}

	var p Polling = Polling{}
	if m.Polling == p {
		return &Meta{}, errors.New("must include a \"polling\" section")
	}

	return &m, nil
}
