package wlink

import "time"

// Config holds the tunables of a Driver, built once via NewConfig and immutable
// afterwards. There is no file or environment loader here: unlike a full host-side
// configurator, every adapter-facing parameter is either a protocol constant or a value
// the embedding application decides and passes in directly.
type Config struct {
	forwarding     bool
	retransmission bool
	maxPlayers     uint8
	timeout        time.Duration
	remoteTimeout  time.Duration
	bufferSize     int
	interval       time.Duration
}

// Option mutates a Config under construction.
type Option func(*Config)

func WithForwarding(enabled bool) Option {
	return func(c *Config) { c.forwarding = enabled }
}

func WithRetransmission(enabled bool) Option {
	return func(c *Config) { c.retransmission = enabled }
}

func WithMaxPlayers(n uint8) Option {
	return func(c *Config) {
		if n > maxPeers {
			n = maxPeers
		}
		if n < 2 {
			n = 2
		}
		c.maxPlayers = n
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.timeout = d }
}

func WithRemoteTimeout(d time.Duration) Option {
	return func(c *Config) { c.remoteTimeout = d }
}

func WithBufferSize(n int) Option {
	return func(c *Config) { c.bufferSize = n }
}

func WithInterval(d time.Duration) Option {
	return func(c *Config) { c.interval = d }
}

// NewConfig builds a Config with documented defaults, then applies opts in order.
func NewConfig(opts ...Option) Config {
	c := Config{
		forwarding:     true,
		retransmission: true,
		maxPlayers:     maxPeers,
		timeout:        200 * time.Millisecond,
		remoteTimeout:  2 * time.Second,
		bufferSize:     64,
		interval:       16 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
