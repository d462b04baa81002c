package endpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/raskyld/tainin/pkg/wire"
)

const (
	DefaultKeepAlivePeriod  = 5 * time.Second
	DefaultKeepAliveTimeout = 15 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

var (
	ErrInvalidOption = errors.New("endpoint: invalid option")
)

type config struct {
	logger           *slog.Logger
	msink            metrics.MetricSink
	labels           []metrics.Label
	keepAlivePeriod  time.Duration
	keepAliveTimeout time.Duration
	handshakeTimeout time.Duration
	maxChunkSize     int
}

// Option configures a StreamEndpoint.
type Option func(*config) error

func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		if handler != nil {
			c.logger = slog.New(handler)
		}
		return nil
	}
}

// WithLogger uses logger as is, with any attribute it already carries.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.labels = labels
		return nil
	}
}

// WithKeepAlive sets how often keep-alives are sent and how long the
// endpoint waits for one from the peer before faulting.
func WithKeepAlive(period, timeout time.Duration) Option {
	return func(c *config) error {
		if period <= 0 || timeout <= 0 {
			return fmt.Errorf("%w: keep-alive period and timeout must be positive", ErrInvalidOption)
		}
		if timeout <= period {
			return fmt.Errorf("%w: keep-alive timeout %s must exceed period %s", ErrInvalidOption, timeout, period)
		}
		c.keepAlivePeriod = period
		c.keepAliveTimeout = timeout
		return nil
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return fmt.Errorf("%w: handshake timeout must be positive", ErrInvalidOption)
		}
		c.handshakeTimeout = d
		return nil
	}
}

// WithMaxChunkSize bounds the data of a received chunk.
func WithMaxChunkSize(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("%w: max chunk size must be positive", ErrInvalidOption)
		}
		c.maxChunkSize = n
		return nil
	}
}

func newConfig(opts []Option) (config, error) {
	cfg := config{
		keepAlivePeriod:  DefaultKeepAlivePeriod,
		keepAliveTimeout: DefaultKeepAliveTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
		maxChunkSize:     wire.DefaultMaxLength,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return cfg, err
		}
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}
	return cfg, nil
}
