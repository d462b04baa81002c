package tainin

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"

	"github.com/raskyld/tainin/pkg/endpoint"
	"github.com/raskyld/tainin/pkg/protocol"
	"github.com/raskyld/tainin/pkg/routing"
	"github.com/raskyld/tainin/pkg/rpc"
	"github.com/raskyld/tainin/pkg/telemetry"
)

const (
	defaultDialTimeout   = 30 * time.Second
	defaultUDPBufferSize = 1 << 21
)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	nodeID uuid.UUID

	reservedEndpoints int
	reservedRoutes    int
	reservedSources   int

	keepAlivePeriod  time.Duration
	keepAliveTimeout time.Duration
	handshakeTimeout time.Duration
	maxChunkSize     int

	tlsConf     *tls.Config
	dialTimeout time.Duration
	resolver    HostnameResolver
	bufferSize  int
}

// Option to pass to `NewNode` and to connection sources.
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Node`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Node.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithNodeID fixes the identity of the node instead of drawing a random
// one.
func WithNodeID(id uuid.UUID) Option {
	return func(c *config) error {
		if id == uuid.Nil {
			return fmt.Errorf("%w: node id cannot be nil", ErrInvalidCfg)
		}
		c.nodeID = id
		return nil
	}
}

// WithReservedCounts sets how many keys of the endpoint, routing and
// connection source tables are kept for explicit registrations. Keys
// below the count are never handed out automatically.
func WithReservedCounts(endpoints, routes, sources int) Option {
	return func(c *config) error {
		for _, n := range []int{endpoints, routes, sources} {
			if n < 0 {
				return fmt.Errorf("%w: reserved counts must not be negative", ErrInvalidCfg)
			}
		}
		if routes <= int(protocol.CallResponseRoute) {
			return fmt.Errorf("%w: the routing table needs at least %d reserved keys", ErrInvalidCfg, protocol.CallResponseRoute+1)
		}
		c.reservedEndpoints = endpoints
		c.reservedRoutes = routes
		c.reservedSources = sources
		return nil
	}
}

// WithKeepAlive controls how often endpoints send keep-alives and how long
// they tolerate a silent peer.
func WithKeepAlive(period, timeout time.Duration) Option {
	return func(c *config) error {
		if period <= 0 || timeout <= period {
			return fmt.Errorf("%w: keep-alive timeout must exceed a positive period", ErrInvalidCfg)
		}
		c.keepAlivePeriod = period
		c.keepAliveTimeout = timeout
		return nil
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return fmt.Errorf("%w: handshake timeout must be positive", ErrInvalidCfg)
		}
		c.handshakeTimeout = d
		return nil
	}
}

// WithMaxChunkSize bounds the size of a chunk received from a peer.
func WithMaxChunkSize(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("%w: max chunk size must be positive", ErrInvalidCfg)
		}
		c.maxChunkSize = n
		return nil
	}
}

// WithTlsConfig set the `tls.Config` QUIC sources use. It is REALLY
// important that you use mTLS in production since the peer certificate is
// what names its endpoint.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.tlsConf = tlsConf.Clone()
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote node to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = defaultDialTimeout
		}
		c.dialTimeout = timeout
		return nil
	}
}

// WithHostnameResolver overrides how QUIC sources name their peers.
func WithHostnameResolver(resolver HostnameResolver) Option {
	return func(c *config) error {
		c.resolver = resolver
		return nil
	}
}

// WithBufferSize requests a UDP kernel buffer of size bytes for QUIC
// sources. Smaller buffers are tried when the kernel refuses.
func WithBufferSize(size int) Option {
	return func(c *config) error {
		if size <= 0 {
			return fmt.Errorf("%w: buffer size must be positive", ErrInvalidCfg)
		}
		c.bufferSize = size
		return nil
	}
}

func newConfig(opts []Option) (*config, error) {
	cfg := &config{
		reservedEndpoints: protocol.DefaultReservedCount,
		reservedRoutes:    protocol.DefaultReservedCount,
		reservedSources:   protocol.DefaultReservedCount,
		keepAlivePeriod:   endpoint.DefaultKeepAlivePeriod,
		keepAliveTimeout:  endpoint.DefaultKeepAliveTimeout,
		handshakeTimeout:  endpoint.DefaultHandshakeTimeout,
		dialTimeout:       defaultDialTimeout,
		resolver:          CommonNameResolver,
		bufferSize:        defaultUDPBufferSize,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}
	if cfg.resolver == nil {
		cfg.resolver = CommonNameResolver
	}
	return cfg, nil
}

func (c *config) logger() *slog.Logger {
	if c.logHandler == nil {
		return slog.Default()
	}
	return slog.New(c.logHandler)
}

func (c *config) labels(extra ...metrics.Label) []metrics.Label {
	return telemetry.With(c.metricLabels, extra...)
}

func (c *config) routingOptions(reserved int, extra ...routing.Option) []routing.Option {
	opts := []routing.Option{
		routing.WithMetricSink(c.msink),
		routing.WithMetricLabels(c.metricLabels),
		routing.WithReservedCount(reserved),
	}
	if c.logHandler != nil {
		opts = append(opts, routing.WithLog(c.logHandler))
	}
	return append(opts, extra...)
}

func (c *config) rpcOptions() []rpc.Option {
	opts := []rpc.Option{
		rpc.WithMetricSink(c.msink),
		rpc.WithMetricLabels(c.metricLabels),
	}
	if c.logHandler != nil {
		opts = append(opts, rpc.WithLog(c.logHandler))
	}
	return opts
}

func (c *config) endpointOptions() []endpoint.Option {
	opts := []endpoint.Option{
		endpoint.WithMetricSink(c.msink),
		endpoint.WithMetricLabels(c.metricLabels),
		endpoint.WithKeepAlive(c.keepAlivePeriod, c.keepAliveTimeout),
		endpoint.WithHandshakeTimeout(c.handshakeTimeout),
	}
	if c.logHandler != nil {
		opts = append(opts, endpoint.WithLog(c.logHandler))
	}
	if c.maxChunkSize > 0 {
		opts = append(opts, endpoint.WithMaxChunkSize(c.maxChunkSize))
	}
	return opts
}
