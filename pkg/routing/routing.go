// Package routing moves MultiFrames between the tables of a node.
//
// A frame carries the route it still has to travel in its RoutingPath
// section. Every table router pops one key from it, looks the key up and
// hands the frame to whatever it found: another router, or the network
// endpoint of a peer. Frames that are not addressed to anything a router
// knows are dropped without error.
//
// Named tables fall back to the NamePath section once the routing path is
// absent or consumed, so a route may start with keys and end with names.
package routing

import (
	"context"
	"log/slog"

	"github.com/hashicorp/go-metrics"

	"github.com/raskyld/tainin/pkg/frame"
	"github.com/raskyld/tainin/pkg/protocol"
	"github.com/raskyld/tainin/pkg/telemetry"
)

// Router accepts frames. origin is the endpoint entry the frame came in
// through, nil for frames produced locally.
type Router interface {
	RouteFrame(ctx context.Context, mf *frame.MultiFrame, origin *EndpointTableEntry) error
}

// RouterFunc adapts a function to a Router.
type RouterFunc func(ctx context.Context, mf *frame.MultiFrame, origin *EndpointTableEntry) error

func (fn RouterFunc) RouteFrame(ctx context.Context, mf *frame.MultiFrame, origin *EndpointTableEntry) error {
	return fn(ctx, mf, origin)
}

// NetworkEndpoint is a connection to a peer as seen by the routing layer.
type NetworkEndpoint interface {
	// Run blocks for the whole life of the connection.
	Run(ctx context.Context) error
	// Stop asks a running endpoint to shut down. It does not wait.
	Stop()
	SendMultiFrame(ctx context.Context, mf *frame.MultiFrame) error
}

// EndpointFactory builds the endpoint of a new entry. The entry is the
// receiver of every frame the endpoint reads.
type EndpointFactory func(entry *EndpointTableEntry) NetworkEndpoint

const (
	reasonNoRoute     = "no_route"
	reasonUnknownKey  = "unknown_key"
	reasonUnknownName = "unknown_name"
	reasonMalformed   = "malformed"
	reasonClosed      = "closed"
)

type config struct {
	name         string
	logger       *slog.Logger
	msink        metrics.MetricSink
	labels       []metrics.Label
	reserved     int
	returnPrefix []int32
}

type Option func(*config)

// WithName labels the logs and metrics of a router.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

func WithLog(handler slog.Handler) Option {
	return func(c *config) {
		if handler != nil {
			c.logger = slog.New(handler)
		}
	}
}

func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
	}
}

// WithMetricLabels adds static labels to every metric of the router.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) {
		c.labels = labels
	}
}

// WithReservedCount sets how many keys a table keeps for explicit claims.
func WithReservedCount(n int) Option {
	return func(c *config) {
		c.reserved = n
	}
}

// WithReturnPrefix sets the keys an endpoint entry pushes, before its own
// key, on the return path of every frame it receives. A node sets it to the
// key of its endpoint table in its routing table.
func WithReturnPrefix(keys ...int32) Option {
	return func(c *config) {
		c.returnPrefix = keys
	}
}

func newConfig(defaultName string, opts []Option) config {
	cfg := config{
		name:     defaultName,
		reserved: protocol.DefaultReservedCount,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}
	cfg.logger = cfg.logger.With(telemetry.LabelRouter.L(cfg.name))
	cfg.labels = telemetry.With(cfg.labels, telemetry.LabelRouter.M(cfg.name))
	return cfg
}

func (c *config) forwarded() {
	c.msink.IncrCounterWithLabels(telemetry.MetricRoutedCount, 1.0, c.labels)
}

func (c *config) dropped(reason string) {
	c.msink.IncrCounterWithLabels(
		telemetry.MetricDroppedCount,
		1.0,
		telemetry.With(c.labels, telemetry.LabelReason.M(reason)),
	)
}

// lookup resolves the next hop of mf. found is false, with a nil error,
// when the frame must be dropped.
func lookup[T any](
	c *config,
	mf *frame.MultiFrame,
	byKey func(key int32) (T, bool),
	byName func(name string) (T, bool),
) (next T, found bool, err error) {
	key, hasKey, err := protocol.NextRoutingKey(mf, protocol.RoutingPath)
	if err != nil {
		c.dropped(reasonMalformed)
		return next, false, err
	}
	if hasKey {
		next, found = byKey(key)
		if !found {
			c.logger.Debug("dropping frame for unknown key", telemetry.LabelRouteKey.L(key))
			c.dropped(reasonUnknownKey)
		}
		return next, found, nil
	}

	if byName == nil {
		c.dropped(reasonNoRoute)
		return next, false, nil
	}

	name, hasName, err := protocol.NextRouteName(mf, protocol.NamePath)
	if err != nil {
		c.dropped(reasonMalformed)
		return next, false, err
	}
	if !hasName {
		c.dropped(reasonNoRoute)
		return next, false, nil
	}
	next, found = byName(name)
	if !found {
		c.logger.Debug("dropping frame for unknown name", telemetry.LabelRouteName.L(name))
		c.dropped(reasonUnknownName)
	}
	return next, found, nil
}
