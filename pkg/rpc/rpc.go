// Package rpc correlates requests with their responses over any number of
// routed hops.
//
// A call stamps a response identifier in the request, sends it and waits.
// The handler is registered as a router: any frame routed to it carrying a
// registered identifier resolves the call waiting on it. Other frames are
// dropped.
package rpc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/raskyld/tainin/pkg/critbit"
	"github.com/raskyld/tainin/pkg/frame"
	"github.com/raskyld/tainin/pkg/protocol"
	"github.com/raskyld/tainin/pkg/routing"
	"github.com/raskyld/tainin/pkg/telemetry"
)

const responseIDSize = 8

var (
	ErrSend = errors.New("rpc: could not send request")
)

// Sender is where requests go out, usually an endpoint table entry.
type Sender interface {
	SendMultiFrame(ctx context.Context, mf *frame.MultiFrame) error
}

type config struct {
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

type Option func(*config)

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

func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) {
		c.labels = labels
	}
}

// CallResponseHandler tracks the calls waiting for a response.
type CallResponseHandler struct {
	cfg config
	now func() time.Time

	lk        sync.Mutex
	pending   *critbit.Tree[*ResponseHandle]
	nextIndex uint32

	handles queue[*ResponseHandle]
	indices queue[uint32]
}

var _ routing.Router = (*CallResponseHandler)(nil)

func NewCallResponseHandler(opts ...Option) *CallResponseHandler {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}
	cfg.logger = cfg.logger.With(telemetry.LabelRouter.L("call_response"))

	return &CallResponseHandler{
		cfg:     cfg,
		now:     time.Now,
		pending: critbit.New[*ResponseHandle](),
	}
}

// responseID packs the index of a call with a coarse timestamp so a
// recycled index does not match a response meant for its previous user.
func responseID(index uint32, at time.Time) critbit.Key {
	id := make(critbit.Key, 0, responseIDSize)
	id = binary.BigEndian.AppendUint32(id, index)
	return binary.BigEndian.AppendUint32(id, uint32(at.UnixMilli()))
}

type call struct {
	handle *ResponseHandle
	index  uint32
	id     critbit.Key
}

func (c *CallResponseHandler) register() call {
	h, ok := c.handles.pop()
	if !ok {
		h = NewResponseHandle()
	}

	c.lk.Lock()
	defer c.lk.Unlock()

	index, ok := c.indices.pop()
	if !ok {
		index = c.nextIndex
		c.nextIndex++
	}

	id := responseID(index, c.now())
	for !c.pending.TryAdd(id, h) {
		// the previous user of index is still waiting, and within the same
		// millisecond: take a fresh index. index goes back to the pool when
		// that user unregisters.
		index = c.nextIndex
		c.nextIndex++
		id = responseID(index, c.now())
	}
	c.cfg.msink.SetGaugeWithLabels(telemetry.MetricRPCPending, float32(c.pending.Len()), c.cfg.labels)
	return call{handle: h, index: index, id: id}
}

func (c *CallResponseHandler) unregister(cl call) {
	c.lk.Lock()
	c.pending.TryRemove(cl.id)
	c.cfg.msink.SetGaugeWithLabels(telemetry.MetricRPCPending, float32(c.pending.Len()), c.cfg.labels)
	c.lk.Unlock()

	// nobody can release the handle once it left the tree.
	cl.handle.reset()
	c.handles.push(cl.handle)
	c.indices.push(cl.index)
}

// Call stamps a response identifier in req, sends it through s and blocks
// until the matching response is routed to the handler or ctx is done.
//
// The call is unregistered before Call returns, whatever the outcome: a
// response arriving after a cancellation is dropped.
func (c *CallResponseHandler) Call(ctx context.Context, s Sender, req *frame.MultiFrame) (*frame.MultiFrame, error) {
	start := c.now()
	cl := c.register()
	defer c.unregister(cl)

	protocol.SetResponseID(req, cl.id)
	c.cfg.msink.IncrCounterWithLabels(telemetry.MetricRPCCallCount, 1.0, c.cfg.labels)

	if err := s.SendMultiFrame(ctx, req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSend, err)
	}

	resp, err := cl.handle.Wait(ctx)
	if err != nil {
		c.cfg.logger.Debug("call abandoned", telemetry.LabelError.L(err))
		c.cfg.msink.IncrCounterWithLabels(telemetry.MetricRPCCancelCount, 1.0, c.cfg.labels)
		return nil, err
	}

	c.cfg.msink.AddSampleWithLabels(
		telemetry.MetricRPCLatency,
		float32(c.now().Sub(start).Milliseconds()),
		c.cfg.labels,
	)
	return resp, nil
}

// RouteFrame resolves the call mf answers. Frames without a registered
// identifier are dropped.
func (c *CallResponseHandler) RouteFrame(_ context.Context, mf *frame.MultiFrame, _ *routing.EndpointTableEntry) error {
	id, ok := protocol.ResponseID(mf)
	if !ok {
		c.dropped("no_response_id")
		return nil
	}

	c.lk.Lock()
	defer c.lk.Unlock()
	h, found := c.pending.TryGet(id)
	if !found {
		c.dropped("unknown_response_id")
		return nil
	}
	// released under the lock so the handle cannot be recycled in between.
	if !h.Release(mf) {
		c.dropped("duplicate_response")
	}
	return nil
}

func (c *CallResponseHandler) dropped(reason string) {
	c.cfg.msink.IncrCounterWithLabels(
		telemetry.MetricDroppedCount,
		1.0,
		telemetry.With(c.cfg.labels, telemetry.LabelRouter.M("call_response"), telemetry.LabelReason.M(reason)),
	)
}

// Pending is the number of calls waiting for a response.
func (c *CallResponseHandler) Pending() int {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.pending.Len()
}
