package routing

import (
	"context"
	"errors"
	"sync"

	"github.com/raskyld/tainin/pkg/frame"
	"github.com/raskyld/tainin/pkg/protocol"
	"github.com/raskyld/tainin/pkg/telemetry"
)

var (
	ErrEntryStopped = errors.New("routing: endpoint entry stopped")
)

// EndpointTableEntry binds a network endpoint to its key in an endpoint
// table and to the router its inbound frames go to.
type EndpointTableEntry struct {
	key      int32
	endpoint NetworkEndpoint
	upstream Router
	cfg      config

	done chan struct{}

	lk      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	err     error
}

// NewEndpointTableEntry builds the entry and its endpoint. The endpoint is
// not started.
func NewEndpointTableEntry(key int32, factory EndpointFactory, upstream Router, opts ...Option) *EndpointTableEntry {
	e := &EndpointTableEntry{
		key:      key,
		upstream: upstream,
		cfg:      newConfig("endpoint_entry", opts),
		done:     make(chan struct{}),
	}
	e.cfg.logger = e.cfg.logger.With(telemetry.LabelEndpointKey.L(key))
	e.endpoint = factory(e)
	return e
}

func (e *EndpointTableEntry) Key() int32 {
	return e.key
}

func (e *EndpointTableEntry) Endpoint() NetworkEndpoint {
	return e.endpoint
}

// Router is where inbound frames are routed to.
func (e *EndpointTableEntry) Router() Router {
	return e.upstream
}

// RouteFrame routes a frame received from the peer. When the frame asks for
// a return path, the entry prepends the keys leading back to itself.
//
// Errors of the upstream router are logged and counted, never returned, so
// one bad route cannot tear down the receive loop of the endpoint.
func (e *EndpointTableEntry) RouteFrame(ctx context.Context, mf *frame.MultiFrame, _ *EndpointTableEntry) error {
	back := make([]int32, 0, len(e.cfg.returnPrefix)+1)
	back = append(back, e.cfg.returnPrefix...)
	back = append(back, e.key)
	protocol.PrependReturnPath(mf, protocol.ReturnPath, back...)

	if err := e.upstream.RouteFrame(ctx, mf, e); err != nil {
		e.cfg.logger.Warn("failed to route inbound frame", telemetry.LabelError.L(err))
		e.cfg.msink.IncrCounterWithLabels(telemetry.MetricRouteErrorCount, 1.0, e.cfg.labels)
	}
	return nil
}

// ReceiveFrame is called by the endpoint for every frame it reads.
func (e *EndpointTableEntry) ReceiveFrame(ctx context.Context, mf *frame.MultiFrame) error {
	return e.RouteFrame(ctx, mf, nil)
}

// SendMultiFrame sends mf to the peer.
func (e *EndpointTableEntry) SendMultiFrame(ctx context.Context, mf *frame.MultiFrame) error {
	return e.endpoint.SendMultiFrame(ctx, mf)
}

// start runs the endpoint in the background, once. exit is called when it
// returns.
func (e *EndpointTableEntry) start(ctx context.Context, exit func(*EndpointTableEntry)) {
	e.lk.Lock()
	defer e.lk.Unlock()
	if e.started || e.stopped {
		return
	}
	e.started = true
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	go func() {
		defer close(e.done)
		defer cancel()
		err := e.endpoint.Run(ctx)

		e.lk.Lock()
		e.err = err
		stopped := e.stopped
		e.lk.Unlock()

		if err != nil && !stopped {
			e.cfg.logger.Error("endpoint exited", telemetry.LabelError.L(err))
		} else {
			e.cfg.logger.Debug("endpoint exited")
		}
		if exit != nil {
			exit(e)
		}
	}()
}

// Stop asks the endpoint to shut down. It does not wait, see Done.
func (e *EndpointTableEntry) Stop() {
	e.lk.Lock()
	if e.stopped {
		e.lk.Unlock()
		return
	}
	e.stopped = true
	cancel := e.cancel
	e.lk.Unlock()

	e.endpoint.Stop()
	if cancel != nil {
		cancel()
	}
}

// Done is closed once a started endpoint returned.
func (e *EndpointTableEntry) Done() <-chan struct{} {
	return e.done
}

// Err is what the endpoint returned, valid after Done is closed.
func (e *EndpointTableEntry) Err() error {
	e.lk.Lock()
	defer e.lk.Unlock()
	return e.err
}
