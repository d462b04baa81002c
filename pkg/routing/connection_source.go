package routing

import (
	"context"
	"sync"

	"github.com/raskyld/tainin/pkg/frame"
	"github.com/raskyld/tainin/pkg/protocol"
	"github.com/raskyld/tainin/pkg/table"
	"github.com/raskyld/tainin/pkg/telemetry"
)

// ConnectionSource opens connections on request of a peer.
type ConnectionSource interface {
	// CompleteConnectionRequest connects to the address described by info,
	// in the format the source itself advertises.
	CompleteConnectionRequest(ctx context.Context, info *frame.Frame) error
}

// ConnectionSourceTable routes connection requests to the source named by
// the last buffer of their ConnectionInfo section.
//
// Requests are completed in the background, outside of the endpoint that
// received them, until the table is closed.
type ConnectionSourceTable struct {
	cfg config
	t   *table.NamedTable[ConnectionSource]

	ctx    context.Context
	cancel context.CancelFunc
	lk     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewConnectionSourceTable(opts ...Option) *ConnectionSourceTable {
	cfg := newConfig("connection_source_table", opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionSourceTable{
		cfg:    cfg,
		t:      table.NewNamed[ConnectionSource](cfg.reserved),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (cst *ConnectionSourceTable) Table() *table.NamedTable[ConnectionSource] {
	return cst.t
}

// Add registers src under a fresh key.
func (cst *ConnectionSourceTable) Add(name string, src ConnectionSource) (int32, error) {
	return cst.t.Add(name, src)
}

func (cst *ConnectionSourceTable) TryGetByName(name string) (ConnectionSource, int32, bool) {
	return cst.t.TryGetByName(name)
}

func (cst *ConnectionSourceTable) Remove(key int32) bool {
	_, found := cst.t.TryPop(key)
	return found
}

func (cst *ConnectionSourceTable) Clear() {
	cst.t.Clear()
}

// Close cancels the requests in flight, waits for them and clears the
// table. Requests routed afterwards are dropped.
func (cst *ConnectionSourceTable) Close() {
	cst.lk.Lock()
	cst.closed = true
	cst.lk.Unlock()

	cst.cancel()
	cst.wg.Wait()
	cst.t.Clear()
}

func (cst *ConnectionSourceTable) RouteFrame(_ context.Context, mf *frame.MultiFrame, _ *EndpointTableEntry) error {
	info, found := mf.TryGet(int16(protocol.ConnectionInfo))
	if !found {
		cst.cfg.dropped(reasonNoRoute)
		return nil
	}

	key, err := protocol.ConnectionSourceKey(info)
	if err != nil {
		cst.cfg.dropped(reasonMalformed)
		return err
	}
	src, found := cst.t.TryGet(key)
	if !found {
		cst.cfg.logger.Debug("dropping connection request for unknown source", telemetry.LabelSource.L(key))
		cst.cfg.dropped(reasonUnknownKey)
		return nil
	}

	// the source only sees its own address data.
	if _, err := info.Pop(-1); err != nil {
		return err
	}
	cst.lk.Lock()
	defer cst.lk.Unlock()
	if cst.closed {
		cst.cfg.dropped(reasonClosed)
		return nil
	}
	cst.cfg.forwarded()
	cst.wg.Add(1)
	go cst.complete(src, key, info)
	return nil
}

// complete dials on behalf of a peer. A dial may take much longer than the
// keep-alive of the endpoint the request came from.
func (cst *ConnectionSourceTable) complete(src ConnectionSource, key int32, info *frame.Frame) {
	defer cst.wg.Done()
	if err := src.CompleteConnectionRequest(cst.ctx, info); err != nil {
		cst.cfg.logger.Warn(
			"failed to complete connection request",
			telemetry.LabelSource.L(key),
			telemetry.LabelError.L(err),
		)
		cst.cfg.msink.IncrCounterWithLabels(telemetry.MetricRouteErrorCount, 1.0, cst.cfg.labels)
	}
}
