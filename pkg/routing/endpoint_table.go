package routing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/raskyld/tainin/pkg/frame"
	"github.com/raskyld/tainin/pkg/table"
	"github.com/raskyld/tainin/pkg/telemetry"
)

// endpoints is the lifecycle shared by both endpoint tables: an entry is
// started when added, stopped when removed and removed when its endpoint
// returns.
type endpoints struct {
	cfg       config
	entryOpts []Option

	ctx    context.Context
	cancel context.CancelFunc

	active atomic.Int64

	lk     sync.Mutex
	closed bool
}

func (eps *endpoints) init(name string, opts []Option) {
	eps.ctx, eps.cancel = context.WithCancel(context.Background())
	eps.cfg = newConfig(name, opts)
	eps.entryOpts = append(append([]Option{}, opts...), WithName("endpoint_entry"))
}

func (eps *endpoints) added(key int32, e *EndpointTableEntry, exit func(*EndpointTableEntry)) {
	eps.cfg.logger.Debug("starting endpoint", telemetry.LabelEndpointKey.L(key))
	eps.cfg.msink.SetGaugeWithLabels(telemetry.MetricEndpointActive, float32(eps.active.Add(1)), eps.cfg.labels)
	e.start(eps.ctx, exit)
}

func (eps *endpoints) removed(key int32, e *EndpointTableEntry) {
	eps.cfg.logger.Debug("stopping endpoint", telemetry.LabelEndpointKey.L(key))
	eps.cfg.msink.SetGaugeWithLabels(telemetry.MetricEndpointActive, float32(eps.active.Add(-1)), eps.cfg.labels)
	e.Stop()
}

func (eps *endpoints) build(factory EndpointFactory, upstream Router) func(key int32) (*EndpointTableEntry, error) {
	return func(key int32) (*EndpointTableEntry, error) {
		eps.lk.Lock()
		closed := eps.closed
		eps.lk.Unlock()
		if closed {
			return nil, ErrEntryStopped
		}
		return NewEndpointTableEntry(key, factory, upstream, eps.entryOpts...), nil
	}
}

func (eps *endpoints) close() {
	eps.lk.Lock()
	eps.closed = true
	eps.lk.Unlock()
	eps.cancel()
}

func (eps *endpoints) send(ctx context.Context, e *EndpointTableEntry, mf *frame.MultiFrame) error {
	if err := e.SendMultiFrame(ctx, mf); err != nil {
		return fmt.Errorf("routing: endpoint %d: %w", e.Key(), err)
	}
	eps.cfg.forwarded()
	return nil
}

// EndpointTable sends frames out through the endpoint registered under the
// next key of their routing path.
type EndpointTable struct {
	endpoints
	t *table.Table[*EndpointTableEntry]
}

func NewEndpointTable(opts ...Option) *EndpointTable {
	et := &EndpointTable{}
	et.init("endpoint_table", opts)
	et.t = table.New[*EndpointTableEntry](
		et.cfg.reserved,
		table.WithOnAdded[*EndpointTableEntry](func(key int32, e *EndpointTableEntry) { et.added(key, e, et.exited) }),
		table.WithOnRemoved[*EndpointTableEntry](et.removed),
	)
	return et
}

func (et *EndpointTable) Table() *table.Table[*EndpointTableEntry] {
	return et.t
}

// Add builds an entry under a fresh key and starts its endpoint. Frames the
// endpoint receives are routed to upstream.
func (et *EndpointTable) Add(factory EndpointFactory, upstream Router) (*EndpointTableEntry, error) {
	h, err := et.t.AddHandle()
	if err != nil {
		return nil, err
	}
	return h.AddFunc(et.build(factory, upstream))
}

func (et *EndpointTable) TryGet(key int32) (*EndpointTableEntry, bool) {
	return et.t.TryGet(key)
}

// Remove stops and forgets the entry under key.
func (et *EndpointTable) Remove(key int32) bool {
	return et.t.TryRemove(key)
}

func (et *EndpointTable) Len() int {
	return et.t.Len()
}

// Close stops every endpoint and refuses new ones.
func (et *EndpointTable) Close() {
	et.close()
	et.t.Clear()
}

func (et *EndpointTable) RouteFrame(ctx context.Context, mf *frame.MultiFrame, _ *EndpointTableEntry) error {
	e, found, err := lookup(&et.cfg, mf, et.t.TryGet, nil)
	if !found {
		return err
	}
	return et.send(ctx, e, mf)
}

func (et *EndpointTable) exited(e *EndpointTableEntry) {
	if cur, ok := et.t.TryGet(e.Key()); ok && cur == e {
		et.t.TryRemove(e.Key())
	}
}

// NamedEndpointTable is an EndpointTable whose entries can also be reached
// through the NamePath section, typically under the name of the peer.
type NamedEndpointTable struct {
	endpoints
	t *table.NamedTable[*EndpointTableEntry]
}

func NewNamedEndpointTable(opts ...Option) *NamedEndpointTable {
	et := &NamedEndpointTable{}
	et.init("named_endpoint_table", opts)
	et.t = table.NewNamed[*EndpointTableEntry](
		et.cfg.reserved,
		table.WithOnAdded[*EndpointTableEntry](func(key int32, e *EndpointTableEntry) { et.added(key, e, et.exited) }),
		table.WithOnRemoved[*EndpointTableEntry](et.removed),
	)
	return et
}

func (et *NamedEndpointTable) Table() *table.NamedTable[*EndpointTableEntry] {
	return et.t
}

// Add builds an entry under a fresh key, named when name is not empty, and
// starts its endpoint.
func (et *NamedEndpointTable) Add(name string, factory EndpointFactory, upstream Router) (*EndpointTableEntry, error) {
	var entry *EndpointTableEntry
	build := et.build(factory, upstream)
	_, err := et.t.AddFunc(name, func(key int32) (*EndpointTableEntry, error) {
		e, err := build(key)
		entry = e
		return e, err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (et *NamedEndpointTable) TryGet(key int32) (*EndpointTableEntry, bool) {
	return et.t.TryGet(key)
}

func (et *NamedEndpointTable) TryGetByName(name string) (*EndpointTableEntry, bool) {
	e, _, found := et.t.TryGetByName(name)
	return e, found
}

func (et *NamedEndpointTable) NameOf(key int32) (string, bool) {
	return et.t.NameOf(key)
}

func (et *NamedEndpointTable) Remove(key int32) bool {
	_, found := et.t.TryPop(key)
	return found
}

func (et *NamedEndpointTable) RemoveByName(name string) bool {
	_, found := et.t.TryPopByName(name)
	return found
}

// Scan lists the names of the endpoints starting with prefix.
func (et *NamedEndpointTable) Scan(prefix string) ([]string, error) {
	return et.t.Scan(prefix)
}

func (et *NamedEndpointTable) Len() int {
	return et.t.Len()
}

func (et *NamedEndpointTable) Close() {
	et.close()
	et.t.Clear()
}

func (et *NamedEndpointTable) RouteFrame(ctx context.Context, mf *frame.MultiFrame, _ *EndpointTableEntry) error {
	e, found, err := lookup(&et.cfg, mf, et.t.TryGet, et.TryGetByName)
	if !found {
		return err
	}
	return et.send(ctx, e, mf)
}

func (et *NamedEndpointTable) exited(e *EndpointTableEntry) {
	if cur, ok := et.t.TryGet(e.Key()); ok && cur == e {
		et.t.TryPop(e.Key())
	}
}
