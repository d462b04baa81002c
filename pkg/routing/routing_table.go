package routing

import (
	"context"

	"github.com/raskyld/tainin/pkg/frame"
	"github.com/raskyld/tainin/pkg/table"
)

// RoutingTable forwards frames to the router registered under the next key
// of their routing path.
type RoutingTable struct {
	cfg config
	t   *table.Table[Router]
}

func NewRoutingTable(opts ...Option) *RoutingTable {
	cfg := newConfig("routing_table", opts)
	return &RoutingTable{
		cfg: cfg,
		t:   table.New[Router](cfg.reserved),
	}
}

// Table exposes the key to router store.
func (rt *RoutingTable) Table() *table.Table[Router] {
	return rt.t
}

// Register stores r under a fresh key.
func (rt *RoutingTable) Register(r Router) (int32, error) {
	return table.Add(rt.t, r, table.Identity[Router])
}

// RegisterReserved stores r under a key of the reserved range.
func (rt *RoutingTable) RegisterReserved(key int32, r Router) error {
	return table.AddReserved(rt.t, key, r, table.Identity[Router])
}

func (rt *RoutingTable) Unregister(key int32) bool {
	return rt.t.TryRemove(key)
}

func (rt *RoutingTable) RouteFrame(ctx context.Context, mf *frame.MultiFrame, origin *EndpointTableEntry) error {
	next, found, err := lookup(&rt.cfg, mf, rt.t.TryGet, nil)
	if !found {
		return err
	}
	rt.cfg.forwarded()
	return next.RouteFrame(ctx, mf, origin)
}

// NamedRoutingTable is a RoutingTable whose routers can also be reached
// through the NamePath section.
type NamedRoutingTable struct {
	cfg config
	t   *table.NamedTable[Router]
}

func NewNamedRoutingTable(opts ...Option) *NamedRoutingTable {
	cfg := newConfig("named_routing_table", opts)
	return &NamedRoutingTable{
		cfg: cfg,
		t:   table.NewNamed[Router](cfg.reserved),
	}
}

func (rt *NamedRoutingTable) Table() *table.NamedTable[Router] {
	return rt.t
}

// Register stores r under a fresh key. An empty name leaves it unnamed.
func (rt *NamedRoutingTable) Register(name string, r Router) (int32, error) {
	return rt.t.Add(name, r)
}

func (rt *NamedRoutingTable) RegisterReserved(key int32, name string, r Router) error {
	return rt.t.AddReserved(key, name, r)
}

func (rt *NamedRoutingTable) Unregister(key int32) bool {
	_, found := rt.t.TryPop(key)
	return found
}

func (rt *NamedRoutingTable) UnregisterName(name string) bool {
	_, found := rt.t.TryPopByName(name)
	return found
}

func (rt *NamedRoutingTable) KeyOf(name string) (int32, bool) {
	return rt.t.KeyOf(name)
}

func (rt *NamedRoutingTable) RouteFrame(ctx context.Context, mf *frame.MultiFrame, origin *EndpointTableEntry) error {
	next, found, err := lookup(&rt.cfg, mf, rt.t.TryGet, rt.byName)
	if !found {
		return err
	}
	rt.cfg.forwarded()
	return next.RouteFrame(ctx, mf, origin)
}

func (rt *NamedRoutingTable) byName(name string) (Router, bool) {
	r, _, found := rt.t.TryGetByName(name)
	return r, found
}
