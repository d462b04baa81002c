package tainin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/raskyld/tainin/pkg/endpoint"
	"github.com/raskyld/tainin/pkg/frame"
	"github.com/raskyld/tainin/pkg/protocol"
	"github.com/raskyld/tainin/pkg/routing"
	"github.com/raskyld/tainin/pkg/rpc"
	"github.com/raskyld/tainin/pkg/telemetry"
)

// Node is one participant of a tainin network. Frames received by any of
// its endpoints go to its routing table, whose reserved keys lead to the
// endpoint table, the connection source table and the call response
// handler. The other keys are named routers and handlers.
type Node struct {
	id      uuid.UUID
	cfg     *config
	logger  *slog.Logger
	builder *endpoint.Builder

	routes    *routing.NamedRoutingTable
	endpoints *routing.NamedEndpointTable
	sources   *routing.ConnectionSourceTable
	calls     *rpc.CallResponseHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lk     sync.Mutex
	owned  []ConnectionSource
	closed bool
}

func NewNode(opts ...Option) (*Node, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	id := cfg.nodeID
	if id == uuid.Nil {
		id = uuid.New()
	}
	cfg.metricLabels = cfg.labels(telemetry.LabelNodeID.M(id.String()))

	builder, err := endpoint.NewBuilder(cfg.endpointOptions()...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	n := &Node{
		id:      id,
		cfg:     cfg,
		logger:  cfg.logger().With(telemetry.LabelNodeID.L(id.String())),
		builder: builder,
		routes: routing.NewNamedRoutingTable(
			cfg.routingOptions(cfg.reservedRoutes, routing.WithName("node_routes"))...,
		),
		endpoints: routing.NewNamedEndpointTable(
			cfg.routingOptions(cfg.reservedEndpoints, routing.WithReturnPrefix(protocol.EndpointTableRoute))...,
		),
		sources: routing.NewConnectionSourceTable(cfg.routingOptions(cfg.reservedSources)...),
		calls:   rpc.NewCallResponseHandler(cfg.rpcOptions()...),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	for key, r := range map[int32]routing.Router{
		protocol.EndpointTableRoute:    n.endpoints,
		protocol.ConnectionSourceRoute: n.sources,
		protocol.CallResponseRoute:     n.calls,
	} {
		if err := n.routes.RegisterReserved(key, "", r); err != nil {
			n.cancel()
			n.sources.Close()
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	n.logger.Info("node created")
	return n, nil
}

func (n *Node) ID() uuid.UUID {
	return n.id
}

// Routes is the routing table of the node.
func (n *Node) Routes() *routing.NamedRoutingTable {
	return n.routes
}

func (n *Node) isClosed() bool {
	n.lk.Lock()
	defer n.lk.Unlock()
	return n.closed
}

// HandleConnection binds conn to a new endpoint and starts it. The endpoint
// is named name, when not empty, so frames can reach it by name. conn is
// closed on failure.
func (n *Node) HandleConnection(ctx context.Context, conn Connection, name string) (*routing.EndpointTableEntry, error) {
	entry, _, err := n.bind(conn, name)
	return entry, err
}

func (n *Node) bind(conn Connection, name string) (*routing.EndpointTableEntry, *endpoint.StreamEndpoint, error) {
	if n.isClosed() {
		conn.Close()
		return nil, nil, ErrShutdown
	}

	peer := conn.Peer()
	var ep *endpoint.StreamEndpoint
	entry, err := n.endpoints.Add(name, func(e *routing.EndpointTableEntry) routing.NetworkEndpoint {
		ep = n.builder.Build(conn, e,
			telemetry.LabelNodeID.L(n.id.String()),
			telemetry.LabelEndpointKey.L(e.Key()),
			telemetry.LabelEndpointName.L(name),
			telemetry.LabelConnID.L(uuid.NewString()),
			"peer", peer,
		)
		return ep
	}, n.routes)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	n.logger.Info("endpoint added",
		telemetry.LabelEndpointKey.L(entry.Key()),
		telemetry.LabelEndpointName.L(name),
		"peer", peer,
	)
	return entry, ep, nil
}

// awaitRunning blocks until ep is done with its handshake.
func awaitRunning(ctx context.Context, ep *endpoint.StreamEndpoint) error {
	changes := ep.Subscribe()
	for {
		switch st := ep.Status(); {
		case st == endpoint.Running:
			return nil
		case st.Terminal():
			return fmt.Errorf("%w: endpoint is %s", endpoint.ErrNotRunning, st)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				changes = nil
			}
		}
	}
}

// handle is the ConnectionHandler of every source of the node: connections
// are named after their peer.
func (n *Node) handle(ctx context.Context, conn Connection) error {
	_, err := n.HandleConnection(ctx, conn, string(conn.Peer().Name))
	return err
}

// AddSource registers src under name and runs it until the node shuts
// down. The node owns src from now on. The returned key is the one peers
// put in their connection requests.
func (n *Node) AddSource(ctx context.Context, name string, src ConnectionSource) (int32, error) {
	n.lk.Lock()
	if n.closed {
		n.lk.Unlock()
		return 0, ErrShutdown
	}
	key, err := n.sources.Add(name, src)
	if err != nil {
		n.lk.Unlock()
		return 0, err
	}
	n.owned = append(n.owned, src)
	n.wg.Add(1)
	n.lk.Unlock()

	runCtx, cancel := context.WithCancel(n.ctx)
	stop := context.AfterFunc(ctx, cancel)
	go func() {
		defer n.wg.Done()
		defer stop()
		defer cancel()
		if err := src.Run(runCtx, n.handle); err != nil {
			n.logger.Error("connection source failed", telemetry.LabelSource.L(name), telemetry.LabelError.L(err))
		}
	}()
	return key, nil
}

// Dial connects to addr through the source registered under source and
// binds the connection to an endpoint named name. An empty name falls back
// to the name of the peer, if any. It returns once the endpoint is running.
func (n *Node) Dial(ctx context.Context, source, addr, name string) (*routing.EndpointTableEntry, error) {
	found, _, ok := n.sources.TryGetByName(source)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSourceNotFound, source)
	}
	src, ok := found.(ConnectionSource)
	if !ok {
		return nil, fmt.Errorf("%w: %q cannot dial", ErrSourceNotFound, source)
	}

	conn, err := src.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = string(conn.Peer().Name)
	}
	entry, ep, err := n.bind(conn, name)
	if err != nil {
		return nil, err
	}
	if err := awaitRunning(ctx, ep); err != nil {
		entry.Stop()
		return nil, err
	}
	return entry, nil
}

// Register exposes r under name.
func (n *Node) Register(name string, r routing.Router) (int32, error) {
	return n.routes.Register(name, r)
}

// Handle exposes fn under name.
func (n *Node) Handle(name string, fn HandlerFunc) (int32, error) {
	return n.Register(name, &handler{
		name:    name,
		fn:      fn,
		replies: n.routes,
		logger:  n.logger.With(telemetry.LabelRouteName.L(name)),
		msink:   n.cfg.msink,
		labels:  n.cfg.labels(telemetry.LabelRouteName.M(name)),
	})
}

func (n *Node) Unregister(name string) bool {
	return n.routes.UnregisterName(name)
}

// Endpoint returns the endpoint entry named name.
func (n *Node) Endpoint(name string) (*routing.EndpointTableEntry, bool) {
	return n.endpoints.TryGetByName(name)
}

// Endpoints is the endpoint table of the node.
func (n *Node) Endpoints() *routing.NamedEndpointTable {
	return n.endpoints
}

func (n *Node) entry(via string) (*routing.EndpointTableEntry, error) {
	e, ok := n.endpoints.TryGetByName(via)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEndpointNotFound, via)
	}
	return e, nil
}

// Call sends req to the peer of the endpoint named via and waits for the
// reply. req must already carry its routing path or name path, as seen by
// that peer. Its return path is replaced so the reply comes back to this
// node.
func (n *Node) Call(ctx context.Context, via string, req *frame.MultiFrame) (*frame.MultiFrame, error) {
	e, err := n.entry(via)
	if err != nil {
		return nil, err
	}
	protocol.SetRoutingPath(req, protocol.ReturnPath, protocol.CallResponseRoute)
	return n.calls.Call(ctx, e, req)
}

// CallHandler calls the handler registered as handler on the node behind
// the endpoints named by hops, the last one being that node. hops starts
// with the endpoint of this node leading to the first peer.
func (n *Node) CallHandler(ctx context.Context, handler string, req *frame.MultiFrame, hops ...string) (*frame.MultiFrame, error) {
	if len(hops) == 0 {
		return nil, fmt.Errorf("%w: no hop to reach %q", ErrEndpointNotFound, handler)
	}
	names := append(append([]string{}, hops[1:]...), handler)
	if len(hops) > 1 {
		// intermediate nodes reach their endpoint table first, then
		// resolve the next hop by name.
		protocol.SetRoutingPath(req, protocol.RoutingPath, protocol.EndpointTableRoute)
	} else {
		req.TryRemove(int16(protocol.RoutingPath))
	}
	protocol.SetNamePath(req, protocol.NamePath, names...)
	return n.Call(ctx, hops[0], req)
}

// Send routes mf through the endpoint named via without waiting for
// anything back.
func (n *Node) Send(ctx context.Context, via string, mf *frame.MultiFrame) error {
	e, err := n.entry(via)
	if err != nil {
		return err
	}
	return e.SendMultiFrame(ctx, mf)
}

// RequestConnection asks the peer behind via to connect, through its
// source sourceKey, to the source of this node registered under source.
func (n *Node) RequestConnection(ctx context.Context, via string, sourceKey int32, source string) error {
	found, _, ok := n.sources.TryGetByName(source)
	if !ok {
		return fmt.Errorf("%w: %q", ErrSourceNotFound, source)
	}
	src, ok := found.(ConnectionSource)
	if !ok {
		return fmt.Errorf("%w: %q has no connection info", ErrSourceNotFound, source)
	}

	return n.RequestConnectionTo(ctx, via, sourceKey, src.ConnectionInfo())
}

// RequestConnectionTo asks the peer behind via to connect, through its
// source sourceKey, to whatever info describes. info is consumed.
func (n *Node) RequestConnectionTo(ctx context.Context, via string, sourceKey int32, info *frame.Frame) error {
	mf := frame.NewMultiFrame()
	protocol.SetRoutingPath(mf, protocol.RoutingPath, protocol.ConnectionSourceRoute)
	protocol.SetConnectionInfo(mf, info, sourceKey)
	return n.Send(ctx, via, mf)
}

// Shutdown stops every source and every endpoint. It is idempotent.
func (n *Node) Shutdown() error {
	n.lk.Lock()
	if n.closed {
		n.lk.Unlock()
		return nil
	}
	n.closed = true
	owned := n.owned
	n.owned = nil
	n.lk.Unlock()

	n.logger.Info("node shutting down")
	n.cancel()

	n.sources.Close()
	var errs []error
	for _, src := range owned {
		if err := src.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	n.endpoints.Close()
	n.wg.Wait()
	return errors.Join(errs...)
}
