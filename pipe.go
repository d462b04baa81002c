package tainin

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/raskyld/tainin/pkg/frame"
	"github.com/raskyld/tainin/pkg/table"
	"github.com/raskyld/tainin/pkg/telemetry"
)

// PipeNetwork connects nodes living in the same process with in-memory
// pipes. Addresses are plain names, and peers are named after the address
// of the source they come from.
type PipeNetwork struct {
	lk      sync.Mutex
	sources map[string]*PipeSource
}

func NewPipeNetwork() *PipeNetwork {
	return &PipeNetwork{sources: make(map[string]*PipeSource)}
}

type pipeAddr string

func (pipeAddr) Network() string {
	return "pipe"
}

func (a pipeAddr) String() string {
	return string(a)
}

// Listen makes a source reachable at addr. addr must be a valid endpoint
// name not yet used on the network.
func (pn *PipeNetwork) Listen(addr string, opts ...Option) (*PipeSource, error) {
	if err := table.ValidateName(addr); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	pn.lk.Lock()
	defer pn.lk.Unlock()
	if _, taken := pn.sources[addr]; taken {
		return nil, fmt.Errorf("%w: %q is already listening", ErrInvalidAddr, addr)
	}
	s := &PipeSource{
		network: pn,
		addr:    pipeAddr(addr),
		cfg:     cfg,
		logger:  cfg.logger().With(telemetry.LabelSource.L("pipe"), "listen", addr),
		closeCh: make(chan struct{}),
	}
	pn.sources[addr] = s
	return s, nil
}

func (pn *PipeNetwork) lookup(addr string) (*PipeSource, bool) {
	pn.lk.Lock()
	defer pn.lk.Unlock()
	s, ok := pn.sources[addr]
	return s, ok
}

func (pn *PipeNetwork) remove(s *PipeSource) {
	pn.lk.Lock()
	defer pn.lk.Unlock()
	if pn.sources[string(s.addr)] == s {
		delete(pn.sources, string(s.addr))
	}
}

// PipeSource is a ConnectionSource of a PipeNetwork.
type PipeSource struct {
	network *PipeNetwork
	addr    pipeAddr
	cfg     *config
	logger  *slog.Logger

	lk      sync.Mutex
	handle  ConnectionHandler
	ctx     context.Context
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

var _ ConnectionSource = (*PipeSource)(nil)

func (s *PipeSource) Addr() net.Addr {
	return s.addr
}

func (s *PipeSource) Run(ctx context.Context, handle ConnectionHandler) error {
	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		return ErrShutdown
	}
	s.handle = handle
	s.ctx = ctx
	s.lk.Unlock()

	s.logger.Info("accepting connections")
	select {
	case <-ctx.Done():
		s.Close()
	case <-s.closeCh:
	}
	return nil
}

// accept hands conn to the running handler. conn is closed on failure.
func (s *PipeSource) accept(conn Connection) error {
	s.lk.Lock()
	if s.closed || s.handle == nil {
		s.lk.Unlock()
		conn.Close()
		return fmt.Errorf("%w: %s", ErrSourceNotRunning, s.addr)
	}
	handle, ctx := s.handle, s.ctx
	s.wg.Add(1)
	s.lk.Unlock()

	s.cfg.msink.IncrCounterWithLabels(
		telemetry.MetricConnEstCount,
		1.0,
		s.cfg.labels(telemetry.LabelSource.M("pipe"), telemetry.LabelPeerName.M(string(conn.Peer().Name))),
	)
	go func() {
		defer s.wg.Done()
		if err := handle(ctx, conn); err != nil {
			s.logger.Warn("connection refused", telemetry.LabelError.L(err), telemetry.LabelPeerName.L(conn.Peer().Name))
			conn.Close()
		}
	}()
	return nil
}

// Dial connects to the source listening at addr, which must be running.
func (s *PipeSource) Dial(ctx context.Context, addr string) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.lk.Lock()
	closed := s.closed
	s.lk.Unlock()
	if closed {
		return nil, ErrShutdown
	}

	target, ok := s.network.lookup(addr)
	if !ok {
		s.cfg.msink.IncrCounterWithLabels(
			telemetry.MetricConnErrorCount,
			1.0,
			s.cfg.labels(telemetry.LabelSource.M("pipe"), telemetry.LabelError.M("dial")),
		)
		return nil, fmt.Errorf("%w: nobody listens at %q", ErrInvalidAddr, addr)
	}

	local, remote := net.Pipe()
	if err := target.accept(&pipeConn{Conn: remote, peer: Peer{Name: Hostname(s.addr), Addr: s.addr}}); err != nil {
		local.Close()
		return nil, err
	}
	return &pipeConn{Conn: local, peer: Peer{Name: Hostname(addr), Addr: target.addr}}, nil
}

func (s *PipeSource) ConnectionInfo() *frame.Frame {
	return frame.New([]byte(s.addr))
}

// CompleteConnectionRequest dials the address in the first buffer of info.
func (s *PipeSource) CompleteConnectionRequest(ctx context.Context, info *frame.Frame) error {
	addr, err := info.Get(0)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInfo, err)
	}
	conn, err := s.Dial(ctx, string(addr))
	if err != nil {
		return err
	}
	// we are our own acceptor for the local end.
	return s.accept(conn)
}

// Close leaves the network and waits for pending hand-offs.
func (s *PipeSource) Close() error {
	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		return nil
	}
	s.closed = true
	close(s.closeCh)
	s.lk.Unlock()

	s.network.remove(s)
	s.wg.Wait()
	return nil
}

type pipeConn struct {
	net.Conn
	peer Peer
}

func (c *pipeConn) Peer() Peer {
	return c.peer
}
