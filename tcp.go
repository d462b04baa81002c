package tainin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/raskyld/tainin/pkg/frame"
	"github.com/raskyld/tainin/pkg/telemetry"
)

// TCPSource accepts and dials plain TCP connections. Peers are unnamed
// unless the dialer gives them a name.
type TCPSource struct {
	cfg    *config
	logger *slog.Logger
	ln     net.Listener
	dialer net.Dialer

	closed atomic.Bool

	lk     sync.Mutex
	handle ConnectionHandler
	ctx    context.Context
}

var _ ConnectionSource = (*TCPSource)(nil)

// ListenTCP binds addr. An empty addr gives a source which can only dial.
func ListenTCP(addr string, opts ...Option) (*TCPSource, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	s := &TCPSource{
		cfg:    cfg,
		dialer: net.Dialer{Timeout: cfg.dialTimeout},
	}
	if addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
		}
		s.ln = ln
	}
	s.logger = cfg.logger().With(telemetry.LabelSource.L("tcp"))
	if s.ln != nil {
		s.logger = s.logger.With("listen", s.ln.Addr().String())
	}
	return s, nil
}

// Addr is where the source listens, nil if it does not.
func (s *TCPSource) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *TCPSource) Run(ctx context.Context, handle ConnectionHandler) error {
	s.lk.Lock()
	s.handle = handle
	s.ctx = ctx
	s.lk.Unlock()

	if s.ln == nil {
		<-ctx.Done()
		return nil
	}

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	s.logger.Info("accepting connections")
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				s.logger.Debug("listener gracefully shutting down")
				return nil
			}
			s.logger.Error("failed to accept connection", telemetry.LabelError.L(err))
			s.cfg.msink.IncrCounterWithLabels(
				telemetry.MetricConnErrorCount,
				1.0,
				s.cfg.labels(telemetry.LabelSource.M("tcp"), telemetry.LabelError.M("accept")),
			)
			return err
		}
		s.established(conn)
		go s.hand(ctx, handle, &tcpConn{Conn: conn})
	}
}

func (s *TCPSource) established(conn net.Conn) {
	s.cfg.msink.IncrCounterWithLabels(
		telemetry.MetricConnEstCount,
		1.0,
		s.cfg.labels(
			telemetry.LabelSource.M("tcp"),
			telemetry.LabelPeerAddr.M(conn.RemoteAddr().String()),
		),
	)
}

func (s *TCPSource) hand(ctx context.Context, handle ConnectionHandler, conn Connection) {
	if err := handle(ctx, conn); err != nil {
		s.logger.Warn("connection refused", telemetry.LabelError.L(err), telemetry.LabelPeerAddr.L(conn.Peer()))
		conn.Close()
	}
}

func (s *TCPSource) Dial(ctx context.Context, addr string) (Connection, error) {
	if s.closed.Load() {
		return nil, ErrShutdown
	}
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		s.cfg.msink.IncrCounterWithLabels(
			telemetry.MetricConnErrorCount,
			1.0,
			s.cfg.labels(telemetry.LabelSource.M("tcp"), telemetry.LabelError.M("dial")),
		)
		return nil, err
	}
	s.established(conn)
	return &tcpConn{Conn: conn}, nil
}

// ConnectionInfo carries the listen address, or nothing for a source which
// does not listen.
func (s *TCPSource) ConnectionInfo() *frame.Frame {
	if s.ln == nil {
		return frame.New()
	}
	return frame.New([]byte(s.ln.Addr().String()))
}

// CompleteConnectionRequest dials the address in the first buffer of info.
func (s *TCPSource) CompleteConnectionRequest(ctx context.Context, info *frame.Frame) error {
	s.lk.Lock()
	handle, runCtx := s.handle, s.ctx
	s.lk.Unlock()
	if handle == nil {
		return ErrSourceNotRunning
	}

	addr, err := info.Get(0)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInfo, err)
	}
	conn, err := s.Dial(ctx, string(addr))
	if err != nil {
		return err
	}
	s.logger.Debug("completed connection request", telemetry.LabelPeerAddr.L(string(addr)))
	go s.hand(runCtx, handle, conn)
	return nil
}

func (s *TCPSource) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

type tcpConn struct {
	net.Conn
}

func (c *tcpConn) Peer() Peer {
	return Peer{Addr: c.RemoteAddr()}
}
