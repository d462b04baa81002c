package tainin

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/raskyld/tainin/pkg/frame"
	"github.com/raskyld/tainin/pkg/table"
	"github.com/raskyld/tainin/pkg/telemetry"
)

// alpn is negotiated when the TLS configuration does not name any
// application protocol, QUIC requires one.
const alpn = "tainin"

// QUICSource accepts and dials QUIC connections secured by mTLS. Every
// bidirectional stream is a Connection named after the peer certificate.
type QUICSource struct {
	cfg      *config
	logger   *slog.Logger
	tlsConf  *tls.Config
	quicConf *quic.Config

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool

	udpLn *net.UDPConn
	tr    *quic.Transport
	ln    *quic.Listener

	lk     sync.Mutex
	handle ConnectionHandler
	ctx    context.Context
	conns  map[quic.Connection]Peer
}

var _ ConnectionSource = (*QUICSource)(nil)

// ListenQUIC binds the UDP address addr. WithTlsConfig is required.
func ListenQUIC(addr string, opts ...Option) (_ *QUICSource, err error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	if cfg.tlsConf == nil {
		return nil, ErrNoTLSConfig
	}

	s := &QUICSource{
		cfg:     cfg,
		tlsConf: cfg.tlsConf.Clone(),
		conns:   make(map[quic.Connection]Peer),
		quicConf: &quic.Config{
			Versions:       []quic.Version{quic.Version2, quic.Version1},
			Allow0RTT:      false,
			MaxIdleTimeout: 1 * time.Minute,
		},
	}
	if len(s.tlsConf.NextProtos) == 0 {
		s.tlsConf.NextProtos = []string{alpn}
	}
	s.logger = cfg.logger().With(telemetry.LabelSource.L("quic"))

	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	s.udpLn = udpLn
	s.logger = s.logger.With("listen", udpLn.LocalAddr().String())

	if err := s.negociateBufferSize(cfg.bufferSize); err != nil {
		return nil, err
	}

	s.tr = &quic.Transport{
		Conn: udpLn,
	}
	ln, err := s.tr.Listen(s.tlsConf, s.quicConf)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	s.ln = ln
	return s, nil
}

// Addr is the bound UDP address.
func (s *QUICSource) Addr() net.Addr {
	return s.udpLn.LocalAddr()
}

func (s *QUICSource) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := s.udpLn.SetReadBuffer(size); err != nil {
			size = size >> 1
			continue
		}
		if size != requested {
			s.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		s.cfg.msink.SetGaugeWithLabels(
			telemetry.MetricUDPBufferSizeBytes,
			float32(size),
			s.cfg.labels(telemetry.LabelSource.M("quic")),
		)
		return nil
	}
	return ErrBufferSize
}

func (s *QUICSource) Run(ctx context.Context, handle ConnectionHandler) error {
	s.lk.Lock()
	s.handle = handle
	s.ctx = ctx
	s.lk.Unlock()

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	s.logger.Info("accepting connections")
	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			if s.gracefulTerm.Load() || ctx.Err() != nil {
				s.logger.Debug("listener gracefully shutting down")
				return nil
			}
			// NB: quic-go only fails Accept once the listener is closed.
			s.logger.Warn("unexpected QUIC listener closure", telemetry.LabelError.L(err))
			return err
		}
		go s.serveConn(ctx, handle, conn)
	}
}

// identify names the peer of conn and tracks the connection. conn is
// closed when it cannot be named.
func (s *QUICSource) identify(conn quic.Connection) (Peer, error) {
	peer := Peer{Addr: conn.RemoteAddr()}
	logger := s.logger.With(telemetry.LabelPeerAddr.L(peer.Addr.String()))
	labels := s.cfg.labels(telemetry.LabelSource.M("quic"), telemetry.LabelPeerAddr.M(peer.Addr.String()))

	name, err, uerr := s.cfg.resolver(conn.ConnectionState().TLS.PeerCertificates)
	if err == nil {
		if verr := table.ValidateName(string(name)); verr != nil {
			err, uerr = verr, fmt.Sprintf("your certificate resolves to an invalid name %q", name)
		}
	}
	if err != nil {
		logger.Error("failed to resolve hostname", telemetry.LabelError.L(err))
		s.cfg.msink.IncrCounterWithLabels(
			telemetry.MetricConnErrorCount,
			1.0,
			telemetry.With(labels, telemetry.LabelError.M("name_resolution")),
		)
		if uerr == "" {
			QErrInternal.Close(conn, "unexpected error during hostname resolution")
		} else {
			QErrHostname.Close(conn, fmt.Sprintf("error during resolution: %s", uerr))
		}
		return peer, fmt.Errorf("%w: %w", ErrHostnameResolve, err)
	}
	peer.Name = name

	s.lk.Lock()
	if s.gracefulTerm.Load() {
		s.lk.Unlock()
		QErrShutdown.Close(conn, "we are shutting down! bye!")
		return peer, ErrShutdown
	}
	s.conns[conn] = peer
	s.lk.Unlock()

	s.cfg.msink.IncrCounterWithLabels(
		telemetry.MetricConnEstCount,
		1.0,
		telemetry.With(labels, telemetry.LabelPeerName.M(string(name))),
	)
	logger.Info("peer connected", telemetry.LabelPeerName.L(name))
	return peer, nil
}

func (s *QUICSource) forget(conn quic.Connection) {
	s.lk.Lock()
	delete(s.conns, conn)
	s.lk.Unlock()
}

func (s *QUICSource) serveConn(ctx context.Context, handle ConnectionHandler, conn quic.Connection) {
	peer, err := s.identify(conn)
	if err != nil {
		return
	}
	defer s.forget(conn)

	logger := s.logger.With(telemetry.LabelPeerName.L(peer.Name))
	for {
		stream, err := conn.AcceptStream(conn.Context())
		if err != nil {
			if s.gracefulTerm.Load() || conn.Context().Err() != nil {
				logger.Debug("stream listener gracefully shutting down")
				return
			}
			logger.Warn("error accepting stream", telemetry.LabelError.L(err))
			continue
		}

		logger.Debug("received a stream request", "stream_id", stream.StreamID())
		go s.hand(ctx, handle, &streamConn{Stream: stream, peer: peer}, conn)
	}
}

// hand gives conn, a stream of qconn, to handle. A peer whose name is
// already bound to an endpoint loses the whole QUIC connection.
func (s *QUICSource) hand(ctx context.Context, handle ConnectionHandler, conn *streamConn, qconn quic.Connection) {
	err := handle(ctx, conn)
	if err == nil {
		return
	}
	s.logger.Warn("connection refused", telemetry.LabelError.L(err), telemetry.LabelPeerName.L(conn.Peer()))
	if errors.Is(err, table.ErrNameTaken) {
		QErrNameConflict.Close(qconn, fmt.Sprintf("%q is already connected", conn.Peer().Name))
	}
	conn.Close()
}

// Dial opens a QUIC connection to addr and a single stream on it. Closing
// the returned Connection closes the QUIC connection as well.
func (s *QUICSource) Dial(ctx context.Context, addr string) (Connection, error) {
	conn, err := s.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *QUICSource) dial(ctx context.Context, addr string) (*streamConn, error) {
	if s.gracefulTerm.Load() {
		return nil, ErrShutdown
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.dialTimeout)
	defer cancel()

	conn, err := s.tr.Dial(ctx, udpAddr, s.tlsConf, s.quicConf)
	if s.gracefulTerm.Load() {
		return nil, ErrShutdown
	}
	if err != nil {
		s.cfg.msink.IncrCounterWithLabels(
			telemetry.MetricConnErrorCount,
			1.0,
			s.cfg.labels(telemetry.LabelSource.M("quic"), telemetry.LabelError.M("dial")),
		)
		return nil, err
	}

	peer, err := s.identify(conn)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		s.forget(conn)
		QErrInternal.Close(conn, "could not open stream")
		return nil, err
	}
	return &streamConn{
		Stream: stream,
		peer:   peer,
		owner:  conn,
		forget: s.forget,
	}, nil
}

func (s *QUICSource) ConnectionInfo() *frame.Frame {
	return frame.New([]byte(s.Addr().String()))
}

// CompleteConnectionRequest dials the address in the first buffer of info.
func (s *QUICSource) CompleteConnectionRequest(ctx context.Context, info *frame.Frame) error {
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
	conn, err := s.dial(ctx, string(addr))
	if err != nil {
		return err
	}
	go s.hand(runCtx, handle, conn, conn.owner)
	return nil
}

func (s *QUICSource) Close() error {
	if !s.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}

	s.lk.Lock()
	for conn := range s.conns {
		QErrShutdown.Close(conn, "we are shutting down! bye!")
	}
	clear(s.conns)
	s.lk.Unlock()

	var errs []error
	if s.ln != nil {
		errs = append(errs, s.ln.Close())
	}
	if s.tr != nil {
		errs = append(errs, s.tr.Close())
	}
	if s.udpLn != nil {
		if err := s.udpLn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
