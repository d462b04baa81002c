// Package endpoint runs the tainin stream protocol over a byte stream.
//
// A StreamEndpoint handshakes with its peer, then exchanges chunks until
// either side disconnects or the peer stops sending keep-alives. External
// chunks are rebuilt into MultiFrames and handed to a FrameReceiver.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raskyld/tainin/pkg/frame"
	"github.com/raskyld/tainin/pkg/telemetry"
	"github.com/raskyld/tainin/pkg/wire"
)

var (
	ErrAlreadyStarted    = errors.New("endpoint: already started")
	ErrHandshake         = errors.New("endpoint: handshake failed")
	ErrProtocolViolation = errors.New("endpoint: protocol violation")
	ErrNotRunning        = errors.New("endpoint: not running")
	ErrKeepAliveTimeout  = errors.New("endpoint: keep-alive timed out")
	ErrConnectionLost    = errors.New("endpoint: connection lost")
)

// FrameReceiver consumes the MultiFrames an endpoint receives.
type FrameReceiver interface {
	ReceiveFrame(ctx context.Context, mf *frame.MultiFrame) error
}

type FrameReceiverFunc func(ctx context.Context, mf *frame.MultiFrame) error

func (f FrameReceiverFunc) ReceiveFrame(ctx context.Context, mf *frame.MultiFrame) error {
	return f(ctx, mf)
}

// Builder holds validated options and builds endpoints out of them.
type Builder struct {
	cfg config
}

func NewBuilder(opts ...Option) (*Builder, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	return &Builder{cfg: cfg}, nil
}

// Build wraps conn. logAttrs are added to every log of the endpoint.
func (b *Builder) Build(conn io.ReadWriteCloser, receiver FrameReceiver, logAttrs ...any) *StreamEndpoint {
	cfg := b.cfg
	if len(logAttrs) > 0 {
		cfg.logger = cfg.logger.With(logAttrs...)
	}
	return &StreamEndpoint{
		conn:           conn,
		receiver:       receiver,
		cfg:            cfg,
		enc:            wire.NewEncoder(conn),
		dec:            wire.NewDecoder(conn, cfg.maxChunkSize),
		keepAliveBegin: make(chan struct{}),
	}
}

// StreamEndpoint is a NetworkEndpoint over an io.ReadWriteCloser, such as
// a net.Conn or a QUIC stream. It owns the connection and closes it when
// it stops.
type StreamEndpoint struct {
	conn     io.ReadWriteCloser
	receiver FrameReceiver
	cfg      config
	enc      *wire.Encoder
	dec      *wire.Decoder

	status atomic.Int32

	subLk      sync.Mutex
	subs       []chan StatusChange
	subsClosed bool

	// sendLk keeps the chunks of one MultiFrame contiguous.
	sendLk sync.Mutex

	lk     sync.Mutex
	cancel context.CancelFunc

	keepAliveBegin chan struct{}
	beginOnce      sync.Once
	expiresAt      atomic.Int64
}

// New is a shortcut for building a single endpoint.
func New(conn io.ReadWriteCloser, receiver FrameReceiver, opts ...Option) (*StreamEndpoint, error) {
	b, err := NewBuilder(opts...)
	if err != nil {
		return nil, err
	}
	return b.Build(conn, receiver), nil
}

func (e *StreamEndpoint) Status() Status {
	return Status(e.status.Load())
}

// Subscribe returns a channel receiving every later status change. The
// channel is closed once the endpoint reaches a terminal status.
func (e *StreamEndpoint) Subscribe() <-chan StatusChange {
	e.subLk.Lock()
	defer e.subLk.Unlock()
	ch := make(chan StatusChange, subscriptionBuffer)
	if e.subsClosed {
		close(ch)
		return ch
	}
	e.subs = append(e.subs, ch)
	return ch
}

func (e *StreamEndpoint) transition(from, to Status) bool {
	if !e.status.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	e.cfg.logger.Debug("endpoint status changed",
		telemetry.LabelStatus.L(to),
		"previous", from,
	)

	e.subLk.Lock()
	defer e.subLk.Unlock()
	change := StatusChange{Old: from, New: to}
	for _, ch := range e.subs {
		select {
		case ch <- change:
		default:
		}
	}
	if to.Terminal() {
		for _, ch := range e.subs {
			close(ch)
		}
		e.subs = nil
		e.subsClosed = true
	}
	return true
}

// Run handshakes with the peer and serves the connection until ctx is
// done, Stop is called, the peer disconnects or a fault occurs. Run can
// only be called once.
//
// A nil error means the endpoint stopped gracefully.
func (e *StreamEndpoint) Run(ctx context.Context) error {
	if !e.transition(Unstarted, Starting) {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.lk.Lock()
	e.cancel = cancel
	e.lk.Unlock()

	if err := e.handshake(ctx); err != nil {
		e.conn.Close()
		if ctx.Err() != nil {
			// stopped or cancelled by the caller.
			e.transition(Starting, Stopped)
			return nil
		}
		e.fault(Starting, err)
		return err
	}

	if !e.transition(Starting, Running) {
		// stopped during the handshake.
		e.conn.Close()
		return nil
	}
	e.cfg.logger.Debug("endpoint running")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.keepAlive(gctx) })
	g.Go(func() error { return e.receive(gctx) })
	g.Go(func() error { return e.watchdog(gctx) })
	g.Go(func() error { return e.disconnect(gctx) })

	if err := g.Wait(); err != nil {
		e.fault(Running, err)
		return err
	}
	e.transition(Running, Stopped)
	return nil
}

func (e *StreamEndpoint) fault(from Status, err error) {
	if !e.transition(from, Faulted) {
		return
	}
	e.cfg.logger.Error("endpoint faulted", telemetry.LabelError.L(err))
	e.cfg.msink.IncrCounterWithLabels(telemetry.MetricEndpointFaultCount, 1.0, e.cfg.labels)
}

// Stop gracefully shuts down the endpoint. It is idempotent.
func (e *StreamEndpoint) Stop() {
	if !e.transition(Running, Stopped) {
		e.transition(Starting, Stopped)
	}
	e.lk.Lock()
	cancel := e.cancel
	e.lk.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *StreamEndpoint) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, e.cfg.handshakeTimeout)
	defer cancel()
	// a stream has no notion of context: unblock it by closing.
	stop := context.AfterFunc(hctx, func() { e.conn.Close() })
	defer stop()

	// both sides write first, so reading must not wait for our write.
	sent := make(chan error, 1)
	go func() {
		sent <- e.send(wire.InternalChunk(wire.Initial, nil))
	}()

	err := e.readInitial()
	if err != nil {
		cancel()
		<-sent
	} else {
		err = <-sent
	}

	switch {
	case err == nil, errors.Is(err, ErrHandshake):
		return err
	case hctx.Err() != nil && ctx.Err() == nil:
		return fmt.Errorf("%w: %w", ErrHandshake, hctx.Err())
	default:
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
}

func (e *StreamEndpoint) readInitial() error {
	c, err := e.dec.Decode()
	if err != nil {
		return err
	}
	switch {
	case c.External:
		return fmt.Errorf("%w: received an external chunk", ErrHandshake)
	case c.Internal() != wire.Initial:
		return fmt.Errorf("%w: received %s instead of initial", ErrHandshake, c.Internal())
	case len(c.Data) > 0:
		return fmt.Errorf("%w: initial chunk carries %d bytes", ErrHandshake, len(c.Data))
	}
	return nil
}

func (e *StreamEndpoint) send(c wire.Chunk) error {
	n, err := e.enc.Encode(c)
	e.cfg.msink.IncrCounterWithLabels(telemetry.MetricChunkOutBytes, float32(n), e.cfg.labels)
	return err
}

// SendChunk sends one external chunk.
func (e *StreamEndpoint) SendChunk(ctx context.Context, c frame.Chunk) error {
	if e.Status() != Running {
		return ErrNotRunning
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.sendLk.Lock()
	defer e.sendLk.Unlock()
	return e.send(wire.ExternalChunk(c))
}

// SendMultiFrame serializes mf to the peer. Concurrent calls never
// interleave their chunks.
func (e *StreamEndpoint) SendMultiFrame(ctx context.Context, mf *frame.MultiFrame) error {
	if e.Status() != Running {
		return ErrNotRunning
	}

	e.sendLk.Lock()
	defer e.sendLk.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	// NB: once started, a MultiFrame is sent whole, the peer would see a
	// truncated one as a protocol violation.
	for c := range frame.Serialize(mf) {
		if err := e.send(wire.ExternalChunk(c)); err != nil {
			return err
		}
	}
	e.cfg.msink.IncrCounterWithLabels(telemetry.MetricFrameOutCount, 1.0, e.cfg.labels)
	return nil
}

func (e *StreamEndpoint) keepAlive(ctx context.Context) error {
	if err := e.send(wire.InternalChunk(wire.KeepAlive|wire.Initial, nil)); err != nil {
		return e.ioError(ctx, err)
	}

	ticker := time.NewTicker(e.cfg.keepAlivePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.send(wire.InternalChunk(wire.KeepAlive, nil)); err != nil {
				return e.ioError(ctx, err)
			}
		}
	}
}

func (e *StreamEndpoint) receive(ctx context.Context) error {
	var deser frame.Deserializer
	for {
		c, err := e.dec.Decode()
		if err != nil {
			if errors.Is(err, wire.ErrTooLarge) {
				return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
			}
			return e.ioError(ctx, err)
		}
		e.cfg.msink.IncrCounterWithLabels(telemetry.MetricChunkInBytes, float32(len(c.Data)), e.cfg.labels)

		if !c.External {
			if e.handleInternal(c.Internal()) {
				return nil
			}
			continue
		}

		mf, err := deser.Apply(c.Frame())
		if err != nil {
			return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
		if mf == nil {
			continue
		}
		e.cfg.msink.IncrCounterWithLabels(telemetry.MetricFrameInCount, 1.0, e.cfg.labels)
		if err := e.receiver.ReceiveFrame(ctx, mf); err != nil {
			e.cfg.logger.Warn("received frame was rejected", telemetry.LabelError.L(err))
		}
	}
}

// handleInternal reports whether the peer asked to disconnect.
func (e *StreamEndpoint) handleInternal(ins wire.Internal) bool {
	switch {
	case ins&wire.KeepAlive != 0:
		e.expiresAt.Store(time.Now().Add(e.cfg.keepAliveTimeout).UnixNano())
		if ins&wire.Initial != 0 {
			e.beginOnce.Do(func() { close(e.keepAliveBegin) })
		}
	case ins == wire.Disconnect:
		e.cfg.logger.Debug("peer disconnected")
		e.Stop()
		return true
	default:
		e.cfg.logger.Debug("ignoring internal chunk", telemetry.LabelInstruction.L(ins))
	}
	return false
}

func (e *StreamEndpoint) watchdog(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-e.keepAliveBegin:
	}

	timer := time.NewTimer(e.cfg.keepAliveTimeout)
	defer timer.Stop()
	for {
		left := time.Until(time.Unix(0, e.expiresAt.Load()))
		if left <= 0 {
			e.cfg.logger.Warn("peer stopped sending keep-alives", telemetry.LabelDuration.L(e.cfg.keepAliveTimeout))
			e.cfg.msink.IncrCounterWithLabels(telemetry.MetricKeepAliveTimeoutCount, 1.0, e.cfg.labels)
			return ErrKeepAliveTimeout
		}
		timer.Reset(left)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}

// disconnect waits for the shutdown of the endpoint to notify the peer and
// release the connection, which unblocks the receiver.
func (e *StreamEndpoint) disconnect(ctx context.Context) error {
	<-ctx.Done()
	if d, ok := e.conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
		_ = d.SetWriteDeadline(time.Now().Add(e.cfg.handshakeTimeout))
	}
	if err := e.send(wire.InternalChunk(wire.Disconnect, nil)); err != nil {
		e.cfg.logger.Debug("could not notify disconnection", telemetry.LabelError.L(err))
	}
	if err := e.conn.Close(); err != nil {
		e.cfg.logger.Debug("error closing connection", telemetry.LabelError.L(err))
	}
	return nil
}

// ioError turns a stream error into a fault unless the endpoint is
// shutting down, in which case the error is a consequence of it.
func (e *StreamEndpoint) ioError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConnectionLost, err)
}
