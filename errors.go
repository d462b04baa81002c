package tainin

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg = errors.New("tainin: invalid options")
	ErrShutdown   = errors.New("tainin: node is shutting down")

	ErrSourceNotFound   = errors.New("tainin: connection source not found")
	ErrSourceNotRunning = errors.New("tainin: connection source is not running")
	ErrEndpointNotFound = errors.New("tainin: endpoint not found")
	ErrInvalidInfo      = errors.New("tainin: invalid connection info")

	ErrHostnameResolve = errors.New("transport: could not resolve hostname from certificate")
	ErrInvalidAddr     = errors.New("transport: the address you provided is invalid")
	ErrNoTLSConfig     = errors.New("transport: TlsConfig is required")
	ErrBufferSize      = errors.New("transport: could not allocate udp buffer")
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrHostname = QuicApplicationError{
		Code:   0x2,
		Prefix: "hostname",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
	QErrNameConflict = QuicApplicationError{
		Code:   0x4,
		Prefix: "name conflict",
	}
)

// QuicApplicationError is how a node explains to a QUIC peer why it closed
// their connection.
type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
