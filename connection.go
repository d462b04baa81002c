package tainin

import (
	"context"
	"io"

	"github.com/raskyld/tainin/pkg/frame"
	"github.com/raskyld/tainin/pkg/routing"
)

// Connection is a byte stream to a peer, not yet bound to an endpoint.
type Connection interface {
	io.ReadWriteCloser
	Peer() Peer
}

// ConnectionHandler takes ownership of the connections a source yields.
type ConnectionHandler func(ctx context.Context, conn Connection) error

// ConnectionSource yields connections, accepted from a listener or dialed
// on request.
//
// Registered on a node, a source can also be asked by a peer to connect
// somewhere: CompleteConnectionRequest dials the address found in the
// connection info and hands the connection to the handler Run was given.
type ConnectionSource interface {
	routing.ConnectionSource

	// Run hands every accepted connection to handle until ctx is done.
	Run(ctx context.Context, handle ConnectionHandler) error
	Dial(ctx context.Context, addr string) (Connection, error)
	// ConnectionInfo tells a peer how to reach this source. The node
	// appends the key of the source when sending it.
	ConnectionInfo() *frame.Frame
	Close() error
}
