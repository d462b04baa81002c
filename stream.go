package tainin

import (
	"sync"

	"github.com/quic-go/quic-go"
)

// streamConn is a QUIC stream seen as a Connection.
type streamConn struct {
	// NB: Close must not be called concurrently with Write per the quic-go
	// docs, but the implementation guards Write, Read and Close with a
	// mutex, so no extra synchronisation is needed.
	quic.Stream
	peer Peer

	// owner is set on dialed streams, the connection is theirs alone.
	owner  quic.Connection
	forget func(quic.Connection)

	closeOnce sync.Once
}

func (sc *streamConn) Peer() Peer {
	return sc.peer
}

// Close releases both directions of the stream.
func (sc *streamConn) Close() error {
	var err error
	sc.closeOnce.Do(func() {
		sc.Stream.CancelRead(0)
		err = sc.Stream.Close()
		if sc.owner != nil {
			sc.forget(sc.owner)
			sc.owner.CloseWithError(0, "bye")
		}
	})
	return err
}
