package tainin

import (
	"crypto/x509"
	"log/slog"
	"net"
)

// Hostname is the name a peer is known under. It names its endpoint in
// the endpoint table, so it must be a valid table name.
type Hostname string

// Peer describes the remote end of a Connection.
type Peer struct {
	Name Hostname
	Addr net.Addr
}

func (p Peer) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("name", string(p.Name))}
	if p.Addr != nil {
		attrs = append(attrs, slog.String("addr", p.Addr.String()))
	}
	return slog.GroupValue(attrs...)
}

// HostnameResolver names a peer out of the certificate chain it presented
// during the TLS handshake.
//
// It runs on the connection establishment path and must not block. On
// failure, the third value is a message for the peer explaining why its
// connection is refused; when it is empty the peer only learns that an
// internal error occurred.
type HostnameResolver func(certs []*x509.Certificate) (Hostname, error, string)

// CommonNameResolver is the default resolver, it uses the Subject Common
// Name of the leaf certificate.
func CommonNameResolver(certs []*x509.Certificate) (Hostname, error, string) {
	if len(certs) == 0 {
		return "", ErrHostnameResolve, "it seems like you haven't provided client certificate"
	}

	return Hostname(certs[0].Subject.CommonName), nil, ""
}
