package tainin

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"

	"github.com/raskyld/tainin/pkg/codec"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err, "failed to generate private key")
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err, "failed to generate serial number")
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "tainin-test-ca",
		},
		SerialNumber:          serialNumber,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		IsCA: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	require.NoError(t, err, "failed to generate CA")
	return certDER
}

func generateLeaf(t *testing.T, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err, "failed to generate serial number")
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		IsCA:                  false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	require.NoError(t, err, "failed to sign leaf %s", cn)
	return certDER
}

// testPKI signs one leaf per common name with a fresh CA and returns the
// mTLS configuration of each.
func testPKI(t *testing.T, cns ...string) map[string]*tls.Config {
	t.Helper()
	caKey := generateKeyPair(t)
	ca, err := x509.ParseCertificate(generateCa(t, caKey))
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(ca)

	confs := make(map[string]*tls.Config, len(cns))
	for _, cn := range cns {
		key := generateKeyPair(t)
		der := generateLeaf(t, ca, caKey, key, cn)
		leaf, err := x509.ParseCertificate(der)
		require.NoError(t, err)
		confs[cn] = &tls.Config{
			Certificates: []tls.Certificate{{
				Certificate: [][]byte{der},
				Leaf:        leaf,
				PrivateKey:  key,
			}},
			ClientAuth: tls.RequireAndVerifyClientCert,
			ClientCAs:  pool,
			RootCAs:    pool,
		}
	}
	return confs
}

func newQUICNode(t *testing.T, name string, tlsConf *tls.Config) (*Node, *QUICSource) {
	t.Helper()
	opts := []Option{
		WithLog(testLog(name)),
		WithTlsConfig(tlsConf),
		WithDialTimeout(5 * time.Second),
	}
	n, err := NewNode(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, n.Shutdown()) })

	src, err := ListenQUIC("127.0.0.1:0", opts...)
	require.NoError(t, err)
	_, err = n.AddSource(context.Background(), "quic", src)
	require.NoError(t, err)
	return n, src
}

func TestListenQUIC_RequiresTLS(t *testing.T) {
	_, err := ListenQUIC("127.0.0.1:0")
	require.ErrorIs(t, err, ErrNoTLSConfig)

	_, err = ListenQUIC("not an address", WithTlsConfig(&tls.Config{}))
	require.ErrorIs(t, err, ErrInvalidAddr)
}

func TestQUICSource_Echo(t *testing.T) {
	pki := testPKI(t, "node1", "node2")
	n1, _ := newQUICNode(t, "node1", pki["node1"])
	n2, src2 := newQUICNode(t, "node2", pki["node2"])
	_, err := n2.Handle("upper", upper)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ts := time.Now()
	// the endpoint is named after the certificate of the peer.
	entry, err := n1.Dial(ctx, "quic", src2.Addr().String(), "")
	require.NoError(t, err)
	t.Logf("dialing took %s", time.Since(ts))

	got, ok := n1.Endpoint("node2")
	require.True(t, ok)
	require.Same(t, entry, got)
	require.Eventually(t, func() bool {
		_, ok := n2.Endpoint("node1")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := n1.CallHandler(ctx, "upper", request(t, "over quic"), "node2")
	require.NoError(t, err)
	msg, err := codec.Get(resp, 0, codec.String{})
	require.NoError(t, err)
	require.Equal(t, strings.ToUpper("over quic"), msg)
}

func TestQUICSource_NameConflict(t *testing.T) {
	pki := testPKI(t, "node1", "node2")
	n1, src1 := newQUICNode(t, "node1", pki["node1"])
	n2, src2 := newQUICNode(t, "node2", pki["node2"])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := n1.Dial(ctx, "quic", src2.Addr().String(), "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := n2.Endpoint("node1")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	// a second connection presenting the same certificate.
	conn, err := src1.Dial(ctx, src2.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte{0})
	require.NoError(t, err)
	require.NoError(t, conn.(*streamConn).SetReadDeadline(time.Now().Add(5*time.Second)))

	_, err = io.ReadAll(conn)
	var appErr *quic.ApplicationError
	require.ErrorAs(t, err, &appErr)
	require.True(t, appErr.Remote)
	require.Equal(t, quic.ApplicationErrorCode(QErrNameConflict.Code), appErr.ErrorCode)

	require.Equal(t, 1, n2.Endpoints().Len())
	_, ok := n1.Endpoint("node2")
	require.True(t, ok, "the first link survives")
}

func TestQUICSource_RejectsInvalidName(t *testing.T) {
	pki := testPKI(t, "node1", "not a valid name!")
	_, src1 := newQUICNode(t, "node1", pki["node1"])
	n2, _ := newQUICNode(t, "bad", pki["not a valid name!"])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := n2.Dial(ctx, "quic", src1.Addr().String(), "")
	require.Error(t, err)
	require.Eventually(t, func() bool { return n2.Endpoints().Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestCommonNameResolver(t *testing.T) {
	_, err, msg := CommonNameResolver(nil)
	require.ErrorIs(t, err, ErrHostnameResolve)
	require.NotEmpty(t, msg)

	name, err, _ := CommonNameResolver([]*x509.Certificate{{Subject: pkix.Name{CommonName: "node1"}}})
	require.NoError(t, err)
	require.Equal(t, Hostname("node1"), name)
}
