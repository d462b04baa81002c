package tainin

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raskyld/tainin/pkg/endpoint"
	"github.com/raskyld/tainin/pkg/protocol"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, endpoint.DefaultKeepAlivePeriod, cfg.KeepAlive.Period)
	require.Equal(t, endpoint.DefaultKeepAliveTimeout, cfg.KeepAlive.Timeout)
	require.Equal(t, endpoint.DefaultHandshakeTimeout, cfg.HandshakeTimeout)
	require.Equal(t, protocol.DefaultReservedCount, cfg.Reserved.Routes)

	opts, err := cfg.ToOptions()
	require.NoError(t, err)
	n, err := NewNode(opts...)
	require.NoError(t, err)
	require.NoError(t, n.Shutdown())
}

func TestLoadConfig_File(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "node.yaml", `
node_id: 8a7f5f4e-3c55-4f52-9d6a-6f1f8f2a0b11
log:
  level: debug
keepalive:
  period: 1s
  timeout: 3s
handshake_timeout: 2s
max_chunk_size: 4096
reserved:
  endpoints: 4
  routes: 5
  sources: 6
listen:
  tcp: 127.0.0.1:7000
metrics:
  labels:
    zone: eu-west
    cluster: test
`)
	t.Setenv("TAININ_LISTEN_QUIC", "127.0.0.1:7001")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, time.Second, cfg.KeepAlive.Period)
	require.Equal(t, 3*time.Second, cfg.KeepAlive.Timeout)
	require.Equal(t, 2*time.Second, cfg.HandshakeTimeout)
	require.Equal(t, 4096, cfg.MaxChunkSize)
	require.Equal(t, ReservedConfig{Endpoints: 4, Routes: 5, Sources: 6}, cfg.Reserved)
	require.Equal(t, "127.0.0.1:7000", cfg.Listen.TCP)
	require.Equal(t, "127.0.0.1:7001", cfg.Listen.QUIC)

	labels := cfg.labels()
	require.Len(t, labels, 2)
	require.Equal(t, "cluster", labels[0].Name)
	require.Equal(t, "eu-west", labels[1].Value)

	opts, err := cfg.ToOptions()
	require.NoError(t, err)
	n, err := NewNode(opts...)
	require.NoError(t, err)
	require.Equal(t, "8a7f5f4e-3c55-4f52-9d6a-6f1f8f2a0b11", n.ID().String())
	require.NoError(t, n.Shutdown())
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, ErrInvalidCfg)

	for name, content := range map[string]string{
		"level":     "log:\n  level: loud\n",
		"node_id":   "node_id: not-a-uuid\n",
		"keepalive": "keepalive:\n  period: 5s\n  timeout: 1s\n",
		"reserved":  "reserved:\n  routes: 1\n",
		"tls":       "tls:\n  cert: /nowhere/cert.pem\n  key: /nowhere/key.pem\n",
	} {
		t.Run(name, func(t *testing.T) {
			cfg, err := LoadConfig(writeFile(t, dir, name+".yaml", content))
			require.NoError(t, err)
			opts, err := cfg.ToOptions()
			if err == nil {
				_, err = NewNode(opts...)
			}
			require.ErrorIs(t, err, ErrInvalidCfg)
		})
	}
}

func TestTLSConfig_Load(t *testing.T) {
	dir := t.TempDir()
	caKey := generateKeyPair(t)
	caDER := generateCa(t, caKey)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)
	leafKey := generateKeyPair(t)
	leafDER := generateLeaf(t, ca, caKey, leafKey, "node1")
	keyDER, err := x509.MarshalECPrivateKey(leafKey)
	require.NoError(t, err)

	pemOf := func(typ string, der []byte) string {
		return string(pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}))
	}
	tc := TLSConfig{
		Cert: writeFile(t, dir, "cert.pem", pemOf("CERTIFICATE", leafDER)),
		Key:  writeFile(t, dir, "key.pem", pemOf("EC PRIVATE KEY", keyDER)),
		CA:   writeFile(t, dir, "ca.pem", pemOf("CERTIFICATE", caDER)),
	}

	conf, err := tc.Load()
	require.NoError(t, err)
	require.Len(t, conf.Certificates, 1)
	require.Equal(t, tls.RequireAndVerifyClientCert, conf.ClientAuth)
	require.NotNil(t, conf.RootCAs)

	tc.CA = writeFile(t, dir, "empty.pem", "")
	_, err = tc.Load()
	require.ErrorIs(t, err, ErrInvalidCfg)
}
