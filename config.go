package tainin

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/spf13/viper"

	"github.com/raskyld/tainin/pkg/endpoint"
	"github.com/raskyld/tainin/pkg/protocol"
)

// Config is the file and environment form of a node configuration.
type Config struct {
	NodeID           string          `mapstructure:"node_id"`
	Log              LogConfig       `mapstructure:"log"`
	KeepAlive        KeepAliveConfig `mapstructure:"keepalive"`
	HandshakeTimeout time.Duration   `mapstructure:"handshake_timeout"`
	MaxChunkSize     int             `mapstructure:"max_chunk_size"`
	Reserved         ReservedConfig  `mapstructure:"reserved"`
	Listen           ListenConfig    `mapstructure:"listen"`
	TLS              TLSConfig       `mapstructure:"tls"`
	Metrics          MetricsConfig   `mapstructure:"metrics"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type KeepAliveConfig struct {
	Period  time.Duration `mapstructure:"period"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ReservedConfig holds the number of explicitly claimable keys per table.
type ReservedConfig struct {
	Endpoints int `mapstructure:"endpoints"`
	Routes    int `mapstructure:"routes"`
	Sources   int `mapstructure:"sources"`
}

// ListenConfig holds the addresses sources listen on. An empty address
// disables the source.
type ListenConfig struct {
	TCP  string `mapstructure:"tcp"`
	QUIC string `mapstructure:"quic"`
}

// TLSConfig points to PEM files. CA is used both to verify servers and to
// require client certificates.
type TLSConfig struct {
	Cert string `mapstructure:"cert"`
	Key  string `mapstructure:"key"`
	CA   string `mapstructure:"ca"`
}

type MetricsConfig struct {
	Labels map[string]string `mapstructure:"labels"`
}

// LoadConfig reads path, when not empty, then the TAININ_ environment.
// Without path, a `tainin.yaml` is looked up in the working directory and
// in /etc/tainin, and is optional.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tainin")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tainin")
	}

	v.SetEnvPrefix("TAININ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: reading config: %w", ErrInvalidCfg, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decoding config: %w", ErrInvalidCfg, err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("keepalive.period", endpoint.DefaultKeepAlivePeriod)
	v.SetDefault("keepalive.timeout", endpoint.DefaultKeepAliveTimeout)
	v.SetDefault("handshake_timeout", endpoint.DefaultHandshakeTimeout)
	v.SetDefault("max_chunk_size", 0)
	v.SetDefault("reserved.endpoints", protocol.DefaultReservedCount)
	v.SetDefault("reserved.routes", protocol.DefaultReservedCount)
	v.SetDefault("reserved.sources", protocol.DefaultReservedCount)
	v.SetDefault("listen.tcp", "")
	v.SetDefault("listen.quic", "")
	v.SetDefault("tls.cert", "")
	v.SetDefault("tls.key", "")
	v.SetDefault("tls.ca", "")
}

// ToOptions turns the configuration into node options. Logs go to stderr at
// the configured level.
func (c *Config) ToOptions() ([]Option, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return nil, fmt.Errorf("%w: log level: %w", ErrInvalidCfg, err)
	}

	opts := []Option{
		WithLog(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
		WithKeepAlive(c.KeepAlive.Period, c.KeepAlive.Timeout),
		WithHandshakeTimeout(c.HandshakeTimeout),
		WithReservedCounts(c.Reserved.Endpoints, c.Reserved.Routes, c.Reserved.Sources),
	}

	if c.NodeID != "" {
		id, err := uuid.Parse(c.NodeID)
		if err != nil {
			return nil, fmt.Errorf("%w: node_id: %w", ErrInvalidCfg, err)
		}
		opts = append(opts, WithNodeID(id))
	}
	if c.MaxChunkSize > 0 {
		opts = append(opts, WithMaxChunkSize(c.MaxChunkSize))
	}
	if len(c.Metrics.Labels) > 0 {
		opts = append(opts, WithMetricLabels(c.labels()))
	}

	if c.TLS.Cert != "" || c.TLS.Key != "" {
		tlsConf, err := c.TLS.Load()
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithTlsConfig(tlsConf))
	}
	return opts, nil
}

func (c *Config) labels() []metrics.Label {
	names := make([]string, 0, len(c.Metrics.Labels))
	for name := range c.Metrics.Labels {
		names = append(names, name)
	}
	sort.Strings(names)

	labels := make([]metrics.Label, 0, len(names))
	for _, name := range names {
		labels = append(labels, metrics.Label{Name: name, Value: c.Metrics.Labels[name]})
	}
	return labels
}

// Load builds a mutual TLS configuration out of the PEM files.
func (t TLSConfig) Load() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(t.Cert, t.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: tls key pair: %w", ErrInvalidCfg, err)
	}
	conf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}
	if t.CA == "" {
		return conf, nil
	}

	pem, err := os.ReadFile(t.CA)
	if err != nil {
		return nil, fmt.Errorf("%w: tls ca: %w", ErrInvalidCfg, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: tls ca: no certificate found in %s", ErrInvalidCfg, t.CA)
	}
	conf.RootCAs = pool
	conf.ClientCAs = pool
	conf.ClientAuth = tls.RequireAndVerifyClientCert
	return conf, nil
}
