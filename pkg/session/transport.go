package session

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/haasonsaas/bitmesh/pkg/certstore"
)

// Handlers are invoked from the transport's own goroutines.
type Handlers struct {
	OnConnect func()
	// OnConnectionLost receives nil for a clean disconnect.
	OnConnectionLost func(err error)
	OnMessage        func(payload []byte)
}

// Transport is a single broker connection. It is not reused after Disconnect.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Publish(topic string, payload []byte) error
	IsConnected() bool
	Disconnect()
}

type TransportConfig struct {
	Broker         string
	Port           int
	ClientID       string
	Username       string
	TLS            *tls.Config
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	Handlers       Handlers
}

// Dialer builds a fresh, unconnected Transport.
type Dialer func(cfg TransportConfig) Transport

// ClientTLSConfig presents the device certificate. The broker certificate and
// hostname are not verified.
func ClientTLSConfig(paths certstore.Paths) (*tls.Config, error) {
	pair, err := tls.LoadX509KeyPair(paths.Cert, paths.Key)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates:       []tls.Certificate{pair},
		InsecureSkipVerify: true, //nolint:gosec
		MinVersion:         tls.VersionTLS12,
	}
	if paths.CA != "" {
		caPEM, err := os.ReadFile(paths.CA)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if pool.AppendCertsFromPEM(caPEM) {
			cfg.RootCAs = pool
		}
	}
	return cfg, nil
}
