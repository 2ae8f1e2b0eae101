package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttQoS          = 0
	mqttProtocol311  = 4
	mqttQuiesceMilli = 250
)

var errSocketConsumed = errors.New("mqtt socket already handed to client")

// MQTTTransport speaks MQTT 3.1.1 through paho with automatic reconnect off.
// Connect opens the socket itself and hands it to paho.
type MQTTTransport struct {
	client   mqtt.Client
	handlers Handlers
	timeout  time.Duration
	addr     string
	tls      *tls.Config
	closed   atomic.Bool

	mu      sync.Mutex
	pending net.Conn
	sock    net.Conn
}

func DialMQTT(cfg TransportConfig) Transport {
	scheme := "tcp"
	if cfg.TLS != nil {
		scheme = "ssl"
	}
	t := &MQTTTransport{
		handlers: cfg.Handlers,
		timeout:  cfg.ConnectTimeout,
		addr:     net.JoinHostPort(cfg.Broker, strconv.Itoa(cfg.Port)),
		tls:      cfg.TLS,
	}
	if t.timeout <= 0 {
		t.timeout = 30 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s", scheme, t.addr)).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword("").
		SetProtocolVersion(mqttProtocol311).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(t.timeout).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCustomOpenConnectionFn(t.handOver).
		SetOnConnectHandler(func(mqtt.Client) {
			if t.handlers.OnConnect != nil {
				t.handlers.OnConnect()
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			t.lost(err)
		})
	if cfg.TLS != nil {
		opts.SetTLSConfig(cfg.TLS)
	}
	t.client = mqtt.NewClient(opts)
	return t
}

// Connect returns once the TCP (and TLS) connection is up. The CONNACK is
// handled in the background: acceptance fires OnConnect, while a refusal or
// handshake timeout fires OnConnectionLost.
func (t *MQTTTransport) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.pending, t.sock = conn, conn
	t.mu.Unlock()

	tok := t.client.Connect()
	go func() {
		tok.Wait()
		if err := tok.Error(); err != nil {
			t.lost(fmt.Errorf("broker handshake: %w", err))
		}
	}()
	return nil
}

func (t *MQTTTransport) dial(ctx context.Context) (net.Conn, error) {
	d := &net.Dialer{}
	if t.tls == nil {
		return d.DialContext(ctx, "tcp", t.addr)
	}
	td := &tls.Dialer{NetDialer: d, Config: t.tls}
	return td.DialContext(ctx, "tcp", t.addr)
}

// handOver gives paho the socket Connect opened. It is called once per
// Connect since reconnect and protocol fallback are both off.
func (t *MQTTTransport) handOver(*url.URL, mqtt.ClientOptions) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn := t.pending
	t.pending = nil
	if conn == nil {
		return nil, errSocketConsumed
	}
	return conn, nil
}

func (t *MQTTTransport) lost(err error) {
	if t.closed.Load() || t.handlers.OnConnectionLost == nil {
		return
	}
	t.handlers.OnConnectionLost(err)
}

func (t *MQTTTransport) Subscribe(topic string) error {
	tok := t.client.Subscribe(topic, mqttQoS, func(_ mqtt.Client, m mqtt.Message) {
		if t.handlers.OnMessage != nil {
			t.handlers.OnMessage(m.Payload())
		}
	})
	return t.wait(tok)
}

func (t *MQTTTransport) Unsubscribe(topic string) error {
	return t.wait(t.client.Unsubscribe(topic))
}

func (t *MQTTTransport) Publish(topic string, payload []byte) error {
	return t.wait(t.client.Publish(topic, mqttQoS, false, payload))
}

func (t *MQTTTransport) IsConnected() bool {
	return t.client.IsConnectionOpen()
}

// Disconnect also closes a socket whose handshake is still pending, which
// ends paho's connect attempt.
func (t *MQTTTransport) Disconnect() {
	t.closed.Store(true)
	t.client.Disconnect(mqttQuiesceMilli)

	t.mu.Lock()
	sock := t.sock
	t.pending, t.sock = nil, nil
	t.mu.Unlock()
	if sock != nil {
		_ = sock.Close()
	}
}

func (t *MQTTTransport) wait(tok mqtt.Token) error {
	if !tok.WaitTimeout(t.timeout) {
		return fmt.Errorf("mqtt operation timed out after %s", t.timeout)
	}
	return tok.Error()
}
