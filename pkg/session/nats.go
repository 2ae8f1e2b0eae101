package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSTransport maps the bus topic onto a NATS subject. Slashes become dots.
type NATSTransport struct {
	cfg TransportConfig

	mu   sync.Mutex
	conn *nats.Conn
	subs map[string]*nats.Subscription
}

func DialNATS(cfg TransportConfig) Transport {
	return &NATSTransport{cfg: cfg, subs: make(map[string]*nats.Subscription)}
}

// Subject converts an MQTT style topic to a NATS subject.
func Subject(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

func (t *NATSTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timeout := t.cfg.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); timeout <= 0 || d < timeout {
			timeout = d
		}
	}
	if timeout <= 0 {
		timeout = nats.DefaultTimeout
	}

	scheme := "nats"
	opts := []nats.Option{
		nats.Name(t.cfg.ClientID),
		nats.UserInfo(t.cfg.Username, ""),
		nats.NoReconnect(),
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if t.cfg.Handlers.OnConnectionLost != nil {
				t.cfg.Handlers.OnConnectionLost(err)
			}
		}),
	}
	if t.cfg.KeepAlive > 0 {
		opts = append(opts, nats.PingInterval(t.cfg.KeepAlive))
	}
	if t.cfg.TLS != nil {
		scheme = "tls"
		opts = append(opts, nats.Secure(t.cfg.TLS))
	}

	nc, err := nats.Connect(fmt.Sprintf("%s://%s:%d", scheme, t.cfg.Broker, t.cfg.Port), opts...)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.conn = nc
	t.mu.Unlock()

	if t.cfg.Handlers.OnConnect != nil {
		go t.cfg.Handlers.OnConnect()
	}
	return nil
}

func (t *NATSTransport) Subscribe(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nats.ErrConnectionClosed
	}
	sub, err := t.conn.Subscribe(Subject(topic), func(m *nats.Msg) {
		if t.cfg.Handlers.OnMessage != nil {
			t.cfg.Handlers.OnMessage(m.Data)
		}
	})
	if err != nil {
		return err
	}
	t.subs[topic] = sub
	return nil
}

func (t *NATSTransport) Unsubscribe(topic string) error {
	t.mu.Lock()
	sub, ok := t.subs[topic]
	delete(t.subs, topic)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}

func (t *NATSTransport) Publish(topic string, payload []byte) error {
	t.mu.Lock()
	nc := t.conn
	t.mu.Unlock()
	if nc == nil {
		return nats.ErrConnectionClosed
	}
	return nc.Publish(Subject(topic), payload)
}

func (t *NATSTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && t.conn.IsConnected()
}

func (t *NATSTransport) Disconnect() {
	t.mu.Lock()
	nc := t.conn
	t.mu.Unlock()
	if nc == nil {
		return
	}
	_ = nc.Flush()
	nc.Close()
}
