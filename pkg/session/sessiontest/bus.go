// Package sessiontest provides an in-memory broker for session tests.
package sessiontest

import (
	"context"
	"errors"
	"sync"

	"github.com/haasonsaas/bitmesh/pkg/session"
)

var ErrRefused = errors.New("connection refused")

// Published is one payload seen by the bus.
type Published struct {
	ClientID string
	Topic    string
	Payload  []byte
}

// Bus fans published payloads out to every subscribed transport, including
// the sender, the way a broker echoes messages to its own subscribers.
type Bus struct {
	mu         sync.Mutex
	transports []*Transport
	published  []Published
	refuse     error
	rejectAck  error
	dials      int
}

func NewBus() *Bus {
	return &Bus{}
}

// Refuse makes subsequent connects fail with err. Pass nil to accept again.
func (b *Bus) Refuse(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refuse = err
}

// RejectHandshake makes subsequent connects succeed at the socket level and
// then report err as a connection loss instead of connecting. Pass nil to
// accept again.
func (b *Bus) RejectHandshake(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectAck = err
}

// Dialer returns a session.Dialer bound to this bus.
func (b *Bus) Dialer() session.Dialer {
	return func(cfg session.TransportConfig) session.Transport {
		t := &Transport{bus: b, cfg: cfg, subs: make(map[string]bool)}
		b.mu.Lock()
		b.transports = append(b.transports, t)
		b.dials++
		b.mu.Unlock()
		return t
	}
}

func (b *Bus) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Published returns every payload published so far.
func (b *Bus) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// Last returns the most recent transport dialed, or nil.
func (b *Bus) Last() *Transport {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.transports) == 0 {
		return nil
	}
	return b.transports[len(b.transports)-1]
}

// Inject delivers payload to subscribers of topic as if a remote peer sent it.
func (b *Bus) Inject(topic string, payload []byte) {
	b.mu.Lock()
	targets := b.subscribers(topic)
	b.mu.Unlock()
	for _, t := range targets {
		t.deliver(payload)
	}
}

func (b *Bus) publish(from *Transport, topic string, payload []byte) {
	b.mu.Lock()
	b.published = append(b.published, Published{ClientID: from.cfg.ClientID, Topic: topic, Payload: payload})
	targets := b.subscribers(topic)
	b.mu.Unlock()
	for _, t := range targets {
		t.deliver(payload)
	}
}

func (b *Bus) subscribers(topic string) []*Transport {
	var out []*Transport
	for _, t := range b.transports {
		if t.subscribed(topic) {
			out = append(out, t)
		}
	}
	return out
}

// Transport is a session.Transport attached to a Bus.
type Transport struct {
	bus *Bus
	cfg session.TransportConfig

	mu        sync.Mutex
	connected bool
	closed    bool
	subs      map[string]bool
}

func (t *Transport) Config() session.TransportConfig {
	return t.cfg
}

func (t *Transport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.bus.mu.Lock()
	refuse, rejectAck := t.bus.refuse, t.bus.rejectAck
	t.bus.mu.Unlock()
	if refuse != nil {
		return refuse
	}
	if rejectAck != nil {
		if t.cfg.Handlers.OnConnectionLost != nil {
			t.cfg.Handlers.OnConnectionLost(rejectAck)
		}
		return nil
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	if t.cfg.Handlers.OnConnect != nil {
		t.cfg.Handlers.OnConnect()
	}
	return nil
}

func (t *Transport) Subscribe(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return session.ErrNotConnected
	}
	t.subs[topic] = true
	return nil
}

func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, topic)
	return nil
}

func (t *Transport) Publish(topic string, payload []byte) error {
	if !t.IsConnected() {
		return session.ErrNotConnected
	}
	t.bus.publish(t, topic, append([]byte(nil), payload...))
	return nil
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.connected = false
	t.closed = true
	t.subs = make(map[string]bool)
	t.mu.Unlock()
}

// Closed reports whether Disconnect was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Drop simulates an unexpected connection loss.
func (t *Transport) Drop(err error) {
	t.mu.Lock()
	was := t.connected
	t.connected = false
	t.subs = make(map[string]bool)
	t.mu.Unlock()
	if was && t.cfg.Handlers.OnConnectionLost != nil {
		t.cfg.Handlers.OnConnectionLost(err)
	}
}

func (t *Transport) subscribed(topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && t.subs[topic]
}

func (t *Transport) deliver(payload []byte) {
	if t.cfg.Handlers.OnMessage != nil {
		t.cfg.Handlers.OnMessage(payload)
	}
}
