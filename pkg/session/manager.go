package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/bitmesh/pkg/auth"
	"github.com/haasonsaas/bitmesh/pkg/certstore"
	"github.com/haasonsaas/bitmesh/pkg/message"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrConnectFailure = errors.New("broker connection failed")
	ErrNotConnected   = errors.New("not connected to broker")
	ErrNotStarted     = errors.New("session not started")
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

type Config struct {
	Broker         string
	Port           int
	Topic          string
	KeepAlive      time.Duration
	UseTLS         bool
	ConnectTimeout time.Duration
	// LeaveGrace is how long Stop waits after the leave announcement.
	LeaveGrace time.Duration
}

// Manager owns the broker connection for one device identity.
type Manager struct {
	cfg      Config
	identity auth.Identity
	dial     Dialer
	logger   zerolog.Logger

	onMessage func([]byte)
	onState   func(State)

	state atomic.Int32

	mu            sync.Mutex
	transport     Transport
	gen           uint64
	paths         certstore.Paths
	joinAnnounced bool
}

type Option func(*Manager)

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithDialer selects the transport. Defaults to DialMQTT.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dial = d }
}

// WithMessageHandler receives every payload delivered on the topic.
func WithMessageHandler(fn func(payload []byte)) Option {
	return func(m *Manager) { m.onMessage = fn }
}

func WithStateListener(fn func(State)) Option {
	return func(m *Manager) { m.onState = fn }
}

func NewManager(cfg Config, identity auth.Identity, opts ...Option) *Manager {
	if cfg.LeaveGrace < 0 {
		cfg.LeaveGrace = 0
	}
	m := &Manager{
		cfg:      cfg,
		identity: identity,
		dial:     DialMQTT,
		logger:   log.With().Str("component", "session").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

// JoinAnnounced reports whether the join presence was published since the last Stop.
func (m *Manager) JoinAnnounced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joinAnnounced
}

func (m *Manager) setState(s State) {
	if State(m.state.Swap(int32(s))) == s {
		return
	}
	if m.onState != nil {
		m.onState(s)
	}
}

// Start connects with the certificates at paths. It returns once the
// transport has accepted the connection; the broker handshake and the
// transport event loop continue in the background, reporting through the
// state listener.
func (m *Manager) Start(ctx context.Context, paths certstore.Paths) error {
	m.mu.Lock()
	if m.transport != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: session already started", ErrConnectFailure)
	}
	m.paths = paths
	m.mu.Unlock()
	return m.connect(ctx)
}

// Reconnect replaces a lost transport using the paths from the last Start.
// The join presence is not repeated.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.paths == (certstore.Paths{}) {
		m.mu.Unlock()
		return ErrNotStarted
	}
	old := m.transport
	m.transport = nil
	m.gen++
	m.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}
	return m.connect(ctx)
}

func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	paths := m.paths
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	tcfg := TransportConfig{
		Broker:         m.cfg.Broker,
		Port:           m.cfg.Port,
		ClientID:       m.identity.ClientName,
		Username:       m.identity.AuthName,
		KeepAlive:      m.cfg.KeepAlive,
		ConnectTimeout: m.cfg.ConnectTimeout,
		Handlers: Handlers{
			OnConnect:        func() { m.handleConnect(gen) },
			OnConnectionLost: func(err error) { m.handleConnectionLost(gen, err) },
			OnMessage:        func(p []byte) { m.handleMessage(gen, p) },
		},
	}
	if m.cfg.UseTLS {
		tlsConf, err := ClientTLSConfig(paths)
		if err != nil {
			m.logger.Error().Err(err).Msg("Failed to configure TLS")
			return fmt.Errorf("%w: %v", ErrConnectFailure, err)
		}
		tcfg.TLS = tlsConf
	}

	m.setState(Connecting)
	m.logger.Info().
		Str("broker", m.cfg.Broker).
		Int("port", m.cfg.Port).
		Str("client_id", tcfg.ClientID).
		Str("username", tcfg.Username).
		Msg("Connecting to broker")

	t := m.dial(tcfg)

	m.mu.Lock()
	m.transport = t
	m.mu.Unlock()

	if err := t.Connect(ctx); err != nil {
		m.mu.Lock()
		if m.gen == gen {
			m.transport = nil
			m.gen++
		}
		m.mu.Unlock()
		t.Disconnect()
		m.setState(Disconnected)
		m.logger.Error().Err(err).Msg("Failed to connect to broker")
		return fmt.Errorf("%w: %v", ErrConnectFailure, err)
	}
	return nil
}

func (m *Manager) current(gen uint64) Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return nil
	}
	return m.transport
}

func (m *Manager) handleConnect(gen uint64) {
	t := m.current(gen)
	if t == nil {
		return
	}
	m.setState(Connected)
	m.logger.Info().Msg("Connected to broker")

	if err := t.Subscribe(m.cfg.Topic); err != nil {
		m.logger.Error().Err(err).Str("topic", m.cfg.Topic).Msg("Subscribe failed")
	} else {
		m.logger.Info().Str("topic", m.cfg.Topic).Msg("Subscribed to topic")
	}

	m.mu.Lock()
	announce := !m.joinAnnounced && m.gen == gen
	if announce {
		m.joinAnnounced = true
	}
	m.mu.Unlock()

	if announce {
		content := fmt.Sprintf("Device %s joined the network with BitNet capabilities", m.identity.DeviceID)
		if err := m.publishOn(t, message.New(m.identity.DeviceID, content, message.TypePresence)); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to announce join")
		}
	}
}

func (m *Manager) handleConnectionLost(gen uint64, err error) {
	if m.current(gen) == nil {
		return
	}
	m.setState(Disconnected)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Unexpected broker disconnection")
		return
	}
	m.logger.Info().Msg("Broker connection closed")
}

func (m *Manager) handleMessage(gen uint64, payload []byte) {
	if m.current(gen) == nil || m.onMessage == nil {
		return
	}
	m.onMessage(payload)
}

// Publish sends msg on the topic. Nothing is queued while disconnected.
func (m *Manager) Publish(msg message.Message) error {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil || !t.IsConnected() {
		m.logger.Error().Str("message_id", msg.ID).Msg("Publish skipped, broker not connected")
		return ErrNotConnected
	}
	return m.publishOn(t, msg)
}

func (m *Manager) publishOn(t Transport, msg message.Message) error {
	payload, err := msg.Marshal()
	if err != nil {
		return err
	}
	if err := t.Publish(m.cfg.Topic, payload); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	m.logger.Debug().Str("message_id", msg.ID).Str("type", msg.Type).Str("content", msg.Preview(50)).Msg("Published message")
	return nil
}

// Stop announces departure when connected, disconnects, and resets the join
// announcement so the next Start announces again.
func (m *Manager) Stop() {
	m.mu.Lock()
	t := m.transport
	m.transport = nil
	m.gen++
	m.mu.Unlock()

	if t != nil {
		if t.IsConnected() {
			content := fmt.Sprintf("Device %s leaving the network", m.identity.DeviceID)
			if err := m.publishOn(t, message.New(m.identity.DeviceID, content, message.TypePresence)); err != nil {
				m.logger.Warn().Err(err).Msg("Failed to announce leave")
			}
			time.Sleep(m.cfg.LeaveGrace)
			if err := t.Unsubscribe(m.cfg.Topic); err != nil {
				m.logger.Debug().Err(err).Msg("Unsubscribe failed")
			}
		}
		t.Disconnect()
	}

	m.mu.Lock()
	m.joinAnnounced = false
	m.mu.Unlock()
	m.setState(Disconnected)
	m.logger.Info().Msg("Session stopped")
}
