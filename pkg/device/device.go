// Package device ties identity, session, policy, and dispatch together into a
// running bus participant.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/bitmesh/pkg/auth"
	"github.com/haasonsaas/bitmesh/pkg/certstore"
	"github.com/haasonsaas/bitmesh/pkg/dispatch"
	"github.com/haasonsaas/bitmesh/pkg/history"
	"github.com/haasonsaas/bitmesh/pkg/inference"
	"github.com/haasonsaas/bitmesh/pkg/journal"
	"github.com/haasonsaas/bitmesh/pkg/message"
	"github.com/haasonsaas/bitmesh/pkg/metrics"
	"github.com/haasonsaas/bitmesh/pkg/policy"
	"github.com/haasonsaas/bitmesh/pkg/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNotRunning     = errors.New("device not running")
	ErrAlreadyRunning = errors.New("device already running")
)

// IdentityProvider yields the device identity and usable certificates.
type IdentityProvider interface {
	EnsureCertificates(ctx context.Context) (auth.Identity, certstore.Paths, error)
}

type ReconnectConfig struct {
	Enabled         bool
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed bounds one reconnect episode. Zero retries until stopped.
	MaxElapsed time.Duration
}

type Config struct {
	Session         session.Config
	Criteria        policy.Criteria
	Dispatch        dispatch.Config
	HistorySize     int
	ShutdownTimeout time.Duration
	Reconnect       ReconnectConfig
}

// Status is a point-in-time view for the status endpoint and CLI.
type Status struct {
	DeviceID      string            `json:"device_id"`
	ClientName    string            `json:"client_name,omitempty"`
	Broker        string            `json:"broker"`
	Topic         string            `json:"topic"`
	State         string            `json:"state"`
	JoinAnnounced bool              `json:"join_announced"`
	History       int               `json:"history"`
	InFlight      int               `json:"in_flight"`
	Certificate   *certstore.Status `json:"certificate,omitempty"`
}

type Device struct {
	cfg      Config
	identity IdentityProvider
	engine   inference.Engine
	hist     *history.Ring

	dialer  session.Dialer
	journal *journal.Journal
	metrics *metrics.Metrics
	tracer  trace.TracerProvider
	store   *certstore.Store
	draw    func() float64
	logger  zerolog.Logger

	mu         sync.Mutex
	id         auth.Identity
	paths      certstore.Paths
	sess       *session.Manager
	policy     *policy.Engine
	dispatcher *dispatch.Dispatcher
	running    bool
	starting   bool

	stopping  atomic.Bool
	handshook atomic.Bool
	lost      chan struct{}
}

type Option func(*Device)

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Device) { d.logger = logger }
}

func WithDialer(dialer session.Dialer) Option {
	return func(d *Device) { d.dialer = dialer }
}

// WithJournal records traffic and suppresses redelivered messages.
func WithJournal(j *journal.Journal) Option {
	return func(d *Device) { d.journal = j }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Device) { d.metrics = m }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Device) { d.tracer = tp }
}

// WithCertStore lets Status report the certificate validity window.
func WithCertStore(s *certstore.Store) Option {
	return func(d *Device) { d.store = s }
}

// WithRandom replaces the probability gate's random source.
func WithRandom(draw func() float64) Option {
	return func(d *Device) { d.draw = draw }
}

func New(cfg Config, identity IdentityProvider, engine inference.Engine, opts ...Option) *Device {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = history.DefaultCapacity
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	d := &Device{
		cfg:      cfg,
		identity: identity,
		engine:   engine,
		hist:     history.NewRing(cfg.HistorySize),
		dialer:   session.DialMQTT,
		logger:   log.With().Str("component", "device").Logger(),
		lost:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start establishes identity, checks the inference engine, and connects.
// Any failure leaves the device stopped.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running || d.starting {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.starting = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.starting = false
		d.mu.Unlock()
	}()

	id, paths, err := d.identity.EnsureCertificates(ctx)
	if err != nil {
		return fmt.Errorf("ensure certificates: %w", err)
	}
	if err := d.engine.Available(); err != nil {
		return fmt.Errorf("%w: %v", inference.ErrInferenceFailure, err)
	}
	d.logger.Info().Str("device_id", id.DeviceID).Msg("Starting device")

	policyOpts := []policy.Option{policy.WithLogger(d.logger.With().Str("component", "policy").Logger())}
	if d.draw != nil {
		policyOpts = append(policyOpts, policy.WithSource(d.draw))
	}
	pol := policy.NewEngine(id.DeviceID, d.cfg.Criteria, policyOpts...)

	sess := session.NewManager(d.cfg.Session, id,
		session.WithDialer(d.dialer),
		session.WithLogger(d.logger.With().Str("component", "session").Logger()),
		session.WithMessageHandler(d.HandlePayload),
		session.WithStateListener(d.onSessionState),
	)

	dispatchOpts := []dispatch.Option{dispatch.WithLogger(d.logger.With().Str("component", "dispatch").Logger())}
	if d.metrics != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithMetrics(d.metrics))
	}
	if d.tracer != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithTracerProvider(d.tracer))
	}
	disp := dispatch.New(id.DeviceID, d.engine, &publisher{d: d, sess: sess}, d.hist, d.cfg.Dispatch, dispatchOpts...)

	d.mu.Lock()
	d.id, d.paths = id, paths
	d.sess, d.policy, d.dispatcher = sess, pol, disp
	d.running = true
	d.mu.Unlock()
	d.stopping.Store(false)

	if err := sess.Start(ctx, paths); err != nil {
		d.mu.Lock()
		d.running = false
		d.sess, d.policy, d.dispatcher = nil, nil, nil
		d.mu.Unlock()
		_ = disp.Shutdown(context.Background())
		return err
	}
	d.logger.Info().Msg("Service started successfully")
	return nil
}

// Stop drains pending replies, then leaves the bus.
func (d *Device) Stop() {
	d.stopping.Store(true)

	d.mu.Lock()
	sess, disp, running := d.sess, d.dispatcher, d.running
	d.running = false
	d.mu.Unlock()
	if !running {
		return
	}
	d.logger.Info().Msg("Stopping device")

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
	defer cancel()
	if err := disp.Shutdown(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Pending responses canceled")
	}
	sess.Stop()
	d.logger.Info().Msg("Device stopped")
}

// Run starts the device and blocks until ctx ends, then stops it.
func (d *Device) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	defer d.Stop()

	if !d.cfg.Reconnect.Enabled {
		<-ctx.Done()
		return nil
	}
	d.supervise(ctx)
	return nil
}

// HandlePayload is the receive path. It never blocks on inference.
func (d *Device) HandlePayload(payload []byte) {
	m, err := message.Decode(payload)
	if err != nil {
		if d.metrics != nil {
			d.metrics.DecodeFailures.Inc()
		}
		d.logger.Warn().Err(err).Int("bytes", len(payload)).Msg("Dropping undecodable message")
		return
	}

	if d.journal != nil {
		if err := d.journal.RecordInbound(m); err != nil {
			if errors.Is(err, journal.ErrDuplicate) {
				if d.metrics != nil {
					d.metrics.Duplicates.Inc()
				}
				d.logger.Debug().Str("message_id", m.ID).Msg("Ignoring redelivered message")
				return
			}
			d.logger.Warn().Err(err).Msg("Journal write failed")
		}
	}

	if d.metrics != nil {
		d.metrics.MessagesReceived.WithLabelValues(m.Type).Inc()
	}
	d.logger.Info().Str("from", m.DeviceID).Str("type", m.Type).Str("content", m.Preview(100)).Msg("Received message")
	d.hist.Append(m)

	d.mu.Lock()
	pol, disp := d.policy, d.dispatcher
	d.mu.Unlock()
	if pol == nil || disp == nil {
		return
	}

	decision := pol.Decide(m)
	if d.metrics != nil {
		d.metrics.Decisions.WithLabelValues(fmt.Sprint(decision.Respond), string(decision.Reason)).Inc()
	}
	if d.journal != nil {
		if err := d.journal.SetDecision(m.ID, decision.String()); err != nil {
			d.logger.Debug().Err(err).Msg("Journal decision update failed")
		}
	}
	if decision.Respond {
		disp.Dispatch(m)
	}
}

// SendManual publishes content from this device. An empty msgType means manual.
func (d *Device) SendManual(content, msgType string) (message.Message, error) {
	if msgType == "" {
		msgType = message.TypeManual
	}
	d.mu.Lock()
	sess, id, running := d.sess, d.id, d.running
	d.mu.Unlock()
	if !running {
		return message.Message{}, ErrNotRunning
	}
	m := message.New(id.DeviceID, content, msgType)
	return m, (&publisher{d: d, sess: sess}).Publish(m)
}

func (d *Device) Identity() auth.Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

// History returns the retained messages, oldest first.
func (d *Device) History() []message.Message {
	return d.hist.Snapshot()
}

func (d *Device) Status() Status {
	d.mu.Lock()
	id, paths, sess, disp := d.id, d.paths, d.sess, d.dispatcher
	d.mu.Unlock()

	st := Status{
		DeviceID:   id.DeviceID,
		ClientName: id.ClientName,
		Broker:     d.cfg.Session.Broker,
		Topic:      d.cfg.Session.Topic,
		State:      session.Disconnected.String(),
		History:    d.hist.Len(),
	}
	if sess != nil {
		st.State = sess.State().String()
		st.JoinAnnounced = sess.JoinAnnounced()
	}
	if disp != nil {
		st.InFlight = disp.InFlight()
	}
	if d.store != nil && paths.Cert != "" {
		if cs, err := d.store.Inspect(paths); err == nil {
			st.Certificate = &cs
		}
	}
	return st
}

func (d *Device) onSessionState(s session.State) {
	if s == session.Connected {
		d.handshook.Store(true)
	}
	if d.metrics != nil {
		if s == session.Connected {
			d.metrics.SessionConnected.Set(1)
		} else {
			d.metrics.SessionConnected.Set(0)
		}
	}
	if s == session.Disconnected && !d.stopping.Load() {
		select {
		case d.lost <- struct{}{}:
		default:
		}
	}
}

// WaitConnected blocks until the broker has acknowledged the session or ctx
// ends.
func (d *Device) WaitConnected(ctx context.Context) error {
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		d.mu.Lock()
		sess := d.sess
		d.mu.Unlock()
		if sess == nil {
			return ErrNotRunning
		}
		if sess.State() == session.Connected {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", session.ErrConnectFailure, ctx.Err())
		case <-tick.C:
		}
	}
}

// publisher journals what the session sends.
type publisher struct {
	d    *Device
	sess *session.Manager
}

func (p *publisher) Publish(m message.Message) error {
	if err := p.sess.Publish(m); err != nil {
		return err
	}
	if p.d.journal != nil {
		if err := p.d.journal.RecordOutbound(m); err != nil {
			p.d.logger.Debug().Err(err).Msg("Journal write failed")
		}
	}
	return nil
}
