package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/haasonsaas/bitmesh/pkg/history"
	"github.com/haasonsaas/bitmesh/pkg/inference"
	"github.com/haasonsaas/bitmesh/pkg/message"
	"github.com/haasonsaas/bitmesh/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const tracerName = "github.com/haasonsaas/bitmesh/pkg/dispatch"

// Publisher sends a reply on the bus.
type Publisher interface {
	Publish(m message.Message) error
}

type Config struct {
	Template string
	Params   inference.Params
	// Delay paces each reply after generation.
	Delay         time.Duration
	MaxConcurrent int
	// PeerLimit caps replies per peer within PeerWindow. Zero disables it.
	PeerLimit  int
	PeerWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		Template:      DefaultTemplate,
		Params:        inference.DefaultParams(),
		Delay:         2 * time.Second,
		MaxConcurrent: 4,
		PeerWindow:    time.Minute,
	}
}

// Outcome is what happened to one dispatched reply.
type Outcome struct {
	Trigger message.Message
	Reply   *message.Message
	Label   string
	Err     error
}

// Dispatcher generates and publishes replies off the receive path.
type Dispatcher struct {
	selfID  string
	cfg     Config
	engine  inference.Engine
	pub     Publisher
	hist    *history.Ring
	sem     *semaphore.Weighted
	limiter *RateLimiter
	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  zerolog.Logger
	onDone  func(Outcome)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inFlight int
}

type Option func(*Dispatcher)

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) { d.tracer = tp.Tracer(tracerName) }
}

// WithOutcomeHook is called once per accepted dispatch when it finishes.
func WithOutcomeHook(fn func(Outcome)) Option {
	return func(d *Dispatcher) { d.onDone = fn }
}

func New(selfID string, engine inference.Engine, pub Publisher, hist *history.Ring, cfg Config, opts ...Option) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		selfID:  selfID,
		cfg:     cfg,
		engine:  engine,
		pub:     pub,
		hist:    hist,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		limiter: NewRateLimiter(cfg.PeerLimit, cfg.PeerWindow),
		tracer:  otel.Tracer(tracerName),
		logger:  log.With().Str("component", "dispatch").Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch schedules a reply to m and returns without waiting. It returns
// false when the reply was not scheduled.
func (d *Dispatcher) Dispatch(m message.Message) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Debug().Str("message_id", m.ID).Msg("Dispatcher closed, not responding")
		return false
	}
	if !d.sem.TryAcquire(1) {
		d.mu.Unlock()
		d.count(metrics.OutcomeDropped)
		d.logger.Warn().Str("message_id", m.ID).Int("max_concurrent", d.cfg.MaxConcurrent).Msg("Dispatch queue full, dropping response")
		return false
	}
	if !d.limiter.Allow(m.DeviceID) {
		d.sem.Release(1)
		d.mu.Unlock()
		d.count(metrics.OutcomeRateLimited)
		d.logger.Info().Str("peer", m.DeviceID).Msg("Peer over reply limit, not responding")
		return false
	}
	d.wg.Add(1)
	d.inFlight++
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.DispatchInFlight.Inc()
	}

	var recent []message.Message
	if d.hist != nil {
		recent = d.hist.Before(m.ID, ContextSize)
	}
	prompt := BuildPrompt(d.cfg.Template, m, recent, d.selfID)

	go d.run(m, prompt)
	return true
}

func (d *Dispatcher) run(m message.Message, prompt string) {
	defer func() {
		d.mu.Lock()
		d.inFlight--
		d.mu.Unlock()
		if d.metrics != nil {
			d.metrics.DispatchInFlight.Dec()
		}
		d.sem.Release(1)
		d.wg.Done()
	}()

	ctx, span := d.tracer.Start(d.ctx, "dispatch.respond", trace.WithAttributes(
		attribute.String("bitmesh.peer", m.DeviceID),
		attribute.String("bitmesh.message_id", m.ID),
	))
	defer span.End()

	out := d.respond(ctx, m, prompt)
	span.SetAttributes(attribute.String("bitmesh.outcome", out.Label))
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Label)
	}
	d.count(out.Label)
	if d.onDone != nil {
		d.onDone(out)
	}
}

func (d *Dispatcher) respond(ctx context.Context, m message.Message, prompt string) Outcome {
	logger := d.logger.With().Str("peer", m.DeviceID).Str("message_id", m.ID).Logger()
	logger.Info().Msg("Generating response")

	start := time.Now()
	reply, err := d.engine.Generate(ctx, prompt, d.cfg.Params)
	if d.metrics != nil {
		d.metrics.InferenceDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			logger.Info().Msg("Response canceled")
			return Outcome{Trigger: m, Label: metrics.OutcomeCanceled, Err: err}
		}
		logger.Warn().Err(err).Msg("Failed to generate response")
		return Outcome{Trigger: m, Label: metrics.OutcomeInferFailed, Err: err}
	}

	if err := sleep(ctx, d.cfg.Delay); err != nil {
		logger.Info().Msg("Response canceled during pacing delay")
		return Outcome{Trigger: m, Label: metrics.OutcomeCanceled, Err: err}
	}

	resp := message.New(d.selfID, reply, message.TypeResponse)
	if err := d.pub.Publish(resp); err != nil {
		logger.Warn().Err(err).Msg("Response not published")
		return Outcome{Trigger: m, Reply: &resp, Label: metrics.OutcomeSkipped, Err: err}
	}
	logger.Info().Str("reply_id", resp.ID).Msg("Published response")
	return Outcome{Trigger: m, Reply: &resp, Label: metrics.OutcomePublished}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) count(outcome string) {
	if d.metrics != nil {
		d.metrics.DispatchTotal.WithLabelValues(outcome).Inc()
	}
}

// InFlight is the number of replies being generated or paced.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight
}

// Shutdown stops accepting work and waits for in-flight replies. When ctx
// ends first the remaining work is canceled, awaited, and ctx.Err returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.logger.Warn().Int("in_flight", d.InFlight()).Msg("Shutdown timeout, canceling in-flight responses")
		d.cancel()
		<-done
		return ctx.Err()
	}
}
