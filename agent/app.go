package main

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/bitmesh/pkg/auth"
	"github.com/haasonsaas/bitmesh/pkg/certstore"
	"github.com/haasonsaas/bitmesh/pkg/config"
	"github.com/haasonsaas/bitmesh/pkg/device"
	"github.com/haasonsaas/bitmesh/pkg/dispatch"
	"github.com/haasonsaas/bitmesh/pkg/enroll"
	"github.com/haasonsaas/bitmesh/pkg/inference"
	"github.com/haasonsaas/bitmesh/pkg/journal"
	"github.com/haasonsaas/bitmesh/pkg/metrics"
	"github.com/haasonsaas/bitmesh/pkg/session"
	"github.com/haasonsaas/bitmesh/pkg/status"
	"github.com/haasonsaas/bitmesh/pkg/telemetry"
	"github.com/rs/zerolog/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// app holds the components built from one config.
type app struct {
	cfg      *config.DeviceConfig
	deviceID string
	store    *certstore.Store
	enroller *enroll.Client
	identity *auth.Manager
	engine   *inference.BitNet
}

// newApp builds the components for cfg. Extra enroll options apply after the
// config-derived ones.
func newApp(cfg *config.DeviceConfig, enrollOpts ...enroll.Option) (*app, error) {
	store, err := certstore.New(cfg.Device.CertDir)
	if err != nil {
		return nil, err
	}
	id := auth.DeriveDeviceID(cfg.Device.ID)
	opts := append([]enroll.Option{
		enroll.WithTimeouts(
			time.Duration(cfg.Enrollment.RequestTimeout)*time.Second,
			time.Duration(cfg.Enrollment.CATimeout)*time.Second,
		),
		enroll.WithDeviceInfo(enroll.DeviceInfo{
			Type:         cfg.Device.Type,
			Capabilities: cfg.Device.Capabilities,
			Location:     cfg.Device.Location,
			Description:  cfg.Device.Description,
		}),
	}, enrollOpts...)
	enroller := enroll.NewClient(cfg.Enrollment.URL, opts...)
	return &app{
		cfg:      cfg,
		deviceID: id,
		store:    store,
		enroller: enroller,
		identity: auth.NewManager(id, store, enroller, auth.WithNames(cfg.Device.ClientName, cfg.Device.AuthName)),
		engine:   inference.NewBitNet(cfg.Inference.BitNetPath, inference.WithPython(cfg.Inference.Python)),
	}, nil
}

func (a *app) identityProvider() *retryingIdentity {
	e := a.cfg.Enrollment
	return &retryingIdentity{
		mgr:   a.identity,
		retry: newRetrier(e.RetryInitialMs, e.RetryMaxMs, e.RetryMaxRetries),
	}
}

func (a *app) inferenceParams() inference.Params {
	c := a.cfg.Inference
	return inference.Params{
		NPredict:     c.NPredict,
		Threads:      c.Threads,
		CtxSize:      c.CtxSize,
		Temperature:  c.Temperature,
		ModelPath:    c.ModelPath,
		Conversation: c.Conversation,
		Timeout:      time.Duration(c.Timeout) * time.Second,
	}
}

func (a *app) deviceConfig() device.Config {
	bus, resp := a.cfg.Bus, a.cfg.Response
	return device.Config{
		Session: session.Config{
			Broker:         bus.Broker,
			Port:           bus.Port,
			Topic:          bus.Topic,
			KeepAlive:      time.Duration(bus.KeepAlive) * time.Second,
			UseTLS:         bus.UseTLS,
			ConnectTimeout: time.Duration(bus.ConnectTimeout) * time.Second,
			LeaveGrace:     time.Duration(bus.LeaveGraceMs) * time.Millisecond,
		},
		Criteria: resp.Criteria,
		Dispatch: dispatch.Config{
			Template:      resp.PromptTemplate,
			Params:        a.inferenceParams(),
			Delay:         a.cfg.ResponseDelay(),
			MaxConcurrent: resp.MaxConcurrent,
			PeerLimit:     resp.PeerLimit,
			PeerWindow:    time.Duration(resp.PeerWindow) * time.Second,
		},
		HistorySize:     resp.HistorySize,
		ShutdownTimeout: time.Duration(resp.ShutdownTimeout) * time.Second,
		Reconnect: device.ReconnectConfig{
			Enabled:         bus.Reconnect.Enable,
			InitialInterval: time.Duration(bus.Reconnect.InitialMs) * time.Millisecond,
			MaxInterval:     time.Duration(bus.Reconnect.MaxMs) * time.Millisecond,
			MaxElapsed:      time.Duration(bus.Reconnect.MaxElapsedS) * time.Second,
		},
	}
}

func (a *app) dialer() session.Dialer {
	if a.cfg.Bus.Transport == "nats" {
		return session.DialNATS
	}
	return session.DialMQTT
}

func (a *app) openJournal() (*journal.Journal, error) {
	if !a.cfg.Journal.Enable {
		return nil, nil
	}
	j, err := journal.Open(a.cfg.Journal.Path,
		journal.WithRetention(time.Duration(a.cfg.Journal.RetentionH)*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return j, nil
}

// stack is a started device plus the services around it.
type stack struct {
	dev     *device.Device
	journal *journal.Journal
	tracer  *sdktrace.TracerProvider
	status  *status.Server
}

// build assembles the device and, for the long-running service, its status
// endpoint and tracing.
func (a *app) build(ctx context.Context, withServices bool) (*stack, error) {
	rt := &stack{}
	j, err := a.openJournal()
	if err != nil {
		return nil, err
	}
	rt.journal = j

	opts := []device.Option{
		device.WithDialer(a.dialer()),
		device.WithCertStore(a.store),
	}
	if j != nil {
		opts = append(opts, device.WithJournal(j))
	}

	var m *metrics.Metrics
	if withServices {
		tc := a.cfg.Tracing
		tp, err := telemetry.SetupTracing(ctx, telemetry.Config{
			ServiceName:    "bitmesh-device",
			ServiceVersion: Version,
			Endpoint:       tc.Endpoint,
			Insecure:       tc.Insecure,
			SampleRatio:    tc.SampleRatio,
			LogSpans:       tc.LogSpans,
			Logger:         log.With().Str("component", "tracing").Logger(),
		})
		if err != nil {
			rt.close(ctx)
			return nil, fmt.Errorf("setup tracing: %w", err)
		}
		rt.tracer = tp
		opts = append(opts, device.WithTracerProvider(tp))

		if a.cfg.Status.Enable {
			m = metrics.New()
			opts = append(opts, device.WithMetrics(m))
		}
	}

	rt.dev = device.New(a.deviceConfig(), a.identityProvider(), a.engine, opts...)

	if withServices && a.cfg.Status.Enable {
		statusOpts := []status.Option{status.WithMetrics(m), status.WithTracerProvider(rt.tracer)}
		if j != nil {
			statusOpts = append(statusOpts, status.WithJournal(j))
		}
		rt.status = status.New(rt.dev, statusOpts...)
		if err := rt.status.Start(a.cfg.Status.Listen); err != nil {
			rt.close(ctx)
			return nil, fmt.Errorf("start status server: %w", err)
		}
	}
	return rt, nil
}

// close releases everything except the device, which callers stop.
func (rt *stack) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if rt.status != nil {
		if err := rt.status.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Status server shutdown failed")
		}
	}
	if rt.tracer != nil {
		if err := rt.tracer.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Tracer shutdown failed")
		}
	}
	if rt.journal != nil {
		if err := rt.journal.Close(); err != nil {
			log.Warn().Err(err).Msg("Journal close failed")
		}
	}
}
