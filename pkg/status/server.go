// Package status serves the device's local health, history, and metrics
// endpoints.
package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/bitmesh/pkg/device"
	"github.com/haasonsaas/bitmesh/pkg/journal"
	"github.com/haasonsaas/bitmesh/pkg/message"
	"github.com/haasonsaas/bitmesh/pkg/metrics"
	"github.com/haasonsaas/bitmesh/pkg/session"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultLimit = 50
	maxLimit     = 1000

	requestIDHeader = "X-Request-ID"
	ctxRequestID    = "request_id"
	ctxLogger       = "request_logger"

	tracerName = "github.com/haasonsaas/bitmesh/pkg/status"
)

// Device is the view of a running device the endpoints need.
type Device interface {
	Status() device.Status
	History() []message.Message
}

type Server struct {
	dev     Device
	journal *journal.Journal
	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  zerolog.Logger

	engine *gin.Engine
	srv    *http.Server
	ln     net.Listener
}

type Option func(*Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithJournal exposes persisted traffic at /v1/journal.
func WithJournal(j *journal.Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithMetrics exposes the registry at /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) { s.tracer = tp.Tracer(tracerName) }
}

func New(dev Device, opts ...Option) *Server {
	s := &Server{
		dev:    dev,
		tracer: otel.Tracer(tracerName),
		logger: log.With().Str("component", "status").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.traceRequest)

	v1 := r.Group("/v1")
	v1.GET("/health", s.handleHealth)
	v1.GET("/history", s.handleHistory)
	v1.GET("/journal", s.handleJournal)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Status server listening")
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Status server stopped")
		}
	}()
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// handleHealth answers 200 while connected to the broker and 503 otherwise.
func (s *Server) handleHealth(c *gin.Context) {
	st := s.dev.Status()
	code := http.StatusOK
	if st.State != session.Connected.String() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, st)
}

func (s *Server) handleHistory(c *gin.Context) {
	limit, ok := s.limit(c)
	if !ok {
		return
	}
	msgs := s.dev.History()
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

func (s *Server) handleJournal(c *gin.Context) {
	if s.journal == nil {
		s.fail(c, http.StatusNotFound, "journal disabled")
		return
	}
	limit, ok := s.limit(c)
	if !ok {
		return
	}
	entries, err := s.journal.Recent(limit)
	if err != nil {
		l := s.requestLogger(c)
		l.Error().Err(err).Int("limit", limit).Msg("Journal read failed")
		s.fail(c, http.StatusInternalServerError, "journal read failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) limit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		s.fail(c, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, true
}

// traceRequest tags each request with an ID, a span, and a logger carrying
// the device identity and the session state at the time of the request.
func (s *Server) traceRequest(c *gin.Context) {
	reqID := c.GetHeader(requestIDHeader)
	if reqID == "" {
		reqID = xid.New().String()
	}
	c.Set(ctxRequestID, reqID)
	c.Writer.Header().Set(requestIDHeader, reqID)

	route := c.FullPath()
	st := s.dev.Status()
	logger := s.logger.With().
		Str("request_id", reqID).
		Str("device_id", st.DeviceID).
		Str("session_state", st.State).
		Str("route", route).
		Logger()
	c.Set(ctxLogger, logger)

	ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
	ctx, span := s.tracer.Start(ctx, c.Request.Method+" "+route, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("http.route", route),
		attribute.String("request.id", reqID),
		attribute.String("device.id", st.DeviceID),
	)
	c.Request = c.Request.WithContext(ctx)

	c.Next()

	code := c.Writer.Status()
	span.SetAttributes(attribute.Int("http.status_code", code))
	if code >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(code))
	}
	span.End()
	logger.Debug().Int("status", code).Msg("Request served")
}

func (s *Server) requestLogger(c *gin.Context) zerolog.Logger {
	if v, ok := c.Get(ctxLogger); ok {
		if l, ok := v.(zerolog.Logger); ok {
			return l
		}
	}
	return s.logger
}

// fail aborts with a JSON error body that echoes the request ID.
func (s *Server) fail(c *gin.Context, code int, msg string) {
	l := s.requestLogger(c)
	if code >= http.StatusInternalServerError {
		l.Error().Int("status", code).Msg(msg)
		trace.SpanFromContext(c.Request.Context()).RecordError(errors.New(msg))
	} else {
		l.Warn().Int("status", code).Msg(msg)
	}
	c.AbortWithStatusJSON(code, gin.H{
		"error":      msg,
		"request_id": c.GetString(ctxRequestID),
	})
}
