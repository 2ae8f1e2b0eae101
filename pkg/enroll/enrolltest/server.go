// Package enrolltest runs an in-process certificate enrollment service for tests.
package enrolltest

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Server mimics the enrollment service's register-device and ca-certificate
// endpoints over HTTPS.
// Request is a register-device body as the service received it.
type Request struct {
	DeviceID     string   `json:"deviceId"`
	DeviceType   string   `json:"deviceType"`
	Capabilities []string `json:"capabilities"`
	Location     string   `json:"location"`
	Description  string   `json:"description"`
}

type Server struct {
	*httptest.Server
	Authority *Authority

	registerCalls atomic.Int64
	caCalls       atomic.Int64

	mu         sync.Mutex
	status     int
	malformed  bool
	caStatus   int
	caBody     string
	validFor   time.Duration
	registered []string
	requests   []Request
}

type Option func(*Server)

// WithRegisterStatus makes register-device answer with status and no body.
func WithRegisterStatus(status int) Option {
	return func(s *Server) { s.status = status }
}

// WithMalformedBody makes register-device answer 200 with an unusable body.
func WithMalformedBody() Option {
	return func(s *Server) { s.malformed = true }
}

// WithCAStatus makes ca-certificate answer with status.
func WithCAStatus(status int) Option {
	return func(s *Server) { s.caStatus = status }
}

// WithCABody makes ca-certificate answer 200 with body instead of the CA PEM.
func WithCABody(body string) Option {
	return func(s *Server) { s.caBody = body }
}

// WithValidity sets the lifetime of issued client certificates.
func WithValidity(d time.Duration) Option {
	return func(s *Server) { s.validFor = d }
}

func NewServer(opts ...Option) (*Server, error) {
	ca, err := NewAuthority()
	if err != nil {
		return nil, err
	}
	s := &Server{
		Authority: ca,
		status:    http.StatusOK,
		caStatus:  http.StatusOK,
		validFor:  30 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/register-device", s.handleRegister)
	r.GET("/ca-certificate", s.handleCA)
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	s.Server = httptest.NewTLSServer(r)
	return s, nil
}

// RegisterCalls is the number of register-device requests received.
func (s *Server) RegisterCalls() int64 {
	return s.registerCalls.Load()
}

func (s *Server) CACalls() int64 {
	return s.caCalls.Load()
}

// Registered lists device ids issued a certificate, in order.
func (s *Server) Registered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.registered...)
}

// Requests lists every well-formed register-device body, in order.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func (s *Server) handleRegister(c *gin.Context) {
	s.registerCalls.Add(1)

	var req Request
	if err := c.ShouldBindJSON(&req); err != nil || req.DeviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "deviceId is required"})
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	status, malformed, validFor := s.status, s.malformed, s.validFor
	s.mu.Unlock()

	if status != http.StatusOK {
		c.JSON(status, gin.H{"error": "registration unavailable"})
		return
	}
	if malformed {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	issued, err := s.Authority.IssueFor(req.DeviceID, validFor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue certificate"})
		return
	}

	s.mu.Lock()
	s.registered = append(s.registered, req.DeviceID)
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"registration": gin.H{
			"clientName":         "device-" + req.DeviceID,
			"authenticationName": req.DeviceID + "-authnID",
		},
		"certificate": gin.H{
			"certificate": issued.CertPEM,
			"privateKey":  issued.KeyPEM,
			"publicKey":   issued.PublicKeyPEM,
		},
	})
}

func (s *Server) handleCA(c *gin.Context) {
	s.caCalls.Add(1)

	s.mu.Lock()
	status, body := s.caStatus, s.caBody
	s.mu.Unlock()

	if status != http.StatusOK {
		c.String(status, "unavailable")
		return
	}
	if body == "" {
		body = s.Authority.CACertPEM()
	}
	c.String(http.StatusOK, body)
}
