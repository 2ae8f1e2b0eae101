package enroll

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/bitmesh/pkg/certstore"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrEnrollmentFailure wraps every registration failure.
var ErrEnrollmentFailure = errors.New("device enrollment failed")

const requestIDHeader = "X-Request-ID"

// StatusError is returned when the service answers with a non-200 status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("enrollment service returned %d", e.Code)
	}
	return fmt.Sprintf("enrollment service returned %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrEnrollmentFailure
}

type RegistrationRequest struct {
	DeviceID string `json:"deviceId"`
	DeviceInfo
}

// DeviceInfo describes the device to the enrollment service. Empty fields are
// left out of the request.
type DeviceInfo struct {
	Type         string   `json:"deviceType,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Location     string   `json:"location,omitempty"`
	Description  string   `json:"description,omitempty"`
}

type RegistrationResponse struct {
	Registration *struct {
		ClientName         string `json:"clientName"`
		AuthenticationName string `json:"authenticationName"`
	} `json:"registration"`
	Certificate *struct {
		Certificate string `json:"certificate"`
		PrivateKey  string `json:"privateKey"`
		PublicKey   string `json:"publicKey"`
	} `json:"certificate"`
}

// Registration holds the names the service assigned to the device.
type Registration struct {
	ClientName string `json:"client_name"`
	AuthName   string `json:"auth_name"`
}

type Result struct {
	Registration Registration
	Bundle       certstore.Bundle
}

// Client talks to the certificate enrollment service. It never retries.
type Client struct {
	baseURL         string
	httpClient      *http.Client
	registerTimeout time.Duration
	caTimeout       time.Duration
	info            DeviceInfo
	logger          zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func WithTimeouts(register, ca time.Duration) Option {
	return func(cl *Client) {
		if register > 0 {
			cl.registerTimeout = register
		}
		if ca > 0 {
			cl.caTimeout = ca
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(cl *Client) { cl.logger = logger }
}

// WithDeviceInfo attaches info to every registration request.
func WithDeviceInfo(info DeviceInfo) Option {
	return func(cl *Client) { cl.info = info }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		httpClient:      &http.Client{},
		registerTimeout: 30 * time.Second,
		caTimeout:       10 * time.Second,
		logger:          log.With().Str("component", "enroll").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// RegisterDevice registers deviceID and returns its identity material. A
// failed CA download is logged and leaves Bundle.CACert empty.
func (c *Client) RegisterDevice(ctx context.Context, deviceID string) (*Result, error) {
	c.logger.Info().Str("device_id", deviceID).Msg("Registering device")

	resp, err := c.register(ctx, deviceID)
	if err != nil {
		c.logger.Error().Err(err).Msg("Device registration failed")
		return nil, err
	}

	result := &Result{
		Registration: Registration{
			ClientName: resp.Registration.ClientName,
			AuthName:   resp.Registration.AuthenticationName,
		},
		Bundle: certstore.Bundle{
			ClientCert: resp.Certificate.Certificate,
			ClientKey:  resp.Certificate.PrivateKey,
			PublicKey:  resp.Certificate.PublicKey,
		},
	}
	c.logger.Info().
		Str("client_name", result.Registration.ClientName).
		Str("auth_name", result.Registration.AuthName).
		Msg("Device registration successful")

	ca, err := c.FetchCA(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Could not fetch CA certificate")
	} else {
		result.Bundle.CACert = ca
	}
	return result, nil
}

func (c *Client) register(ctx context.Context, deviceID string) (*RegistrationResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.registerTimeout)
	defer cancel()

	body, err := json.Marshal(RegistrationRequest{DeviceID: deviceID, DeviceInfo: c.info})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnrollmentFailure, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/register-device", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnrollmentFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(requestIDHeader, xid.New().String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnrollmentFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var parsed RegistrationResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrEnrollmentFailure, err)
	}
	if err := parsed.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnrollmentFailure, err)
	}
	return &parsed, nil
}

func (r *RegistrationResponse) validate() error {
	if r.Registration == nil {
		return errors.New("response has no registration section")
	}
	if r.Registration.ClientName == "" || r.Registration.AuthenticationName == "" {
		return errors.New("registration section missing clientName or authenticationName")
	}
	if r.Certificate == nil {
		return errors.New("no certificate data in registration response")
	}
	if r.Certificate.Certificate == "" || r.Certificate.PrivateKey == "" {
		return errors.New("certificate section missing certificate or privateKey")
	}
	return nil
}

// FetchCA downloads the CA certificate PEM. A body without a parseable
// certificate is an error.
func (c *Client) FetchCA(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.caTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ca-certificate", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set(requestIDHeader, xid.New().String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Code: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if _, err := certstore.ParseCertificate(data); err != nil {
		return "", fmt.Errorf("invalid CA certificate: %w", err)
	}
	return string(data), nil
}
