package auth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/haasonsaas/bitmesh/pkg/certstore"
	"github.com/haasonsaas/bitmesh/pkg/enroll"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Registrar obtains a certificate bundle for a device.
type Registrar interface {
	RegisterDevice(ctx context.Context, deviceID string) (*enroll.Result, error)
}

// Manager makes sure a device has usable certificates before it connects.
type Manager struct {
	deviceID  string
	fallback  Identity
	store     *certstore.Store
	registrar Registrar
	logger    zerolog.Logger
}

type Option func(*Manager)

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithNames sets the client and authentication names used when no
// registration record exists.
func WithNames(clientName, authName string) Option {
	return func(m *Manager) {
		m.fallback.ClientName = clientName
		m.fallback.AuthName = authName
	}
}

func NewManager(deviceID string, store *certstore.Store, registrar Registrar, opts ...Option) *Manager {
	m := &Manager{
		deviceID:  deviceID,
		store:     store,
		registrar: registrar,
		logger:    log.With().Str("component", "identity").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) DeviceID() string {
	return m.deviceID
}

// RecordPath is where the registration names for this device are kept.
func (m *Manager) RecordPath() string {
	return filepath.Join(m.store.Dir(), m.deviceID+".json")
}

// EnsureCertificates returns the device identity and the paths of valid
// certificates, enrolling when the stored ones are missing or unusable.
// It performs no network I/O when stored certificates validate.
func (m *Manager) EnsureCertificates(ctx context.Context) (Identity, certstore.Paths, error) {
	paths := m.store.Paths(m.deviceID)

	if m.store.Exists(paths) && m.store.Validate(paths) {
		id, err := LoadIdentity(m.RecordPath(), m.deviceID)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Ignoring unreadable registration record")
			id = Identity{DeviceID: m.deviceID}
		}
		m.logger.Info().Str("device_id", m.deviceID).Msg("Using existing valid certificates")
		return id.withDefaults(m.fallback), paths, nil
	}

	return m.Enroll(ctx)
}

// Enroll registers the device unconditionally and persists the result.
func (m *Manager) Enroll(ctx context.Context) (Identity, certstore.Paths, error) {
	if m.registrar == nil {
		return Identity{}, certstore.Paths{}, fmt.Errorf("%w: no enrollment service configured", enroll.ErrEnrollmentFailure)
	}
	m.logger.Info().Str("device_id", m.deviceID).Msg("Obtaining new certificates")

	res, err := m.registrar.RegisterDevice(ctx, m.deviceID)
	if err != nil {
		return Identity{}, certstore.Paths{}, err
	}

	saved, err := m.store.Save(res.Bundle, m.deviceID)
	if err != nil {
		return Identity{}, certstore.Paths{}, fmt.Errorf("persist certificates: %w", err)
	}

	id := Identity{
		DeviceID:   m.deviceID,
		ClientName: res.Registration.ClientName,
		AuthName:   res.Registration.AuthName,
	}.withDefaults(m.fallback)
	if err := id.Save(m.RecordPath()); err != nil {
		return Identity{}, certstore.Paths{}, fmt.Errorf("%w: registration record: %v", certstore.ErrIOFailure, err)
	}

	if saved.CA == "" {
		shared := m.store.Paths(m.deviceID).CA
		if _, err := os.Stat(shared); err == nil {
			saved.CA = shared
		} else {
			m.logger.Warn().Msg("Enrolled without a CA certificate")
		}
	}
	return id, saved, nil
}
