package certstore

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/facebookgo/atomicfile"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RenewalWindow is how far ahead of expiry a certificate is flagged for renewal.
const RenewalWindow = 7 * 24 * time.Hour

// CAFileName is shared by every device using the same certificate directory.
const CAFileName = "ca.crt"

var (
	ErrCertificateInvalid = errors.New("certificate invalid")
	ErrIOFailure          = errors.New("certificate storage failure")
)

// Bundle is the PEM identity material issued by the enrollment service.
type Bundle struct {
	ClientCert string
	ClientKey  string
	CACert     string
	PublicKey  string
}

// Paths locates the persisted artifacts for one device. An empty field means
// the artifact was not written.
type Paths struct {
	Cert string
	Key  string
	CA   string
}

// Status is the validity window of a client certificate at a point in time.
type Status struct {
	Subject    string
	NotBefore  time.Time
	NotAfter   time.Time
	RenewalDue bool
}

type Store struct {
	dir    string
	logger zerolog.Logger
	now    func() time.Time
}

type Option func(*Store)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock overrides the time source used for validity checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New opens (and creates if needed) the certificate directory.
func New(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrIOFailure, dir, err)
	}
	s := &Store{
		dir:    dir,
		logger: log.With().Str("component", "certstore").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Paths returns where the artifacts for deviceID live, whether or not they exist.
func (s *Store) Paths(deviceID string) Paths {
	return Paths{
		Cert: filepath.Join(s.dir, deviceID+".crt"),
		Key:  filepath.Join(s.dir, deviceID+".key"),
		CA:   filepath.Join(s.dir, CAFileName),
	}
}

// Exists reports whether all three artifacts are present on disk.
func (s *Store) Exists(p Paths) bool {
	for _, path := range []string{p.Cert, p.Key, p.CA} {
		if path == "" {
			return false
		}
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}

// Save persists the bundle. The private key is written owner read/write only.
func (s *Store) Save(b Bundle, deviceID string) (Paths, error) {
	target := s.Paths(deviceID)
	var saved Paths

	if b.ClientCert != "" {
		if err := writeAtomic(target.Cert, []byte(b.ClientCert), 0644); err != nil {
			return Paths{}, err
		}
		saved.Cert = target.Cert
		s.logger.Info().Str("path", target.Cert).Msg("Saved client certificate")
	}
	if b.ClientKey != "" {
		if err := writeAtomic(target.Key, []byte(b.ClientKey), 0600); err != nil {
			return Paths{}, err
		}
		saved.Key = target.Key
		s.logger.Info().Str("path", target.Key).Msg("Saved private key")
	}
	if b.CACert != "" {
		if err := writeAtomic(target.CA, []byte(b.CACert), 0644); err != nil {
			return Paths{}, err
		}
		saved.CA = target.CA
		s.logger.Info().Str("path", target.CA).Msg("Saved CA certificate")
	}
	return saved, nil
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	f, err := atomicfile.New(path, mode)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrIOFailure, path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Abort()
		return fmt.Errorf("%w: %s: %v", ErrIOFailure, path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrIOFailure, path, err)
	}
	return nil
}

// Validate reports whether the artifacts at p are usable now. It fails closed.
func (s *Store) Validate(p Paths) bool {
	status, err := s.Inspect(p)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Certificate validation failed")
		return false
	}
	if status.RenewalDue {
		s.logger.Warn().Time("not_after", status.NotAfter).Msg("Client certificate expires soon")
	}
	s.logger.Info().Str("subject", status.Subject).Time("not_after", status.NotAfter).Msg("Certificates are valid")
	return true
}

// Inspect loads the artifacts fresh from disk and evaluates them.
func (s *Store) Inspect(p Paths) (Status, error) {
	if p.Cert == "" || p.Key == "" {
		return Status{}, fmt.Errorf("%w: certificate or key path not set", ErrCertificateInvalid)
	}
	certPEM, err := os.ReadFile(p.Cert)
	if err != nil {
		return Status{}, fmt.Errorf("%w: read certificate: %v", ErrCertificateInvalid, err)
	}
	keyPEM, err := os.ReadFile(p.Key)
	if err != nil {
		return Status{}, fmt.Errorf("%w: read key: %v", ErrCertificateInvalid, err)
	}
	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		return Status{}, fmt.Errorf("%w: key pair: %v", ErrCertificateInvalid, err)
	}
	if p.CA != "" {
		caPEM, err := os.ReadFile(p.CA)
		if err != nil {
			return Status{}, fmt.Errorf("%w: read CA: %v", ErrCertificateInvalid, err)
		}
		if _, err := ParseCertificate(caPEM); err != nil {
			return Status{}, fmt.Errorf("%w: CA: %v", ErrCertificateInvalid, err)
		}
	}

	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrCertificateInvalid, err)
	}
	return evaluate(cert, s.now())
}

func evaluate(cert *x509.Certificate, now time.Time) (Status, error) {
	status := Status{
		Subject:   cert.Subject.CommonName,
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
	}
	if !now.Before(cert.NotAfter) {
		return status, fmt.Errorf("%w: expired at %s", ErrCertificateInvalid, cert.NotAfter.Format(time.RFC3339))
	}
	if now.Before(cert.NotBefore) {
		return status, fmt.Errorf("%w: not valid before %s", ErrCertificateInvalid, cert.NotBefore.Format(time.RFC3339))
	}
	status.RenewalDue = !cert.NotAfter.After(now.Add(RenewalWindow))
	return status, nil
}

// ParseCertificate decodes the first CERTIFICATE block in data.
func ParseCertificate(data []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, errors.New("no PEM certificate found")
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}

// LoadKeyPair reads the client certificate and key for TLS.
func (s *Store) LoadKeyPair(p Paths) (tls.Certificate, error) {
	pair, err := tls.LoadX509KeyPair(p.Cert, p.Key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: %v", ErrCertificateInvalid, err)
	}
	return pair, nil
}
