package certstore

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/haasonsaas/bitmesh/pkg/enroll/enrolltest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, now time.Time) *Store {
	t.Helper()
	s, err := New(t.TempDir(), WithLogger(zerolog.Nop()), WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return s
}

func issueBundle(t *testing.T, ca *enrolltest.Authority, notBefore, notAfter time.Time) Bundle {
	t.Helper()
	issued, err := ca.Issue("dev-1", notBefore, notAfter)
	require.NoError(t, err)
	return Bundle{
		ClientCert: issued.CertPEM,
		ClientKey:  issued.KeyPEM,
		CACert:     ca.CACertPEM(),
	}
}

func TestSaveWritesArtifacts(t *testing.T) {
	ca, err := enrolltest.NewAuthority()
	require.NoError(t, err)
	now := time.Now()
	s := newTestStore(t, now)

	paths, err := s.Save(issueBundle(t, ca, now.Add(-time.Hour), now.Add(24*time.Hour)), "dev-1")
	require.NoError(t, err)
	require.Equal(t, s.Paths("dev-1"), paths)
	require.True(t, s.Exists(paths))

	info, err := os.Stat(paths.Key)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestSaveWithoutCA(t *testing.T) {
	ca, err := enrolltest.NewAuthority()
	require.NoError(t, err)
	now := time.Now()
	s := newTestStore(t, now)

	b := issueBundle(t, ca, now.Add(-time.Hour), now.Add(24*time.Hour))
	b.CACert = ""
	paths, err := s.Save(b, "dev-1")
	require.NoError(t, err)
	require.Empty(t, paths.CA)
	require.False(t, s.Exists(s.Paths("dev-1")))
}

func TestValidateWindow(t *testing.T) {
	ca, err := enrolltest.NewAuthority()
	require.NoError(t, err)
	// x509 validity has second precision.
	now := time.Now().Truncate(time.Second)

	tests := []struct {
		name      string
		notBefore time.Time
		notAfter  time.Time
		want      bool
		renewal   bool
	}{
		{"expired", now.Add(-48 * time.Hour), now.Add(-time.Hour), false, false},
		{"expires exactly now", now.Add(-48 * time.Hour), now, false, false},
		{"one second left", now.Add(-48 * time.Hour), now.Add(time.Second), true, true},
		{"not yet valid", now.Add(time.Hour), now.Add(48 * time.Hour), false, false},
		{"expiring within seven days", now.Add(-time.Hour), now.Add(6 * 24 * time.Hour), true, true},
		{"healthy", now.Add(-time.Hour), now.Add(30 * 24 * time.Hour), true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t, now)
			paths, err := s.Save(issueBundle(t, ca, tt.notBefore, tt.notAfter), "dev-1")
			require.NoError(t, err)

			if got := s.Validate(paths); got != tt.want {
				t.Fatalf("Validate() = %v, want %v", got, tt.want)
			}
			status, err := s.Inspect(paths)
			if tt.want {
				require.NoError(t, err)
				require.Equal(t, tt.renewal, status.RenewalDue)
			} else {
				require.True(t, errors.Is(err, ErrCertificateInvalid))
			}
		})
	}
}

func TestValidateFailsClosed(t *testing.T) {
	ca, err := enrolltest.NewAuthority()
	require.NoError(t, err)
	now := time.Now()

	t.Run("missing key", func(t *testing.T) {
		s := newTestStore(t, now)
		paths, err := s.Save(issueBundle(t, ca, now.Add(-time.Hour), now.Add(time.Hour)), "dev-1")
		require.NoError(t, err)
		require.NoError(t, os.Remove(paths.Key))
		require.False(t, s.Validate(paths))
	})

	t.Run("garbage certificate", func(t *testing.T) {
		s := newTestStore(t, now)
		paths, err := s.Save(issueBundle(t, ca, now.Add(-time.Hour), now.Add(time.Hour)), "dev-1")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(paths.Cert, []byte("not a certificate"), 0644))
		require.False(t, s.Validate(paths))
	})

	t.Run("garbage CA", func(t *testing.T) {
		s := newTestStore(t, now)
		paths, err := s.Save(issueBundle(t, ca, now.Add(-time.Hour), now.Add(time.Hour)), "dev-1")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(paths.CA, []byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"), 0644))
		require.False(t, s.Validate(paths))
	})

	t.Run("key from another certificate", func(t *testing.T) {
		s := newTestStore(t, now)
		b := issueBundle(t, ca, now.Add(-time.Hour), now.Add(time.Hour))
		other := issueBundle(t, ca, now.Add(-time.Hour), now.Add(time.Hour))
		b.ClientKey = other.ClientKey
		paths, err := s.Save(b, "dev-1")
		require.NoError(t, err)
		require.False(t, s.Validate(paths))
	})

	t.Run("empty paths", func(t *testing.T) {
		s := newTestStore(t, now)
		require.False(t, s.Validate(Paths{}))
	})
}

func TestLoadKeyPair(t *testing.T) {
	ca, err := enrolltest.NewAuthority()
	require.NoError(t, err)
	now := time.Now()
	s := newTestStore(t, now)
	paths, err := s.Save(issueBundle(t, ca, now.Add(-time.Hour), now.Add(time.Hour)), "dev-1")
	require.NoError(t, err)

	pair, err := s.LoadKeyPair(paths)
	require.NoError(t, err)
	require.NotEmpty(t, pair.Certificate)

	_, err = s.LoadKeyPair(Paths{Cert: paths.Cert, Key: paths.Cert})
	require.ErrorIs(t, err, ErrCertificateInvalid)
}
