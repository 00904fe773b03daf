package tls

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func writeCert(t *testing.T, dir string, opts GenerateOptions) (string, string) {
	t.Helper()
	certPEM, keyPEM, err := GenerateSelfSigned(opts)
	require.NoError(t, err)
	certFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")
	require.NoError(t, WriteFiles(certPEM, keyPEM, certFile, keyFile))
	return certFile, keyFile
}

func TestLoadCertificate(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeCert(t, dir, GenerateOptions{CommonName: "fhir.test", DNSNames: []string{"fhir.test"}})

	cert, err := LoadCertificate(certFile, keyFile)
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)
	assert.Equal(t, "fhir.test", cert.Leaf.Subject.CommonName)

	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadCertificateFailures(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadCertificate("", "")
	assert.Equal(t, KindConfig, KindOf(err))

	_, err = LoadCertificate(filepath.Join(dir, "missing.crt"), filepath.Join(dir, "missing.key"))
	assert.Equal(t, KindFileAccess, KindOf(err))

	_, err = LoadCertificate(dir, dir)
	assert.Equal(t, KindFileAccess, KindOf(err))

	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not pem"), 0o600))
	_, err = LoadCertificate(garbage, garbage)
	assert.Equal(t, KindParse, KindOf(err))

	expiredDir := t.TempDir()
	certFile, keyFile := writeCert(t, expiredDir, GenerateOptions{NotBefore: time.Now().Add(-2 * time.Hour), ValidFor: time.Hour})
	_, err = LoadCertificate(certFile, keyFile)
	assert.Equal(t, KindExpired, KindOf(err))

	futureDir := t.TempDir()
	certFile, keyFile = writeCert(t, futureDir, GenerateOptions{NotBefore: time.Now().Add(time.Hour)})
	_, err = LoadCertificate(certFile, keyFile)
	assert.Equal(t, KindNotYet, KindOf(err))
}

func TestValidateCertificateEmpty(t *testing.T) {
	assert.Equal(t, KindParse, KindOf(ValidateCertificate(nil, time.Now())))
	assert.Equal(t, KindParse, KindOf(ValidateCertificate(&tls.Certificate{}, time.Now())))
}

func TestReloaderKeepsPreviousCertificateOnFailure(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeCert(t, dir, GenerateOptions{CommonName: "first"})

	r, err := NewReloader(certFile, keyFile, quiet)
	require.NoError(t, err)
	first := r.Certificate()
	assert.Equal(t, "first", first.Leaf.Subject.CommonName)

	require.NoError(t, os.WriteFile(certFile, []byte("broken"), 0o600))
	assert.Error(t, r.Reload())
	assert.Same(t, first, r.Certificate())

	writeCert(t, dir, GenerateOptions{CommonName: "second"})
	require.NoError(t, r.Reload())

	got, err := r.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	assert.Equal(t, "second", got.Leaf.Subject.CommonName)
}

func TestReloaderWatchPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeCert(t, dir, GenerateOptions{CommonName: "before"})

	r, err := NewReloader(certFile, keyFile, quiet)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(50 * time.Millisecond)
	writeCert(t, dir, GenerateOptions{CommonName: "after"})

	require.Eventually(t, func() bool {
		return r.Certificate().Leaf.Subject.CommonName == "after"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestServerConfig(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeCert(t, dir, GenerateOptions{})
	r, err := NewReloader(certFile, keyFile, quiet)
	require.NoError(t, err)

	cfg := ServerConfig(r)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.Same(t, r.Certificate(), cert)
}
