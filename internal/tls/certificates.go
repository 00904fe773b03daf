package tls

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// expiryWarning is how close to NotAfter a certificate must be before loading
// it logs a warning.
const expiryWarning = 30 * 24 * time.Hour

// reloadDelay coalesces the burst of events editors and cert tooling emit for
// one replacement.
const reloadDelay = 100 * time.Millisecond

// LoadCertificate reads and validates a PEM certificate/key pair.
func LoadCertificate(certFile, keyFile string) (*tls.Certificate, error) {
	if strings.TrimSpace(certFile) == "" || strings.TrimSpace(keyFile) == "" {
		return nil, newError(KindConfig, "", "both certificate and key files are required")
	}
	certPath := filepath.Clean(certFile)
	keyPath := filepath.Clean(keyFile)

	for _, path := range []string{certPath, keyPath} {
		info, err := os.Stat(path)
		if err != nil {
			return nil, &CertificateError{Kind: KindFileAccess, File: path, Err: err}
		}
		if info.IsDir() {
			return nil, newError(KindFileAccess, path, "path is a directory")
		}
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, &CertificateError{Kind: KindParse, File: certPath, Err: err}
	}
	if err := ValidateCertificate(&cert, time.Now()); err != nil {
		return nil, err
	}
	return &cert, nil
}

// ValidateCertificate checks the validity window, key usage, key strength and
// chain signatures of cert at now.
func ValidateCertificate(cert *tls.Certificate, now time.Time) error {
	if cert == nil || len(cert.Certificate) == 0 {
		return newError(KindParse, "", "certificate chain is empty")
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return &CertificateError{Kind: KindParse, Err: err}
	}
	cert.Leaf = leaf

	if now.Before(leaf.NotBefore) {
		return newError(KindNotYet, "", "certificate is valid from %s", leaf.NotBefore.Format(time.RFC3339))
	}
	if now.After(leaf.NotAfter) {
		return newError(KindExpired, "", "certificate expired at %s", leaf.NotAfter.Format(time.RFC3339))
	}

	if leaf.KeyUsage&(x509.KeyUsageKeyEncipherment|x509.KeyUsageDigitalSignature) == 0 {
		return newError(KindKeyUsage, "", "certificate lacks KeyEncipherment or DigitalSignature usage")
	}

	switch leaf.SignatureAlgorithm {
	case x509.MD2WithRSA, x509.MD5WithRSA, x509.SHA1WithRSA, x509.ECDSAWithSHA1:
		return newError(KindWeak, "", "weak signature algorithm %s", leaf.SignatureAlgorithm)
	}
	switch key := leaf.PublicKey.(type) {
	case *rsa.PublicKey:
		if key.N.BitLen() < 2048 {
			return newError(KindWeak, "", "RSA key size %d bits is below 2048", key.N.BitLen())
		}
	case *ecdsa.PublicKey:
		if key.Curve.Params().BitSize < 256 {
			return newError(KindWeak, "", "ECDSA curve size %d bits is below 256", key.Curve.Params().BitSize)
		}
	}

	child := leaf
	for i := 1; i < len(cert.Certificate); i++ {
		parent, err := x509.ParseCertificate(cert.Certificate[i])
		if err != nil {
			return &CertificateError{Kind: KindChain, Err: err}
		}
		if err := child.CheckSignatureFrom(parent); err != nil {
			return newError(KindChain, "", "certificate %d is not signed by certificate %d: %v", i-1, i, err)
		}
		child = parent
	}
	return nil
}

// Reloader holds the current listener certificate.
type Reloader struct {
	certFile string
	keyFile  string
	logger   *slog.Logger

	mu      sync.RWMutex
	current *tls.Certificate
}

// NewReloader loads the initial certificate. It fails when the files cannot
// be used.
func NewReloader(certFile, keyFile string, logger *slog.Logger) (*Reloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reloader{certFile: filepath.Clean(certFile), keyFile: filepath.Clean(keyFile), logger: logger}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces the certificate from disk. On failure the previous
// certificate is kept.
func (r *Reloader) Reload() error {
	cert, err := LoadCertificate(r.certFile, r.keyFile)
	if err != nil {
		return err
	}

	if time.Until(cert.Leaf.NotAfter) <= expiryWarning {
		r.logger.Warn("Certificate expires soon",
			"subject", cert.Leaf.Subject.String(),
			"not_after", cert.Leaf.NotAfter)
	}
	r.logger.Info("Certificate loaded",
		"cert_file", r.certFile,
		"subject", cert.Leaf.Subject.String(),
		"dns_names", cert.Leaf.DNSNames,
		"not_after", cert.Leaf.NotAfter,
		"serial_number", cert.Leaf.SerialNumber.String())

	r.mu.Lock()
	r.current = cert
	r.mu.Unlock()
	return nil
}

// Certificate returns the certificate in use.
func (r *Reloader) Certificate() *tls.Certificate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// GetCertificate implements tls.Config.GetCertificate.
func (r *Reloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := r.Certificate()
	if cert == nil {
		return nil, errors.New("no certificate loaded")
	}
	return cert, nil
}

// Watch reloads the certificate when either file changes until ctx is done.
// The parent directories are watched so atomic renames are seen.
func (r *Reloader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dirs := map[string]bool{filepath.Dir(r.certFile): true, filepath.Dir(r.keyFile): true}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return &CertificateError{Kind: KindFileAccess, File: dir, Err: err}
		}
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Clean(event.Name)
			if name != r.certFile && name != r.keyFile {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := r.Reload(); err != nil {
				r.logger.Error("Certificate reload failed, keeping previous certificate", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("Certificate watcher error", "error", err)
		}
	}
}

// ServerConfig returns listener settings that serve the reloader's
// certificate.
func ServerConfig(r *Reloader) *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: r.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
	}
}
