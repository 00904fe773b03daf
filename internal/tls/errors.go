package tls

import (
	"errors"
	"fmt"
)

// ErrorKind classifies certificate failures.
type ErrorKind string

const (
	KindConfig     ErrorKind = "config"
	KindFileAccess ErrorKind = "file_access"
	KindParse      ErrorKind = "parse"
	KindExpired    ErrorKind = "expired"
	KindNotYet     ErrorKind = "not_yet_valid"
	KindWeak       ErrorKind = "weak_algorithm"
	KindKeyUsage   ErrorKind = "key_usage"
	KindChain      ErrorKind = "chain"
)

// CertificateError describes why a certificate could not be used.
type CertificateError struct {
	Kind ErrorKind
	File string
	Err  error
}

func (e *CertificateError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("tls %s error (%s): %v", e.Kind, e.File, e.Err)
	}
	return fmt.Sprintf("tls %s error: %v", e.Kind, e.Err)
}

func (e *CertificateError) Unwrap() error { return e.Err }

func newError(kind ErrorKind, file string, format string, args ...any) *CertificateError {
	return &CertificateError{Kind: kind, File: file, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of a CertificateError in err's chain, or "".
func KindOf(err error) ErrorKind {
	var certErr *CertificateError
	if errors.As(err, &certErr) {
		return certErr.Kind
	}
	return ""
}
