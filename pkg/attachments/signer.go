// Package attachments rewrites Binary references inside resources into
// presigned download URLs and verifies those URLs when they come back.
package attachments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// DefaultExpiry is the lifetime of a presigned URL.
const DefaultExpiry = time.Hour

// StoragePath is the path segment presigned URLs are served under.
const StoragePath = "storage/"

var hkdfSalt = []byte("polis-fhir-presign")

var (
	// ErrInvalidSignature is returned for tampered or unsigned URLs.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrExpired is returned for URLs past their expiry.
	ErrExpired = errors.New("presigned url expired")
)

// Signer issues and checks presigned storage URLs.
type Signer struct {
	key     []byte
	baseURL string
	expiry  time.Duration
	now     func() time.Time
}

// NewSigner derives the signing key from secret. baseURL must end with "/".
func NewSigner(secret, baseURL string, expiry time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("presign secret is required")
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), hkdfSalt, []byte("storage-url-v1")), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	return &Signer{key: key, baseURL: baseURL, expiry: expiry, now: time.Now}, nil
}

// Presign returns {baseURL}storage/{id}?Expires={unix}&Signature={mac}.
func (s *Signer) Presign(binaryID string) string {
	expires := s.now().Add(s.expiry).Unix()
	q := url.Values{}
	q.Set("Expires", strconv.FormatInt(expires, 10))
	q.Set("Signature", s.sign(binaryID, expires))
	return s.baseURL + StoragePath + url.PathEscape(binaryID) + "?" + q.Encode()
}

// Verify checks a signature and expiry for binaryID.
func (s *Signer) Verify(binaryID, expires, signature string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || signature == "" {
		return ErrInvalidSignature
	}
	want := s.sign(binaryID, exp)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrInvalidSignature
	}
	if s.now().Unix() > exp {
		return ErrExpired
	}
	return nil
}

// VerifyURL checks a full presigned URL and returns the binary id it grants.
func (s *Signer) VerifyURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", ErrInvalidSignature
	}
	idx := strings.LastIndex(u.Path, "/"+StoragePath)
	if idx < 0 {
		return "", ErrInvalidSignature
	}
	id := u.Path[idx+len(StoragePath)+1:]
	q := u.Query()
	if err := s.Verify(id, q.Get("Expires"), q.Get("Signature")); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Signer) sign(binaryID string, expires int64) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(binaryID))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
