// Package auth authenticates FHIR API callers with HS256 bearer tokens and
// builds their per-request AuthContext.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/polisai/polis-fhir/pkg/domain"
	"github.com/polisai/polis-fhir/pkg/policy"
)

// Failure reasons reported by Error.
const (
	ReasonMissingToken = "missing_token"
	ReasonInvalidToken = "invalid_token"
	ReasonExpiredToken = "expired_token"
)

// Error is an authentication failure. It matches domain.ErrUnauthenticated
// under errors.Is.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "authentication failed: " + e.Reason
	}
	return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{domain.ErrUnauthenticated, e.Err}
}

// Claims are the token claims understood by the server.
type Claims struct {
	Scope   string `json:"scope,omitempty"`
	Profile string `json:"profile,omitempty"`
	jwt.RegisteredClaims
}

// Config configures token verification and minting.
type Config struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// JWTAuthenticator implements domain.Authenticator.
type JWTAuthenticator struct {
	cfg    Config
	parser *jwt.Parser
	repo   domain.Repository
	filter policy.Filter
	mode   policy.Mode
	logger *slog.Logger
}

var _ domain.Authenticator = (*JWTAuthenticator)(nil)

// NewJWTAuthenticator creates an authenticator whose contexts carry repo
// guarded by filter.
func NewJWTAuthenticator(cfg Config, repo domain.Repository, filter policy.Filter, mode policy.Mode, logger *slog.Logger) (*JWTAuthenticator, error) {
	if cfg.Secret == "" {
		return nil, errors.New("auth secret is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &JWTAuthenticator{
		cfg:    cfg,
		parser: jwt.NewParser(opts...),
		repo:   repo,
		filter: filter,
		mode:   mode,
		logger: logger,
	}, nil
}

// Authenticate verifies the bearer token of r.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*domain.AuthContext, error) {
	raw, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, &Error{Reason: ReasonMissingToken}
	}

	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(a.cfg.Secret), nil
	})
	if err != nil {
		reason := ReasonInvalidToken
		if errors.Is(err, jwt.ErrTokenExpired) {
			reason = ReasonExpiredToken
		}
		a.logger.DebugContext(ctx, "Bearer token rejected", "reason", reason, "error", err)
		return nil, &Error{Reason: reason, Err: err}
	}

	actor, err := actorOf(claims)
	if err != nil {
		return nil, &Error{Reason: ReasonInvalidToken, Err: err}
	}

	scopes := strings.Fields(claims.Scope)
	subject := policy.Subject{Actor: actor.Reference, Scopes: scopes}
	return &domain.AuthContext{
		Actor:      actor,
		Scopes:     scopes,
		Repository: policy.NewRepository(a.repo, a.filter, subject, a.mode, a.logger),
	}, nil
}

// MintToken issues a signed token for subject. Intended for development and
// tests.
func MintToken(cfg Config, subject, profile string, scopes []string, ttl time.Duration) (string, error) {
	if cfg.Secret == "" {
		return "", errors.New("auth secret is required")
	}
	now := time.Now()
	claims := Claims{
		Scope:   strings.Join(scopes, " "),
		Profile: profile,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
}

func actorOf(claims *Claims) (domain.Reference, error) {
	if claims.Profile != "" {
		rt, id, ok := strings.Cut(claims.Profile, "/")
		if !ok || id == "" || !domain.IsResourceType(rt) {
			return domain.Reference{}, fmt.Errorf("invalid profile claim %q", claims.Profile)
		}
		return domain.Reference{Reference: claims.Profile}, nil
	}
	if claims.Subject == "" {
		return domain.Reference{}, errors.New("missing sub claim")
	}
	return domain.Reference{Reference: "Practitioner/" + claims.Subject}, nil
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
