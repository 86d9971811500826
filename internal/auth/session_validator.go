// Package auth validates and issues the HS256 session tokens that identify API callers.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultSessionIssuer is the issuer claim expected when none is configured.
	DefaultSessionIssuer = "freeclaim-auth"

	bearerPrefix = "Bearer "
)

var (
	ErrMissingSessionSigningKey = errors.New("auth: session signing secret is required")
	ErrMissingSessionCookieName = errors.New("auth: session cookie name is required")
	ErrMissingSessionToken      = errors.New("auth: session token is missing")
	ErrInvalidSessionToken      = errors.New("auth: session token is invalid")
	ErrExpiredSessionToken      = errors.New("auth: session token has expired")
	ErrMissingSessionSubject    = errors.New("auth: session token has no user")
)

// SessionClaims is the JWT payload carried by session cookies and bearer tokens.
type SessionClaims struct {
	UserID    string `json:"user_id"`
	UserEmail string `json:"user_email,omitempty"`
	jwt.RegisteredClaims
}

// SessionValidatorConfig describes how to validate session JWTs.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator validates HS256 session JWTs.
type SessionValidator struct {
	signingSecret []byte
	issuer        string
	cookieName    string
	clock         func() time.Time
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultSessionIssuer
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		cookieName:    cookieName,
		clock:         clock,
	}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateToken verifies signature, issuer, and expiry, and requires a user id.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	raw := strings.TrimSpace(tokenString)
	if raw == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	var claims SessionClaims
	if _, err := v.parser().ParseWithClaims(raw, &claims, v.signingKey); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if strings.TrimSpace(claims.UserID) == "" || claims.Subject != claims.UserID {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return claims, nil
}

func (v *SessionValidator) parser() *jwt.Parser {
	return jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock),
	)
}

func (v *SessionValidator) signingKey(*jwt.Token) (interface{}, error) {
	return v.signingSecret, nil
}

// ValidateRequest reads the session cookie, falling back to an Authorization bearer token.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	if r == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil && cookie != nil && cookie.Value != "" {
		return v.ValidateToken(cookie.Value)
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, bearerPrefix) {
		return v.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
	}
	return SessionClaims{}, ErrMissingSessionToken
}
