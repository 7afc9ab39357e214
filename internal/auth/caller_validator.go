package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingCallerSigningKey = errors.New("caller validator: signing key required")
	ErrMissingCallerIssuer     = errors.New("caller validator: issuer required")
	ErrMissingCallerToken      = errors.New("caller validator: token required")
	ErrInvalidCallerToken      = errors.New("caller validator: invalid token")
	ErrExpiredCallerToken      = errors.New("caller validator: token expired")
	ErrMissingCallerAccount    = errors.New("caller validator: account subject required")
)

// CallerValidatorConfig describes how to validate issued caller JWTs.
type CallerValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	Clock         func() time.Time
}

// CallerValidator validates HS256 caller tokens presented as bearer
// credentials.
type CallerValidator struct {
	signingSecret []byte
	issuer        string
	audience      string
	clock         func() time.Time
}

// NewCallerValidator constructs a validator with the provided configuration.
func NewCallerValidator(cfg CallerValidatorConfig) (*CallerValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingCallerSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingCallerIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &CallerValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      strings.TrimSpace(cfg.Audience),
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the claims.
func (v *CallerValidator) ValidateToken(tokenString string) (CallerClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return CallerClaims{}, ErrMissingCallerToken
	}

	claims := &CallerClaims{}
	options := []jwt.ParserOption{
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
	}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidCallerToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		options...,
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return CallerClaims{}, ErrExpiredCallerToken
		}
		return CallerClaims{}, fmt.Errorf("%w: %v", ErrInvalidCallerToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return CallerClaims{}, ErrInvalidCallerToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return CallerClaims{}, ErrMissingCallerAccount
	}
	return *claims, nil
}

// ValidateRequest extracts the bearer credential from the request and
// validates it.
func (v *CallerValidator) ValidateRequest(r *http.Request) (CallerClaims, error) {
	if r == nil {
		return CallerClaims{}, ErrMissingCallerToken
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return CallerClaims{}, ErrMissingCallerToken
	}
	return v.ValidateToken(strings.TrimPrefix(header, "Bearer "))
}
