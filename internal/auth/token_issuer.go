package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 12 * time.Hour

	// RoleAdmin grants the administrator capability: method registration,
	// rate changes, engine management and parameter updates.
	RoleAdmin = "admin"
)

var (
	errMissingSigningSecret = errors.New("auth: signing secret must be provided")
	errMissingAccount       = errors.New("auth: account subject must be provided")
)

// CallerClaims is the JWT payload identifying an API caller. Subject carries
// the account address; Roles carries granted capabilities.
type CallerClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Account returns the caller's account address.
func (c CallerClaims) Account() string {
	return c.Subject
}

// HasRole reports whether the claims grant the given role.
func (c CallerClaims) HasRole(role string) bool {
	for _, granted := range c.Roles {
		if granted == role {
			return true
		}
	}
	return false
}

// TokenIssuerConfig configures the caller-token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer mints HS256 caller tokens. Tokens are provisioned to accounts
// and operators out of band (the `token` CLI subcommand); there is no
// self-service issuance endpoint.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cfg.TokenTTL = ttl
	cfg.Clock = clock
	return &TokenIssuer{config: cfg, clock: clock}
}

// IssueCallerToken produces a signed JWT for the account with the given
// roles, returning the token and its validity in seconds.
func (i *TokenIssuer) IssueCallerToken(account string, roles []string) (string, int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if account == "" {
		return "", 0, errMissingAccount
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	claims := CallerClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account,
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}
