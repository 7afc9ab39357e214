package auth

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

const testSecret = "test-signing-secret"

func fixedClock(sec int64) func() time.Time {
	return func() time.Time { return time.Unix(sec, 0) }
}

func newTestPair(t *testing.T, clockSec int64) (*TokenIssuer, *CallerValidator) {
	t.Helper()
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSecret),
		Issuer:        "vestake",
		Audience:      "vestake-api",
		TokenTTL:      time.Hour,
		Clock:         fixedClock(clockSec),
	})
	validator, err := NewCallerValidator(CallerValidatorConfig{
		SigningSecret: []byte(testSecret),
		Issuer:        "vestake",
		Audience:      "vestake-api",
		Clock:         fixedClock(clockSec),
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	return issuer, validator
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	issuer, validator := newTestPair(t, 1_700_000_000)

	token, expiresIn, err := issuer.IssueCallerToken("alice", []string{RoleAdmin})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if expiresIn != 3600 {
		t.Fatalf("expected 3600s ttl, got %d", expiresIn)
	}

	claims, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Account() != "alice" {
		t.Fatalf("expected account alice, got %q", claims.Account())
	}
	if !claims.HasRole(RoleAdmin) {
		t.Fatalf("expected admin role")
	}
	if claims.HasRole("other") {
		t.Fatalf("unexpected role grant")
	}
}

func TestIssueRequiresAccount(t *testing.T) {
	issuer, _ := newTestPair(t, 1_700_000_000)
	if _, _, err := issuer.IssueCallerToken("", nil); !errors.Is(err, errMissingAccount) {
		t.Fatalf("expected errMissingAccount, got %v", err)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	issuer, _ := newTestPair(t, 1_700_000_000)
	token, _, err := issuer.IssueCallerToken("alice", nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	lateValidator, err := NewCallerValidator(CallerValidatorConfig{
		SigningSecret: []byte(testSecret),
		Issuer:        "vestake",
		Audience:      "vestake-api",
		Clock:         fixedClock(1_700_000_000 + 7200),
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	if _, err := lateValidator.ValidateToken(token); !errors.Is(err, ErrExpiredCallerToken) {
		t.Fatalf("expected ErrExpiredCallerToken, got %v", err)
	}
}

func TestValidateRejectsWrongIssuer(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSecret),
		Issuer:        "someone-else",
		Audience:      "vestake-api",
		Clock:         fixedClock(1_700_000_000),
	})
	_, validator := newTestPair(t, 1_700_000_000)

	token, _, err := issuer.IssueCallerToken("alice", nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrInvalidCallerToken) {
		t.Fatalf("expected ErrInvalidCallerToken, got %v", err)
	}
}

func TestValidateRequestParsesBearerHeader(t *testing.T) {
	issuer, validator := newTestPair(t, 1_700_000_000)
	token, _, err := issuer.IssueCallerToken("alice", nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	request, err := http.NewRequest(http.MethodPost, "/stake", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)

	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("validate request: %v", err)
	}
	if claims.Account() != "alice" {
		t.Fatalf("expected account alice, got %q", claims.Account())
	}

	request.Header.Set("Authorization", "Basic something")
	if _, err := validator.ValidateRequest(request); !errors.Is(err, ErrMissingCallerToken) {
		t.Fatalf("expected ErrMissingCallerToken, got %v", err)
	}
}
