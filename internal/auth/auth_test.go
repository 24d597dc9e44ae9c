package auth

import (
	"errors"
	"testing"
	"time"
)

func TestAuthenticate(t *testing.T) {
	a, err := NewAuthenticator(Config{Enabled: true, Username: "ops", Password: "s3cret", JWTSecret: "k"})
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}

	token, expiresAt, err := a.Authenticate("ops", "s3cret")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if time.Until(expiresAt) < 23*time.Hour {
		t.Errorf("expiresAt = %v, want about 24h from now", expiresAt)
	}

	claims, err := a.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.Username != "ops" {
		t.Errorf("Username = %q, want ops", claims.Username)
	}

	if _, _, err := a.Authenticate("ops", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Authenticate(wrong password) error = %v, want ErrInvalidCredentials", err)
	}
	if _, _, err := a.Authenticate("root", "s3cret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Authenticate(wrong user) error = %v, want ErrInvalidCredentials", err)
	}
}

func TestAuthenticate_BcryptHashPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	a, err := NewAuthenticator(Config{Enabled: true, Password: hash})
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}
	if _, _, err := a.Authenticate("admin", "hunter2"); err != nil {
		t.Errorf("Authenticate() error = %v", err)
	}
}

func TestAuthenticate_Disabled(t *testing.T) {
	a, err := NewAuthenticator(Config{})
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}
	if a.IsEnabled() {
		t.Error("IsEnabled() = true")
	}
	if _, _, err := a.Authenticate("admin", ""); !errors.Is(err, ErrAuthDisabled) {
		t.Errorf("Authenticate() error = %v, want ErrAuthDisabled", err)
	}
}

func TestNewAuthenticator_RequiresPassword(t *testing.T) {
	if _, err := NewAuthenticator(Config{Enabled: true}); err == nil {
		t.Error("NewAuthenticator() error = nil, want error")
	}
}

func TestValidateToken(t *testing.T) {
	m, _ := NewJWTManager("secret-a", time.Hour)
	other, _ := NewJWTManager("secret-b", time.Hour)
	expired, _ := NewJWTManager("secret-a", -time.Hour)

	token, _, err := m.GenerateToken("ops")
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	if _, err := other.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ValidateToken(other secret) error = %v, want ErrInvalidToken", err)
	}
	if _, err := m.ValidateToken("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ValidateToken(garbage) error = %v, want ErrInvalidToken", err)
	}

	// A negative expiry falls back to the default, so mint an expired
	// token by hand.
	expired.expiry = -time.Minute
	old, _, _ := expired.GenerateToken("ops")
	if _, err := m.ValidateToken(old); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("ValidateToken(expired) error = %v, want ErrExpiredToken", err)
	}
}
