package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"voicegate/internal/config"
	"voicegate/internal/nonce"
)

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		JWTSecret:        "test-secret",
		JWTAudience:      "voicegate-clients",
		JWTIssuer:        "voicegate-issuer",
		JWTMaxTTLSeconds: 60,
		NonceTTL:         time.Minute,
	}
}

func signToken(t *testing.T, cfg config.AuthConfig, callID, nonceVal string, iat, exp time.Time) string {
	t.Helper()
	c := claims{
		CallID: callID,
		Nonce:  nonceVal,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{cfg.JWTAudience},
			Issuer:    cfg.JWTIssuer,
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newTestAuthenticator(cfg config.AuthConfig) (*authenticator, context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	store := nonce.NewMemoryStore(ctx, time.Hour)
	return newAuthenticator(cfg, store), ctx, cancel
}

func TestValidateAcceptsWellFormedToken(t *testing.T) {
	cfg := testAuthConfig()
	a, ctx, cancel := newTestAuthenticator(cfg)
	defer cancel()

	now := time.Now()
	tok := signToken(t, cfg, "call-1", "n1", now, now.Add(30*time.Second))
	if err := a.Validate(ctx, tok, "call-1"); err != nil {
		t.Fatalf("expected valid token to pass, got %v", err)
	}
}

func TestValidateRejectsCallIDMismatch(t *testing.T) {
	cfg := testAuthConfig()
	a, ctx, cancel := newTestAuthenticator(cfg)
	defer cancel()

	now := time.Now()
	tok := signToken(t, cfg, "call-1", "n1", now, now.Add(30*time.Second))
	if err := a.Validate(ctx, tok, "call-2"); err == nil {
		t.Fatal("expected rejection for call_id not matching the path")
	}
}

func TestValidateRejectsReplayedNonce(t *testing.T) {
	cfg := testAuthConfig()
	a, ctx, cancel := newTestAuthenticator(cfg)
	defer cancel()

	now := time.Now()
	tok := signToken(t, cfg, "call-1", "n1", now, now.Add(30*time.Second))
	if err := a.Validate(ctx, tok, "call-1"); err != nil {
		t.Fatalf("expected first use to succeed, got %v", err)
	}
	tok2 := signToken(t, cfg, "call-1", "n1", now, now.Add(30*time.Second))
	if err := a.Validate(ctx, tok2, "call-1"); err == nil {
		t.Fatal("expected replayed nonce to be rejected")
	}
}

func TestValidateRejectsExpiredTTL(t *testing.T) {
	cfg := testAuthConfig()
	a, ctx, cancel := newTestAuthenticator(cfg)
	defer cancel()

	now := time.Now().Add(-2 * time.Minute)
	tok := signToken(t, cfg, "call-1", "n1", now, now.Add(30*time.Second))
	if err := a.Validate(ctx, tok, "call-1"); err == nil {
		t.Fatal("expected an old iat beyond max ttl to be rejected")
	}
}

func TestValidateRejectsTTLExceedingMax(t *testing.T) {
	cfg := testAuthConfig()
	a, ctx, cancel := newTestAuthenticator(cfg)
	defer cancel()

	now := time.Now()
	tok := signToken(t, cfg, "call-1", "n1", now, now.Add(10*time.Minute))
	if err := a.Validate(ctx, tok, "call-1"); err == nil {
		t.Fatal("expected exp-iat exceeding jwt_max_ttl_seconds to be rejected")
	}
}

func TestValidateRejectsWrongSigningSecret(t *testing.T) {
	cfg := testAuthConfig()
	a, ctx, cancel := newTestAuthenticator(cfg)
	defer cancel()

	wrong := cfg
	wrong.JWTSecret = "not-the-secret"
	now := time.Now()
	tok := signToken(t, wrong, "call-1", "n1", now, now.Add(30*time.Second))
	if err := a.Validate(ctx, tok, "call-1"); err == nil {
		t.Fatal("expected token signed with the wrong secret to be rejected")
	}
}

func TestValidateRejectsMissingNonce(t *testing.T) {
	cfg := testAuthConfig()
	a, ctx, cancel := newTestAuthenticator(cfg)
	defer cancel()

	now := time.Now()
	tok := signToken(t, cfg, "call-1", "", now, now.Add(30*time.Second))
	if err := a.Validate(ctx, tok, "call-1"); err == nil {
		t.Fatal("expected a token with no nonce to be rejected")
	}
}
