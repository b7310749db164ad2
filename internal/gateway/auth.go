package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"voicegate/internal/config"
	"voicegate/internal/nonce"
)

// claims is the single JWT claim contract the gateway accepts (spec §6
// "two JWT validation paths exist... pick one contract"; this implementation
// uses iss/aud/call_id/nonce, not the sub-based alternative).
type claims struct {
	CallID string `json:"call_id"`
	Nonce  string `json:"nonce"`
	jwt.RegisteredClaims
}

// authenticator validates the first-frame JWT against the configured
// secret and claims the nonce against replay.
type authenticator struct {
	cfg    config.AuthConfig
	nonces nonce.Store
}

func newAuthenticator(cfg config.AuthConfig, nonces nonce.Store) *authenticator {
	return &authenticator{cfg: cfg, nonces: nonces}
}

// Validate checks signature, claims, and replay for a token presented on
// the path's call_id, per spec §4.6 step 3.
func (a *authenticator) Validate(ctx context.Context, tokenStr, pathCallID string) error {
	parsed, err := jwt.ParseWithClaims(tokenStr, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(a.cfg.JWTSecret), nil
	}, jwt.WithAudience(a.cfg.JWTAudience), jwt.WithIssuer(a.cfg.JWTIssuer), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return fmt.Errorf("gateway: jwt invalid: %w", err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return fmt.Errorf("gateway: jwt claims malformed")
	}
	if c.CallID != pathCallID {
		return fmt.Errorf("gateway: jwt call_id %q does not match path %q", c.CallID, pathCallID)
	}
	if c.Nonce == "" {
		return fmt.Errorf("gateway: jwt missing nonce")
	}
	if c.IssuedAt == nil || c.ExpiresAt == nil {
		return fmt.Errorf("gateway: jwt missing iat/exp")
	}
	iat := c.IssuedAt.Time
	exp := c.ExpiresAt.Time
	maxTTL := time.Duration(a.cfg.JWTMaxTTLSeconds) * time.Second
	if exp.Sub(iat) > maxTTL {
		return fmt.Errorf("gateway: jwt ttl %s exceeds max %s", exp.Sub(iat), maxTTL)
	}
	if time.Since(iat) > maxTTL {
		return fmt.Errorf("gateway: jwt age exceeds max ttl")
	}

	claimed, err := a.nonces.Claim(ctx, "jwt_nonce:"+c.Nonce, a.cfg.NonceTTL)
	if err != nil {
		return fmt.Errorf("gateway: nonce store: %w", err)
	}
	if !claimed {
		return fmt.Errorf("gateway: jwt nonce replay detected")
	}
	return nil
}
