// Package tokenauth validates the platform token locally, against the
// platform's published JWKS, before the bridge attempts its first
// WebSocket dial. This turns a misconfigured or expired token into an
// immediate local failure instead of a round trip through the transport's
// reconnect/backoff machinery.
package tokenauth

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the minimal claim set the bridge cares about in the platform
// token; it does not attempt to model the platform's full claim schema.
type Claims struct {
	jwt.RegisteredClaims
	AgentID string `json:"agent_id"`
}

// Validator checks a platform token's signature and expiry against a
// JWKS endpoint.
type Validator struct {
	jwks *keyfunc.Keyfunc
}

// NewValidator builds a Validator backed by the given JWKS endpoint. It
// fetches and caches the key set immediately so that later calls to
// Validate do not pay network latency on the hot path.
func NewValidator(ctx context.Context, jwksURL string) (*Validator, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch jwks from %s: %w", jwksURL, err)
	}
	return &Validator{jwks: jwks}, nil
}

// Validate parses and verifies tokenString, returning its claims on
// success. A validation failure here should surface as auth_failed
// without attempting a socket connection.
func (v *Validator) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc)
	if err != nil {
		return nil, fmt.Errorf("validate platform token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("platform token failed validation")
	}
	return claims, nil
}

// Close is a placeholder for future cleanup; the underlying key set's
// background refresh goroutine is tied to the context passed to
// NewValidator and stops on its own.
func (v *Validator) Close() {}
