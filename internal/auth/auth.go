// Package auth resolves the opaque token of a connecting sync client to a
// user id. Resolution order: external auth hook if configured, then HS256
// JWT if a secret is configured, otherwise every client is "anonymous".
package auth

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/sinkron/sinkron/internal/protocol"
)

const hookTimeout = 5 * time.Second

type Resolver struct {
	// AuthURL, when set, receives POST <AuthURL><token> per connection;
	// a 200 response body is the user id.
	AuthURL string

	// JWTSecret, when set (and AuthURL is not), verifies the token as an
	// HS256 JWT whose subject is the user id.
	JWTSecret string

	// Client overrides the hook HTTP client, mainly for tests.
	Client *http.Client
}

func (r *Resolver) Resolve(ctx context.Context, token string) (string, error) {
	switch {
	case r.AuthURL != "":
		return r.resolveHook(ctx, token)
	case r.JWTSecret != "":
		return r.resolveJWT(token)
	default:
		return "anonymous", nil
	}
}

func (r *Resolver) resolveHook(ctx context.Context, token string) (string, error) {
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: hookTimeout}
	}
	ctx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.AuthURL+token, nil)
	if err != nil {
		return "", protocol.AuthFailed("authentication failed")
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("auth hook request failed")
		return "", protocol.AuthFailed("authentication failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", protocol.AuthFailed("authentication failed")
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil || len(body) == 0 {
		return "", protocol.AuthFailed("authentication failed")
	}
	return string(body), nil
}

func (r *Resolver) resolveJWT(token string) (string, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(r.JWTSecret), nil
	})
	if err != nil || !parsed.Valid {
		return "", protocol.AuthFailed("authentication failed")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", protocol.AuthFailed("authentication failed")
	}
	return sub, nil
}
