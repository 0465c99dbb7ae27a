// Package auth verifies the bearer tokens issued to league participants and
// administrators. Logging in and resolving roles happen elsewhere; this
// package only checks signatures and exposes the caller's identity.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrNoSecret     = errors.New("auth: signing secret is empty")
)

// Identity is the authenticated caller.
type Identity struct {
	ParticipantID string
	Admin         bool
}

// Claims is the JWT payload.
type Claims struct {
	ParticipantID string `json:"participant_id"`
	Admin         bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Verifier signs and checks HS256 tokens.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier creates a verifier for the given shared secret.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &Verifier{secret: []byte(secret), now: time.Now}, nil
}

// Issue creates a token for id valid for ttl.
func (v *Verifier) Issue(id Identity, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		ParticipantID: id.ParticipantID,
		Admin:         id.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ParticipantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns the identity it carries.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now), jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ParticipantID == "" && !claims.Admin {
		return Identity{}, fmt.Errorf("%w: no participant_id", ErrInvalidToken)
	}
	return Identity{ParticipantID: claims.ParticipantID, Admin: claims.Admin}, nil
}

type ctxKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity set by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// Middleware rejects requests without a valid bearer token with 401 and
// stores the caller's identity in the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearer(r)
		if err == nil {
			var id Identity
			if id, err = v.Verify(raw); err == nil {
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("WWW-Authenticate", `Bearer realm="trade-engine"`)
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
	})
}

func bearer(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		// Browsers cannot set headers on websocket upgrades.
		if t := r.URL.Query().Get("access_token"); t != "" {
			return t, nil
		}
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
