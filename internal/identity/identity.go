// Package identity authenticates callers from HS256 bearer tokens and
// carries the resulting model.Identity through request contexts.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"docvault/internal/model"
)

var (
	ErrEmptyToken    = errors.New("authorization token is required")
	ErrInvalidToken  = errors.New("token is invalid")
	ErrExpiredToken  = errors.New("token is expired")
	ErrRevokedToken  = errors.New("token is revoked")
	ErrWeakSecretKey = errors.New("jwt secret must be at least 32 bytes")
	// ErrRevocationCheck means the revocation list could not be consulted.
	ErrRevocationCheck = errors.New("token revocation check failed")
)

// Claims is the JWT payload: {user_id, role, jti} plus registered claims.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret      []byte
	revocations Revocations
}

// NewVerifier returns a verifier for tokens signed with secret. revocations
// may be nil, in which case no token is ever considered revoked.
func NewVerifier(secret string, revocations Revocations) (*Verifier, error) {
	if len(secret) < 32 {
		return nil, ErrWeakSecretKey
	}
	return &Verifier{secret: []byte(secret), revocations: revocations}, nil
}

// Verify parses token and returns the caller it names.
func (v *Verifier) Verify(ctx context.Context, token string) (model.Identity, error) {
	raw := strings.TrimSpace(token)
	if raw == "" {
		return model.Identity{}, ErrEmptyToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return model.Identity{}, ErrExpiredToken
		}
		return model.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return model.Identity{}, ErrInvalidToken
	}

	who := model.Identity{UserID: claims.UserID, Role: model.Role(strings.ToLower(claims.Role))}
	if who.UserID == "" {
		return model.Identity{}, fmt.Errorf("%w: user_id missing", ErrInvalidToken)
	}
	if !who.Role.Valid() {
		return model.Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}

	if v.revocations != nil && claims.ID != "" {
		revoked, err := v.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			return model.Identity{}, fmt.Errorf("%w: %v", ErrRevocationCheck, err)
		}
		if revoked {
			return model.Identity{}, ErrRevokedToken
		}
	}
	return who, nil
}

// Issue signs a token for who valid for ttl. It backs operator tooling;
// end-user login lives in the identity provider.
func (v *Verifier) Issue(who model.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: who.UserID,
		Role:   string(who.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   who.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Revoke adds token's jti to the revocation list until it would have expired.
func (v *Verifier) Revoke(ctx context.Context, token string) error {
	if v.revocations == nil {
		return errors.New("no revocation list configured")
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		return fmt.Errorf("%w: jti or exp missing", ErrInvalidToken)
	}
	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		return nil
	}
	return v.revocations.Revoke(ctx, claims.ID, ttl)
}

type ctxKey struct{}

// WithIdentity returns a copy of ctx carrying who.
func WithIdentity(ctx context.Context, who model.Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, who)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (model.Identity, bool) {
	who, ok := ctx.Value(ctxKey{}).(model.Identity)
	return who, ok
}
