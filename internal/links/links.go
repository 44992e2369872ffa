// Package links signs short-lived download capabilities. Holding a valid
// link token is sufficient to fetch the named document's plaintext.
package links

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultTTL = time.Hour
	audience   = "docvault:download"
)

var (
	ErrInvalidLink = errors.New("download link is invalid")
	ErrExpiredLink = errors.New("download link is expired")
	ErrWeakSecret  = errors.New("link secret must be at least 32 bytes")
)

type claims struct {
	DocumentID string `json:"doc_id"`
	jwt.RegisteredClaims
}

// Grant is what a verified link token entitles its bearer to.
type Grant struct {
	DocumentID string
	IssuedTo   string
	ExpiresAt  time.Time
}

type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if len(secret) < 32 {
		return nil, ErrWeakSecret
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

func (s *Signer) TTL() time.Duration {
	return s.ttl
}

// Issue signs a link for documentID on behalf of issuedTo.
func (s *Signer) Issue(documentID, issuedTo string) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		DocumentID: documentID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   issuedTo,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign link: %w", err)
	}
	return tok, exp.Truncate(time.Second), nil
}

// Verify checks token's signature, audience and expiry.
func (s *Signer) Verify(token string) (Grant, error) {
	c := &claims{}
	_, err := jwt.ParseWithClaims(token, c, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Grant{}, ErrExpiredLink
		}
		return Grant{}, fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	if c.DocumentID == "" {
		return Grant{}, ErrInvalidLink
	}
	return Grant{
		DocumentID: c.DocumentID,
		IssuedTo:   c.Subject,
		ExpiresAt:  c.ExpiresAt.Time,
	}, nil
}
