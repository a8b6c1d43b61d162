// Package token issues and verifies the signed access tokens that every
// service in the platform accepts as proof of authentication. Verification is
// pure: signature, expiry, and issuer checks only, never a storage lookup.
// Revocation therefore takes effect at the next refresh, never later than the
// access-token lifetime.
package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const typeAccess = "access"

var (
	// ErrExpired indicates the token was well-formed but past its expiry.
	ErrExpired = errors.New("token: expired")
	// ErrInvalid indicates the token failed signature or claim validation.
	ErrInvalid = errors.New("token: invalid")
)

// Claims carries the registered claims plus the refresh-family reference.
type Claims struct {
	FamilyID  string `json:"fam"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// Identity is the verified content of an access token.
type Identity struct {
	UserID    string
	FamilyID  string
	ExpiresAt time.Time
}

// Signer mints and verifies HS256 access tokens.
type Signer struct {
	secret    []byte
	issuer    string
	accessTTL time.Duration
	now       func() time.Time
}

// SignerOption configures Signer behavior.
type SignerOption func(*Signer)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) SignerOption {
	return func(s *Signer) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewSigner constructs a Signer. The secret must be non-empty and the TTL
// positive; access tokens are deliberately short-lived.
func NewSigner(secret, issuer string, accessTTL time.Duration, opts ...SignerOption) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token: signing secret is not configured")
	}
	if accessTTL <= 0 {
		return nil, errors.New("token: access ttl must be greater than zero")
	}
	s := &Signer{
		secret:    []byte(secret),
		issuer:    strings.TrimSpace(issuer),
		accessTTL: accessTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AccessTTL reports the configured access-token lifetime.
func (s *Signer) AccessTTL() time.Duration { return s.accessTTL }

// IssueAccess signs an access token binding the user to a refresh family.
func (s *Signer) IssueAccess(userID, familyID string) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, errors.New("token: userID is required")
	}
	now := s.now().UTC()
	exp := now.Add(s.accessTTL)
	claims := Claims{
		FamilyID:  familyID,
		TokenType: typeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks signature integrity and expiry and returns the bound identity.
// It distinguishes ErrExpired from ErrInvalid so callers can report the
// difference; neither consults storage.
func (s *Signer) Verify(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, ErrInvalid
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalid
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpired
		}
		return Identity{}, ErrInvalid
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Identity{}, ErrInvalid
	}
	if claims.TokenType != typeAccess {
		return Identity{}, ErrInvalid
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return Identity{}, ErrInvalid
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ExpiresAt == nil {
		return Identity{}, ErrInvalid
	}
	return Identity{
		UserID:    claims.Subject,
		FamilyID:  claims.FamilyID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
