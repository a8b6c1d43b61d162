// Package onetime issues and redeems single-use tokens for out-of-band
// flows: password reset and email verification. A token is valid for exactly
// one redemption; concurrent redeemers race for a conditional consume and
// exactly one wins.
package onetime

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Token kinds. A token issued for one kind never redeems as another.
const (
	KindPasswordReset = "password_reset"
	KindEmailVerify   = "email_verify"
)

const (
	DefaultResetTTL  = 30 * time.Minute
	DefaultVerifyTTL = 24 * time.Hour
)

var (
	ErrNotFound        = errors.New("onetime: token not found")
	ErrExpired         = errors.New("onetime: token expired")
	ErrAlreadyConsumed = errors.New("onetime: token already consumed")
	ErrInvalidToken    = errors.New("onetime: malformed token")
	ErrUnknownKind     = errors.New("onetime: unknown token kind")
)

// Record is the stored shape of an issued token. Only the secret's hash is
// persisted.
type Record struct {
	ID         string
	UserID     string
	Kind       string
	SecretHash string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// Service issues and redeems one-time tokens.
type Service interface {
	// Issue creates a token of the given kind for the user and returns the
	// plaintext to deliver out of band. Issuing a new token does not
	// invalidate earlier ones; each stands or falls on its own.
	Issue(ctx context.Context, userID, kind string) (plaintext string, expiresAt time.Time, err error)
	// Redeem consumes the token and returns the user it was issued for.
	// A second redemption of the same token fails with ErrAlreadyConsumed.
	Redeem(ctx context.Context, kind, plaintext string) (userID string, err error)
	// Invalidate consumes every live token of the kind for the user,
	// without redeeming any of them.
	Invalidate(ctx context.Context, userID, kind string) error
}

func validKind(kind string) bool {
	return kind == KindPasswordReset || kind == KindEmailVerify
}

func newSecret() (plain, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	plain = base64.RawURLEncoding.EncodeToString(b)
	return plain, hashSecret(plain), nil
}

func hashSecret(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

func secureCompareHash(expectedHash, secret string) bool {
	actual := hashSecret(secret)
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}

// splitToken splits the tokenID.secret wire format.
func splitToken(raw string) (id, secret string, err error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidToken
	}
	return parts[0], parts[1], nil
}

func joinToken(id, secret string) string {
	return id + "." + secret
}
