// Package ledger tracks refresh-token families: issuance, rotation, and
// revocation. A family is the rotation lineage started by one login; records
// are an append-only sequence keyed by (family id, seq), and the current
// record is the highest unsuperseded seq. Presenting any other live record of
// a family is treated as theft and revokes the whole family.
package ledger

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"lavka.dev/internal/ids"
)

var (
	ErrNotFound      = errors.New("ledger: token not found")
	ErrExpired       = errors.New("ledger: token expired")
	ErrRevoked       = errors.New("ledger: family revoked")
	ErrReuseDetected = errors.New("ledger: refresh token reuse detected")
	ErrInvalidToken  = errors.New("ledger: malformed refresh token")
)

// Record is one link in a family's rotation chain. SecretHash is the only
// trace of the token value; the plaintext is never persisted.
type Record struct {
	FamilyID     string
	Seq          int
	UserID       string
	SecretHash   string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	SupersededAt *time.Time
	Revoked      bool
}

// Current reports whether this record is the family's live token.
func (r *Record) Current() bool { return r.SupersededAt == nil && !r.Revoked }

// Grant is the result of issuing or rotating a refresh token.
type Grant struct {
	RefreshToken string
	FamilyID     string
	UserID       string
	ExpiresAt    time.Time
}

// newSecret generates an opaque token secret and its storage hash.
// Possession of the plaintext, not its structure, is the capability.
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

// splitToken splits the familyID.secret wire format. Family ids that could
// not have been minted here are rejected before any store lookup.
func splitToken(raw string) (familyID, secret string, err error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidToken
	}
	if !ids.Valid(parts[0]) {
		return "", "", ErrInvalidToken
	}
	return parts[0], parts[1], nil
}

func joinToken(familyID, secret string) string {
	return familyID + "." + secret
}
