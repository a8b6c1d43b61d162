// Package identity owns user records and credentials: who a user is, how
// their password is stored, and which external identities are linked to them.
package identity

import (
	"strings"
	"time"
)

// Account status values. A disabled user cannot authenticate or refresh.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// User is a local account. PasswordHash is empty for federated-only users.
type User struct {
	ID            string
	Email         string
	PasswordHash  string
	EmailVerified bool
	Status        string
	LastLoginAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Active reports whether the account may authenticate.
func (u *User) Active() bool { return u.Status == StatusActive }

// OAuthIdentity links a user to an external provider identity.
// (Provider, Subject) resolves to at most one user.
type OAuthIdentity struct {
	UserID   string
	Provider string
	Subject  string
	LinkedAt time.Time
}

// NormalizeEmail lowercases and trims an email for case-insensitive matching.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
