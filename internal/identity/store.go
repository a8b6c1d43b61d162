package identity

import (
	"context"
	"time"
)

// Store describes persistence operations required by the credential subsystem.
type Store interface {
	Users(ctx context.Context) UserStore
	OAuthIdentities(ctx context.Context) OAuthIdentityStore
}

// UserStore manages user records.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	MarkEmailVerified(ctx context.Context, userID string) error
	SetStatus(ctx context.Context, userID, status string) error
	TouchLastLogin(ctx context.Context, userID string, at time.Time) error
}

// OAuthIdentityStore manages (provider, subject) links to users.
type OAuthIdentityStore interface {
	Link(ctx context.Context, ident *OAuthIdentity) error
	Find(ctx context.Context, provider, subject string) (*OAuthIdentity, error)
	ListByUser(ctx context.Context, userID string) ([]*OAuthIdentity, error)
}
