package ledger

import (
	"context"
	"sync"
	"time"

	"lavka.dev/internal/ids"
)

const defaultRefreshTTL = 30 * 24 * time.Hour

// Service defines refresh-token ledger operations.
type Service interface {
	// IssueFamily starts a new family (seq 0) for the user.
	IssueFamily(ctx context.Context, userID string) (Grant, error)
	// Rotate exchanges the current token of its family for the next one.
	// Presenting a superseded token fails with ErrReuseDetected and revokes
	// the whole family as a side effect.
	Rotate(ctx context.Context, refreshToken string) (Grant, error)
	// RevokeFamily marks every record of the family revoked (logout).
	RevokeFamily(ctx context.Context, familyID string) error
	// RevokeByToken resolves the family behind any live token and revokes it.
	RevokeByToken(ctx context.Context, refreshToken string) error
	// RevokeAllForUser revokes every family of the user (password change,
	// account disable).
	RevokeAllForUser(ctx context.Context, userID string) error
}

// InMemory implements Service with in-process concurrency safety. The single
// mutex makes rotation trivially atomic; the Postgres implementation reaches
// the same guarantee with a sequence compare-and-swap.
type InMemory struct {
	mu       sync.Mutex
	families map[string][]*Record
	byUser   map[string][]string
	ttl      time.Duration
	now      func() time.Time
}

// Option configures the in-memory ledger.
type Option func(*InMemory)

// WithTTL overrides the refresh-token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(l *InMemory) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *InMemory) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewInMemory creates a fresh ledger.
func NewInMemory(opts ...Option) *InMemory {
	l := &InMemory{
		families: make(map[string][]*Record),
		byUser:   make(map[string][]string),
		ttl:      defaultRefreshTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *InMemory) IssueFamily(ctx context.Context, userID string) (Grant, error) {
	plain, hash, err := newSecret()
	if err != nil {
		return Grant{}, err
	}
	now := l.now().UTC()
	familyID := ids.New()
	rec := &Record{
		FamilyID:   familyID,
		Seq:        0,
		UserID:     userID,
		SecretHash: hash,
		IssuedAt:   now,
		ExpiresAt:  now.Add(l.ttl),
	}

	l.mu.Lock()
	l.families[familyID] = []*Record{rec}
	l.byUser[userID] = append(l.byUser[userID], familyID)
	l.mu.Unlock()

	return Grant{
		RefreshToken: joinToken(familyID, plain),
		FamilyID:     familyID,
		UserID:       userID,
		ExpiresAt:    rec.ExpiresAt,
	}, nil
}

func (l *InMemory) Rotate(ctx context.Context, refreshToken string) (Grant, error) {
	familyID, secret, err := splitToken(refreshToken)
	if err != nil {
		return Grant{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	chain, ok := l.families[familyID]
	if !ok {
		return Grant{}, ErrNotFound
	}
	current := chain[len(chain)-1]

	if current.Revoked {
		return Grant{}, ErrRevoked
	}
	if secureCompareHash(current.SecretHash, secret) {
		if l.now().After(current.ExpiresAt) {
			return Grant{}, ErrExpired
		}
		return l.advance(familyID, current)
	}

	// Not the current token. A match against an older record means a
	// previously rotated-away token was replayed: kill the family.
	for _, rec := range chain[:len(chain)-1] {
		if secureCompareHash(rec.SecretHash, secret) {
			l.revokeChain(chain)
			return Grant{}, ErrReuseDetected
		}
	}
	return Grant{}, ErrNotFound
}

// advance supersedes the current record and appends the next one.
func (l *InMemory) advance(familyID string, current *Record) (Grant, error) {
	plain, hash, err := newSecret()
	if err != nil {
		return Grant{}, err
	}
	now := l.now().UTC()
	current.SupersededAt = &now
	next := &Record{
		FamilyID:   familyID,
		Seq:        current.Seq + 1,
		UserID:     current.UserID,
		SecretHash: hash,
		IssuedAt:   now,
		ExpiresAt:  now.Add(l.ttl),
	}
	l.families[familyID] = append(l.families[familyID], next)
	return Grant{
		RefreshToken: joinToken(familyID, plain),
		FamilyID:     familyID,
		UserID:       current.UserID,
		ExpiresAt:    next.ExpiresAt,
	}, nil
}

func (l *InMemory) RevokeFamily(ctx context.Context, familyID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	chain, ok := l.families[familyID]
	if !ok {
		return ErrNotFound
	}
	l.revokeChain(chain)
	return nil
}

func (l *InMemory) RevokeByToken(ctx context.Context, refreshToken string) error {
	familyID, secret, err := splitToken(refreshToken)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	chain, ok := l.families[familyID]
	if !ok {
		return ErrNotFound
	}
	for _, rec := range chain {
		if secureCompareHash(rec.SecretHash, secret) {
			l.revokeChain(chain)
			return nil
		}
	}
	return ErrNotFound
}

func (l *InMemory) RevokeAllForUser(ctx context.Context, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, familyID := range l.byUser[userID] {
		if chain, ok := l.families[familyID]; ok {
			l.revokeChain(chain)
		}
	}
	return nil
}

func (l *InMemory) revokeChain(chain []*Record) {
	for _, rec := range chain {
		rec.Revoked = true
	}
}
