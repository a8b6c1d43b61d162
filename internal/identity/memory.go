package identity

import (
	"context"
	"sync"
	"time"

	"lavka.dev/internal/ids"
)

var _ Store = (*InMemory)(nil)

// InMemory implements Store with in-process concurrency safety. Used by tests
// and local runs without a database.
type InMemory struct {
	mu      sync.RWMutex
	users   map[string]*User          // id -> user
	byEmail map[string]string         // email -> id
	idents  map[string]*OAuthIdentity // provider+"\x00"+subject
}

func NewInMemory() *InMemory {
	return &InMemory{
		users:   make(map[string]*User),
		byEmail: make(map[string]string),
		idents:  make(map[string]*OAuthIdentity),
	}
}

func (m *InMemory) Users(context.Context) UserStore                    { return (*memUserStore)(m) }
func (m *InMemory) OAuthIdentities(context.Context) OAuthIdentityStore { return (*memIdentStore)(m) }

type memUserStore InMemory

func (s *memUserStore) Create(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Email = NormalizeEmail(u.Email)
	if _, exists := s.byEmail[u.Email]; exists {
		return ErrDuplicateEmail
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Status == "" {
		u.Status = StatusActive
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	cp := *u
	s.users[u.ID] = &cp
	s.byEmail[u.Email] = u.ID
	return nil
}

func (s *memUserStore) Find(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memUserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *memUserStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	return s.mutate(userID, func(u *User) {
		u.PasswordHash = passwordHash
	})
}

func (s *memUserStore) MarkEmailVerified(ctx context.Context, userID string) error {
	return s.mutate(userID, func(u *User) {
		u.EmailVerified = true
	})
}

func (s *memUserStore) SetStatus(ctx context.Context, userID, status string) error {
	return s.mutate(userID, func(u *User) {
		u.Status = status
	})
}

func (s *memUserStore) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	return s.mutate(userID, func(u *User) {
		t := at.UTC()
		u.LastLoginAt = &t
	})
}

func (s *memUserStore) mutate(userID string, fn func(*User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	u.UpdatedAt = time.Now().UTC()
	return nil
}

type memIdentStore InMemory

func identKey(provider, subject string) string { return provider + "\x00" + subject }

func (s *memIdentStore) Link(ctx context.Context, ident *OAuthIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := identKey(ident.Provider, ident.Subject)
	if _, exists := s.idents[key]; exists {
		return ErrAlreadyLinked
	}
	if ident.LinkedAt.IsZero() {
		ident.LinkedAt = time.Now().UTC()
	}
	cp := *ident
	s.idents[key] = &cp
	return nil
}

func (s *memIdentStore) Find(ctx context.Context, provider, subject string) (*OAuthIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.idents[identKey(provider, subject)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ident
	return &cp, nil
}

func (s *memIdentStore) ListByUser(ctx context.Context, userID string) ([]*OAuthIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*OAuthIdentity
	for _, ident := range s.idents {
		if ident.UserID == userID {
			cp := *ident
			res = append(res, &cp)
		}
	}
	return res, nil
}
