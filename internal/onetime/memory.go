package onetime

import (
	"context"
	"sync"
	"time"

	"lavka.dev/internal/ids"
)

var _ Service = (*InMemory)(nil)

// InMemory implements Service for tests and single-process deployments.
type InMemory struct {
	mu     sync.Mutex
	tokens map[string]*Record
	ttls   map[string]time.Duration
	now    func() time.Time
}

// Option configures the in-memory service.
type Option func(*InMemory)

// WithTTL overrides the lifetime for tokens of the given kind.
func WithTTL(kind string, ttl time.Duration) Option {
	return func(s *InMemory) {
		if ttl > 0 {
			s.ttls[kind] = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *InMemory) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewInMemory(opts ...Option) *InMemory {
	s := &InMemory{
		tokens: make(map[string]*Record),
		ttls: map[string]time.Duration{
			KindPasswordReset: DefaultResetTTL,
			KindEmailVerify:   DefaultVerifyTTL,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemory) Issue(ctx context.Context, userID, kind string) (string, time.Time, error) {
	if !validKind(kind) {
		return "", time.Time{}, ErrUnknownKind
	}
	plain, hash, err := newSecret()
	if err != nil {
		return "", time.Time{}, err
	}
	now := s.now().UTC()
	rec := &Record{
		ID:         ids.New(),
		UserID:     userID,
		Kind:       kind,
		SecretHash: hash,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.ttls[kind]),
	}

	s.mu.Lock()
	s.tokens[rec.ID] = rec
	s.mu.Unlock()

	return joinToken(rec.ID, plain), rec.ExpiresAt, nil
}

func (s *InMemory) Redeem(ctx context.Context, kind, plaintext string) (string, error) {
	id, secret, err := splitToken(plaintext)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[id]
	if !ok || rec.Kind != kind || !secureCompareHash(rec.SecretHash, secret) {
		return "", ErrNotFound
	}
	if rec.ConsumedAt != nil {
		return "", ErrAlreadyConsumed
	}
	if s.now().After(rec.ExpiresAt) {
		return "", ErrExpired
	}
	now := s.now().UTC()
	rec.ConsumedAt = &now
	return rec.UserID, nil
}

func (s *InMemory) Invalidate(ctx context.Context, userID, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	for _, rec := range s.tokens {
		if rec.UserID == userID && rec.Kind == kind && rec.ConsumedAt == nil {
			consumed := now
			rec.ConsumedAt = &consumed
		}
	}
	return nil
}
