package onetime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lavka.dev/internal/ids"
)

var _ Service = (*PGStore)(nil)

// PGStore implements Service on PostgreSQL. Redemption is a single
// conditional update on consumed_at, so concurrent redeemers of the same
// token produce exactly one winner without explicit locking.
type PGStore struct {
	db   *sql.DB
	ttls map[string]time.Duration
	now  func() time.Time
}

func NewPGStore(db *sql.DB, resetTTL, verifyTTL time.Duration) *PGStore {
	if resetTTL <= 0 {
		resetTTL = DefaultResetTTL
	}
	if verifyTTL <= 0 {
		verifyTTL = DefaultVerifyTTL
	}
	return &PGStore{
		db: db,
		ttls: map[string]time.Duration{
			KindPasswordReset: resetTTL,
			KindEmailVerify:   verifyTTL,
		},
		now: time.Now,
	}
}

func (s *PGStore) Issue(ctx context.Context, userID, kind string) (string, time.Time, error) {
	if !validKind(kind) {
		return "", time.Time{}, ErrUnknownKind
	}
	plain, hash, err := newSecret()
	if err != nil {
		return "", time.Time{}, err
	}
	now := s.now().UTC()
	id := ids.New()
	expiresAt := now.Add(s.ttls[kind])

	_, err = s.db.ExecContext(ctx,
		`insert into onetime_tokens(id, user_id, kind, secret_hash, issued_at, expires_at)
		 values($1, $2, $3, $4, $5, $6)`,
		id, userID, kind, hash, now, expiresAt,
	)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("issue %s token: %w", kind, err)
	}
	return joinToken(id, plain), expiresAt, nil
}

func (s *PGStore) Redeem(ctx context.Context, kind, plaintext string) (string, error) {
	id, secret, err := splitToken(plaintext)
	if err != nil {
		return "", err
	}

	// The update is the race arbiter: it only lands while consumed_at is
	// still null, so of N concurrent redeemers one sees a row and the rest
	// fall through to the diagnostic select.
	var userID string
	err = s.db.QueryRowContext(ctx,
		`update onetime_tokens set consumed_at=$4
		 where id=$1 and kind=$2 and secret_hash=$3
		   and consumed_at is null and expires_at > $4
		 returning user_id`,
		id, kind, hashSecret(secret), s.now().UTC(),
	).Scan(&userID)
	if err == nil {
		return userID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	// Consume failed. Distinguish why for the caller.
	var rec Record
	row := s.db.QueryRowContext(ctx,
		`select expires_at, consumed_at from onetime_tokens
		 where id=$1 and kind=$2 and secret_hash=$3`,
		id, kind, hashSecret(secret))
	if err := row.Scan(&rec.ExpiresAt, &rec.ConsumedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	if rec.ConsumedAt != nil {
		return "", ErrAlreadyConsumed
	}
	return "", ErrExpired
}

func (s *PGStore) Invalidate(ctx context.Context, userID, kind string) error {
	_, err := s.db.ExecContext(ctx,
		`update onetime_tokens set consumed_at=$3
		 where user_id=$1 and kind=$2 and consumed_at is null`,
		userID, kind, s.now().UTC())
	return err
}
