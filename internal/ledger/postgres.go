package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lavka.dev/internal/ids"
)

var _ Service = (*PGStore)(nil)

// PGStore implements Service on PostgreSQL. Rotation relies on a
// compare-and-swap over (family_id, seq, superseded_at is null): of two
// concurrent rotations only one update lands, and the loser takes the
// reuse-detection path.
type PGStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

func NewPGStore(db *sql.DB, ttl time.Duration) *PGStore {
	if ttl <= 0 {
		ttl = defaultRefreshTTL
	}
	return &PGStore{db: db, ttl: ttl, now: time.Now}
}

func (s *PGStore) IssueFamily(ctx context.Context, userID string) (Grant, error) {
	plain, hash, err := newSecret()
	if err != nil {
		return Grant{}, err
	}
	now := s.now().UTC()
	familyID := ids.New()
	expiresAt := now.Add(s.ttl)

	_, err = s.db.ExecContext(ctx,
		`insert into refresh_tokens(family_id, seq, user_id, secret_hash, issued_at, expires_at)
		 values($1, 0, $2, $3, $4, $5)`,
		familyID, userID, hash, now, expiresAt,
	)
	if err != nil {
		return Grant{}, fmt.Errorf("issue family: %w", err)
	}
	return Grant{
		RefreshToken: joinToken(familyID, plain),
		FamilyID:     familyID,
		UserID:       userID,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *PGStore) Rotate(ctx context.Context, refreshToken string) (Grant, error) {
	familyID, secret, err := splitToken(refreshToken)
	if err != nil {
		return Grant{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Grant{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var current Record
	row := tx.QueryRowContext(ctx,
		`select family_id, seq, user_id, secret_hash, issued_at, expires_at, superseded_at, revoked
		 from refresh_tokens where family_id=$1 order by seq desc limit 1`, familyID)
	if err := row.Scan(&current.FamilyID, &current.Seq, &current.UserID, &current.SecretHash,
		&current.IssuedAt, &current.ExpiresAt, &current.SupersededAt, &current.Revoked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Grant{}, ErrNotFound
		}
		return Grant{}, err
	}

	if current.Revoked {
		return Grant{}, ErrRevoked
	}

	if !secureCompareHash(current.SecretHash, secret) {
		// The presented secret is not the family's current token. If it
		// matches any earlier record this is a replay of a rotated-away
		// token: revoke the family inside the same transaction.
		var n int
		if err := tx.QueryRowContext(ctx,
			`select count(*) from refresh_tokens where family_id=$1 and secret_hash=$2`,
			familyID, hashSecret(secret)).Scan(&n); err != nil {
			return Grant{}, err
		}
		if n == 0 {
			return Grant{}, ErrNotFound
		}
		if err := revokeFamilyTx(ctx, tx, familyID); err != nil {
			return Grant{}, err
		}
		if err := tx.Commit(); err != nil {
			return Grant{}, err
		}
		return Grant{}, ErrReuseDetected
	}

	if s.now().After(current.ExpiresAt) {
		return Grant{}, ErrExpired
	}

	now := s.now().UTC()
	res, err := tx.ExecContext(ctx,
		`update refresh_tokens set superseded_at=$3
		 where family_id=$1 and seq=$2 and superseded_at is null and revoked=false`,
		familyID, current.Seq, now)
	if err != nil {
		return Grant{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Grant{}, err
	}
	if n == 0 {
		// Lost the CAS to a concurrent rotation of the same token: the token
		// is no longer current, so this submission is a reuse. Revoke.
		if err := revokeFamilyTx(ctx, tx, familyID); err != nil {
			return Grant{}, err
		}
		if err := tx.Commit(); err != nil {
			return Grant{}, err
		}
		return Grant{}, ErrReuseDetected
	}

	plain, hash, err := newSecret()
	if err != nil {
		return Grant{}, err
	}
	expiresAt := now.Add(s.ttl)
	if _, err := tx.ExecContext(ctx,
		`insert into refresh_tokens(family_id, seq, user_id, secret_hash, issued_at, expires_at)
		 values($1, $2, $3, $4, $5, $6)`,
		familyID, current.Seq+1, current.UserID, hash, now, expiresAt); err != nil {
		return Grant{}, err
	}
	if err := tx.Commit(); err != nil {
		return Grant{}, err
	}

	return Grant{
		RefreshToken: joinToken(familyID, plain),
		FamilyID:     familyID,
		UserID:       current.UserID,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *PGStore) RevokeFamily(ctx context.Context, familyID string) error {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true where family_id=$1`, familyID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) RevokeByToken(ctx context.Context, refreshToken string) error {
	familyID, secret, err := splitToken(refreshToken)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true
		 where family_id=$1
		   and exists (select 1 from refresh_tokens where family_id=$1 and secret_hash=$2)`,
		familyID, hashSecret(secret))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) RevokeAllForUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true where user_id=$1`, userID)
	return err
}

func revokeFamilyTx(ctx context.Context, tx *sql.Tx, familyID string) error {
	_, err := tx.ExecContext(ctx,
		`update refresh_tokens set revoked=true where family_id=$1`, familyID)
	return err
}
