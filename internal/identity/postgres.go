package identity

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"lavka.dev/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users(context context.Context) UserStore { return &userStore{db: s.db} }
func (s *PGStore) OAuthIdentities(context context.Context) OAuthIdentityStore {
	return &oauthIdentityStore{db: s.db}
}

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// User store ---------------------------------------------------------------
type userStore struct{ db *sql.DB }

func (s *userStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Status == "" {
		u.Status = StatusActive
	}
	u.Email = NormalizeEmail(u.Email)
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, email, password_hash, email_verified, status) values($1,$2,$3,$4,$5)`,
		u.ID, u.Email, nullIfEmpty(u.PasswordHash), u.EmailVerified, u.Status,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	return err
}

func (s *userStore) Find(ctx context.Context, id string) (*User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`select id, email, coalesce(password_hash, ''), email_verified, status, last_login_at, created_at, updated_at
		 from users where id=$1`, id))
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`select id, email, coalesce(password_hash, ''), email_verified, status, last_login_at, created_at, updated_at
		 from users where email=$1`, NormalizeEmail(email)))
}

func (s *userStore) scanOne(row *sql.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.EmailVerified, &u.Status, &u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *userStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set password_hash=$2, updated_at=now() where id=$1`, userID, passwordHash)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *userStore) MarkEmailVerified(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set email_verified=true, updated_at=now() where id=$1`, userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *userStore) SetStatus(ctx context.Context, userID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set status=$2, updated_at=now() where id=$1`, userID, status)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *userStore) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update users set last_login_at=$2 where id=$1`, userID, at.UTC())
	return err
}

// OAuth identity store -----------------------------------------------------
type oauthIdentityStore struct{ db *sql.DB }

func (s *oauthIdentityStore) Link(ctx context.Context, ident *OAuthIdentity) error {
	_, err := s.db.ExecContext(ctx,
		`insert into oauth_identities(user_id, provider, subject) values($1,$2,$3)`,
		ident.UserID, ident.Provider, ident.Subject,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyLinked
	}
	return err
}

func (s *oauthIdentityStore) Find(ctx context.Context, provider, subject string) (*OAuthIdentity, error) {
	row := s.db.QueryRowContext(ctx,
		`select user_id, provider, subject, linked_at from oauth_identities where provider=$1 and subject=$2`,
		provider, subject)
	var ident OAuthIdentity
	if err := row.Scan(&ident.UserID, &ident.Provider, &ident.Subject, &ident.LinkedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ident, nil
}

func (s *oauthIdentityStore) ListByUser(ctx context.Context, userID string) ([]*OAuthIdentity, error) {
	rows, err := s.db.QueryContext(ctx,
		`select user_id, provider, subject, linked_at from oauth_identities where user_id=$1 order by linked_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*OAuthIdentity
	for rows.Next() {
		var ident OAuthIdentity
		if err := rows.Scan(&ident.UserID, &ident.Provider, &ident.Subject, &ident.LinkedAt); err != nil {
			return nil, err
		}
		res = append(res, &ident)
	}
	return res, rows.Err()
}

// helpers ------------------------------------------------------------------

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
