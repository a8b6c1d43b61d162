// Package engine is the auth orchestrator: it composes the credential store,
// token signer, refresh ledger, one-time tokens, and federation into the
// boundary operations, and applies login-attempt limiting before any
// credential is ever inspected.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"lavka.dev/internal/audit"
	"lavka.dev/internal/federation"
	"lavka.dev/internal/identity"
	"lavka.dev/internal/kv"
	"lavka.dev/internal/ledger"
	"lavka.dev/internal/obs"
	"lavka.dev/internal/onetime"
	"lavka.dev/internal/token"
)

const minPasswordLen = 8

// Session is the result of any flow that authenticates a user.
type Session struct {
	User             *identity.User
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Deps carries the engine's injected dependencies. Flow may be nil when no
// federation provider is configured.
type Deps struct {
	Store    identity.Store
	Hasher   identity.Hasher
	Signer   *token.Signer
	Ledger   ledger.Service
	OneTime  onetime.Service
	Flow     *federation.Flow
	Attempts kv.Store
}

// Engine implements the boundary operations.
type Engine struct {
	store      identity.Store
	hasher     identity.Hasher
	signer     *token.Signer
	ledger     ledger.Service
	onetime    onetime.Service
	flow       *federation.Flow
	limiter    *loginLimiter
	linkPolicy string
	now        func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithLoginLimit overrides the failed-login budget per (email, source).
func WithLoginLimit(max int, window time.Duration) Option {
	return func(e *Engine) {
		if max > 0 {
			e.limiter.max = max
		}
		if window > 0 {
			e.limiter.window = window
		}
	}
}

// WithLinkPolicy selects how federated identities bind to local accounts.
func WithLinkPolicy(policy string) Option {
	return func(e *Engine) { e.linkPolicy = policy }
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
			e.limiter.now = fn
		}
	}
}

// Link policies. LinkByVerifiedEmail attaches a new federated identity to an
// existing account when the provider vouches for the same email address;
// AlwaysCreate never links and always mints a fresh account.
const (
	LinkByVerifiedEmail = "verified_email"
	AlwaysCreate        = "always_create"
)

func New(deps Deps, opts ...Option) (*Engine, error) {
	if deps.Store == nil || deps.Signer == nil || deps.Ledger == nil ||
		deps.OneTime == nil || deps.Attempts == nil {
		return nil, errors.New("engine: missing dependency")
	}
	e := &Engine{
		store:   deps.Store,
		hasher:  deps.Hasher,
		signer:  deps.Signer,
		ledger:  deps.Ledger,
		onetime: deps.OneTime,
		flow:    deps.Flow,
		limiter: &loginLimiter{
			store:  deps.Attempts,
			max:    5,
			window: 15 * time.Minute,
			now:    time.Now,
		},
		linkPolicy: LinkByVerifiedEmail,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Register creates a local account and issues an email-verification token.
// The token plaintext is returned for out-of-band delivery and is never
// logged.
func (e *Engine) Register(ctx context.Context, email, password string) (*identity.User, string, error) {
	email = identity.NormalizeEmail(email)
	if !validEmail(email) {
		return nil, "", ErrInvalidEmail
	}
	if len(password) < minPasswordLen {
		return nil, "", ErrWeakPassword
	}
	hash, err := e.hasher.Hash(password)
	if err != nil {
		return nil, "", err
	}

	u := &identity.User{Email: email, PasswordHash: hash, Status: identity.StatusActive}
	if err := e.store.Users(ctx).Create(ctx, u); err != nil {
		return nil, "", err
	}

	verifyToken, _, err := e.onetime.Issue(ctx, u.ID, onetime.KindEmailVerify)
	if err != nil {
		return nil, "", err
	}
	audit.LogEvent(ctx, "auth.register", map[string]any{"user": u.ID})
	return u, verifyToken, nil
}

// Login checks the password and opens a session. source identifies where the
// attempt came from (client IP); the failure budget is per (email, source)
// and is spent before any credential is looked at, so a blocked pair fails
// the same way whether or not the password is right.
func (e *Engine) Login(ctx context.Context, email, password, source string) (Session, error) {
	email = identity.NormalizeEmail(email)

	blocked, err := e.limiter.blocked(ctx, email, source)
	if err != nil {
		return Session{}, err
	}
	if blocked {
		obs.CountRateLimited()
		audit.LogEvent(ctx, "auth.login.rate_limited", map[string]any{"source": source})
		return Session{}, ErrRateLimited
	}

	u, err := e.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			// Burn a hash comparison so a missing account costs the same
			// as a wrong password.
			e.hasher.VerifyDummy(password)
			return Session{}, e.failLogin(ctx, email, source)
		}
		return Session{}, err
	}
	if err := e.hasher.Verify(u.PasswordHash, password); err != nil {
		return Session{}, e.failLogin(ctx, email, source)
	}
	if !u.Active() {
		audit.LogEvent(ctx, "auth.login.disabled", map[string]any{"user": u.ID})
		return Session{}, ErrAccountDisabled
	}

	if err := e.limiter.reset(ctx, email, source); err != nil {
		return Session{}, err
	}
	if err := e.store.Users(ctx).TouchLastLogin(ctx, u.ID, e.now().UTC()); err != nil {
		return Session{}, err
	}

	sess, err := e.openSession(ctx, u)
	if err != nil {
		return Session{}, err
	}
	obs.CountLogin("success")
	audit.LogEvent(ctx, "auth.login", map[string]any{"user": u.ID})
	return sess, nil
}

func (e *Engine) failLogin(ctx context.Context, email, source string) error {
	obs.CountLogin("failure")
	if err := e.limiter.recordFailure(ctx, email, source); err != nil {
		return err
	}
	audit.LogEvent(ctx, "auth.login.failed", map[string]any{"source": source})
	return ErrInvalidCredentials
}

// Refresh rotates the refresh token and issues a fresh access token bound to
// the same family. Reuse of a superseded token revokes the family and
// surfaces as ledger.ErrReuseDetected.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	grant, err := e.ledger.Rotate(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ledger.ErrReuseDetected) {
			obs.CountTokenReuse()
			audit.LogEvent(ctx, "auth.refresh.reuse_detected", map[string]any{
				"family": familyOf(refreshToken),
			})
		}
		return Session{}, err
	}

	u, err := e.store.Users(ctx).Find(ctx, grant.UserID)
	if err != nil {
		return Session{}, err
	}
	if !u.Active() {
		// The account was disabled after the family was issued.
		if err := e.ledger.RevokeFamily(ctx, grant.FamilyID); err != nil {
			return Session{}, err
		}
		return Session{}, ErrAccountDisabled
	}

	access, accessExp, err := e.signer.IssueAccess(u.ID, grant.FamilyID)
	if err != nil {
		return Session{}, err
	}
	return Session{
		User:             u,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     grant.RefreshToken,
		RefreshExpiresAt: grant.ExpiresAt,
	}, nil
}

// Logout revokes the refresh family behind the token. Logging out with a
// token that is already dead is not an error.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	err := e.ledger.RevokeByToken(ctx, refreshToken)
	switch {
	case err == nil:
		audit.LogEvent(ctx, "auth.logout", map[string]any{"family": familyOf(refreshToken)})
		return nil
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, ledger.ErrInvalidToken):
		return nil
	default:
		return err
	}
}

// CurrentUser loads the account behind a verified access token.
func (e *Engine) CurrentUser(ctx context.Context, userID string) (*identity.User, error) {
	return e.store.Users(ctx).Find(ctx, userID)
}

// DisableAccount marks the user disabled and revokes every refresh family,
// so no outstanding refresh token can mint new access tokens. Access tokens
// already in flight keep working until they expire.
func (e *Engine) DisableAccount(ctx context.Context, userID string) error {
	if err := e.store.Users(ctx).SetStatus(ctx, userID, identity.StatusDisabled); err != nil {
		return err
	}
	if err := e.ledger.RevokeAllForUser(ctx, userID); err != nil {
		return err
	}
	audit.LogEvent(ctx, "auth.account.disabled", map[string]any{"user": userID})
	return nil
}

// RequestPasswordReset issues a reset token for the account. It reports
// success whether or not the email exists; an empty token means there is
// nothing to deliver.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	email = identity.NormalizeEmail(email)
	u, err := e.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	resetToken, _, err := e.onetime.Issue(ctx, u.ID, onetime.KindPasswordReset)
	if err != nil {
		return "", err
	}
	audit.LogEvent(ctx, "auth.password.reset_requested", map[string]any{"user": u.ID})
	return resetToken, nil
}

// ConfirmPasswordReset redeems the reset token and sets the new password.
// Every outstanding session of the user dies with the old password.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, resetToken, newPassword string) error {
	if len(newPassword) < minPasswordLen {
		return ErrWeakPassword
	}
	userID, err := e.onetime.Redeem(ctx, onetime.KindPasswordReset, resetToken)
	if err != nil {
		obs.CountOnetimeRedemption(onetime.KindPasswordReset, "failure")
		return err
	}
	obs.CountOnetimeRedemption(onetime.KindPasswordReset, "success")

	if err := e.setPassword(ctx, userID, newPassword); err != nil {
		return err
	}
	// Sibling reset tokens are dead letters once one of them wins.
	if err := e.onetime.Invalidate(ctx, userID, onetime.KindPasswordReset); err != nil {
		return err
	}
	audit.LogEvent(ctx, "auth.password.reset", map[string]any{"user": userID})
	return nil
}

// ChangePassword verifies the current password before setting the new one.
func (e *Engine) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if len(newPassword) < minPasswordLen {
		return ErrWeakPassword
	}
	u, err := e.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return err
	}
	if err := e.hasher.Verify(u.PasswordHash, oldPassword); err != nil {
		return ErrInvalidCredentials
	}
	if err := e.setPassword(ctx, userID, newPassword); err != nil {
		return err
	}
	audit.LogEvent(ctx, "auth.password.changed", map[string]any{"user": userID})
	return nil
}

// setPassword stores the new hash and revokes every refresh family of the
// user, forcing re-login everywhere.
func (e *Engine) setPassword(ctx context.Context, userID, password string) error {
	hash, err := e.hasher.Hash(password)
	if err != nil {
		return err
	}
	if err := e.store.Users(ctx).UpdatePassword(ctx, userID, hash); err != nil {
		return err
	}
	return e.ledger.RevokeAllForUser(ctx, userID)
}

// VerifyEmail redeems an email-verification token.
func (e *Engine) VerifyEmail(ctx context.Context, verifyToken string) error {
	userID, err := e.onetime.Redeem(ctx, onetime.KindEmailVerify, verifyToken)
	if err != nil {
		obs.CountOnetimeRedemption(onetime.KindEmailVerify, "failure")
		return err
	}
	obs.CountOnetimeRedemption(onetime.KindEmailVerify, "success")
	if err := e.store.Users(ctx).MarkEmailVerified(ctx, userID); err != nil {
		return err
	}
	audit.LogEvent(ctx, "auth.email.verified", map[string]any{"user": userID})
	return nil
}

// OAuthProviders lists the configured federation providers; empty when
// federation is disabled.
func (e *Engine) OAuthProviders() []string {
	if e.flow == nil {
		return nil
	}
	return e.flow.Providers()
}

// ResendVerification issues a fresh email-verification token for an account
// that has not confirmed its address yet. It reports success whether or not
// the email maps to such an account; an empty token means there is nothing
// to deliver. Earlier verification tokens stop working.
func (e *Engine) ResendVerification(ctx context.Context, email string) (string, error) {
	email = identity.NormalizeEmail(email)
	u, err := e.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	if u.EmailVerified {
		return "", nil
	}
	if err := e.onetime.Invalidate(ctx, u.ID, onetime.KindEmailVerify); err != nil {
		return "", err
	}
	verifyToken, _, err := e.onetime.Issue(ctx, u.ID, onetime.KindEmailVerify)
	if err != nil {
		return "", err
	}
	audit.LogEvent(ctx, "auth.email.verify_resent", map[string]any{"user": u.ID})
	return verifyToken, nil
}

// StartOAuthLogin returns the provider authorization URL to redirect to.
func (e *Engine) StartOAuthLogin(ctx context.Context, provider string) (string, error) {
	if e.flow == nil {
		return "", ErrFederationDisabled
	}
	return e.flow.Start(ctx, provider)
}

// CompleteOAuthCallback finishes the provider handshake and opens a session
// for the resolved local account, creating or linking one per the configured
// policy.
func (e *Engine) CompleteOAuthCallback(ctx context.Context, provider, state, code string) (Session, error) {
	if e.flow == nil {
		return Session{}, ErrFederationDisabled
	}
	profile, err := e.flow.Complete(ctx, provider, state, code)
	if err != nil {
		obs.CountFederationFailure(provider, stageOf(err))
		audit.LogEvent(ctx, "auth.federation.failed", map[string]any{
			"provider": provider, "stage": stageOf(err),
		})
		return Session{}, err
	}

	u, err := e.resolveProfile(ctx, profile)
	if err != nil {
		return Session{}, err
	}
	if !u.Active() {
		return Session{}, ErrAccountDisabled
	}
	if err := e.store.Users(ctx).TouchLastLogin(ctx, u.ID, e.now().UTC()); err != nil {
		return Session{}, err
	}

	sess, err := e.openSession(ctx, u)
	if err != nil {
		return Session{}, err
	}
	obs.CountLogin("success")
	audit.LogEvent(ctx, "auth.login.federated", map[string]any{
		"user": u.ID, "provider": provider,
	})
	return sess, nil
}

// resolveProfile maps a provider-vouched identity onto a local user.
func (e *Engine) resolveProfile(ctx context.Context, p federation.Profile) (*identity.User, error) {
	idents := e.store.OAuthIdentities(ctx)
	if ident, err := idents.Find(ctx, p.Provider, p.Subject); err == nil {
		return e.store.Users(ctx).Find(ctx, ident.UserID)
	} else if !errors.Is(err, identity.ErrNotFound) {
		return nil, err
	}

	var u *identity.User
	if e.linkPolicy == LinkByVerifiedEmail && p.EmailVerified && p.Email != "" {
		existing, err := e.store.Users(ctx).FindByEmail(ctx, identity.NormalizeEmail(p.Email))
		switch {
		case err == nil:
			// Only link when the local account proved the address too; an
			// unverified local registration must not capture federated logins
			// for an email it never owned.
			if existing.EmailVerified {
				u = existing
			}
		case errors.Is(err, identity.ErrNotFound):
		default:
			return nil, err
		}
	}
	if u == nil {
		u = &identity.User{
			Email:         identity.NormalizeEmail(p.Email),
			EmailVerified: p.EmailVerified,
			Status:        identity.StatusActive,
		}
		if err := e.store.Users(ctx).Create(ctx, u); err != nil {
			return nil, err
		}
	}

	err := idents.Link(ctx, &identity.OAuthIdentity{
		UserID:   u.ID,
		Provider: p.Provider,
		Subject:  p.Subject,
		LinkedAt: e.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	audit.LogEvent(ctx, "auth.federation.linked", map[string]any{
		"user": u.ID, "provider": p.Provider,
	})
	return u, nil
}

// openSession mints a new refresh family and an access token bound to it.
func (e *Engine) openSession(ctx context.Context, u *identity.User) (Session, error) {
	grant, err := e.ledger.IssueFamily(ctx, u.ID)
	if err != nil {
		return Session{}, err
	}
	access, accessExp, err := e.signer.IssueAccess(u.ID, grant.FamilyID)
	if err != nil {
		return Session{}, err
	}
	return Session{
		User:             u,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     grant.RefreshToken,
		RefreshExpiresAt: grant.ExpiresAt,
	}, nil
}

func validEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t")
}

// familyOf extracts the family id for logging without touching the secret.
func familyOf(refreshToken string) string {
	if i := strings.IndexByte(refreshToken, '.'); i > 0 {
		return refreshToken[:i]
	}
	return ""
}

func stageOf(err error) string {
	switch {
	case errors.Is(err, federation.ErrInvalidState):
		return "state"
	case errors.Is(err, federation.ErrExchangeFailed):
		return "exchange"
	case errors.Is(err, federation.ErrProfileRejected):
		return "profile"
	case errors.Is(err, federation.ErrUnknownProvider):
		return "provider"
	default:
		return "other"
	}
}
