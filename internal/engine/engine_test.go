package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"lavka.dev/internal/federation"
	"lavka.dev/internal/identity"
	"lavka.dev/internal/kv"
	"lavka.dev/internal/ledger"
	"lavka.dev/internal/onetime"
	"lavka.dev/internal/token"
)

// testClock is a movable time source shared by every component under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	engine *Engine
	signer *token.Signer
	store  *identity.InMemory
	ledger *ledger.InMemory
	clock  *testClock
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	clock := &testClock{now: time.Now()}

	signer, err := token.NewSigner("test-signing-secret", "authd-test", 15*time.Minute,
		token.WithClock(clock.Now))
	require.NoError(t, err)

	store := identity.NewInMemory()
	led := ledger.NewInMemory(ledger.WithClock(clock.Now))

	deps := Deps{
		Store:    store,
		Hasher:   identity.NewHasher(bcrypt.MinCost),
		Signer:   signer,
		Ledger:   led,
		OneTime:  onetime.NewInMemory(onetime.WithClock(clock.Now)),
		Attempts: kv.NewMemoryWithClock(clock.Now),
	}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	eng, err := New(deps, opts...)
	require.NoError(t, err)

	return &testEnv{engine: eng, signer: signer, store: store, ledger: led, clock: clock}
}

func (env *testEnv) register(t *testing.T, email, password string) *identity.User {
	t.Helper()
	u, _, err := env.engine.Register(context.Background(), email, password)
	require.NoError(t, err)
	return u
}

func TestLoginThenVerifyAccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.register(t, "alice@example.com", "Secret123!")

	sess, err := env.engine.Login(ctx, "alice@example.com", "Secret123!", "10.0.0.1")
	require.NoError(t, err)

	id, err := env.signer.Verify(sess.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID, id.UserID)
	assert.NotEmpty(t, id.FamilyID)
}

func TestLoginWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice@example.com", "Secret123!")

	_, err := env.engine.Login(context.Background(), "alice@example.com", "wrong-password", "10.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginUnknownEmailSameError(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.Login(context.Background(), "ghost@example.com", "whatever1", "10.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginDisabledAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.register(t, "alice@example.com", "Secret123!")
	require.NoError(t, env.store.Users(ctx).SetStatus(ctx, u.ID, identity.StatusDisabled))

	_, err := env.engine.Login(ctx, "alice@example.com", "Secret123!", "10.0.0.1")
	assert.ErrorIs(t, err, ErrAccountDisabled)
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.engine.Register(ctx, "not-an-email", "Secret123!")
	assert.ErrorIs(t, err, ErrInvalidEmail)

	_, _, err = env.engine.Register(ctx, "bob@example.com", "short")
	assert.ErrorIs(t, err, ErrWeakPassword)

	env.register(t, "bob@example.com", "Secret123!")
	_, _, err = env.engine.Register(ctx, "Bob@Example.com", "Secret123!")
	assert.ErrorIs(t, err, identity.ErrDuplicateEmail)
}

func TestRefreshRotatesAndOldTokenIsTheft(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice@example.com", "Secret123!")

	sess, err := env.engine.Login(ctx, "alice@example.com", "Secret123!", "10.0.0.1")
	require.NoError(t, err)

	next, err := env.engine.Refresh(ctx, sess.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, sess.RefreshToken, next.RefreshToken)

	// Replaying the superseded token kills the family.
	_, err = env.engine.Refresh(ctx, sess.RefreshToken)
	assert.ErrorIs(t, err, ledger.ErrReuseDetected)

	_, err = env.engine.Refresh(ctx, next.RefreshToken)
	assert.ErrorIs(t, err, ledger.ErrRevoked)
}

func TestLogoutRevokesFamily(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice@example.com", "Secret123!")

	sess, err := env.engine.Login(ctx, "alice@example.com", "Secret123!", "10.0.0.1")
	require.NoError(t, err)
	require.NoError(t, env.engine.Logout(ctx, sess.RefreshToken))

	_, err = env.engine.Refresh(ctx, sess.RefreshToken)
	assert.ErrorIs(t, err, ledger.ErrRevoked)

	// Logout is idempotent.
	assert.NoError(t, env.engine.Logout(ctx, sess.RefreshToken))
	assert.NoError(t, env.engine.Logout(ctx, "garbage"))
}

func TestPasswordChangeRevokesAllSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.register(t, "alice@example.com", "Secret123!")

	first, err := env.engine.Login(ctx, "alice@example.com", "Secret123!", "10.0.0.1")
	require.NoError(t, err)
	second, err := env.engine.Login(ctx, "alice@example.com", "Secret123!", "10.0.0.2")
	require.NoError(t, err)

	require.NoError(t, env.engine.ChangePassword(ctx, u.ID, "Secret123!", "NewSecret456!"))

	_, err = env.engine.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ledger.ErrRevoked)
	_, err = env.engine.Refresh(ctx, second.RefreshToken)
	assert.ErrorIs(t, err, ledger.ErrRevoked)

	// Old password is gone, new one works.
	_, err = env.engine.Login(ctx, "alice@example.com", "Secret123!", "10.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = env.engine.Login(ctx, "alice@example.com", "NewSecret456!", "10.0.0.1")
	assert.NoError(t, err)
}

func TestPasswordResetFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice@example.com", "Secret123!")

	sess, err := env.engine.Login(ctx, "alice@example.com", "Secret123!", "10.0.0.1")
	require.NoError(t, err)

	resetToken, err := env.engine.RequestPasswordReset(ctx, "alice@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, resetToken)

	require.NoError(t, env.engine.ConfirmPasswordReset(ctx, resetToken, "NewSecret456!"))

	// Reset token is single-use.
	err = env.engine.ConfirmPasswordReset(ctx, resetToken, "OtherSecret789!")
	assert.ErrorIs(t, err, onetime.ErrAlreadyConsumed)

	// Old sessions are dead, new password works.
	_, err = env.engine.Refresh(ctx, sess.RefreshToken)
	assert.ErrorIs(t, err, ledger.ErrRevoked)
	_, err = env.engine.Login(ctx, "alice@example.com", "NewSecret456!", "10.0.0.1")
	assert.NoError(t, err)
}

func TestPasswordResetUnknownEmailSucceedsQuietly(t *testing.T) {
	env := newTestEnv(t)

	resetToken, err := env.engine.RequestPasswordReset(context.Background(), "ghost@example.com")
	assert.NoError(t, err)
	assert.Empty(t, resetToken)
}

func TestVerifyEmailFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	u, verifyToken, err := env.engine.Register(ctx, "alice@example.com", "Secret123!")
	require.NoError(t, err)
	require.NotEmpty(t, verifyToken)
	assert.False(t, u.EmailVerified)

	require.NoError(t, env.engine.VerifyEmail(ctx, verifyToken))

	got, err := env.engine.CurrentUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.EmailVerified)

	assert.ErrorIs(t, env.engine.VerifyEmail(ctx, verifyToken), onetime.ErrAlreadyConsumed)
}

func TestResendVerification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	u, firstToken, err := env.engine.Register(ctx, "alice@example.com", "Secret123!")
	require.NoError(t, err)

	resent, err := env.engine.ResendVerification(ctx, "Alice@Example.com")
	require.NoError(t, err)
	require.NotEmpty(t, resent)
	assert.NotEqual(t, firstToken, resent)

	// The replacement kills the original token.
	assert.ErrorIs(t, env.engine.VerifyEmail(ctx, firstToken), onetime.ErrAlreadyConsumed)

	require.NoError(t, env.engine.VerifyEmail(ctx, resent))
	got, err := env.engine.CurrentUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.EmailVerified)

	// Already verified: success, nothing to deliver.
	tok, err := env.engine.ResendVerification(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestResendVerificationUnknownEmail(t *testing.T) {
	env := newTestEnv(t)

	tok, err := env.engine.ResendVerification(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestDisableAccountKillsSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	u := env.register(t, "alice@example.com", "Secret123!")
	sess, err := env.engine.Login(ctx, "alice@example.com", "Secret123!", "ip-1")
	require.NoError(t, err)

	require.NoError(t, env.engine.DisableAccount(ctx, u.ID))

	// Refresh families died with the account, not lazily at next rotation.
	_, err = env.engine.Refresh(ctx, sess.RefreshToken)
	assert.ErrorIs(t, err, ledger.ErrRevoked)

	_, err = env.engine.Login(ctx, "alice@example.com", "Secret123!", "ip-1")
	assert.ErrorIs(t, err, ErrAccountDisabled)
}

func TestLoginRateLimit(t *testing.T) {
	env := newTestEnv(t, WithLoginLimit(3, 15*time.Minute))
	ctx := context.Background()
	env.register(t, "alice@example.com", "Secret123!")

	for i := 0; i < 3; i++ {
		_, err := env.engine.Login(ctx, "alice@example.com", "wrong-password", "10.0.0.1")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// Budget spent: even the right password is refused.
	_, err := env.engine.Login(ctx, "alice@example.com", "Secret123!", "10.0.0.1")
	assert.ErrorIs(t, err, ErrRateLimited)

	// A different source is unaffected.
	_, err = env.engine.Login(ctx, "alice@example.com", "Secret123!", "10.0.0.9")
	assert.NoError(t, err)

	// The window elapsing re-opens the gate.
	env.clock.Advance(16 * time.Minute)
	_, err = env.engine.Login(ctx, "alice@example.com", "Secret123!", "10.0.0.1")
	assert.NoError(t, err)
}

func TestEndToEndScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	u, verifyToken, err := env.engine.Register(ctx, "alice@example.com", "Secret123!")
	require.NoError(t, err)
	require.NoError(t, env.engine.VerifyEmail(ctx, verifyToken))

	sess, err := env.engine.Login(ctx, "alice@example.com", "Secret123!", "10.0.0.1")
	require.NoError(t, err)

	id, err := env.signer.Verify(sess.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID, id.UserID)

	rotated, err := env.engine.Refresh(ctx, sess.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, sess.RefreshToken, rotated.RefreshToken)

	require.NoError(t, env.engine.Logout(ctx, rotated.RefreshToken))

	_, err = env.engine.Refresh(ctx, rotated.RefreshToken)
	assert.ErrorIs(t, err, ledger.ErrRevoked)
	_, err = env.engine.Refresh(ctx, sess.RefreshToken)
	assert.ErrorIs(t, err, ledger.ErrRevoked)
}

// federated login against a stubbed provider

func newFederatedEnv(t *testing.T, linkPolicy string, profile map[string]any) (*testEnv, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/token":
			json.NewEncoder(w).Encode(map[string]string{"access_token": "at", "token_type": "bearer"})
		case "/userinfo":
			json.NewEncoder(w).Encode(profile)
		default:
			http.NotFound(w, r)
		}
	}))

	p := federation.Google("cid", "csecret", "https://app.example/cb")
	p.AuthURL = srv.URL + "/authorize"
	p.TokenURL = srv.URL + "/token"
	p.ProfileURL = srv.URL + "/userinfo"

	clock := &testClock{now: time.Now()}
	flow, err := federation.NewFlow(kv.NewMemoryWithClock(clock.Now), []federation.Provider{p})
	require.NoError(t, err)

	signer, err := token.NewSigner("test-signing-secret", "authd-test", 15*time.Minute,
		token.WithClock(clock.Now))
	require.NoError(t, err)

	store := identity.NewInMemory()
	eng, err := New(Deps{
		Store:    store,
		Hasher:   identity.NewHasher(bcrypt.MinCost),
		Signer:   signer,
		Ledger:   ledger.NewInMemory(ledger.WithClock(clock.Now)),
		OneTime:  onetime.NewInMemory(onetime.WithClock(clock.Now)),
		Flow:     flow,
		Attempts: kv.NewMemoryWithClock(clock.Now),
	}, WithClock(clock.Now), WithLinkPolicy(linkPolicy))
	require.NoError(t, err)

	return &testEnv{engine: eng, signer: signer, store: store, clock: clock}, srv.Close
}

func stateOf(t *testing.T, authURL string) string {
	t.Helper()
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	return u.Query().Get("state")
}

func TestFederatedLoginCreatesUser(t *testing.T) {
	env, closeFn := newFederatedEnv(t, LinkByVerifiedEmail, map[string]any{
		"sub": "google-1", "email": "alice@example.com", "email_verified": true, "name": "Alice",
	})
	defer closeFn()
	ctx := context.Background()

	authURL, err := env.engine.StartOAuthLogin(ctx, "google")
	require.NoError(t, err)

	sess, err := env.engine.CompleteOAuthCallback(ctx, "google", stateOf(t, authURL), "auth-code")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", sess.User.Email)
	assert.True(t, sess.User.EmailVerified)

	id, err := env.signer.Verify(sess.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, sess.User.ID, id.UserID)
}

func TestFederatedLoginLinksVerifiedEmail(t *testing.T) {
	env, closeFn := newFederatedEnv(t, LinkByVerifiedEmail, map[string]any{
		"sub": "google-1", "email": "alice@example.com", "email_verified": true,
	})
	defer closeFn()
	ctx := context.Background()

	local, verifyToken, err := env.engine.Register(ctx, "alice@example.com", "Secret123!")
	require.NoError(t, err)
	require.NoError(t, env.engine.VerifyEmail(ctx, verifyToken))

	authURL, err := env.engine.StartOAuthLogin(ctx, "google")
	require.NoError(t, err)
	sess, err := env.engine.CompleteOAuthCallback(ctx, "google", stateOf(t, authURL), "auth-code")
	require.NoError(t, err)

	// Same account, not a duplicate.
	assert.Equal(t, local.ID, sess.User.ID)

	idents, err := env.store.OAuthIdentities(ctx).ListByUser(ctx, local.ID)
	require.NoError(t, err)
	require.Len(t, idents, 1)
	assert.Equal(t, "google-1", idents[0].Subject)
}

func TestFederatedLoginSkipsUnverifiedLocalAccount(t *testing.T) {
	env, closeFn := newFederatedEnv(t, LinkByVerifiedEmail, map[string]any{
		"sub": "google-1", "email": "alice@example.com", "email_verified": true,
	})
	defer closeFn()
	ctx := context.Background()

	// Local registration that never confirmed the address must not capture
	// the federated login for it.
	env.register(t, "alice@example.com", "Secret123!")

	authURL, err := env.engine.StartOAuthLogin(ctx, "google")
	require.NoError(t, err)
	_, err = env.engine.CompleteOAuthCallback(ctx, "google", stateOf(t, authURL), "auth-code")
	require.ErrorIs(t, err, identity.ErrDuplicateEmail)
}

func TestFederatedLoginAlwaysCreatePolicy(t *testing.T) {
	env, closeFn := newFederatedEnv(t, AlwaysCreate, map[string]any{
		"sub": "google-1", "email": "alice@example.com", "email_verified": true,
	})
	defer closeFn()
	ctx := context.Background()

	local := env.register(t, "alice@example.com", "Secret123!")

	authURL, err := env.engine.StartOAuthLogin(ctx, "google")
	require.NoError(t, err)

	// AlwaysCreate mints a new account; with the email already taken the
	// duplicate surfaces instead of a silent link.
	_, err = env.engine.CompleteOAuthCallback(ctx, "google", stateOf(t, authURL), "auth-code")
	assert.ErrorIs(t, err, identity.ErrDuplicateEmail)

	got, err := env.engine.CurrentUser(ctx, local.ID)
	require.NoError(t, err)
	assert.Equal(t, local.ID, got.ID)
}

func TestFederatedCallbackReplay(t *testing.T) {
	env, closeFn := newFederatedEnv(t, LinkByVerifiedEmail, map[string]any{
		"sub": "google-1", "email": "alice@example.com", "email_verified": true,
	})
	defer closeFn()
	ctx := context.Background()

	authURL, err := env.engine.StartOAuthLogin(ctx, "google")
	require.NoError(t, err)
	state := stateOf(t, authURL)

	_, err = env.engine.CompleteOAuthCallback(ctx, "google", state, "auth-code")
	require.NoError(t, err)

	// The state was burned on first use; a replayed callback never logs in.
	_, err = env.engine.CompleteOAuthCallback(ctx, "google", state, "auth-code")
	assert.ErrorIs(t, err, federation.ErrInvalidState)
}
