package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"lavka.dev/internal/engine"
	"lavka.dev/internal/federation"
	"lavka.dev/internal/identity"
	"lavka.dev/internal/kv"
	"lavka.dev/internal/ledger"
	"lavka.dev/internal/onetime"
	"lavka.dev/internal/token"
)

func newTestAPI(t *testing.T, opts ...engine.Option) *API {
	t.Helper()
	signer, err := token.NewSigner("handler-test-secret", "authd-test", 15*time.Minute)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	eng, err := engine.New(engine.Deps{
		Store:    identity.NewInMemory(),
		Hasher:   identity.NewHasher(bcrypt.MinCost),
		Signer:   signer,
		Ledger:   ledger.NewInMemory(),
		OneTime:  onetime.NewInMemory(),
		Attempts: kv.NewMemoryWithClock(time.Now),
	}, opts...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return New(eng, signer, ReadyProbe{}, "test")
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.0.0.1:4444"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rr.Body.String())
	}
	return m
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t)
	rr := doJSON(t, api.Handler(), http.MethodGet, "/healthz", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["service"] != "authd" {
		t.Fatalf("unexpected service: %v", body["service"])
	}
}

func TestRegisterLoginMe(t *testing.T) {
	api := newTestAPI(t)
	h := api.Handler()

	rr := doJSON(t, h, http.MethodPost, "/v1/auth/register",
		map[string]string{"email": "alice@example.com", "password": "Secret123!"}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d (%s)", rr.Code, rr.Body.String())
	}
	reg := decodeBody(t, rr)
	if reg["verify_token"] == "" {
		t.Fatal("expected verify_token in register response")
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/auth/login",
		map[string]string{"email": "alice@example.com", "password": "Secret123!"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	sess := decodeBody(t, rr)
	access, _ := sess["access_token"].(string)
	if access == "" {
		t.Fatal("expected access_token")
	}
	if sess["expires_in"] != float64(15*60) {
		t.Fatalf("expires_in = %v, want %d", sess["expires_in"], 15*60)
	}

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+access)
	rr = doJSON(t, h, http.MethodGet, "/v1/auth/me", nil, hdr)
	if rr.Code != http.StatusOK {
		t.Fatalf("me: expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	me := decodeBody(t, rr)
	if me["email"] != "alice@example.com" {
		t.Fatalf("unexpected email: %v", me["email"])
	}
}

func TestInfoListsOAuthProviders(t *testing.T) {
	signer, err := token.NewSigner("handler-test-secret", "authd-test", 15*time.Minute)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	states := kv.NewMemoryWithClock(time.Now)
	flow, err := federation.NewFlow(states, []federation.Provider{
		federation.Google("id", "secret", "http://localhost/cb"),
		federation.GitHub("id", "secret", "http://localhost/cb"),
	})
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}
	eng, err := engine.New(engine.Deps{
		Store:    identity.NewInMemory(),
		Hasher:   identity.NewHasher(bcrypt.MinCost),
		Signer:   signer,
		Ledger:   ledger.NewInMemory(),
		OneTime:  onetime.NewInMemory(),
		Flow:     flow,
		Attempts: kv.NewMemoryWithClock(time.Now),
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	api := New(eng, signer, ReadyProbe{}, "test")

	rr := doJSON(t, api.Handler(), http.MethodGet, "/v1/info", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	got, ok := decodeBody(t, rr)["oauth_providers"].([]any)
	if !ok || len(got) != 2 || got[0] != "github" || got[1] != "google" {
		t.Fatalf("unexpected oauth_providers: %v", got)
	}
}

func TestMeRequiresToken(t *testing.T) {
	api := newTestAPI(t)

	rr := doJSON(t, api.Handler(), http.MethodGet, "/v1/auth/me", nil, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer not-a-jwt")
	rr = doJSON(t, api.Handler(), http.MethodGet, "/v1/auth/me", nil, hdr)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rr.Code)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	api := newTestAPI(t)
	h := api.Handler()

	doJSON(t, h, http.MethodPost, "/v1/auth/register",
		map[string]string{"email": "alice@example.com", "password": "Secret123!"}, nil)

	rr := doJSON(t, h, http.MethodPost, "/v1/auth/login",
		map[string]string{"email": "alice@example.com", "password": "wrong-password"}, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	// Unknown email answers identically.
	rr = doJSON(t, h, http.MethodPost, "/v1/auth/login",
		map[string]string{"email": "ghost@example.com", "password": "whatever1"}, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown email, got %d", rr.Code)
	}
}

func TestLoginRateLimitedOverHTTP(t *testing.T) {
	api := newTestAPI(t, engine.WithLoginLimit(2, time.Minute))
	h := api.Handler()

	doJSON(t, h, http.MethodPost, "/v1/auth/register",
		map[string]string{"email": "alice@example.com", "password": "Secret123!"}, nil)

	for i := 0; i < 2; i++ {
		doJSON(t, h, http.MethodPost, "/v1/auth/login",
			map[string]string{"email": "alice@example.com", "password": "wrong-password"}, nil)
	}
	rr := doJSON(t, h, http.MethodPost, "/v1/auth/login",
		map[string]string{"email": "alice@example.com", "password": "Secret123!"}, nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestRefreshAndReuseOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	h := api.Handler()

	doJSON(t, h, http.MethodPost, "/v1/auth/register",
		map[string]string{"email": "alice@example.com", "password": "Secret123!"}, nil)
	rr := doJSON(t, h, http.MethodPost, "/v1/auth/login",
		map[string]string{"email": "alice@example.com", "password": "Secret123!"}, nil)
	first := decodeBody(t, rr)["refresh_token"].(string)

	rr = doJSON(t, h, http.MethodPost, "/v1/auth/refresh",
		map[string]string{"refresh_token": first}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	second := decodeBody(t, rr)["refresh_token"].(string)
	if second == first {
		t.Fatal("refresh returned the same token")
	}

	// Replaying the rotated-away token demands re-authentication.
	rr = doJSON(t, h, http.MethodPost, "/v1/auth/refresh",
		map[string]string{"refresh_token": first}, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("reuse: expected 401, got %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/auth/refresh",
		map[string]string{"refresh_token": second}, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("revoked family: expected 401, got %d", rr.Code)
	}
}

func TestLogoutEndpoint(t *testing.T) {
	api := newTestAPI(t)
	h := api.Handler()

	doJSON(t, h, http.MethodPost, "/v1/auth/register",
		map[string]string{"email": "alice@example.com", "password": "Secret123!"}, nil)
	rr := doJSON(t, h, http.MethodPost, "/v1/auth/login",
		map[string]string{"email": "alice@example.com", "password": "Secret123!"}, nil)
	refresh := decodeBody(t, rr)["refresh_token"].(string)

	rr = doJSON(t, h, http.MethodPost, "/v1/auth/logout",
		map[string]string{"refresh_token": refresh}, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("logout: expected 204, got %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/auth/refresh",
		map[string]string{"refresh_token": refresh}, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rr.Code)
	}
}

func TestPasswordResetOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	h := api.Handler()

	doJSON(t, h, http.MethodPost, "/v1/auth/register",
		map[string]string{"email": "alice@example.com", "password": "Secret123!"}, nil)

	rr := doJSON(t, h, http.MethodPost, "/v1/auth/password/reset/request",
		map[string]string{"email": "alice@example.com"}, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("reset request: expected 202, got %d", rr.Code)
	}
	resetToken, _ := decodeBody(t, rr)["reset_token"].(string)
	if resetToken == "" {
		t.Fatal("expected reset_token")
	}

	// Unknown email: identical status, no token.
	rr = doJSON(t, h, http.MethodPost, "/v1/auth/password/reset/request",
		map[string]string{"email": "ghost@example.com"}, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("unknown email: expected 202, got %d", rr.Code)
	}
	if _, ok := decodeBody(t, rr)["reset_token"]; ok {
		t.Fatal("unexpected reset_token for unknown email")
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/auth/password/reset/confirm",
		map[string]string{"token": resetToken, "new_password": "NewSecret456!"}, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("reset confirm: expected 204, got %d (%s)", rr.Code, rr.Body.String())
	}

	// Double redemption conflicts.
	rr = doJSON(t, h, http.MethodPost, "/v1/auth/password/reset/confirm",
		map[string]string{"token": resetToken, "new_password": "OtherSecret789!"}, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("second confirm: expected 409, got %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/auth/login",
		map[string]string{"email": "alice@example.com", "password": "NewSecret456!"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("login with new password: expected 200, got %d", rr.Code)
	}
}

func TestVerifyEmailOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	h := api.Handler()

	rr := doJSON(t, h, http.MethodPost, "/v1/auth/register",
		map[string]string{"email": "alice@example.com", "password": "Secret123!"}, nil)
	verifyToken := decodeBody(t, rr)["verify_token"].(string)

	rr = doJSON(t, h, http.MethodPost, "/v1/auth/verify-email",
		map[string]string{"token": verifyToken}, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("verify: expected 204, got %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/auth/verify-email",
		map[string]string{"token": verifyToken}, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("second verify: expected 409, got %d", rr.Code)
	}
}

func TestResendVerificationOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	h := api.Handler()

	rr := doJSON(t, h, http.MethodPost, "/v1/auth/register",
		map[string]string{"email": "alice@example.com", "password": "Secret123!"}, nil)
	firstToken := decodeBody(t, rr)["verify_token"].(string)

	rr = doJSON(t, h, http.MethodPost, "/v1/auth/verify-email/resend",
		map[string]string{"email": "alice@example.com"}, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("resend: expected 202, got %d", rr.Code)
	}
	resent, ok := decodeBody(t, rr)["verify_token"].(string)
	if !ok || resent == "" {
		t.Fatal("expected a fresh verify_token in resend response")
	}

	// The original token died when the replacement was issued.
	rr = doJSON(t, h, http.MethodPost, "/v1/auth/verify-email",
		map[string]string{"token": firstToken}, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("stale token: expected 409, got %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/auth/verify-email",
		map[string]string{"token": resent}, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("fresh token: expected 204, got %d", rr.Code)
	}

	// Verified accounts and unknown addresses get the same quiet 202.
	for _, email := range []string{"alice@example.com", "nobody@example.com"} {
		rr = doJSON(t, h, http.MethodPost, "/v1/auth/verify-email/resend",
			map[string]string{"email": email}, nil)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("resend %s: expected 202, got %d", email, rr.Code)
		}
		if _, leaked := decodeBody(t, rr)["verify_token"]; leaked {
			t.Fatalf("resend %s: token must not be issued", email)
		}
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	api := newTestAPI(t)
	h := api.Handler()

	doJSON(t, h, http.MethodPost, "/v1/auth/register",
		map[string]string{"email": "alice@example.com", "password": "Secret123!"}, nil)
	rr := doJSON(t, h, http.MethodPost, "/v1/auth/register",
		map[string]string{"email": "Alice@Example.com", "password": "Secret123!"}, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api := newTestAPI(t)

	rr := doJSON(t, api.Handler(), http.MethodGet, "/v1/auth/login", nil, nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	if rr.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("Allow = %q", rr.Header().Get("Allow"))
	}
}

func TestOAuthUnknownProvider(t *testing.T) {
	api := newTestAPI(t)

	rr := doJSON(t, api.Handler(), http.MethodGet, "/v1/auth/oauth/facebook/start", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestMalformedJSONBody(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", bytes.NewBufferString("{"))
	req.RemoteAddr = "10.0.0.1:4444"
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}
