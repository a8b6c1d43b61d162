// Package federation drives the OAuth2 authorization-code flow against
// external identity providers, with PKCE on every exchange. The package owns
// the browser-facing handshake only: what to do with the returned profile
// (create a user, link an identity) is the engine's decision.
package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"lavka.dev/internal/kv"
)

var (
	ErrUnknownProvider = errors.New("federation: unknown provider")
	ErrInvalidState    = errors.New("federation: invalid or expired state")
	ErrExchangeFailed  = errors.New("federation: code exchange failed")
	ErrProfileRejected = errors.New("federation: provider returned unusable profile")
)

const (
	defaultStateTTL    = 10 * time.Minute
	defaultHTTPTimeout = 10 * time.Second
	statePrefix        = "oauth:"
)

// Profile is the normalized identity a provider vouches for.
type Profile struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}

// Provider describes one upstream identity provider. ParseProfile maps the
// provider's userinfo payload onto the normalized Profile.
type Provider struct {
	Name         string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	AuthURL      string
	TokenURL     string
	ProfileURL   string
	Scopes       []string
	ParseProfile func(name string, body []byte) (Profile, error)
}

// stateRecord is what survives between the redirect out and the callback in.
type stateRecord struct {
	Provider string `json:"provider"`
	Verifier string `json:"verifier"`
}

// Flow runs the OAuth2 handshake for a set of registered providers.
type Flow struct {
	providers map[string]Provider
	states    kv.Store
	client    *http.Client
	stateTTL  time.Duration
}

// FlowOption configures a Flow.
type FlowOption func(*Flow)

// WithStateTTL bounds how long a started handshake stays redeemable.
func WithStateTTL(ttl time.Duration) FlowOption {
	return func(f *Flow) {
		if ttl > 0 {
			f.stateTTL = ttl
		}
	}
}

// WithHTTPClient overrides the client used for token and profile requests.
func WithHTTPClient(c *http.Client) FlowOption {
	return func(f *Flow) {
		if c != nil {
			f.client = c
		}
	}
}

func NewFlow(states kv.Store, providers []Provider, opts ...FlowOption) (*Flow, error) {
	f := &Flow{
		providers: make(map[string]Provider, len(providers)),
		states:    states,
		client:    &http.Client{Timeout: defaultHTTPTimeout},
		stateTTL:  defaultStateTTL,
	}
	for _, p := range providers {
		if p.Name == "" || p.ClientID == "" || p.AuthURL == "" || p.TokenURL == "" {
			return nil, fmt.Errorf("federation: incomplete provider config %q", p.Name)
		}
		if p.ParseProfile == nil {
			return nil, fmt.Errorf("federation: provider %q has no profile parser", p.Name)
		}
		f.providers[p.Name] = p
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Providers lists the registered provider names, sorted.
func (f *Flow) Providers() []string {
	names := make([]string, 0, len(f.providers))
	for name := range f.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start opens a handshake with the provider: it parks a one-time state with
// the PKCE verifier and returns the authorization URL to redirect the user to.
func (f *Flow) Start(ctx context.Context, provider string) (authURL string, err error) {
	p, ok := f.providers[provider]
	if !ok {
		return "", ErrUnknownProvider
	}

	state, err := randomToken()
	if err != nil {
		return "", err
	}
	verifier, challenge, err := newPKCE()
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(stateRecord{Provider: provider, Verifier: verifier})
	if err != nil {
		return "", err
	}
	if err := f.states.Set(ctx, statePrefix+state, payload, f.stateTTL); err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", p.ClientID)
	q.Set("redirect_uri", p.RedirectURI)
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	if len(p.Scopes) > 0 {
		q.Set("scope", strings.Join(p.Scopes, " "))
	}
	return p.AuthURL + "?" + q.Encode(), nil
}

// Complete finishes the handshake: it consumes the state, exchanges the code
// for an access token, and fetches the normalized profile. The state is
// burned on first use whatever happens next, so a replayed callback fails
// with ErrInvalidState.
func (f *Flow) Complete(ctx context.Context, provider, state, code string) (Profile, error) {
	p, ok := f.providers[provider]
	if !ok {
		return Profile{}, ErrUnknownProvider
	}
	if state == "" || code == "" {
		return Profile{}, ErrInvalidState
	}

	raw, err := f.states.TakeOnce(ctx, statePrefix+state)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Profile{}, ErrInvalidState
		}
		return Profile{}, err
	}
	var rec stateRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Profile{}, ErrInvalidState
	}
	if rec.Provider != provider {
		return Profile{}, ErrInvalidState
	}

	accessToken, err := f.exchange(ctx, p, code, rec.Verifier)
	if err != nil {
		return Profile{}, err
	}
	return f.fetchProfile(ctx, p, accessToken)
}

func (f *Flow) exchange(ctx context.Context, p Provider, code, verifier string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", p.ClientID)
	form.Set("client_secret", p.ClientSecret)
	form.Set("redirect_uri", p.RedirectURI)
	form.Set("code_verifier", verifier)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrExchangeFailed, resp.StatusCode)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(body, &tok); err != nil || tok.AccessToken == "" {
		return "", fmt.Errorf("%w: no access token in response", ErrExchangeFailed)
	}
	return tok.AccessToken, nil
}

func (f *Flow) fetchProfile(ctx context.Context, p Provider, accessToken string) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.ProfileURL, nil)
	if err != nil {
		return Profile{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrProfileRejected, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrProfileRejected, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("%w: userinfo endpoint returned %d", ErrProfileRejected, resp.StatusCode)
	}
	return p.ParseProfile(p.Name, body)
}
