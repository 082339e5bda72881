// Package oauthmanager owns the OAuth token lifecycle for provider adapters
// that authenticate as a user rather than with a static API key: PKCE
// authorization code (Claude, Gemini), device code (Copilot), and the
// proprietary refresh-token flows Kiro uses (Desktop and AWS-SSO-OIDC).
//
// It generalizes the transport-decoration idiom in internal/cloudauth (wrap
// an http.RoundTripper with a bearer token sourced from a refreshable
// provider) into a manager that owns the refresh lifecycle itself, since
// these flows need more state (PKCE verifiers, device codes, composite
// refresh tokens) than a single TokenSource captures.
package oauthmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gateway "github.com/gaud/gaud/internal"
	"github.com/gaud/gaud/internal/tokenstore"
)

// refreshThreshold is how far ahead of expiry a token is proactively
// refreshed, per spec.
const refreshThreshold = 60 * time.Second

// Flow implements the provider-specific parts of the OAuth lifecycle:
// building an authorize URL (or starting a device code), exchanging a code
// or polling for device-code completion, and refreshing an access token.
// Each provider package (claude, gemini, copilot, kiro) supplies one.
type Flow interface {
	// Provider returns the provider id this flow authenticates.
	Provider() string
	// Refresh exchanges tok's refresh material for a new access token.
	Refresh(ctx context.Context, tok *gateway.Token) (*gateway.Token, error)
}

// AuthCodeFlow additionally supports interactive PKCE authorization-code
// login (Claude, Gemini).
type AuthCodeFlow interface {
	Flow
	// AuthorizeURL returns the URL to send the user's browser to, along with
	// the PKCE verifier and state the callback handler must present back to
	// ExchangeCode.
	AuthorizeURL(redirectURI string) (url, verifier, state string)
	// ExchangeCode trades an authorization code for a token.
	ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*gateway.Token, error)
}

// DeviceCodeFlow additionally supports RFC 8628 device-code login (Copilot).
type DeviceCodeFlow interface {
	Flow
	// StartDeviceAuth requests a device code and returns the fields the
	// caller displays to the user (user_code, verification_uri, interval).
	StartDeviceAuth(ctx context.Context) (DeviceAuth, error)
	// PollDeviceToken polls the token endpoint at the interval DeviceAuth
	// specified until the user completes the flow, the code expires, or ctx
	// is canceled.
	PollDeviceToken(ctx context.Context, auth DeviceAuth) (*gateway.Token, error)
}

// DeviceAuth is the server response to a device-code start request.
type DeviceAuth struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	Interval        time.Duration
	ExpiresAt       time.Time
}

// Manager owns one Flow per provider and serializes refreshes so concurrent
// callers observing an expired token share a single in-flight refresh call
// instead of issuing duplicates (grounded on the teacher's registry
// double-check-locking idiom, generalized from lazy construction to
// request coalescing).
type Manager struct {
	store tokenstore.Store
	log   *slog.Logger

	mu       sync.Mutex
	flows    map[string]Flow
	inflight map[string]*refreshCall
}

type refreshCall struct {
	done chan struct{}
	tok  *gateway.Token
	err  error
}

// New returns a Manager backed by store.
func New(store tokenstore.Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:    store,
		log:      log,
		flows:    make(map[string]Flow),
		inflight: make(map[string]*refreshCall),
	}
}

// Register wires a provider's Flow into the manager.
func (m *Manager) Register(f Flow) {
	m.mu.Lock()
	m.flows[f.Provider()] = f
	m.mu.Unlock()
}

// GetAccessToken returns a valid access token for provider, refreshing it
// first if it is within refreshThreshold of expiring.
func (m *Manager) GetAccessToken(ctx context.Context, provider string) (string, error) {
	tok, err := m.store.Load(ctx, provider)
	if err != nil {
		return "", fmt.Errorf("%w: %s", gateway.ErrNotAuthenticated, provider)
	}
	if !tok.Expired(refreshThreshold) {
		return tok.AccessToken, nil
	}
	refreshed, err := m.refresh(ctx, provider, tok)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// ForceRefresh discards the cached-valid assumption and refreshes
// unconditionally. Adapters call this after a 403 from the upstream API and
// retry exactly once with the result.
func (m *Manager) ForceRefresh(ctx context.Context, provider string) (string, error) {
	tok, err := m.store.Load(ctx, provider)
	if err != nil {
		return "", fmt.Errorf("%w: %s", gateway.ErrNotAuthenticated, provider)
	}
	refreshed, err := m.refresh(ctx, provider, tok)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// refresh coalesces concurrent refreshes for the same provider into a
// single upstream call.
func (m *Manager) refresh(ctx context.Context, provider string, tok *gateway.Token) (*gateway.Token, error) {
	m.mu.Lock()
	if call, ok := m.inflight[provider]; ok {
		m.mu.Unlock()
		<-call.done
		return call.tok, call.err
	}

	flow, ok := m.flows[provider]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: no oauth flow registered for %s", gateway.ErrNotAuthenticated, provider)
	}

	call := &refreshCall{done: make(chan struct{})}
	m.inflight[provider] = call
	m.mu.Unlock()

	refreshed, err := flow.Refresh(ctx, tok)
	if err != nil {
		call.err = fmt.Errorf("%w: %s: %v", gateway.ErrRefreshFailed, provider, err)
	} else {
		call.tok = refreshed
		if saveErr := m.store.Save(ctx, provider, refreshed); saveErr != nil {
			m.log.LogAttrs(ctx, slog.LevelWarn, "oauthmanager: save refreshed token failed",
				slog.String("provider", provider), slog.String("error", saveErr.Error()))
		}
	}

	m.mu.Lock()
	delete(m.inflight, provider)
	m.mu.Unlock()
	close(call.done)

	return call.tok, call.err
}

// StartAuthCode begins the PKCE authorization-code flow for provider and
// returns the URL to send the user to. The verifier/state must be retained
// (by the caller, typically a short-lived server-side session keyed on
// state) until CompleteAuthCode is invoked.
func (m *Manager) StartAuthCode(provider, redirectURI string) (authURL, verifier, state string, err error) {
	f, ok := m.flows[provider].(AuthCodeFlow)
	if !ok {
		return "", "", "", fmt.Errorf("oauthmanager: %s does not support authorization-code flow", provider)
	}
	u, v, s := f.AuthorizeURL(redirectURI)
	return u, v, s, nil
}

// CompleteAuthCode exchanges an authorization code for a token and persists
// it, completing the flow started by StartAuthCode.
func (m *Manager) CompleteAuthCode(ctx context.Context, provider, code, verifier, redirectURI string) error {
	f, ok := m.flows[provider].(AuthCodeFlow)
	if !ok {
		return fmt.Errorf("oauthmanager: %s does not support authorization-code flow", provider)
	}
	tok, err := f.ExchangeCode(ctx, code, verifier, redirectURI)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", gateway.ErrExchangeFailed, provider, err)
	}
	return m.store.Save(ctx, provider, tok)
}

// StartDeviceAuth begins the device-code flow for provider.
func (m *Manager) StartDeviceAuth(ctx context.Context, provider string) (DeviceAuth, error) {
	f, ok := m.flows[provider].(DeviceCodeFlow)
	if !ok {
		return DeviceAuth{}, fmt.Errorf("oauthmanager: %s does not support device-code flow", provider)
	}
	return f.StartDeviceAuth(ctx)
}

// CompleteDeviceAuth polls until the device-code flow resolves and persists
// the resulting token.
func (m *Manager) CompleteDeviceAuth(ctx context.Context, provider string, auth DeviceAuth) error {
	f, ok := m.flows[provider].(DeviceCodeFlow)
	if !ok {
		return fmt.Errorf("oauthmanager: %s does not support device-code flow", provider)
	}
	tok, err := f.PollDeviceToken(ctx, auth)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", gateway.ErrExchangeFailed, provider, err)
	}
	return m.store.Save(ctx, provider, tok)
}
