package oauthmanager

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	gateway "github.com/gaud/gaud/internal"
)

// AuthCodeConfig holds the static OAuth client configuration for a PKCE
// authorization-code provider (Claude, Gemini). Both are public clients:
// no client secret, PKCE S256 in its place.
type AuthCodeConfig struct {
	Provider string
	ClientID string
	AuthURL  string
	TokenURL string
	Scopes   []string
}

// authCodeFlow implements AuthCodeFlow on top of golang.org/x/oauth2's
// Config, adding the PKCE challenge/verifier exchange the package leaves to
// the caller.
type authCodeFlow struct {
	cfg    AuthCodeConfig
	oauth2 *oauth2.Config
}

// NewAuthCodeFlow returns an AuthCodeFlow for cfg.
func NewAuthCodeFlow(cfg AuthCodeConfig) AuthCodeFlow {
	return &authCodeFlow{
		cfg: cfg,
		oauth2: &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL},
			Scopes:   cfg.Scopes,
		},
	}
}

func (f *authCodeFlow) Provider() string { return f.cfg.Provider }

func (f *authCodeFlow) AuthorizeURL(redirectURI string) (authURL, verifier, state string) {
	verifier, err := newPKCEVerifier()
	if err != nil {
		return "", "", ""
	}
	state, err = newState()
	if err != nil {
		return "", "", ""
	}

	f.oauth2.RedirectURL = redirectURI
	authURL = f.oauth2.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", pkceChallenge(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"))
	return authURL, verifier, state
}

func (f *authCodeFlow) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*gateway.Token, error) {
	f.oauth2.RedirectURL = redirectURI
	tok, err := f.oauth2.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", verifier))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", gateway.ErrExchangeFailed, f.cfg.Provider, err)
	}
	return toGatewayToken(f.cfg.Provider, tok), nil
}

func (f *authCodeFlow) Refresh(ctx context.Context, tok *gateway.Token) (*gateway.Token, error) {
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("%s: no refresh token stored", f.cfg.Provider)
	}
	// TokenSource only calls the token endpoint when the seed token is
	// invalid, so backdate Expiry to force the refresh the caller asked for.
	src := f.oauth2.TokenSource(ctx, &oauth2.Token{
		RefreshToken: tok.RefreshToken,
		Expiry:       time.Now().Add(-time.Hour),
	})
	refreshed, err := src.Token()
	if err != nil {
		return nil, err
	}
	out := toGatewayToken(f.cfg.Provider, refreshed)
	if out.RefreshToken == "" {
		out.RefreshToken = tok.RefreshToken
	}
	return out, nil
}

func toGatewayToken(provider string, t *oauth2.Token) *gateway.Token {
	return &gateway.Token{
		Provider:     provider,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    t.Expiry,
	}
}
