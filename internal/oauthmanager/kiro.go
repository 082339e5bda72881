package oauthmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	gateway "github.com/gaud/gaud/internal"
)

// KiroConfig holds the static configuration for Kiro's token refresh. Kiro
// has no interactive login of its own: a token is seeded out of band (the
// Kiro desktop app writes one, or an operator configures AWS SSO-OIDC
// credentials) and this flow only ever refreshes it.
//
// When ClientID and ClientSecret are both set, refresh targets the AWS
// SSO-OIDC CreateToken API (the IDE/CLI login path); otherwise it targets
// the Kiro Desktop app's own refresh endpoint.
type KiroConfig struct {
	Provider     string
	RefreshURL   string // Desktop refresh endpoint
	SSOOIDCURL   string // AWS SSO-OIDC token endpoint, e.g. https://oidc.<region>.amazonaws.com/token
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

// IsSSOOIDC reports whether this config targets AWS SSO-OIDC rather than
// the Kiro Desktop app, determined by the presence of both client
// credentials.
func (c KiroConfig) IsSSOOIDC() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

type kiroFlow struct {
	cfg KiroConfig
}

// NewKiroConfigFlow returns a Flow that refreshes Kiro tokens via Desktop or
// AWS SSO-OIDC depending on cfg.
func NewKiroConfigFlow(cfg KiroConfig) Flow {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &kiroFlow{cfg: cfg}
}

func (f *kiroFlow) Provider() string { return f.cfg.Provider }

func (f *kiroFlow) Refresh(ctx context.Context, tok *gateway.Token) (*gateway.Token, error) {
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("%s: no refresh token stored", f.cfg.Provider)
	}
	if f.cfg.IsSSOOIDC() {
		return f.refreshSSOOIDC(ctx, tok)
	}
	return f.refreshDesktop(ctx, tok)
}

// refreshSSOOIDC calls the AWS SSO-OIDC CreateToken API with a
// refresh_token grant, as used by Kiro's IDE/CLI login path.
func (f *kiroFlow) refreshSSOOIDC(ctx context.Context, tok *gateway.Token) (*gateway.Token, error) {
	payload, err := json.Marshal(map[string]string{
		"clientId":     f.cfg.ClientID,
		"clientSecret": f.cfg.ClientSecret,
		"grantType":    "refresh_token",
		"refreshToken": tok.RefreshToken,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.SSOOIDCURL, strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-amz-json-1.1")
	req.Header.Set("X-Amz-Target", "AWSSSOOIDCService.CreateToken")

	resp, err := f.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: sso-oidc refresh: %w", f.cfg.Provider, err)
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int64  `json:"expiresIn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", gateway.ErrTokenDecode, f.cfg.Provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: sso-oidc refresh returned %d", f.cfg.Provider, resp.StatusCode)
	}

	refreshToken := body.RefreshToken
	if refreshToken == "" {
		refreshToken = tok.RefreshToken
	}
	return &gateway.Token{
		Provider:     f.cfg.Provider,
		AccessToken:  body.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}

// refreshDesktop calls the Kiro Desktop app's own local refresh endpoint,
// which takes a bare refresh token and returns a new access token pair.
func (f *kiroFlow) refreshDesktop(ctx context.Context, tok *gateway.Token) (*gateway.Token, error) {
	payload, err := json.Marshal(map[string]string{"refreshToken": tok.RefreshToken})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.RefreshURL, strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: desktop refresh: %w", f.cfg.Provider, err)
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int64  `json:"expiresIn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", gateway.ErrTokenDecode, f.cfg.Provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: desktop refresh returned %d", f.cfg.Provider, resp.StatusCode)
	}

	refreshToken := body.RefreshToken
	if refreshToken == "" {
		refreshToken = tok.RefreshToken
	}
	return &gateway.Token{
		Provider:     f.cfg.Provider,
		AccessToken:  body.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}
