package oauthmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	gateway "github.com/gaud/gaud/internal"
)

const (
	kiroDesktopRefreshURL = "https://prod.us-east-1.auth.desktop.kiro.dev/refreshToken"
	kiroSSOOIDCRefreshURL = "https://oidc.us-east-1.amazonaws.com/token"
)

var _ Flow = (*KiroFlow)(nil)

// KiroFlow implements the proprietary refresh Kiro uses: a plain Desktop
// refresh (POST {"refreshToken"}) when the stored token carries no client
// credentials, or an AWS SSO-OIDC refresh (POST with clientId+clientSecret)
// when it does. The composite refresh token is "refreshToken", or
// "refreshToken|clientId|clientSecret" for the SSO-OIDC case — both opaque
// to the token store, interpreted only here.
type KiroFlow struct {
	http *http.Client
}

// NewKiroFlow returns a KiroFlow.
func NewKiroFlow() *KiroFlow {
	return &KiroFlow{http: &http.Client{Timeout: 30 * time.Second}}
}

// Provider returns "kiro".
func (f *KiroFlow) Provider() string { return "kiro" }

// Refresh exchanges tok's refresh material for a new access token, routing
// to the Desktop or AWS SSO-OIDC endpoint based on the composite token shape.
func (f *KiroFlow) Refresh(ctx context.Context, tok *gateway.Token) (*gateway.Token, error) {
	refreshToken, clientID, clientSecret, isSSOOIDC := splitCompositeRefresh(tok.RefreshToken)
	if isSSOOIDC {
		return f.refreshSSOOIDC(ctx, tok, refreshToken, clientID, clientSecret)
	}
	return f.refreshDesktop(ctx, tok, refreshToken)
}

// splitCompositeRefresh parses the "|"-joined composite refresh token.
func splitCompositeRefresh(composite string) (refreshToken, clientID, clientSecret string, isSSOOIDC bool) {
	parts := strings.SplitN(composite, "|", 3)
	if len(parts) == 3 && parts[1] != "" && parts[2] != "" {
		return parts[0], parts[1], parts[2], true
	}
	return parts[0], "", "", false
}

func (f *KiroFlow) refreshDesktop(ctx context.Context, tok *gateway.Token, refreshToken string) (*gateway.Token, error) {
	body, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return nil, fmt.Errorf("kiro: marshal desktop refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, kiroDesktopRefreshURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("kiro: build desktop refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return f.doRefresh(req, tok, refreshToken)
}

func (f *KiroFlow) refreshSSOOIDC(ctx context.Context, tok *gateway.Token, refreshToken, clientID, clientSecret string) (*gateway.Token, error) {
	body, err := json.Marshal(map[string]string{
		"refreshToken": refreshToken,
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"grantType":    "refresh_token",
	})
	if err != nil {
		return nil, fmt.Errorf("kiro: marshal sso-oidc refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, kiroSSOOIDCRefreshURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("kiro: build sso-oidc refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	tok2, err := f.doRefresh(req, tok, refreshToken)
	if err != nil {
		return nil, err
	}
	// Preserve the client credentials in the composite token for the next refresh.
	tok2.RefreshToken = tok2.RefreshToken + "|" + clientID + "|" + clientSecret
	return tok2, nil
}

// kiroRefreshResponse is the camelCase envelope both Kiro refresh endpoints
// return.
type kiroRefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
	ProfileArn   string `json:"profileArn"`
}

func (f *KiroFlow) doRefresh(req *http.Request, tok *gateway.Token, fallbackRefresh string) (*gateway.Token, error) {
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kiro: refresh request: %w", err)
	}
	defer resp.Body.Close()

	var out kiroRefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("kiro: decode refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || out.AccessToken == "" {
		return nil, fmt.Errorf("kiro: refresh failed: HTTP %d", resp.StatusCode)
	}

	refreshToken := out.RefreshToken
	if refreshToken == "" {
		refreshToken = fallbackRefresh
	}

	return &gateway.Token{
		Provider:     "kiro",
		AccessToken:  out.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(out.ExpiresIn) * time.Second),
		Scopes:       tok.Scopes,
	}, nil
}
